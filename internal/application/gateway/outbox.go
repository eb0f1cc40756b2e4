package gateway

import (
	"errors"
	"sync"

	"tickerflow/internal/domain"
)

var ErrOutboxClosed = errors.New("outbox closed")

// Outbox is a bounded per-client queue. When full, Push evicts the oldest
// pending envelope so a slow reader only loses its own stale updates.
type Outbox struct {
	mu      sync.Mutex
	buf     []domain.Envelope
	head    int
	size    int
	dropped int64
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{
		buf:    make([]domain.Envelope, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push never blocks. It reports whether an older envelope was evicted.
func (o *Outbox) Push(env domain.Envelope) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false, ErrOutboxClosed
	}

	evicted := false
	if o.size == len(o.buf) {
		o.buf[o.head] = domain.Envelope{}
		o.head = (o.head + 1) % len(o.buf)
		o.size--
		o.dropped++
		evicted = true
	}
	o.buf[(o.head+o.size)%len(o.buf)] = env
	o.size++

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return evicted, nil
}

// Drain moves every pending envelope into dst, oldest first.
func (o *Outbox) Drain(dst []domain.Envelope) []domain.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()

	for o.size > 0 {
		dst = append(dst, o.buf[o.head])
		o.buf[o.head] = domain.Envelope{}
		o.head = (o.head + 1) % len(o.buf)
		o.size--
	}
	return dst
}

// Ready is signalled after a Push.
func (o *Outbox) Ready() <-chan struct{} {
	return o.notify
}

// Done is closed by Close.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

func (o *Outbox) Dropped() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
