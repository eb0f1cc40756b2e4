package cache

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"tickerflow/internal/domain"
)

const feedBuffer = 1024

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process CachePort and UpdateFeed. It also serves as the
// fallback store of RedisCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
	logger  *slog.Logger

	subsMu sync.RWMutex
	subs   map[int]chan domain.CacheEvent
	seq    int
}

func NewMemoryCache(logger *slog.Logger) *MemoryCache {
	return NewMemoryCacheWithClock(logger, time.Now)
}

func NewMemoryCacheWithClock(logger *slog.Logger, now func() time.Time) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]entry),
		now:     now,
		logger:  logger,
		subs:    make(map[int]chan domain.CacheEvent),
	}
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	c.publish(domain.CacheEvent{Key: key, Value: e.value})
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.expired(e) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && c.expired(cur) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// Keys matches live keys against a glob pattern. The result is sorted.
func (c *MemoryCache) Keys(_ context.Context, pattern string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []string
	for key, e := range c.entries {
		if c.expired(e) {
			continue
		}
		if ok, err := path.Match(pattern, key); err == nil && ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *MemoryCache) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

// Updates streams every successful Set until ctx is done. A subscriber that
// falls behind by more than feedBuffer events loses the newest ones.
func (c *MemoryCache) Updates(ctx context.Context) <-chan domain.CacheEvent {
	ch := make(chan domain.CacheEvent, feedBuffer)

	c.subsMu.Lock()
	c.seq++
	id := c.seq
	c.subs[id] = ch
	c.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		c.subsMu.Lock()
		delete(c.subs, id)
		close(ch)
		c.subsMu.Unlock()
	}()
	return ch
}

func (c *MemoryCache) publish(ev domain.CacheEvent) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("Cache update feed full, dropping event", "subscriber", id, "key", ev.Key)
		}
	}
}

// Purge removes expired entries.
func (c *MemoryCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// RunJanitor purges expired entries every interval until ctx is done.
func (c *MemoryCache) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				c.logger.Debug("Purged expired cache entries", "count", n)
			}
		}
	}
}
