// Package subscription keeps a session's gateway subscription in step with
// what the user is looking at.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tickerflow/internal/domain"
)

var ErrClosed = errors.New("subscription manager closed")

// Channel is the transport the manager talks through.
type Channel interface {
	Send(ctx context.Context, env domain.Envelope) error
	Close() error
}

// Manager owns one interest area on one channel. At most one subscription is
// live at a time: the previous params are always unsubscribed before the
// next ones are subscribed.
type Manager struct {
	ch     Channel
	logger *slog.Logger

	mu      sync.Mutex
	desired domain.SubscriptionParams
	hasWant bool
	// hidden is set while the reported visible set is empty. Nothing is
	// subscribed then, since no symbols on the wire means every symbol.
	hidden bool
	active domain.SubscriptionParams
	live   bool
	closed bool
}

func NewManager(ch Channel, logger *slog.Logger) *Manager {
	return &Manager{ch: ch, logger: logger.With("component", "subscription")}
}

// SetInterest replaces asset type, channel, data types and timeframe. The
// symbol set is replaced as well when p carries one.
func (m *Manager) SetInterest(ctx context.Context, p domain.SubscriptionParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	next := p
	if len(p.Symbols) == 0 {
		next.Symbols = m.desired.Symbols
	} else {
		m.hidden = false
	}
	next = next.Normalize()
	if err := next.Validate(); err != nil {
		return err
	}
	m.desired = next
	m.hasWant = true
	return m.sync(ctx)
}

// SetVisibleSymbols reports the symbols currently on screen. Nothing is sent
// when the set is unchanged. An empty set drops the live subscription until a
// non-empty one arrives.
func (m *Manager) SetVisibleSymbols(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.desired.Symbols = domain.NormalizeSymbols(symbols)
	m.hidden = len(m.desired.Symbols) == 0
	if !m.hasWant {
		return nil
	}
	return m.sync(ctx)
}

// Resubscribe re-issues the desired state after a reconnect. The transport is
// assumed to have forgotten everything.
func (m *Manager) Resubscribe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.live = false
	if !m.hasWant {
		return nil
	}
	m.logger.Info("Restoring subscription", "asset_type", m.desired.AssetType, "symbols", len(m.desired.Symbols))
	return m.sync(ctx)
}

// Close unsubscribes and then closes the channel. The channel is closed even
// when the unsubscribe fails.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var unsubErr error
	if m.live {
		unsubErr = m.send(ctx, domain.KindUnsubscribe, m.active)
		m.live = false
	}
	return errors.Join(unsubErr, m.ch.Close())
}

// Active returns the params of the live subscription, if any.
func (m *Manager) Active() (domain.SubscriptionParams, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.live
}

// sync moves the live subscription to the desired params. m.mu is held.
func (m *Manager) sync(ctx context.Context) error {
	if m.live && !m.hidden && m.active.Equal(m.desired) {
		return nil
	}

	if m.live {
		err := m.send(ctx, domain.KindUnsubscribe, m.active)
		m.live = false
		if err != nil {
			return err
		}
	}

	// Nothing on screen: stay unsubscribed.
	if m.hidden {
		return nil
	}

	if err := m.send(ctx, domain.KindSubscribe, m.desired); err != nil {
		return err
	}
	m.active = m.desired
	m.live = true
	return nil
}

func (m *Manager) send(ctx context.Context, kind domain.MessageKind, p domain.SubscriptionParams) error {
	env, err := domain.NewEnvelope(kind, p)
	if err != nil {
		return err
	}
	if err := m.ch.Send(ctx, env); err != nil {
		m.logger.Warn("Send failed", "event", kind, "error", err)
		return fmt.Errorf("%s: %w", kind, err)
	}
	m.logger.Debug("Sent", "event", kind, "asset_type", p.AssetType, "symbols", p.Symbols)
	return nil
}
