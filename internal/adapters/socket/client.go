// Package socket is the client end of the gateway websocket protocol.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tickerflow/internal/domain"
)

type Options struct {
	URL            string
	Tokens         domain.TokenProvider
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
	// OnConnect runs after every successful dial, before any inbound message
	// is delivered. The gateway keeps no state across connections, so this is
	// where subscriptions are restored.
	OnConnect func(ctx context.Context) error
}

// Client keeps one connection to the gateway, redialing after a fixed delay.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	writeMu sync.Mutex // one writer at a time, as gorilla requires
	mu      sync.RWMutex
	conn    *websocket.Conn

	updates   chan domain.Envelope
	closed    atomic.Bool
	connects  atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Client{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger.With("component", "socket", "url", opts.URL),
		updates: make(chan domain.Envelope, 256),
		done:    make(chan struct{}),
	}
}

// Updates delivers every inbound envelope. It is closed when Run returns.
func (c *Client) Updates() <-chan domain.Envelope {
	return c.updates
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Connects counts successful dials.
func (c *Client) Connects() int64 {
	return c.connects.Load()
}

// Run dials and reads until ctx is done or Close is called.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.updates)

	for {
		if c.closed.Load() {
			return nil
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Dial failed", "error", err, "retry_in", c.opts.ReconnectDelay)
		} else {
			c.serve(ctx, conn)
		}

		if c.closed.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Tokens != nil {
		token, err := c.opts.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("get token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connects.Add(1)
	c.logger.Info("Connected to gateway")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	if c.opts.OnConnect != nil {
		if err := c.opts.OnConnect(ctx); err != nil {
			c.logger.Warn("Connect hook failed", "error", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && ctx.Err() == nil {
				c.logger.Warn("Connection lost", "error", err)
			}
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Dropping undecodable message", "error", err)
			continue
		}
		select {
		case c.updates <- env:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes one envelope on the current connection.
func (c *Client) Send(ctx context.Context, env domain.Envelope) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Event, err)
	}
	return nil
}

// Close ends the session. Run returns without reconnecting.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}
