package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tickerflow/internal/domain"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type UpbitOptions struct {
	Name           string
	WSURL          string
	MarketURL      string
	Quote          string
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
}

// UpbitExchange holds exactly one stream connection to Upbit.
type UpbitExchange struct {
	name           string
	wsURL          string
	marketURL      string
	quote          string
	reconnectDelay time.Duration
	httpClient     *http.Client
	dialer         *websocket.Dialer
	logger         *slog.Logger

	mu      sync.RWMutex // guards conn, markets and codes
	conn    *websocket.Conn
	markets []domain.MarketInfo
	codes   []string

	state      atomic.Int32
	subscribeN atomic.Int64
}

func NewUpbitExchange(opts UpbitOptions, logger *slog.Logger) *UpbitExchange {
	if opts.Name == "" {
		opts.Name = "upbit"
	}
	if opts.Quote == "" {
		opts.Quote = "KRW"
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &UpbitExchange{
		name:           opts.Name,
		wsURL:          opts.WSURL,
		marketURL:      opts.MarketURL,
		quote:          opts.Quote,
		reconnectDelay: opts.ReconnectDelay,
		httpClient:     opts.HTTPClient,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         logger.With("exchange", opts.Name),
	}
}

func (e *UpbitExchange) Name() string {
	return e.name
}

func (e *UpbitExchange) AssetType() domain.AssetType {
	return domain.AssetCrypto
}

func (e *UpbitExchange) State() State {
	return State(e.state.Load())
}

func (e *UpbitExchange) setState(s State) {
	if prev := State(e.state.Swap(int32(s))); prev != s {
		e.logger.Debug("State changed", "from", prev, "to", s)
	}
}

func (e *UpbitExchange) IsConnected() bool {
	s := e.State()
	return s == StateSubscribed || s == StateStreaming
}

// Markets returns the last fetched symbol directory.
func (e *UpbitExchange) Markets() []domain.MarketInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.MarketInfo(nil), e.markets...)
}

// Subscriptions counts subscribe frames sent over the lifetime of the adapter.
func (e *UpbitExchange) Subscriptions() int64 {
	return e.subscribeN.Load()
}

// Connect fetches the directory (first time only), dials the stream and
// subscribes to every code of the configured quote currency.
func (e *UpbitExchange) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.setState(StateConnecting)

	if len(e.codes) == 0 {
		if err := e.fetchMarkets(ctx); err != nil {
			e.setState(StateDisconnected)
			return err
		}
	}

	e.logger.Info("Connecting to exchange", "url", e.wsURL)
	conn, _, err := e.dialer.DialContext(ctx, e.wsURL, nil)
	if err != nil {
		e.setState(StateDisconnected)
		return fmt.Errorf("failed to connect to %s at %s: %w", e.name, e.wsURL, err)
	}

	frame := subscribeFrame("tickerflow-"+e.name, e.codes)
	if err := conn.WriteJSON(frame); err != nil {
		conn.Close()
		e.setState(StateDisconnected)
		return fmt.Errorf("failed to subscribe to %s: %w", e.name, err)
	}
	e.subscribeN.Add(1)

	e.conn = conn
	e.setState(StateSubscribed)
	e.logger.Info("Subscribed to exchange", "codes", len(e.codes))
	return nil
}

func (e *UpbitExchange) fetchMarkets(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.marketURL, nil)
	if err != nil {
		return fmt.Errorf("build market request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s markets: %w", e.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s markets: unexpected status %d", e.name, resp.StatusCode)
	}

	var all []domain.MarketInfo
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return fmt.Errorf("decode %s markets: %w", e.name, err)
	}

	prefix := e.quote + "-"
	markets := make([]domain.MarketInfo, 0, len(all))
	codes := make([]string, 0, len(all))
	for _, m := range all {
		if strings.HasPrefix(m.Market, prefix) {
			markets = append(markets, m)
			codes = append(codes, m.Market)
		}
	}
	if len(codes) == 0 {
		return fmt.Errorf("no %s markets found on %s", e.quote, e.name)
	}

	e.markets = markets
	e.codes = codes
	e.logger.Info("Fetched market directory", "total", len(all), "selected", len(codes))
	return nil
}

func (e *UpbitExchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.setState(StateDisconnected)
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	e.logger.Info("Connection closed")
	return err
}

func (e *UpbitExchange) dropConn(conn *websocket.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == conn {
		e.conn.Close()
		e.conn = nil
	}
	e.setState(StateDisconnected)
}

func (e *UpbitExchange) currentConn() *websocket.Conn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conn
}

// ReadTickers streams normalized snapshots until ctx is done. Connection loss
// schedules a reconnect after the fixed delay; a bad frame is dropped alone.
func (e *UpbitExchange) ReadTickers(ctx context.Context) (<-chan domain.TickerSnapshot, <-chan error) {
	tickerCh := make(chan domain.TickerSnapshot, 256)
	errCh := make(chan error, 16)

	// Closing the socket is the only way to unblock ReadMessage
	go func() {
		<-ctx.Done()
		_ = e.Close()
	}()

	go func() {
		defer func() {
			e.setState(StateDisconnected)
			close(tickerCh)
			close(errCh)
			e.logger.Info("Ticker reader finished")
		}()

		for {
			if ctx.Err() != nil {
				return
			}

			// No stream yet or the last one dropped: reconnect and resubscribe
			conn := e.currentConn()
			if conn == nil {
				if err := e.Connect(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					e.logger.Error("Connect failed", "error", err, "retry_in", e.reconnectDelay)
					report(ctx, errCh, err)
					if !sleep(ctx, e.reconnectDelay) {
						return
					}
					continue
				}
				conn = e.currentConn()
				if conn == nil {
					continue
				}
			}

			// Read error: drop the socket, wait the fixed delay, start over
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("Stream read failed, reconnecting", "error", err, "retry_in", e.reconnectDelay)
				e.dropConn(conn)
				report(ctx, errCh, fmt.Errorf("read from %s: %w", e.name, err))
				if !sleep(ctx, e.reconnectDelay) {
					return
				}
				continue
			}
			e.setState(StateStreaming)

			// Bad frames are skipped, the stream keeps going
			snapshot, err := ParseUpbitTicker(e.name, data)
			if err != nil {
				var perr *domain.ParseError
				if errors.As(err, &perr) {
					e.logger.Warn("Dropping frame", "error", perr.Err, "frame", truncate(perr.Frame, 200))
				}
				report(ctx, errCh, err)
				continue
			}

			select {
			case tickerCh <- snapshot:
			case <-ctx.Done():
				return
			}
		}
	}()

	return tickerCh, errCh
}

// report never blocks the reader.
func report(ctx context.Context, errCh chan<- error, err error) {
	select {
	case errCh <- err:
	case <-ctx.Done():
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
