package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/adapters/cache"
	"tickerflow/internal/application/gateway"
	"tickerflow/internal/domain"
	"tickerflow/pkg/logger"
)

type testServer struct {
	url   string
	cache *cache.MemoryCache
}

func newTestServer(t *testing.T, opts HandlerOptions) *testServer {
	t.Helper()
	store := cache.NewMemoryCache(logger.Discard())
	hub := gateway.NewHub(store, store, gateway.HubOptions{ClientBuffer: 32}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	srv := httptest.NewServer(NewHandler(hub, store, opts, logger.Discard()).Routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testServer{url: srv.URL, cache: store}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.url, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) put(t *testing.T, snap domain.TickerSnapshot) {
	t.Helper()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, s.cache.Set(context.Background(), snap.Key(), raw, time.Minute))
}

func send(t *testing.T, conn *websocket.Conn, kind domain.MessageKind, payload any) {
	t.Helper()
	env, err := domain.NewEnvelope(kind, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func read(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env domain.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

var btc = domain.TickerSnapshot{
	Exchange: "upbit", BaseToken: "BTC", QuoteToken: "KRW",
	Price: 50000000, Volume: 10, Change24h: 0.01,
	Timestamp: time.UnixMilli(1700000000000).UTC(),
}

func TestWebSocketSubscribeAndReceive(t *testing.T) {
	s := newTestServer(t, HandlerOptions{})
	conn := s.dial(t)

	send(t, conn, domain.KindSubscribe, domain.SubscriptionParams{AssetType: domain.AssetCrypto, Symbols: []string{"btc"}})
	send(t, conn, domain.KindSnapshotRequest, nil)
	require.Equal(t, domain.KindSnapshot, read(t, conn).Event)

	eth := btc
	eth.BaseToken = "ETH"
	s.put(t, eth)
	s.put(t, btc)

	env := read(t, conn)
	require.Equal(t, domain.KindDataUpdate, env.Event)
	var u domain.DataUpdate
	require.NoError(t, env.Decode(&u))
	require.NotNil(t, u.Ticker)
	assert.Equal(t, "BTC", u.Ticker.Symbol)
	assert.Equal(t, 50000000.0, u.Ticker.Price)
}

func TestWebSocketRejectsBadMessages(t *testing.T) {
	s := newTestServer(t, HandlerOptions{})
	conn := s.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe-ticker"}`)))
	env := read(t, conn)
	require.Equal(t, domain.KindError, env.Event)

	send(t, conn, domain.KindSubscribe, domain.SubscriptionParams{AssetType: "forex"})
	env = read(t, conn)
	require.Equal(t, domain.KindError, env.Event)
	var p domain.ErrorPayload
	require.NoError(t, env.Decode(&p))
	assert.Contains(t, p.Message, "forex")

	send(t, conn, domain.KindDataUpdate, domain.DataUpdate{DataType: domain.DataTicker})
	assert.Equal(t, domain.KindError, read(t, conn).Event)
}

func TestWebSocketSnapshotOnConnect(t *testing.T) {
	s := newTestServer(t, HandlerOptions{SnapshotOnConnect: true})
	s.put(t, btc)

	conn := s.dial(t)
	env := read(t, conn)
	require.Equal(t, domain.KindSnapshot, env.Event)
	var snap domain.SnapshotPayload
	require.NoError(t, env.Decode(&snap))
	require.Len(t, snap.Tickers, 1)
	assert.Equal(t, "BTC", snap.Tickers[0].Symbol)
	assert.Equal(t, btc.Price, snap.Tickers[0].Price)
	assert.Equal(t, domain.AssetCrypto, snap.Tickers[0].AssetType)
}

func TestGetTicker(t *testing.T) {
	s := newTestServer(t, HandlerOptions{})
	s.put(t, btc)

	resp, err := http.Get(s.url + "/tickers/upbit/btc/krw")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got domain.TickerSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, btc, got)

	missing, err := http.Get(s.url + "/tickers/upbit/doge/krw")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, HandlerOptions{Status: func() map[string]bool { return map[string]bool{"upbit": true} }})

	resp, err := http.Get(s.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status    string          `json:"status"`
		Cache     string          `json:"cache"`
		Exchanges map[string]bool `json:"exchanges"`
		Gateway   gateway.Stats   `json:"gateway"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "connected", body.Cache)
	assert.True(t, body.Exchanges["upbit"])
}
