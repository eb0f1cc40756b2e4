package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/adapters/auth"
	"tickerflow/internal/application/subscription"
	"tickerflow/internal/domain"
	"tickerflow/pkg/logger"
)

// fakeGateway records subscribe messages, answers each with a data-update and
// drops the first connection after its first message.
type fakeGateway struct {
	url         string
	connections atomic.Int32
	subscribes  chan domain.SubscriptionParams
	auth        chan string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		subscribes: make(chan domain.SubscriptionParams, 16),
		auth:       make(chan string, 16),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := g.connections.Add(1)

		for {
			var env domain.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event == domain.KindSubscribe {
				var p domain.SubscriptionParams
				_ = env.Decode(&p)
				g.subscribes <- p

				update, _ := domain.NewEnvelope(domain.KindDataUpdate, domain.DataUpdate{
					DataType: domain.DataTicker,
					Ticker:   &domain.TickerDelta{Symbol: "BTC", Price: float64(n)},
				})
				_ = conn.WriteJSON(update)
			}
			if n == 1 {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	g.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return g
}

func TestClientRestoresSubscriptionOnReconnect(t *testing.T) {
	gw := newFakeGateway(t)

	var manager *subscription.Manager
	client := NewClient(Options{
		URL:            gw.url,
		Tokens:         auth.NewStaticTokenProvider("secret"),
		ReconnectDelay: 20 * time.Millisecond,
		OnConnect: func(ctx context.Context) error {
			return manager.Resubscribe(ctx)
		},
	}, logger.Discard())
	manager = subscription.NewManager(client, logger.Discard())

	require.ErrorIs(t, client.Send(context.Background(), domain.Envelope{Event: domain.KindSnapshotRequest}), domain.ErrNotConnected)
	// Interest recorded while offline is sent on connect.
	err := manager.SetInterest(context.Background(), domain.SubscriptionParams{AssetType: domain.AssetCrypto, Symbols: []string{"BTC"}})
	require.ErrorIs(t, err, domain.ErrNotConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case p := <-gw.subscribes:
			assert.Equal(t, []string{"BTC"}, p.Symbols)
		case <-ctx.Done():
			t.Fatalf("subscribe %d not received", i+1)
		}
		assert.Equal(t, "Bearer secret", <-gw.auth)
	}

	var prices []float64
	for len(prices) < 2 {
		select {
		case env := <-client.Updates():
			var u domain.DataUpdate
			require.NoError(t, env.Decode(&u))
			prices = append(prices, u.Ticker.Price)
		case <-ctx.Done():
			t.Fatal("updates not received")
		}
	}
	assert.Equal(t, []float64{1, 2}, prices)
	assert.EqualValues(t, 2, client.Connects())

	require.NoError(t, manager.Close(context.Background()))
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after close")
	}
	for range client.Updates() {
	}
}
