package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/adapters/auth"
	"tickerflow/internal/domain"
	"tickerflow/pkg/logger"
)

func TestFetchCandles(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candles":[{"symbol":"BTC","assetType":"crypto","currency":"KRW","open":1,"high":2,"low":0.5,"close":1.5,"volume":10,"timestamp":"2024-05-15T09:00:00Z"}],"nextDateTime":"2024-05-15T08:00:00Z"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{BaseURL: srv.URL + "/", Token: auth.NewStaticTokenProvider("tok")}, logger.Discard())
	page, err := c.FetchCandles(context.Background(), domain.CandleQuery{
		AssetType: domain.AssetCrypto,
		Symbols:   []string{"BTC", "ETH"},
		Timeframe: domain.OneHour,
		Start:     "2024-05-16T00:00:00Z",
		Limit:     200,
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "/candles", got.URL.Path)
	assert.Equal(t, "crypto", got.URL.Query().Get("assetType"))
	assert.Equal(t, "BTC,ETH", got.URL.Query().Get("symbols"))
	assert.Equal(t, "1H", got.URL.Query().Get("timeframe"))
	assert.Equal(t, "2024-05-16T00:00:00Z", got.URL.Query().Get("start"))
	assert.Equal(t, "200", got.URL.Query().Get("limit"))
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))

	require.Len(t, page.Candles, 1)
	assert.Equal(t, 1.5, page.Candles[0].Close)
	assert.Equal(t, time.Date(2024, 5, 15, 9, 0, 0, 0, time.UTC), page.Candles[0].Timestamp)
	assert.Equal(t, "2024-05-15T08:00:00Z", page.NextDateTime)
}

func TestFetchCandlesFirstPageOmitsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("start"))
		_, _ = w.Write([]byte(`{"candles":[]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{BaseURL: srv.URL}, logger.Discard())
	page, err := c.FetchCandles(context.Background(), domain.CandleQuery{AssetType: domain.AssetStocks, Symbols: []string{"AAPL"}, Timeframe: domain.OneDay})
	require.NoError(t, err)
	assert.Empty(t, page.NextDateTime)
}

func TestFetchCandlesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{BaseURL: srv.URL}, logger.Discard())
	_, err := c.FetchCandles(context.Background(), domain.CandleQuery{AssetType: domain.AssetCrypto, Timeframe: domain.OneDay})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestFetchCandlesRespectsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candles":[]}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Options{BaseURL: srv.URL, RequestsPerSecond: 1, Burst: 1}, logger.Discard())
	q := domain.CandleQuery{AssetType: domain.AssetCrypto, Timeframe: domain.OneDay}
	_, err := c.FetchCandles(context.Background(), q)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.FetchCandles(ctx, q)
	assert.Error(t, err)
}
