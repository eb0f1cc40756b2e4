package gateway

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/domain"
)

func params(asset domain.AssetType, symbols ...string) domain.SubscriptionParams {
	return domain.SubscriptionParams{AssetType: asset, Symbols: symbols}.Normalize()
}

func TestChannelKeysFor(t *testing.T) {
	p := domain.SubscriptionParams{
		AssetType: domain.AssetCrypto,
		DataTypes: []domain.DataType{domain.DataTicker, domain.DataCandles},
		Timeframe: domain.FiveMinutes,
	}.Normalize()

	keys := ChannelKeysFor(p)
	require.Len(t, keys, 2)
	assert.Contains(t, keys, ChannelKey{AssetType: domain.AssetCrypto, DataType: domain.DataTicker})
	assert.Contains(t, keys, ChannelKey{AssetType: domain.AssetCrypto, DataType: domain.DataCandles, Timeframe: domain.FiveMinutes})
	assert.Equal(t, "crypto:candles:5T", ChannelKey{AssetType: domain.AssetCrypto, DataType: domain.DataCandles, Timeframe: domain.FiveMinutes}.String())
}

func TestRegistrySymbolFiltering(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("a", params(domain.AssetCrypto, "btc"))
	r.Subscribe("b", params(domain.AssetCrypto))
	r.Subscribe("c", params(domain.AssetStocks, "BTC"))

	key := ChannelKey{AssetType: domain.AssetCrypto, DataType: domain.DataTicker}
	assert.Equal(t, []string{"a", "b"}, r.Match(key, "BTC"))
	assert.Equal(t, []string{"b"}, r.Match(key, "ETH"))

	// Resubscribing replaces the symbol set.
	r.Subscribe("a", params(domain.AssetCrypto, "ETH"))
	assert.Equal(t, []string{"a", "b"}, r.Match(key, "ETH"))
	assert.Equal(t, []string{"b"}, r.Match(key, "BTC"))

	assert.Equal(t, 1, r.RemoveClient("a"))
	assert.Equal(t, []string{"b"}, r.Match(key, "ETH"))
}

func TestRegistryRemoveClientLeavesNothing(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("a", domain.SubscriptionParams{
		AssetType: domain.AssetCrypto,
		DataTypes: []domain.DataType{domain.DataTicker, domain.DataCandles},
		Timeframe: domain.OneMinute,
	}.Normalize())
	assert.Equal(t, []domain.Timeframe{domain.OneMinute}, r.Timeframes(domain.AssetCrypto))

	assert.Equal(t, 2, r.RemoveClient("a"))
	assert.Zero(t, r.Channels())
	assert.Zero(t, r.Clients())
	assert.Empty(t, r.AllTimeframes())
}

// After any sequence of operations a client is a member of a channel iff its
// latest operation on that pair was a subscribe.
func TestRegistryLastWriteWins(t *testing.T) {
	clients := []string{"a", "b", "c"}
	variants := []domain.SubscriptionParams{
		params(domain.AssetCrypto, "BTC"),
		params(domain.AssetCrypto),
		params(domain.AssetStocks, "AAPL"),
		domain.SubscriptionParams{AssetType: domain.AssetCrypto, DataTypes: []domain.DataType{domain.DataCandles}, Timeframe: domain.OneHour}.Normalize(),
		domain.SubscriptionParams{AssetType: domain.AssetCrypto, DataTypes: []domain.DataType{domain.DataTicker, domain.DataCandles}, Timeframe: domain.OneDay}.Normalize(),
	}

	type pair struct {
		client string
		key    ChannelKey
	}
	rng := rand.New(rand.NewSource(42))
	r := NewRegistry()
	model := map[pair]bool{}
	allKeys := map[ChannelKey]struct{}{}
	for _, v := range variants {
		for _, k := range ChannelKeysFor(v) {
			allKeys[k] = struct{}{}
		}
	}

	for step := 0; step < 2000; step++ {
		c := clients[rng.Intn(len(clients))]
		v := variants[rng.Intn(len(variants))]
		switch rng.Intn(5) {
		case 0, 1:
			for _, k := range r.Subscribe(c, v) {
				model[pair{c, k}] = true
			}
		case 2, 3:
			for _, k := range r.Unsubscribe(c, v) {
				model[pair{c, k}] = false
			}
		case 4:
			r.RemoveClient(c)
			for k := range allKeys {
				model[pair{c, k}] = false
			}
		}

		for _, cl := range clients {
			for k := range allKeys {
				require.Equal(t, model[pair{cl, k}], r.IsMember(cl, k), "step %d client %s key %s", step, cl, k)
			}
		}
	}
}
