package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/domain"
	"tickerflow/pkg/logger"
)

type sent struct {
	kind   domain.MessageKind
	params domain.SubscriptionParams
}

// recordingChannel logs every envelope and can be made to fail.
type recordingChannel struct {
	sent    []sent
	fail    error
	closed  int
	onClose func()
}

func (c *recordingChannel) Send(_ context.Context, env domain.Envelope) error {
	if c.fail != nil {
		return c.fail
	}
	var p domain.SubscriptionParams
	if err := env.Decode(&p); err != nil {
		return err
	}
	c.sent = append(c.sent, sent{kind: env.Event, params: p})
	return nil
}

func (c *recordingChannel) Close() error {
	c.closed++
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *recordingChannel) kinds() []domain.MessageKind {
	out := make([]domain.MessageKind, len(c.sent))
	for i, s := range c.sent {
		out[i] = s.kind
	}
	return out
}

func newManager(t *testing.T) (*Manager, *recordingChannel) {
	t.Helper()
	ch := &recordingChannel{}
	return NewManager(ch, logger.Discard()), ch
}

var crypto = domain.SubscriptionParams{AssetType: domain.AssetCrypto, Channel: domain.ChannelTopTraded}

func TestInterestChangeUnsubscribesFirst(t *testing.T) {
	ctx := context.Background()
	m, ch := newManager(t)

	require.NoError(t, m.SetInterest(ctx, crypto))
	stocks := domain.SubscriptionParams{AssetType: domain.AssetStocks, Channel: domain.ChannelGainers}
	require.NoError(t, m.SetInterest(ctx, stocks))

	require.Equal(t, []domain.MessageKind{domain.KindSubscribe, domain.KindUnsubscribe, domain.KindSubscribe}, ch.kinds())
	assert.Equal(t, domain.AssetCrypto, ch.sent[1].params.AssetType)
	assert.Equal(t, domain.AssetStocks, ch.sent[2].params.AssetType)

	active, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, domain.AssetStocks, active.AssetType)
}

func TestVisibleSymbolsAreDiffed(t *testing.T) {
	ctx := context.Background()
	m, ch := newManager(t)

	// Before any interest is set nothing can be sent.
	require.NoError(t, m.SetVisibleSymbols(ctx, []string{"BTC"}))
	assert.Empty(t, ch.sent)

	require.NoError(t, m.SetInterest(ctx, crypto))
	require.Len(t, ch.sent, 1)
	assert.Equal(t, []string{"BTC"}, ch.sent[0].params.Symbols)

	require.NoError(t, m.SetVisibleSymbols(ctx, []string{"eth", "BTC"}))
	require.NoError(t, m.SetVisibleSymbols(ctx, []string{"BTC", "ETH", "btc"}))
	require.Len(t, ch.sent, 3, "unchanged set sends nothing")
	assert.Equal(t, domain.KindUnsubscribe, ch.sent[1].kind)
	assert.Equal(t, []string{"BTC"}, ch.sent[1].params.Symbols)
	assert.Equal(t, []string{"BTC", "ETH"}, ch.sent[2].params.Symbols)

	// An interest change without symbols keeps the visible set.
	require.NoError(t, m.SetInterest(ctx, domain.SubscriptionParams{AssetType: domain.AssetCrypto, Channel: domain.ChannelLosers}))
	assert.Equal(t, []string{"BTC", "ETH"}, ch.sent[len(ch.sent)-1].params.Symbols)
}

func TestResubscribeAfterReconnect(t *testing.T) {
	ctx := context.Background()
	m, ch := newManager(t)
	require.NoError(t, m.SetInterest(ctx, crypto))
	require.NoError(t, m.SetVisibleSymbols(ctx, []string{"XRP"}))
	n := len(ch.sent)

	require.NoError(t, m.Resubscribe(ctx))
	require.Len(t, ch.sent, n+1)
	last := ch.sent[n]
	assert.Equal(t, domain.KindSubscribe, last.kind, "no unsubscribe for a forgotten subscription")
	assert.Equal(t, []string{"XRP"}, last.params.Symbols)
}

func TestFailedSendIsRecoveredByResubscribe(t *testing.T) {
	ctx := context.Background()
	m, ch := newManager(t)
	ch.fail = domain.ErrNotConnected

	err := m.SetInterest(ctx, crypto)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	_, live := m.Active()
	assert.False(t, live)

	ch.fail = nil
	require.NoError(t, m.Resubscribe(ctx))
	require.Equal(t, []domain.MessageKind{domain.KindSubscribe}, ch.kinds())
}

func TestCloseUnsubscribesBeforeClosing(t *testing.T) {
	ctx := context.Background()
	m, ch := newManager(t)
	require.NoError(t, m.SetInterest(ctx, crypto))

	var kindsAtClose []domain.MessageKind
	ch.onClose = func() { kindsAtClose = ch.kinds() }

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, []domain.MessageKind{domain.KindSubscribe, domain.KindUnsubscribe}, kindsAtClose)
	assert.Equal(t, 1, ch.closed)

	assert.ErrorIs(t, m.SetInterest(ctx, crypto), ErrClosed)
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 1, ch.closed)
}

func TestCloseStillClosesOnUnsubscribeError(t *testing.T) {
	ctx := context.Background()
	m, ch := newManager(t)
	require.NoError(t, m.SetInterest(ctx, crypto))

	ch.fail = errors.New("broken pipe")
	err := m.Close(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, 1, ch.closed)
}

func TestInvalidInterestIsRejected(t *testing.T) {
	m, ch := newManager(t)
	err := m.SetInterest(context.Background(), domain.SubscriptionParams{
		AssetType: domain.AssetCrypto,
		DataTypes: []domain.DataType{domain.DataCandles},
	})
	require.Error(t, err)
	assert.Empty(t, ch.sent)
}

func TestEmptyVisibleSetDropsSubscription(t *testing.T) {
	ctx := context.Background()
	m, ch := newManager(t)
	require.NoError(t, m.SetInterest(ctx, domain.SubscriptionParams{
		AssetType: domain.AssetCrypto,
		Channel:   domain.ChannelTopTraded,
		Symbols:   []string{"BTC", "ETH"},
	}))

	require.NoError(t, m.SetVisibleSymbols(ctx, nil))
	require.Equal(t, []domain.MessageKind{domain.KindSubscribe, domain.KindUnsubscribe}, ch.kinds())
	assert.Equal(t, []string{"BTC", "ETH"}, ch.sent[1].params.Symbols)
	_, live := m.Active()
	assert.False(t, live)

	// Still nothing on screen: no traffic, not even after a reconnect.
	require.NoError(t, m.SetVisibleSymbols(ctx, []string{}))
	require.NoError(t, m.SetInterest(ctx, domain.SubscriptionParams{AssetType: domain.AssetCrypto, Channel: domain.ChannelGainers}))
	require.NoError(t, m.Resubscribe(ctx))
	assert.Len(t, ch.sent, 2)

	require.NoError(t, m.SetVisibleSymbols(ctx, []string{"sol"}))
	require.Len(t, ch.sent, 3)
	assert.Equal(t, domain.KindSubscribe, ch.sent[2].kind)
	assert.Equal(t, []string{"SOL"}, ch.sent[2].params.Symbols)
	assert.Equal(t, domain.ChannelGainers, ch.sent[2].params.Channel)

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, domain.KindUnsubscribe, ch.sent[3].kind)
}
