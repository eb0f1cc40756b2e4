package candles

import (
	"time"

	"tickerflow/internal/domain"
)

type aggregateKey struct {
	exchange string
	base     string
	quote    string
	tf       domain.Timeframe
}

type liveCandle struct {
	point      domain.CandlePoint
	baseVolume float64
	lastVolume float64
	trades     int64
}

// Aggregator folds ticker snapshots into in-progress candles. It is owned by
// a single goroutine.
type Aggregator struct {
	candles map[aggregateKey]*liveCandle
}

func NewAggregator() *Aggregator {
	return &Aggregator{candles: make(map[aggregateKey]*liveCandle)}
}

// Apply updates the candle of every timeframe in tfs and returns the
// resulting deltas. Bucket volume is derived from the move of the 24h
// accumulated volume since the bucket opened.
func (a *Aggregator) Apply(assetType domain.AssetType, s domain.TickerSnapshot, tfs []domain.Timeframe) []domain.CandleDelta {
	deltas := make([]domain.CandleDelta, 0, len(tfs))
	for _, tf := range tfs {
		bucket := NormalizeBucket(s.Timestamp, tf)
		key := aggregateKey{exchange: s.Exchange, base: s.BaseToken, quote: s.QuoteToken, tf: tf}

		c, ok := a.candles[key]
		switch {
		case !ok:
			c = &liveCandle{baseVolume: s.Volume}
			c.open(assetType, s, bucket)
			a.candles[key] = c
		case bucket.After(c.point.Timestamp):
			c.baseVolume = c.lastVolume
			c.open(assetType, s, bucket)
		case bucket.Before(c.point.Timestamp):
			continue
		default:
			c.update(s)
		}

		point := c.point
		trades := c.trades
		point.TradeCount = &trades
		deltas = append(deltas, domain.CandleDelta{Timeframe: tf, Candle: point})
	}
	return deltas
}

func (c *liveCandle) open(assetType domain.AssetType, s domain.TickerSnapshot, bucket time.Time) {
	c.point = domain.CandlePoint{
		Symbol:    s.BaseToken,
		AssetType: assetType,
		Currency:  domain.Currency(s.QuoteToken),
		Open:      s.Price,
		High:      s.Price,
		Low:       s.Price,
		Close:     s.Price,
		Timestamp: bucket,
	}
	c.trades = 1
	c.lastVolume = s.Volume
	c.point.Volume = volumeSince(c.baseVolume, s.Volume)
}

func (c *liveCandle) update(s domain.TickerSnapshot) {
	if s.Price > c.point.High {
		c.point.High = s.Price
	}
	if s.Price < c.point.Low {
		c.point.Low = s.Price
	}
	c.point.Close = s.Price
	c.trades++
	c.lastVolume = s.Volume
	c.point.Volume = volumeSince(c.baseVolume, s.Volume)
}

// volumeSince clamps at zero when the 24h window rolls over.
func volumeSince(base, current float64) float64 {
	if current < base {
		return 0
	}
	return current - base
}

// Retain drops candles of timeframes not in keep.
func (a *Aggregator) Retain(keep []domain.Timeframe) {
	set := make(map[domain.Timeframe]struct{}, len(keep))
	for _, tf := range keep {
		set[tf] = struct{}{}
	}
	for k := range a.candles {
		if _, ok := set[k.tf]; !ok {
			delete(a.candles, k)
		}
	}
}

func (a *Aggregator) Len() int {
	return len(a.candles)
}
