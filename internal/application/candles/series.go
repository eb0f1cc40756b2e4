// Package candles keeps chart series consistent while history pages and live
// deltas arrive in any order.
package candles

import (
	"sort"
	"time"

	"tickerflow/internal/domain"
)

var minuteWidths = map[domain.Timeframe]time.Duration{
	domain.OneMinute:     time.Minute,
	domain.ThreeMinutes:  3 * time.Minute,
	domain.FiveMinutes:   5 * time.Minute,
	domain.TenMinutes:    10 * time.Minute,
	domain.ThirtyMinutes: 30 * time.Minute,
	domain.OneHour:       time.Hour,
}

// NormalizeBucket returns the start of the bucket containing t, in UTC. Weeks
// start on Monday. Unknown timeframes fall back to one minute.
func NormalizeBucket(t time.Time, tf domain.Timeframe) time.Time {
	t = t.UTC()
	if d, ok := minuteWidths[tf]; ok {
		return t.Truncate(d)
	}

	y, m, d := t.Date()
	switch tf {
	case domain.OneDay:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case domain.OneWeek:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case domain.OneMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case domain.OneYear:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Minute)
	}
}

// MergeHistorical stitches a fetched page into series. The result is ascending
// by bucket with one point per bucket; on collision the point already in the
// series wins, then the earlier point of the page. The input slices are not
// modified.
func MergeHistorical(series, page []domain.CandlePoint, tf domain.Timeframe) []domain.CandlePoint {
	merged := make([]domain.CandlePoint, 0, len(series)+len(page))
	for _, p := range series {
		p.Timestamp = NormalizeBucket(p.Timestamp, tf)
		merged = append(merged, p)
	}
	for _, p := range page {
		p.Timestamp = NormalizeBucket(p.Timestamp, tf)
		merged = append(merged, p)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	out := merged[:0]
	for i, p := range merged {
		if i > 0 && p.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ApplyLiveDelta folds an in-progress candle into series. A point in the
// last bucket replaces it, a newer point is appended, an older one is
// ignored. Only the last element is ever touched.
func ApplyLiveDelta(series []domain.CandlePoint, point domain.CandlePoint, tf domain.Timeframe) []domain.CandlePoint {
	point.Timestamp = NormalizeBucket(point.Timestamp, tf)

	out := make([]domain.CandlePoint, len(series), len(series)+1)
	copy(out, series)

	if len(out) == 0 {
		return append(out, point)
	}
	last := out[len(out)-1].Timestamp
	switch {
	case point.Timestamp.Equal(last):
		out[len(out)-1] = point
	case point.Timestamp.After(last):
		out = append(out, point)
	}
	return out
}

// LimitFor is the default history page size.
func LimitFor(assetType domain.AssetType, tf domain.Timeframe) int {
	if assetType == domain.AssetCrypto {
		return 200
	}
	switch tf {
	case domain.OneMonth, domain.OneYear:
		return 500
	default:
		return 300
	}
}
