package candles

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tickerflow/internal/domain"
)

// Reconciler owns the chart series of one symbol and timeframe.
type Reconciler struct {
	history   domain.HistoryPort
	assetType domain.AssetType
	symbol    string
	timeframe domain.Timeframe
	limit     int
	logger    *slog.Logger

	mu        sync.Mutex
	series    []domain.CandlePoint
	cursor    string
	exhausted bool
}

func NewReconciler(history domain.HistoryPort, assetType domain.AssetType, symbol string, tf domain.Timeframe, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		history:   history,
		assetType: assetType,
		symbol:    symbol,
		timeframe: tf,
		limit:     LimitFor(assetType, tf),
		logger:    logger.With("symbol", symbol, "timeframe", tf),
	}
}

// LoadNext fetches the page at the current cursor and merges it. It returns
// the number of buckets the page added. Once history is exhausted it is a
// no-op.
func (r *Reconciler) LoadNext(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.exhausted {
		r.mu.Unlock()
		return 0, nil
	}
	q := domain.CandleQuery{
		AssetType: r.assetType,
		Symbols:   []string{r.symbol},
		Timeframe: r.timeframe,
		Start:     r.cursor,
		Limit:     r.limit,
	}
	r.mu.Unlock()

	page, err := r.history.FetchCandles(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("load candles for %s: %w", r.symbol, err)
	}

	points := page.Candles[:0:0]
	for _, p := range page.Candles {
		if p.Symbol == "" || p.Symbol == r.symbol {
			points = append(points, p)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.series)
	r.series = MergeHistorical(r.series, points, r.timeframe)
	r.cursor = page.NextDateTime
	r.exhausted = page.NextDateTime == ""

	added := len(r.series) - before
	r.logger.Debug("Merged history page", "received", len(page.Candles), "added", added, "exhausted", r.exhausted)
	return added, nil
}

// ApplyLive folds a live delta. Deltas for other symbols or timeframes are
// ignored.
func (r *Reconciler) ApplyLive(d domain.CandleDelta) {
	if d.Timeframe != r.timeframe || d.Candle.Symbol != r.symbol {
		return
	}
	r.mu.Lock()
	r.series = ApplyLiveDelta(r.series, d.Candle, r.timeframe)
	r.mu.Unlock()
}

func (r *Reconciler) Series() []domain.CandlePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CandlePoint(nil), r.series...)
}

func (r *Reconciler) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted
}

func (r *Reconciler) Cursor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}
