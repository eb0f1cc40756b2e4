package exchange

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tickerflow/internal/domain"
)

// Starting prices in KRW, roughly realistic.
var initialPrices = map[string]float64{
	"BTC":  95000000.0,
	"ETH":  3400000.0,
	"SOL":  210000.0,
	"XRP":  850.0,
	"DOGE": 230.0,
}

// Per-tick percentage change bounds.
var volatility = map[string]struct {
	min float64
	max float64
}{
	"BTC":  {-0.5, 0.5},
	"ETH":  {-1.0, 1.0},
	"SOL":  {-1.5, 1.5},
	"XRP":  {-2.0, 2.0},
	"DOGE": {-3.0, 3.0},
}

type pairState struct {
	open   float64
	price  float64
	volume float64
}

// Generator is a synthetic feed for local runs. It behaves like a crypto
// exchange that never disconnects.
type Generator struct {
	name     string
	quote    string
	interval time.Duration
	logger   *slog.Logger

	mutex   sync.Mutex
	pairs   map[string]*pairState
	bases   []string
	rng     *rand.Rand
	running atomic.Bool
}

func NewGenerator(name, quote string, interval time.Duration, logger *slog.Logger) *Generator {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	pairs := make(map[string]*pairState, len(initialPrices))
	bases := make([]string, 0, len(initialPrices))
	for base, price := range initialPrices {
		pairs[base] = &pairState{open: price, price: price}
		bases = append(bases, base)
	}
	sort.Strings(bases)

	return &Generator{
		name:     name,
		quote:    quote,
		interval: interval,
		logger:   logger.With("exchange", name),
		pairs:    pairs,
		bases:    bases,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *Generator) Connect(ctx context.Context) error {
	g.logger.Info("Connecting generator")
	g.running.Store(true)
	return ctx.Err()
}

func (g *Generator) Close() error {
	g.running.Store(false)
	g.logger.Info("Generator closed")
	return nil
}

func (g *Generator) IsConnected() bool {
	return g.running.Load()
}

func (g *Generator) Name() string {
	return g.name
}

func (g *Generator) AssetType() domain.AssetType {
	return domain.AssetCrypto
}

func (g *Generator) Markets() []domain.MarketInfo {
	markets := make([]domain.MarketInfo, 0, len(g.bases))
	for _, base := range g.bases {
		markets = append(markets, domain.MarketInfo{Market: g.quote + "-" + base, EnglishName: base})
	}
	return markets
}

func (g *Generator) ReadTickers(ctx context.Context) (<-chan domain.TickerSnapshot, <-chan error) {
	tickerCh := make(chan domain.TickerSnapshot, 100)
	errCh := make(chan error)
	g.running.Store(true)

	go func() {
		defer func() {
			close(tickerCh)
			close(errCh)
			g.logger.Info("Data generation stopped")
		}()

		g.logger.Info("Starting data generation", "interval", g.interval)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !g.running.Load() {
					return
				}
				for _, base := range g.bases {
					select {
					case tickerCh <- g.next(base):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return tickerCh, errCh
}

// next advances one pair by a bounded random step with a rare jump.
func (g *Generator) next(base string) domain.TickerSnapshot {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	st := g.pairs[base]
	vol := volatility[base]

	changePercent := vol.min + g.rng.Float64()*(vol.max-vol.min)
	price := st.price + st.price*changePercent/100.0
	if price <= 0 {
		price = st.price * 0.95
	}
	if g.rng.Float64() < 0.02 {
		jump := -10.0 + g.rng.Float64()*20.0
		price *= 1.0 + jump/100.0
	}
	st.price = price
	st.volume += price * g.rng.Float64()

	return domain.TickerSnapshot{
		Exchange:   g.name,
		BaseToken:  base,
		QuoteToken: g.quote,
		Price:      price,
		Volume:     st.volume,
		Change24h:  (price - st.open) / st.open,
		Timestamp:  time.Now().UTC(),
	}
}
