package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"tickerflow/internal/domain"
)

// MarketLister is implemented by exchanges that expose their symbol directory.
type MarketLister interface {
	Markets() []domain.MarketInfo
}

type MarketService struct {
	exchanges     []domain.ExchangePort
	cache         domain.CachePort
	marketInfoTTL time.Duration
	logger        *slog.Logger
}

func NewMarketService(exchanges []domain.ExchangePort, cache domain.CachePort, marketInfoTTL time.Duration, logger *slog.Logger) *MarketService {
	return &MarketService{
		exchanges:     exchanges,
		cache:         cache,
		marketInfoTTL: marketInfoTTL,
		logger:        logger.With("component", "market_service"),
	}
}

// Start reads from every exchange and merges the streams. Both channels close
// once every exchange reader has stopped.
func (s *MarketService) Start(ctx context.Context) (<-chan domain.TickerSnapshot, <-chan error) {
	tickerCh := make(chan domain.TickerSnapshot, 100*len(s.exchanges))
	errCh := make(chan error, 10*len(s.exchanges))

	s.logger.Info("Starting ingestion from all exchanges", "count", len(s.exchanges))

	var wg sync.WaitGroup
	for _, exchange := range s.exchanges {
		// A failed first connect is retried by the reader itself.
		if err := exchange.Connect(ctx); err != nil {
			s.logger.Error("Initial connect failed", "exchange", exchange.Name(), "error", err)
		} else {
			s.cacheMarkets(ctx, exchange)
		}
		// Keep the directory alive past its TTL and pick it up once a later
		// reconnect has fetched it.
		if lister, ok := exchange.(MarketLister); ok {
			go s.refreshMarkets(ctx, exchange.Name(), lister)
		}

		exTickers, exErrs := exchange.ReadTickers(ctx)

		wg.Add(2)
		go func(name string, in <-chan domain.TickerSnapshot) {
			defer wg.Done()
			for t := range in {
				select {
				case tickerCh <- t:
				case <-ctx.Done():
				}
			}
			s.logger.Info("Ticker forwarding finished", "exchange", name)
		}(exchange.Name(), exTickers)

		go func(in <-chan error) {
			defer wg.Done()
			for err := range in {
				select {
				case errCh <- err:
				default:
				}
			}
		}(exErrs)
	}

	go func() {
		wg.Wait()
		close(tickerCh)
		close(errCh)
		s.logger.Info("All exchanges stopped")
	}()

	return tickerCh, errCh
}

func (s *MarketService) cacheMarkets(ctx context.Context, exchange domain.ExchangePort) {
	if lister, ok := exchange.(MarketLister); ok {
		s.writeMarkets(ctx, exchange.Name(), lister)
	}
}

// refreshMarkets rewrites the directory at half its TTL until ctx is done.
func (s *MarketService) refreshMarkets(ctx context.Context, name string, lister MarketLister) {
	every := s.marketInfoTTL / 2
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMarkets(ctx, name, lister)
		}
	}
}

func (s *MarketService) writeMarkets(ctx context.Context, name string, lister MarketLister) {
	markets := lister.Markets()
	if len(markets) == 0 {
		return
	}
	data, err := json.Marshal(markets)
	if err != nil {
		s.logger.Error("Failed to encode market directory", "exchange", name, "error", err)
		return
	}
	if err := s.cache.Set(ctx, domain.MarketKey(name), data, s.marketInfoTTL); err != nil {
		s.logger.Warn("Failed to cache market directory", "exchange", name, "error", err)
		return
	}
	s.logger.Debug("Market directory cached", "exchange", name, "markets", len(markets))
}

// Status reports connection state per exchange.
func (s *MarketService) Status() map[string]bool {
	status := make(map[string]bool, len(s.exchanges))
	for _, ex := range s.exchanges {
		status[ex.Name()] = ex.IsConnected()
	}
	return status
}
