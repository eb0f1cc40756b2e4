package exchange

import (
	"fmt"
	"log/slog"

	"tickerflow/config"
	"tickerflow/internal/domain"
)

// NewExchanges builds one adapter per configured exchange.
func NewExchanges(cfgs []config.ExchangeConfig, logger *slog.Logger) ([]domain.ExchangePort, error) {
	exchanges := make([]domain.ExchangePort, 0, len(cfgs))
	for _, c := range cfgs {
		switch c.Kind {
		case config.KindUpbit:
			exchanges = append(exchanges, NewUpbitExchange(UpbitOptions{
				Name:           c.Name,
				WSURL:          c.WSURL,
				MarketURL:      c.MarketURL,
				Quote:          c.Quote,
				ReconnectDelay: c.ReconnectDelay,
			}, logger))
		case config.KindGenerator:
			exchanges = append(exchanges, NewGenerator(c.Name, c.Quote, c.Interval, logger))
		default:
			return nil, fmt.Errorf("exchange %q: unknown kind %q", c.Name, c.Kind)
		}
	}

	logger.Info("Created exchanges", "count", len(exchanges))
	return exchanges, nil
}
