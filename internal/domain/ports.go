package domain

import (
	"context"
	"time"
)

// ExchangePort is one upstream feed. ReadTickers owns the connection for the
// lifetime of ctx, reconnecting as needed.
type ExchangePort interface {
	Connect(ctx context.Context) error
	Close() error
	ReadTickers(ctx context.Context) (<-chan TickerSnapshot, <-chan error)
	IsConnected() bool
	Name() string
	AssetType() AssetType
}

// CachePort never fails a read: unavailability reads as absent.
type CachePort interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool)
	Keys(ctx context.Context, pattern string) []string
}

// CacheEvent is emitted for every successful Set.
type CacheEvent struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// UpdateFeed exposes the cache write path to readers.
type UpdateFeed interface {
	Updates(ctx context.Context) <-chan CacheEvent
}

type HistoryPort interface {
	FetchCandles(ctx context.Context, q CandleQuery) (CandlePage, error)
}

// TokenProvider supplies the bearer token for the channel connection. An
// empty token means anonymous.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}
