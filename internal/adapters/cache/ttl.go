package cache

import (
	"time"

	"tickerflow/internal/domain"
)

// TTLPolicy maps a data class to its expiry window.
type TTLPolicy map[domain.DataClass]time.Duration

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		domain.ClassTicker:     3 * time.Second,
		domain.ClassOrderbook:  5 * time.Second,
		domain.ClassMarketInfo: 10 * time.Minute,
		domain.ClassDefault:    time.Minute,
	}
}

// With returns a copy with non-zero overrides applied.
func (p TTLPolicy) With(overrides map[domain.DataClass]time.Duration) TTLPolicy {
	out := make(TTLPolicy, len(p))
	for class, ttl := range p {
		out[class] = ttl
	}
	for class, ttl := range overrides {
		if ttl > 0 {
			out[class] = ttl
		}
	}
	return out
}

func (p TTLPolicy) TTL(class domain.DataClass) time.Duration {
	if ttl, ok := p[class]; ok {
		return ttl
	}
	if ttl, ok := p[domain.ClassDefault]; ok {
		return ttl
	}
	return time.Minute
}
