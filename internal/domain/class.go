package domain

// DataClass selects the cache TTL of a value.
type DataClass int

const (
	ClassDefault DataClass = iota
	ClassTicker
	ClassOrderbook
	ClassMarketInfo
)

func (c DataClass) String() string {
	switch c {
	case ClassTicker:
		return "ticker"
	case ClassOrderbook:
		return "orderbook"
	case ClassMarketInfo:
		return "market_info"
	default:
		return "default"
	}
}
