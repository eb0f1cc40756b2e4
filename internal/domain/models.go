package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type AssetType string

const (
	AssetCrypto AssetType = "crypto"
	AssetStocks AssetType = "stocks"
)

func (a AssetType) Valid() bool {
	return a == AssetCrypto || a == AssetStocks
}

// DataType is the kind of stream a client can ask for on a channel.
type DataType string

const (
	DataTicker    DataType = "ticker"
	DataCandles   DataType = "candles"
	DataOrderbook DataType = "orderbook"
)

func (d DataType) Valid() bool {
	switch d {
	case DataTicker, DataCandles, DataOrderbook:
		return true
	}
	return false
}

// MarketChannel is the market listing the client is looking at. It does not
// take part in routing, the symbol set does.
type MarketChannel string

const (
	ChannelTopTraded   MarketChannel = "topTraded"
	ChannelMostActive  MarketChannel = "mostActive"
	ChannelGainers     MarketChannel = "gainers"
	ChannelLosers      MarketChannel = "losers"
	ChannelSymbol      MarketChannel = "symbol"
	ChannelUserSymbols MarketChannel = "userSymbols"
)

type Currency string

const (
	CurrencyKRW Currency = "KRW"
	CurrencyUSD Currency = "USD"
)

// TickerSnapshot is the full latest state of one pair on one exchange.
// Updates always replace the whole value.
type TickerSnapshot struct {
	Exchange   string    `json:"exchange"`
	BaseToken  string    `json:"baseToken"`
	QuoteToken string    `json:"quoteToken"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	Change24h  float64   `json:"change24h"`
	Timestamp  time.Time `json:"timestamp"`
}

func (t TickerSnapshot) Key() string {
	return TickerKey(t.Exchange, t.BaseToken, t.QuoteToken)
}

// Symbol is the name clients filter on.
func (t TickerSnapshot) Symbol() string {
	return t.BaseToken
}

// TickerKeyPrefix prefixes every ticker cache key.
const TickerKeyPrefix = "ticker-"

func TickerKey(exchange, baseToken, quoteToken string) string {
	return fmt.Sprintf("ticker-%s-%s-%s", exchange, baseToken, quoteToken)
}

func MarketKey(exchange string) string {
	return "market-" + exchange
}

// MarketInfo is one entry of an exchange's tradable symbol directory.
type MarketInfo struct {
	Market      string `json:"market"`
	KoreanName  string `json:"korean_name,omitempty"`
	EnglishName string `json:"english_name,omitempty"`
}

// TickerDelta is the payload pushed to clients for a ticker update.
type TickerDelta struct {
	Symbol     string    `json:"symbol"`
	AssetType  AssetType `json:"assetType"`
	Exchange   string    `json:"exchange"`
	BaseToken  string    `json:"baseToken"`
	QuoteToken string    `json:"quoteToken"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	Change24h  float64   `json:"change24h"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewTickerDelta(assetType AssetType, s TickerSnapshot) TickerDelta {
	return TickerDelta{
		Symbol:     s.Symbol(),
		AssetType:  assetType,
		Exchange:   s.Exchange,
		BaseToken:  s.BaseToken,
		QuoteToken: s.QuoteToken,
		Price:      s.Price,
		Volume:     s.Volume,
		Change24h:  s.Change24h,
		Timestamp:  s.Timestamp,
	}
}

// CandlePoint is one OHLCV bucket. Timestamp is the bucket start once the point
// has been normalized.
type CandlePoint struct {
	Symbol     string    `json:"symbol"`
	AssetType  AssetType `json:"assetType"`
	Currency   Currency  `json:"currency"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	Timestamp  time.Time `json:"timestamp"`
	TradeCount *int64    `json:"tradeCount,omitempty"`
}

// CandleDelta is the payload pushed to clients for an in-progress candle.
type CandleDelta struct {
	Timeframe Timeframe   `json:"timeframe"`
	Candle    CandlePoint `json:"candle"`
}

// CandleQuery is a historical fetch request. Start carries the page cursor.
type CandleQuery struct {
	AssetType AssetType
	Symbols   []string
	Timeframe Timeframe
	Start     string
	Limit     int
}

// CandlePage is one page of history. An empty NextDateTime means the history
// is exhausted.
type CandlePage struct {
	Candles      []CandlePoint `json:"candles"`
	NextDateTime string        `json:"nextDateTime,omitempty"`
}

// SubscriptionParams is the payload of subscribe and unsubscribe.
type SubscriptionParams struct {
	AssetType AssetType     `json:"assetType"`
	Channel   MarketChannel `json:"channel,omitempty"`
	Symbols   []string      `json:"symbols,omitempty"`
	DataTypes []DataType    `json:"dataTypes,omitempty"`
	Timeframe Timeframe     `json:"timeframe,omitempty"`
}

// Normalize upper-cases and sorts symbols, removes duplicates and defaults the
// data types to ticker.
func (p SubscriptionParams) Normalize() SubscriptionParams {
	out := p
	out.Symbols = NormalizeSymbols(p.Symbols)
	if len(p.DataTypes) == 0 {
		out.DataTypes = []DataType{DataTicker}
	} else {
		seen := make(map[DataType]struct{}, len(p.DataTypes))
		out.DataTypes = make([]DataType, 0, len(p.DataTypes))
		for _, dt := range p.DataTypes {
			if _, ok := seen[dt]; ok {
				continue
			}
			seen[dt] = struct{}{}
			out.DataTypes = append(out.DataTypes, dt)
		}
		sort.Slice(out.DataTypes, func(i, j int) bool { return out.DataTypes[i] < out.DataTypes[j] })
	}
	return out
}

func (p SubscriptionParams) Validate() error {
	if !p.AssetType.Valid() {
		return fmt.Errorf("invalid asset type %q", p.AssetType)
	}
	for _, dt := range p.DataTypes {
		if !dt.Valid() {
			return fmt.Errorf("invalid data type %q", dt)
		}
		if dt == DataCandles && p.Timeframe == "" {
			return fmt.Errorf("timeframe required for %s", DataCandles)
		}
	}
	if p.Timeframe != "" && !p.Timeframe.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTimeframe, p.Timeframe)
	}
	return nil
}

// Equal compares two normalized parameter sets.
func (p SubscriptionParams) Equal(o SubscriptionParams) bool {
	if p.AssetType != o.AssetType || p.Channel != o.Channel || p.Timeframe != o.Timeframe {
		return false
	}
	if len(p.Symbols) != len(o.Symbols) || len(p.DataTypes) != len(o.DataTypes) {
		return false
	}
	for i := range p.Symbols {
		if p.Symbols[i] != o.Symbols[i] {
			return false
		}
	}
	for i := range p.DataTypes {
		if p.DataTypes[i] != o.DataTypes[i] {
			return false
		}
	}
	return true
}

func NormalizeSymbols(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
