package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tickerflow/internal/domain"
)

// upbitTicker is the subset of the Upbit ticker frame that is normalized.
type upbitTicker struct {
	Type             string   `json:"type"`
	Code             string   `json:"code"`
	TradePrice       *float64 `json:"trade_price"`
	SignedChangeRate float64  `json:"signed_change_rate"`
	Timestamp        int64    `json:"timestamp"`
	AccTradePrice24h float64  `json:"acc_trade_price_24h"`
}

type upbitTicket struct {
	Ticket string `json:"ticket"`
}

type upbitTypeField struct {
	Type  string   `json:"type"`
	Codes []string `json:"codes"`
}

// subscribeFrame builds the full subscription request. Upbit keeps no state
// between connections so the whole code list is always sent.
func subscribeFrame(ticket string, codes []string) []any {
	return []any{
		upbitTicket{Ticket: ticket},
		upbitTypeField{Type: "ticker", Codes: codes},
	}
}

// ParseUpbitTicker normalizes one frame. Market codes are QUOTE-BASE
// ("KRW-BTC").
func ParseUpbitTicker(exchange string, data []byte) (domain.TickerSnapshot, error) {
	fail := func(err error) (domain.TickerSnapshot, error) {
		return domain.TickerSnapshot{}, &domain.ParseError{Exchange: exchange, Frame: data, Err: err}
	}

	var raw upbitTicker
	if err := json.Unmarshal(data, &raw); err != nil {
		return fail(fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err))
	}
	if raw.Type != "ticker" {
		return fail(fmt.Errorf("%w: unexpected type %q", domain.ErrInvalidFrame, raw.Type))
	}
	quote, base, ok := strings.Cut(raw.Code, "-")
	if !ok || quote == "" || base == "" {
		return fail(fmt.Errorf("%w: malformed code %q", domain.ErrInvalidFrame, raw.Code))
	}
	if raw.TradePrice == nil {
		return fail(fmt.Errorf("%w: missing trade_price", domain.ErrInvalidFrame))
	}
	if raw.Timestamp <= 0 {
		return fail(fmt.Errorf("%w: missing timestamp", domain.ErrInvalidFrame))
	}

	return domain.TickerSnapshot{
		Exchange:   exchange,
		BaseToken:  base,
		QuoteToken: quote,
		Price:      *raw.TradePrice,
		Volume:     raw.AccTradePrice24h,
		Change24h:  raw.SignedChangeRate,
		Timestamp:  time.UnixMilli(raw.Timestamp).UTC(),
	}, nil
}
