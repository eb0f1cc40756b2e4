package domain

import "fmt"

// Timeframe is the bucket width of a candle series.
type Timeframe string

const (
	OneMinute     Timeframe = "1T"
	ThreeMinutes  Timeframe = "3T"
	FiveMinutes   Timeframe = "5T"
	TenMinutes    Timeframe = "10T"
	ThirtyMinutes Timeframe = "30T"
	OneHour       Timeframe = "1H"
	OneDay        Timeframe = "1D"
	OneWeek       Timeframe = "1W"
	OneMonth      Timeframe = "1M"
	OneYear       Timeframe = "12M"
)

// AllTimeframes lists every supported timeframe, short ones first.
var AllTimeframes = []Timeframe{
	OneMinute, ThreeMinutes, FiveMinutes, TenMinutes, ThirtyMinutes, OneHour,
	OneDay, OneWeek, OneMonth, OneYear,
}

var timeframeAliases = map[string]Timeframe{
	"1m":  OneMinute,
	"3m":  ThreeMinutes,
	"5m":  FiveMinutes,
	"10m": TenMinutes,
	"30m": ThirtyMinutes,
	"1h":  OneHour,
	"60m": OneHour,
	"1d":  OneDay,
	"1w":  OneWeek,
	"1y":  OneYear,
}

func (tf Timeframe) Valid() bool {
	for _, v := range AllTimeframes {
		if v == tf {
			return true
		}
	}
	return false
}

// IsLong reports whether buckets are calendar aligned (day and above).
func (tf Timeframe) IsLong() bool {
	switch tf {
	case OneDay, OneWeek, OneMonth, OneYear:
		return true
	}
	return false
}

// ParseTimeframe accepts the canonical names and the common lowercase
// aliases ("1m", "5m", "1h", "1d"). "1M" is a month, "1m" a minute.
func ParseTimeframe(s string) (Timeframe, error) {
	if tf := Timeframe(s); tf.Valid() {
		return tf, nil
	}
	if tf, ok := timeframeAliases[s]; ok {
		return tf, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
}

// UnmarshalText accepts everything ParseTimeframe does, so "1m" works on
// the wire and in YAML. An empty value stays empty.
func (tf *Timeframe) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*tf = ""
		return nil
	}
	parsed, err := ParseTimeframe(string(text))
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}
