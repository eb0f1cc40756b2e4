package domain

import (
	"encoding/json"
	"fmt"
)

// MessageKind is the closed set of gateway protocol messages.
type MessageKind uint8

const (
	KindSubscribe MessageKind = iota + 1
	KindUnsubscribe
	KindDataUpdate
	KindSnapshotRequest
	KindSnapshot
	KindError
)

var kindNames = map[MessageKind]string{
	KindSubscribe:       "subscribe",
	KindUnsubscribe:     "unsubscribe",
	KindDataUpdate:      "data-update",
	KindSnapshotRequest: "snapshot-request",
	KindSnapshot:        "snapshot",
	KindError:           "error",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("MessageKind(%d)", uint8(k))
}

func (k MessageKind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageKind, uint8(k))
	}
	return []byte(name), nil
}

func (k *MessageKind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownMessageKind, text)
}

// Envelope is one protocol message on the wire.
type Envelope struct {
	Event   MessageKind     `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DataUpdate is the payload of a data-update message. Exactly one of Ticker
// and Candle is set. On the wire the delta's fields sit next to dataType:
//
//	{"dataType":"ticker","symbol":"BTC","price":50000000,...}
//	{"dataType":"candles","timeframe":"1T","candle":{...}}
type DataUpdate struct {
	DataType DataType
	Ticker   *TickerDelta
	Candle   *CandleDelta
}

func (u DataUpdate) MarshalJSON() ([]byte, error) {
	var delta any
	switch {
	case u.Ticker != nil:
		delta = u.Ticker
	case u.Candle != nil:
		delta = u.Candle
	default:
		return json.Marshal(dataTypeField{DataType: u.DataType})
	}

	raw, err := json.Marshal(delta)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields["dataType"], err = json.Marshal(u.DataType); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func (u *DataUpdate) UnmarshalJSON(data []byte) error {
	var head dataTypeField
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	*u = DataUpdate{DataType: head.DataType}

	switch head.DataType {
	case DataTicker:
		u.Ticker = new(TickerDelta)
		return json.Unmarshal(data, u.Ticker)
	case DataCandles:
		u.Candle = new(CandleDelta)
		return json.Unmarshal(data, u.Candle)
	}
	return fmt.Errorf("data-update: unsupported data type %q", head.DataType)
}

type dataTypeField struct {
	DataType DataType `json:"dataType"`
}

type SnapshotPayload struct {
	Tickers []TickerDelta `json:"tickers"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewEnvelope(kind MessageKind, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Event: kind, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}
