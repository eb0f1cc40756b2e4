package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCacheUnavailable   = errors.New("cache unavailable")
	ErrNotConnected       = errors.New("not connected")
	ErrUnknownTimeframe   = errors.New("unknown timeframe")
	ErrUnknownMessageKind = errors.New("unknown message kind")
	ErrInvalidFrame       = errors.New("invalid frame")
)

// ParseError is returned for a single upstream frame that could not be
// normalized. It never affects the connection.
type ParseError struct {
	Exchange string
	Frame    []byte
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s frame: %v", e.Exchange, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
