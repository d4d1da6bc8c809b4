package domain

import (
	"strings"
	"time"
)

// SignalKind is the type of an inbound trading signal.
type SignalKind string

const (
	SignalOpenLong     SignalKind = "open-long"
	SignalOpenShort    SignalKind = "open-short"
	SignalClose        SignalKind = "close"
	SignalClosePartial SignalKind = "close-partial"
)

// ParseSignalKind parses a signal keyword case-insensitively.
// Accepts the wire aliases used by common signal sources.
func ParseSignalKind(s string) (SignalKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open-long", "open_long", "openlong", "buy", "long":
		return SignalOpenLong, true
	case "open-short", "open_short", "openshort", "sell", "short":
		return SignalOpenShort, true
	case "close", "close-all", "close_all":
		return SignalClose, true
	case "close-partial", "close_partial", "closepartial":
		return SignalClosePartial, true
	default:
		return "", false
	}
}

// Side returns the position side an open signal targets.
func (k SignalKind) Side() Side {
	if k == SignalOpenShort {
		return Short
	}
	return Long
}

// IsOpen reports whether the signal opens or enhances exposure.
func (k SignalKind) IsOpen() bool {
	return k == SignalOpenLong || k == SignalOpenShort
}

// Signal is an accepted trading signal. Immutable once accepted: it is either
// fully processed into exactly one resolved action or rejected with a
// validation error, never partially applied.
type Signal struct {
	Kind          SignalKind
	Symbol        string
	CorrelationID string  // optional opaque token linking signals to one logical position
	Percentage    float64 // required for close-partial, 0 < p <= 100
	UserID        string
	ReceivedAt    time.Time
}

// minSymbolLen is the shortest accepted trading symbol (e.g. "BTCUSD").
const minSymbolLen = 6

// Validate checks the signal before any position lookup is performed.
func (s *Signal) Validate() error {
	if s.UserID == "" {
		return &ValidationError{Field: "user", Reason: "user id is required"}
	}
	if len(s.Symbol) < minSymbolLen {
		return &ValidationError{Field: "symbol", Reason: "symbol must be at least 6 characters"}
	}
	switch s.Kind {
	case SignalOpenLong, SignalOpenShort, SignalClose:
	case SignalClosePartial:
		if s.Percentage <= 0 || s.Percentage > 100 {
			return &ValidationError{Field: "percentage", Reason: "percentage must be in (0, 100]"}
		}
	default:
		return &ValidationError{Field: "signal", Reason: "unsupported signal keyword"}
	}
	return nil
}
