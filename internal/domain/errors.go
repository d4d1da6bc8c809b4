package domain

import "fmt"

// The signal-processing error taxonomy. All of these are returned as values
// from the top-level ProcessSignal entry point; nothing panics across that
// boundary. Callers branch with errors.As.

// ValidationError reports a malformed signal, rejected before any position
// lookup. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal: %s (%s)", e.Reason, e.Field)
}

// NoPositionError reports a close or close-partial signal that matched no open
// positions. Reported, not fatal.
type NoPositionError struct {
	UserID        string
	Symbol        string
	CorrelationID string
}

func (e *NoPositionError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("no open positions for user %s, symbol %s, id %s", e.UserID, e.Symbol, e.CorrelationID)
	}
	return fmt.Sprintf("no open positions for user %s, symbol %s", e.UserID, e.Symbol)
}

// QuantityAdjustmentExhausted reports that every alternative quantity was
// rejected by the exchange. LastRejection carries the final rejection detail.
type QuantityAdjustmentExhausted struct {
	Symbol        string
	Attempts      int
	LastRejection error
}

func (e *QuantityAdjustmentExhausted) Error() string {
	return fmt.Sprintf("all %d quantity adjustments rejected for %s: %v", e.Attempts, e.Symbol, e.LastRejection)
}

func (e *QuantityAdjustmentExhausted) Unwrap() error { return e.LastRejection }

// ExecutionError reports a non-quantity exchange rejection (authentication,
// insufficient balance, invalid symbol, network). Surfaced immediately, no retry.
type ExecutionError struct {
	Symbol string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("order execution failed for %s: %v", e.Symbol, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// RiskHaltError reports a signal rejected because trading is disabled for the
// user. Limit names the breached cap. The halt is terminal until an explicit
// operator re-enable.
type RiskHaltError struct {
	UserID string
	Limit  string
}

func (e *RiskHaltError) Error() string {
	return fmt.Sprintf("trading halted for user %s: %s limit breached", e.UserID, e.Limit)
}
