package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionEvent is emitted after every resolved action, success or structured
// failure. The chat front-end consumes it to render a human-readable message;
// the core never formats user-facing text itself.
type PositionEvent struct {
	UserID   string
	Symbol   string
	Action   ActionType
	Side     Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Status   PositionStatus
	Err      string // empty on success
	At       time.Time
}

// ExecutionResult records the outcome of dispatching one order, including the
// audit trail of any quantity substitution performed by the retry loop.
type ExecutionResult struct {
	Success           bool
	OrderRef          string
	RequestedQuantity decimal.Decimal
	FinalQuantity     decimal.Decimal
	Attempts          int
	Adjusted          bool // final quantity differs from the requested one
}

// ClosedPosition identifies one position closed (fully or partially) while
// processing a signal, with its realized PnL.
type ClosedPosition struct {
	PositionID string
	Quantity   decimal.Decimal
	ExitPrice  decimal.Decimal
	PnL        decimal.Decimal
	Full       bool
}

// FailedClose identifies a position the exchange refused to close. Reported so
// the caller can reconcile a partially applied multi-position action.
type FailedClose struct {
	PositionID string
	Reason     string
}

// SignalResult is the structured outcome of processing one signal.
type SignalResult struct {
	Action    ActionType
	Position  *Position        // the position opened or enhanced, nil for pure closes
	Closed    []ClosedPosition // sub-units that closed successfully
	Failed    []FailedClose    // sub-units that did not; non-empty means partial success
	Execution *ExecutionResult // dispatch details for the opening leg, if any
}
