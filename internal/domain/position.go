package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position represents exposure opened on behalf of a user.
// Positions are owned by the position repository: callers request mutations
// through its API and never change persisted fields behind its back.
type Position struct {
	ID            string          // system-generated (uuid)
	CorrelationID string          // empty when the signal carried no id
	UserID        string          // owning user
	Symbol        string          // trading symbol (e.g. "BTCUSDT")
	Side          Side            // long or short
	Quantity      decimal.Decimal // strictly positive while status != closed
	EntryPrice    decimal.Decimal // price at open; unchanged when the position is enhanced
	Leverage      int             // leverage used (1 for spot)
	Market        Market          // spot or derivatives
	AccountMode   AccountMode     // demo or real
	Status        PositionStatus  // open, partially_closed, closed
	RealizedPnL   decimal.Decimal // accumulated realized PnL from partial and full closes
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      time.Time // zero value while open
}

// IsOpen reports whether the position can still be mutated.
func (p *Position) IsOpen() bool {
	return p.Status != StatusClosed
}

// UnrealizedPnL computes the mark-to-market PnL at the given reference price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == Short {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}
