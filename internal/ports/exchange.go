package ports

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"signalpilot/internal/domain"
)

// SymbolRules are the exchange-imposed quantization constraints for a symbol.
type SymbolRules struct {
	MinQuantity       decimal.Decimal // smallest order quantity accepted
	QuantityStep      decimal.Decimal // lot step; quantities must be a multiple
	MinNotional       decimal.Decimal // smallest order value (quantity * price / leverage)
	QuantityPrecision int32           // decimal places accepted for quantity
}

// RejectionClass classifies why the exchange refused an order. The dispatcher
// retries only quantity-related classes.
type RejectionClass string

const (
	RejectionMinQuantity   RejectionClass = "min_quantity"
	RejectionStepSize      RejectionClass = "step_size"
	RejectionMinNotional   RejectionClass = "min_notional"
	RejectionAuth          RejectionClass = "authentication"
	RejectionBalance       RejectionClass = "insufficient_balance"
	RejectionInvalidSymbol RejectionClass = "invalid_symbol"
	RejectionNetwork       RejectionClass = "network"
	RejectionUnknown       RejectionClass = "unknown"
)

// QuantityRelated reports whether a rejection of this class may succeed with
// an adjusted quantity.
func (c RejectionClass) QuantityRelated() bool {
	switch c {
	case RejectionMinQuantity, RejectionStepSize, RejectionMinNotional:
		return true
	}
	return false
}

// OrderRejectedError is returned by exchange adapters when an order is
// refused. Adapters map their wire-level error codes onto a RejectionClass so
// the dispatcher never inspects exchange-specific details.
type OrderRejectedError struct {
	Class   RejectionClass
	Code    int // exchange-specific code, 0 when not applicable
	Message string
}

func (e *OrderRejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("order rejected (%s, code %d): %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("order rejected (%s): %s", e.Class, e.Message)
}

// OrderRequest describes one order to place.
type OrderRequest struct {
	Symbol     string
	Side       domain.Side
	Quantity   decimal.Decimal
	Market     domain.Market
	ReduceOnly bool // close/reduce existing exposure only
}

// OrderResponse carries the essential details of a placed order.
type OrderResponse struct {
	OrderRef    string          // exchange order reference
	AvgPrice    decimal.Decimal // average filled price (zero when unknown)
	ExecutedQty decimal.Decimal // quantity filled
}

// ExchangeClient is the narrow contract the execution dispatcher depends on.
// Implementations exist for the real exchange and for the demo simulation;
// neither leaks its wire format past this boundary.
type ExchangeClient interface {
	// GetReferencePrice retrieves the current reference price for a symbol.
	GetReferencePrice(ctx context.Context, symbol string, market domain.Market) (decimal.Decimal, error)

	// GetSymbolRules retrieves the lot rules for a symbol.
	GetSymbolRules(ctx context.Context, symbol string, market domain.Market) (SymbolRules, error)

	// PlaceOrder places a market order. Refusals are returned as
	// *OrderRejectedError; transport failures as wrapped sentinel errors.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// ClosePosition reduces existing exposure by quantity on the given side.
	ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity decimal.Decimal, market domain.Market) (*OrderResponse, error)
}
