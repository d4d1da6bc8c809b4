// Package dispatch places resolved orders against an exchange client and
// handles the bounded retry on quantity-related rejections. Retries are
// synchronous: they block the current signal and never spawn concurrent
// attempts.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
	"signalpilot/internal/quantity"
)

// DefaultMaxAttempts bounds the retry loop, counting the initial attempt.
const DefaultMaxAttempts = 3

// Dispatcher issues orders for one exchange client (real or demo).
type Dispatcher struct {
	exchange    ports.ExchangeClient
	logger      ports.Logger
	maxAttempts int
}

// New creates a dispatcher. maxAttempts <= 0 selects DefaultMaxAttempts.
func New(exchange ports.ExchangeClient, logger ports.Logger, maxAttempts int) (*Dispatcher, error) {
	if exchange == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for dispatcher")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Dispatcher{exchange: exchange, logger: logger, maxAttempts: maxAttempts}, nil
}

// Execute places the order, walking the alternative quantities on
// quantity-class rejections. Any other rejection class is surfaced
// immediately. A quantity substitution is recorded in the result for audit;
// the dispatcher never silently trades a different size.
func (d *Dispatcher) Execute(ctx context.Context, req ports.OrderRequest, rules ports.SymbolRules) (*domain.ExecutionResult, error) {
	result := &domain.ExecutionResult{
		RequestedQuantity: req.Quantity,
		FinalQuantity:     req.Quantity,
	}

	var lastRejection error
	for _, qty := range d.attemptQuantities(req.Quantity, rules) {
		if result.Attempts >= d.maxAttempts {
			break
		}
		result.Attempts++

		attempt := req
		attempt.Quantity = qty
		resp, err := d.exchange.PlaceOrder(ctx, attempt)
		if err == nil {
			result.Success = true
			result.OrderRef = resp.OrderRef
			result.FinalQuantity = qty
			result.Adjusted = !qty.Equal(req.Quantity)
			if result.Adjusted {
				d.logger.Warn(ctx, "Order filled with adjusted quantity", map[string]interface{}{
					"symbol": req.Symbol, "requested": req.Quantity.String(),
					"final": qty.String(), "attempts": result.Attempts,
				})
			}
			return result, nil
		}

		var rejection *ports.OrderRejectedError
		if errors.As(err, &rejection) && rejection.Class.QuantityRelated() {
			lastRejection = err
			d.logger.Warn(ctx, "Quantity rejected, trying alternative", map[string]interface{}{
				"symbol": req.Symbol, "quantity": qty.String(),
				"class": string(rejection.Class), "attempt": result.Attempts,
			})
			continue
		}

		// Authentication, balance, symbol and network failures are final.
		result.FinalQuantity = qty
		return result, &domain.ExecutionError{Symbol: req.Symbol, Err: err}
	}

	return result, &domain.QuantityAdjustmentExhausted{
		Symbol:        req.Symbol,
		Attempts:      result.Attempts,
		LastRejection: lastRejection,
	}
}

// attemptQuantities yields the computed quantity first, then the remaining
// generator alternatives (largest first) that were not already tried.
func (d *Dispatcher) attemptQuantities(q decimal.Decimal, rules ports.SymbolRules) []decimal.Decimal {
	seq := []decimal.Decimal{q}
	for _, alt := range quantity.Alternatives(q, rules) {
		if !alt.Equal(q) {
			seq = append(seq, alt)
		}
	}
	return seq
}
