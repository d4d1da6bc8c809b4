// Package quantity converts a requested notional amount into an
// exchange-compliant order quantity, honoring minimum quantity, lot step and
// minimum notional value. All arithmetic is decimal to avoid float drift in
// step snapping.
package quantity

import (
	"fmt"

	"github.com/shopspring/decimal"

	"signalpilot/internal/ports"
)

// Normalize maps a notional amount and reference price onto a quantity the
// exchange will accept:
//
//  1. raw = notional / price
//  2. raise to the minimum quantity
//  3. snap to the lot step (half-to-even; never snaps to zero)
//  4. if the margin notional (quantity * price / leverage) is still below the
//     minimum notional, recompute from the minimum and re-snap upward
//  5. round to the quantity precision
//
// The notional is expected to already include leverage for derivatives
// (trade amount * leverage); leverage here only scales the min-notional check.
func Normalize(notional, price decimal.Decimal, leverage int, rules ports.SymbolRules) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("reference price must be positive, got %s: %w", price, ports.ErrInvalidRequest)
	}
	if !notional.IsPositive() {
		return decimal.Zero, fmt.Errorf("notional must be positive, got %s: %w", notional, ports.ErrInvalidRequest)
	}
	if leverage < 1 {
		leverage = 1
	}

	q := notional.Div(price)

	if rules.MinQuantity.IsPositive() && q.LessThan(rules.MinQuantity) {
		q = rules.MinQuantity
	}

	q = snapHalfEven(q, rules.QuantityStep)

	if rules.MinNotional.IsPositive() {
		lev := decimal.NewFromInt(int64(leverage))
		if q.Mul(price).Div(lev).LessThan(rules.MinNotional) {
			q = snapUp(rules.MinNotional.Div(price), rules.QuantityStep)
		}
	}

	if rounded := q.Round(rules.QuantityPrecision); rounded.IsPositive() {
		// Precision rounding must never zero out an otherwise valid quantity.
		q = rounded
	}

	if !q.IsPositive() {
		return decimal.Zero, fmt.Errorf("normalized quantity is non-positive for notional %s at price %s: %w", notional, price, ports.ErrInvalidRequest)
	}
	return q, nil
}

// Alternatives generates the candidate quantities for the dispatcher's
// retry-on-rejection loop: the computed quantity plus and minus one lot step,
// largest first. The minus-one-step candidate is omitted when it would fall
// below the minimum quantity or to zero.
func Alternatives(q decimal.Decimal, rules ports.SymbolRules) []decimal.Decimal {
	step := rules.QuantityStep
	if !step.IsPositive() {
		return []decimal.Decimal{q}
	}

	alts := []decimal.Decimal{q.Add(step), q}
	down := q.Sub(step)
	if down.IsPositive() && !down.LessThan(rules.MinQuantity) {
		alts = append(alts, down)
	}
	return alts
}

// SnapToStep snaps an arbitrary quantity onto the symbol's lot step without
// the full normalization pass. Used for partial-close quantities derived from
// a percentage of an already-compliant position size.
func SnapToStep(q decimal.Decimal, rules ports.SymbolRules) decimal.Decimal {
	return snapHalfEven(q, rules.QuantityStep)
}

// snapHalfEven snaps q to the nearest multiple of step, ties to even.
// Snapping never yields zero: a result below one step becomes one step.
func snapHalfEven(q, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return q
	}
	steps := q.Div(step).RoundBank(0)
	if !steps.IsPositive() {
		steps = decimal.NewFromInt(1)
	}
	return steps.Mul(step)
}

// snapUp snaps q to the next multiple of step at or above it.
func snapUp(q, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return q
	}
	steps := q.Div(step).Ceil()
	if !steps.IsPositive() {
		steps = decimal.NewFromInt(1)
	}
	return steps.Mul(step)
}
