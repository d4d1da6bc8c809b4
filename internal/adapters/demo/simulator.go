// Package demo provides a simulated exchange for demo accounts. Orders never
// leave the process: fills happen instantly at the reference price, but the
// simulator enforces the same lot rules a real venue would, so demo flows
// exercise the full rejection and retry machinery.
package demo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
)

// PriceSource supplies market data for the simulation. The real exchange
// client satisfies this (public endpoints need no keys), which keeps demo
// prices honest.
type PriceSource interface {
	GetReferencePrice(ctx context.Context, symbol string, market domain.Market) (decimal.Decimal, error)
	GetSymbolRules(ctx context.Context, symbol string, market domain.Market) (ports.SymbolRules, error)
}

// Simulator implements ports.ExchangeClient without touching a real venue.
type Simulator struct {
	source PriceSource
	logger ports.Logger

	orderSeq atomic.Int64

	mu     sync.RWMutex
	prices map[string]decimal.Decimal // static overrides, symbol -> price
	rules  map[string]ports.SymbolRules
}

// Config holds configuration for the simulator.
type Config struct {
	// Source supplies live market data. Optional when static prices are set.
	Source PriceSource
	Logger ports.Logger
}

// New creates a demo exchange simulator.
func New(cfg Config) (*Simulator, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for demo simulator")
	}
	return &Simulator{
		source: cfg.Source,
		logger: cfg.Logger,
		prices: make(map[string]decimal.Decimal),
		rules:  make(map[string]ports.SymbolRules),
	}, nil
}

// SetPrice pins a static price for a symbol, overriding the live source.
// Used by replay runs that must not depend on network access.
func (s *Simulator) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
}

// SetRules pins static lot rules for a symbol, overriding the live source.
func (s *Simulator) SetRules(symbol string, rules ports.SymbolRules) {
	s.mu.Lock()
	s.rules[symbol] = rules
	s.mu.Unlock()
}

// GetReferencePrice returns the pinned price when one is set, otherwise
// delegates to the live source.
func (s *Simulator) GetReferencePrice(ctx context.Context, symbol string, market domain.Market) (decimal.Decimal, error) {
	s.mu.RLock()
	price, ok := s.prices[symbol]
	s.mu.RUnlock()
	if ok {
		return price, nil
	}
	if s.source == nil {
		return decimal.Zero, fmt.Errorf("no price available for symbol %s: %w", symbol, ports.ErrSymbolNotFound)
	}
	return s.source.GetReferencePrice(ctx, symbol, market)
}

// GetSymbolRules returns the pinned rules when set, otherwise delegates.
func (s *Simulator) GetSymbolRules(ctx context.Context, symbol string, market domain.Market) (ports.SymbolRules, error) {
	s.mu.RLock()
	rules, ok := s.rules[symbol]
	s.mu.RUnlock()
	if ok {
		return rules, nil
	}
	if s.source == nil {
		return ports.SymbolRules{}, fmt.Errorf("no rules available for symbol %s: %w", symbol, ports.ErrSymbolNotFound)
	}
	return s.source.GetSymbolRules(ctx, symbol, market)
}

// PlaceOrder validates the order against the symbol's lot rules and fills it
// instantly at the reference price.
func (s *Simulator) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceOrder"

	rules, err := s.GetSymbolRules(ctx, req.Symbol, req.Market)
	if err != nil {
		return nil, err
	}
	price, err := s.GetReferencePrice(ctx, req.Symbol, req.Market)
	if err != nil {
		return nil, err
	}

	if rejected := checkRules(req.Quantity, price, rules); rejected != nil {
		s.logger.Warn(ctx, op+": simulated rejection", map[string]interface{}{
			"symbol": req.Symbol, "quantity": req.Quantity.String(), "class": string(rejected.Class),
		})
		return nil, rejected
	}

	ref := fmt.Sprintf("demo-%d", s.orderSeq.Add(1))
	s.logger.Debug(ctx, op+": simulated fill", map[string]interface{}{
		"symbol": req.Symbol, "side": string(req.Side),
		"quantity": req.Quantity.String(), "price": price.String(), "orderRef": ref,
	})
	return &ports.OrderResponse{
		OrderRef:    ref,
		AvgPrice:    price,
		ExecutedQty: req.Quantity,
	}, nil
}

// ClosePosition fills the reduction instantly at the reference price. Lot
// rules still apply: the quantity came from an existing position, but a
// percentage-derived partial close can violate the step.
func (s *Simulator) ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity decimal.Decimal, market domain.Market) (*ports.OrderResponse, error) {
	return s.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:     symbol,
		Side:       side.Opposite(),
		Quantity:   quantity,
		Market:     market,
		ReduceOnly: true,
	})
}

// checkRules applies the venue's lot filters, mirroring the order they are
// evaluated server-side: quantity bounds first, then step, then notional.
func checkRules(qty, price decimal.Decimal, rules ports.SymbolRules) *ports.OrderRejectedError {
	if !qty.IsPositive() {
		return &ports.OrderRejectedError{Class: ports.RejectionMinQuantity, Message: "quantity must be positive"}
	}
	if rules.MinQuantity.IsPositive() && qty.LessThan(rules.MinQuantity) {
		return &ports.OrderRejectedError{
			Class:   ports.RejectionMinQuantity,
			Message: fmt.Sprintf("quantity %s below minimum %s", qty, rules.MinQuantity),
		}
	}
	if rules.QuantityStep.IsPositive() && !qty.Mod(rules.QuantityStep).IsZero() {
		return &ports.OrderRejectedError{
			Class:   ports.RejectionStepSize,
			Message: fmt.Sprintf("quantity %s not a multiple of step %s", qty, rules.QuantityStep),
		}
	}
	if rules.MinNotional.IsPositive() && qty.Mul(price).LessThan(rules.MinNotional) {
		return &ports.OrderRejectedError{
			Class:   ports.RejectionMinNotional,
			Message: fmt.Sprintf("notional %s below minimum %s", qty.Mul(price), rules.MinNotional),
		}
	}
	return nil
}
