// Package app wires the signal-processing pipeline: validate, gate on risk,
// resolve the account, resolve the action against open positions, normalize
// the quantity, dispatch to the exchange, persist, record realized PnL and
// emit an event. One signal in, exactly one resolved action (or one structured
// error) out.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signalpilot/internal/accounts"
	"signalpilot/internal/dispatch"
	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
	"signalpilot/internal/quantity"
	"signalpilot/internal/resolver"
	"signalpilot/internal/risk"
)

// Config holds tunables for the signal service.
type Config struct {
	// ExchangeTimeout bounds every exchange call (price, rules, orders).
	ExchangeTimeout time.Duration
}

const defaultExchangeTimeout = 10 * time.Second

// SignalService is the top-level entry point for processing signals.
//
// Concurrency: signals for the same user serialize on a per-user mutex so two
// concurrent signals never race on the same position; signals for different
// users proceed in parallel. An accepted signal always runs to a terminal
// result; there is no mid-flight cancellation.
type SignalService struct {
	cfg       Config
	logger    ports.Logger
	accounts  *accounts.Service
	resolver  *resolver.Resolver
	gate      *risk.Gate
	positions ports.PositionRepository
	sink      ports.EventSink

	exchanges   map[domain.AccountMode]ports.ExchangeClient
	dispatchers map[domain.AccountMode]*dispatch.Dispatcher

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewSignalService creates the signal service. Both account modes need an
// exchange client: real trades and demo simulation flow through the same
// pipeline.
func NewSignalService(
	cfg Config,
	logger ports.Logger,
	acctSvc *accounts.Service,
	res *resolver.Resolver,
	gate *risk.Gate,
	positions ports.PositionRepository,
	realExchange ports.ExchangeClient,
	demoExchange ports.ExchangeClient,
	sink ports.EventSink,
) (*SignalService, error) {
	if logger == nil || acctSvc == nil || res == nil || gate == nil || positions == nil || sink == nil {
		return nil, fmt.Errorf("missing required dependencies for signal service")
	}
	if realExchange == nil || demoExchange == nil {
		return nil, fmt.Errorf("both real and demo exchange clients are required")
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}

	realDispatcher, err := dispatch.New(realExchange, logger, dispatch.DefaultMaxAttempts)
	if err != nil {
		return nil, err
	}
	demoDispatcher, err := dispatch.New(demoExchange, logger, dispatch.DefaultMaxAttempts)
	if err != nil {
		return nil, err
	}

	return &SignalService{
		cfg:       cfg,
		logger:    logger,
		accounts:  acctSvc,
		resolver:  res,
		gate:      gate,
		positions: positions,
		sink:      sink,
		exchanges: map[domain.AccountMode]ports.ExchangeClient{
			domain.ModeReal: realExchange,
			domain.ModeDemo: demoExchange,
		},
		dispatchers: map[domain.AccountMode]*dispatch.Dispatcher{
			domain.ModeReal: realDispatcher,
			domain.ModeDemo: demoDispatcher,
		},
		userLocks: make(map[string]*sync.Mutex),
	}, nil
}

// ProcessSignal turns one signal into one position-management action.
// All failures come back as typed errors from the domain package; nothing
// panics across this boundary.
func (s *SignalService) ProcessSignal(ctx context.Context, sig *domain.Signal) (*domain.SignalResult, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	// Read-only risk consult before anything touches the store.
	if err := s.gate.IsAllowed(ctx, sig.UserID); err != nil {
		return nil, err
	}

	acct, err := s.accounts.Resolve(ctx, sig.UserID)
	if err != nil {
		return nil, err
	}

	exchange := s.exchanges[acct.AccountMode]
	dispatcher := s.dispatchers[acct.AccountMode]

	// Per-user serialization: the whole resolve-execute-persist pipeline runs
	// under the user's lock so signals apply in arrival order. Other users are
	// unaffected.
	lock := s.lockFor(sig.UserID)
	lock.Lock()
	defer lock.Unlock()

	resolution, err := s.resolver.Resolve(ctx, sig, acct)
	if err != nil {
		if npErr, ok := asNoPosition(err); ok {
			s.publish(ctx, sig, actionForClose(sig.Kind), decimal.Zero, decimal.Zero, "", npErr.Error())
		}
		return nil, err
	}

	price, rules, err := s.marketData(ctx, exchange, sig.Symbol, acct.Market)
	if err != nil {
		return nil, err
	}

	var result *domain.SignalResult
	switch resolution.Action {
	case domain.ActionOpenNew:
		result, err = s.openNew(ctx, sig, acct, dispatcher, price, rules)
	case domain.ActionEnhance:
		result, err = s.enhance(ctx, sig, acct, dispatcher, resolution.Matches[0], price, rules)
	case domain.ActionFlip:
		result, err = s.flip(ctx, sig, acct, dispatcher, exchange, resolution.Matches, price, rules)
	case domain.ActionCloseAll:
		result, err = s.closeAll(ctx, sig, acct, exchange, resolution.Matches, price)
	case domain.ActionClosePartial:
		result, err = s.closePartial(ctx, sig, acct, exchange, resolution.Matches, resolution.ClosePercent, price, rules)
	default:
		return nil, fmt.Errorf("unhandled action %q: %w", resolution.Action, ports.ErrUnknown)
	}

	s.publishResult(ctx, sig, resolution.Action, result, price, err)
	return result, err
}

// --- action handlers ---

func (s *SignalService) openNew(
	ctx context.Context,
	sig *domain.Signal,
	acct *domain.AccountContext,
	dispatcher *dispatch.Dispatcher,
	price decimal.Decimal,
	rules ports.SymbolRules,
) (*domain.SignalResult, error) {
	op := "openNew"
	side := sig.Kind.Side()

	qty, err := quantity.Normalize(acct.Notional(), price, acct.EffectiveLeverage(), rules)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := s.exchangeCtx(ctx)
	defer cancel()
	exec, err := dispatcher.Execute(execCtx, ports.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     side,
		Quantity: qty,
		Market:   acct.Market,
	}, rules)
	if err != nil {
		return &domain.SignalResult{Action: domain.ActionOpenNew, Execution: exec}, err
	}

	now := time.Now().UTC()
	pos := &domain.Position{
		ID:            uuid.NewString(),
		CorrelationID: sig.CorrelationID,
		UserID:        sig.UserID,
		Symbol:        sig.Symbol,
		Side:          side,
		Quantity:      exec.FinalQuantity,
		EntryPrice:    price,
		Leverage:      acct.EffectiveLeverage(),
		Market:        acct.Market,
		AccountMode:   acct.AccountMode,
		Status:        domain.StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		// The order is already on the exchange; surface the divergence loudly
		// rather than pretending the action failed cleanly.
		s.logger.Error(ctx, err, op+": position persisted state diverged from exchange", map[string]interface{}{
			"userID": sig.UserID, "symbol": sig.Symbol, "orderRef": exec.OrderRef,
		})
		return &domain.SignalResult{Action: domain.ActionOpenNew, Execution: exec},
			fmt.Errorf("order %s placed but position not persisted: %w", exec.OrderRef, err)
	}

	s.logger.Info(ctx, op+": position opened", map[string]interface{}{
		"userID": sig.UserID, "symbol": sig.Symbol, "side": string(side),
		"quantity": exec.FinalQuantity.String(), "price": price.String(), "positionID": pos.ID,
	})
	return &domain.SignalResult{Action: domain.ActionOpenNew, Position: pos, Execution: exec}, nil
}

func (s *SignalService) enhance(
	ctx context.Context,
	sig *domain.Signal,
	acct *domain.AccountContext,
	dispatcher *dispatch.Dispatcher,
	pos *domain.Position,
	price decimal.Decimal,
	rules ports.SymbolRules,
) (*domain.SignalResult, error) {
	op := "enhance"

	qty, err := quantity.Normalize(acct.Notional(), price, acct.EffectiveLeverage(), rules)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := s.exchangeCtx(ctx)
	defer cancel()
	exec, err := dispatcher.Execute(execCtx, ports.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     pos.Side,
		Quantity: qty,
		Market:   acct.Market,
	}, rules)
	if err != nil {
		return &domain.SignalResult{Action: domain.ActionEnhance, Execution: exec}, err
	}

	// Entry price is deliberately left unchanged when quantity is added at a
	// different market price; only the size grows.
	pos.Quantity = pos.Quantity.Add(exec.FinalQuantity)
	pos.UpdatedAt = time.Now().UTC()
	if err := s.positions.Update(ctx, pos); err != nil {
		s.logger.Error(ctx, err, op+": position persisted state diverged from exchange", map[string]interface{}{
			"userID": sig.UserID, "positionID": pos.ID, "orderRef": exec.OrderRef,
		})
		return &domain.SignalResult{Action: domain.ActionEnhance, Execution: exec},
			fmt.Errorf("order %s placed but position not updated: %w", exec.OrderRef, err)
	}

	s.logger.Info(ctx, op+": position enhanced", map[string]interface{}{
		"userID": sig.UserID, "positionID": pos.ID,
		"added": exec.FinalQuantity.String(), "total": pos.Quantity.String(),
	})
	return &domain.SignalResult{Action: domain.ActionEnhance, Position: pos, Execution: exec}, nil
}

func (s *SignalService) flip(
	ctx context.Context,
	sig *domain.Signal,
	acct *domain.AccountContext,
	dispatcher *dispatch.Dispatcher,
	exchange ports.ExchangeClient,
	matches []*domain.Position,
	price decimal.Decimal,
	rules ports.SymbolRules,
) (*domain.SignalResult, error) {
	closed, failed := s.closeBatch(ctx, sig, acct, exchange, matches, price)
	if len(failed) > 0 {
		// Do not reopen on top of exposure that refused to close. The caller
		// gets the exact list of what succeeded for reconciliation.
		return &domain.SignalResult{Action: domain.ActionFlip, Closed: closed, Failed: failed},
			&domain.ExecutionError{
				Symbol: sig.Symbol,
				Err:    fmt.Errorf("flip aborted: %d of %d positions failed to close", len(failed), len(matches)),
			}
	}

	opened, err := s.openNew(ctx, sig, acct, dispatcher, price, rules)
	result := &domain.SignalResult{Action: domain.ActionFlip, Closed: closed, Failed: failed}
	if opened != nil {
		result.Position = opened.Position
		result.Execution = opened.Execution
	}
	return result, err
}

func (s *SignalService) closeAll(
	ctx context.Context,
	sig *domain.Signal,
	acct *domain.AccountContext,
	exchange ports.ExchangeClient,
	matches []*domain.Position,
	price decimal.Decimal,
) (*domain.SignalResult, error) {
	closed, failed := s.closeBatch(ctx, sig, acct, exchange, matches, price)
	result := &domain.SignalResult{Action: domain.ActionCloseAll, Closed: closed, Failed: failed}
	if len(failed) > 0 {
		return result, &domain.ExecutionError{
			Symbol: sig.Symbol,
			Err:    fmt.Errorf("%d of %d positions failed to close", len(failed), len(matches)),
		}
	}
	return result, nil
}

func (s *SignalService) closePartial(
	ctx context.Context,
	sig *domain.Signal,
	acct *domain.AccountContext,
	exchange ports.ExchangeClient,
	matches []*domain.Position,
	percent float64,
	price decimal.Decimal,
	rules ports.SymbolRules,
) (*domain.SignalResult, error) {
	result := &domain.SignalResult{Action: domain.ActionClosePartial}
	fraction := decimal.NewFromFloat(percent / 100)

	for _, pos := range matches {
		closeQty := quantity.SnapToStep(pos.Quantity.Mul(fraction), rules)
		remaining := pos.Quantity.Sub(closeQty)

		// A remainder at or below zero degenerates to a full close for this
		// position; the status must end up closed, not partially closed.
		if !remaining.IsPositive() {
			closeQty = pos.Quantity
		}

		entry, err := s.closeOne(ctx, sig, acct, exchange, pos, closeQty, price)
		if err != nil {
			result.Failed = append(result.Failed, domain.FailedClose{PositionID: pos.ID, Reason: err.Error()})
			continue
		}
		result.Closed = append(result.Closed, entry)
	}

	if len(result.Failed) > 0 {
		return result, &domain.ExecutionError{
			Symbol: sig.Symbol,
			Err:    fmt.Errorf("%d of %d positions failed to close partially", len(result.Failed), len(matches)),
		}
	}
	return result, nil
}

// --- close plumbing ---

// closeBatch fully closes every match, reporting per-position outcomes.
// Failures do not stop the batch: closing reduces exposure, so the remaining
// positions still deserve the attempt.
func (s *SignalService) closeBatch(
	ctx context.Context,
	sig *domain.Signal,
	acct *domain.AccountContext,
	exchange ports.ExchangeClient,
	matches []*domain.Position,
	price decimal.Decimal,
) (closed []domain.ClosedPosition, failed []domain.FailedClose) {
	for _, pos := range matches {
		entry, err := s.closeOne(ctx, sig, acct, exchange, pos, pos.Quantity, price)
		if err != nil {
			failed = append(failed, domain.FailedClose{PositionID: pos.ID, Reason: err.Error()})
			continue
		}
		closed = append(closed, entry)
	}
	return closed, failed
}

// closeOne reduces a single position by closeQty at the reference price,
// persists the mutation and records the realized PnL with the risk gate.
func (s *SignalService) closeOne(
	ctx context.Context,
	sig *domain.Signal,
	acct *domain.AccountContext,
	exchange ports.ExchangeClient,
	pos *domain.Position,
	closeQty decimal.Decimal,
	price decimal.Decimal,
) (domain.ClosedPosition, error) {
	op := "closeOne"

	execCtx, cancel := s.exchangeCtx(ctx)
	defer cancel()
	resp, err := exchange.ClosePosition(execCtx, pos.Symbol, pos.Side, closeQty, pos.Market)
	if err != nil {
		s.logger.Error(ctx, err, op+": exchange refused close", map[string]interface{}{
			"userID": sig.UserID, "positionID": pos.ID, "quantity": closeQty.String(),
		})
		return domain.ClosedPosition{}, err
	}

	exitPrice := resp.AvgPrice
	if !exitPrice.IsPositive() {
		exitPrice = price
	}

	pnl := pnlFor(pos, exitPrice, closeQty)
	full := !pos.Quantity.Sub(closeQty).IsPositive()

	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.UpdatedAt = time.Now().UTC()
	if full {
		// The quantity snapshot is retained for history; status closed makes
		// the record immutable from here on.
		pos.Status = domain.StatusClosed
		pos.ClosedAt = pos.UpdatedAt
	} else {
		pos.Quantity = pos.Quantity.Sub(closeQty)
		pos.Status = domain.StatusPartiallyClosed
	}

	if err := s.positions.Update(ctx, pos); err != nil {
		s.logger.Error(ctx, err, op+": exchange close succeeded but update failed", map[string]interface{}{
			"userID": sig.UserID, "positionID": pos.ID,
		})
		return domain.ClosedPosition{}, fmt.Errorf("close executed but not persisted: %w", err)
	}

	// Record the realized PnL. A halt raised here only affects future
	// signals; the close itself already happened.
	if err := s.gate.CheckAndRecord(ctx, sig.UserID, pnl.InexactFloat64()); err != nil {
		s.logger.Warn(ctx, op+": risk gate raised on close", map[string]interface{}{
			"userID": sig.UserID, "positionID": pos.ID, "reason": err.Error(),
		})
	}

	s.logger.Info(ctx, op+": position reduced", map[string]interface{}{
		"userID": sig.UserID, "positionID": pos.ID, "quantity": closeQty.String(),
		"exitPrice": exitPrice.String(), "pnl": pnl.String(), "full": full,
	})
	return domain.ClosedPosition{
		PositionID: pos.ID,
		Quantity:   closeQty,
		ExitPrice:  exitPrice,
		PnL:        pnl,
		Full:       full,
	}, nil
}

// --- helpers ---

func (s *SignalService) marketData(ctx context.Context, exchange ports.ExchangeClient, symbol string, market domain.Market) (decimal.Decimal, ports.SymbolRules, error) {
	callCtx, cancel := s.exchangeCtx(ctx)
	defer cancel()

	price, err := exchange.GetReferencePrice(callCtx, symbol, market)
	if err != nil {
		return decimal.Zero, ports.SymbolRules{}, &domain.ExecutionError{Symbol: symbol, Err: fmt.Errorf("price lookup failed: %w", err)}
	}
	rules, err := exchange.GetSymbolRules(callCtx, symbol, market)
	if err != nil {
		return decimal.Zero, ports.SymbolRules{}, &domain.ExecutionError{Symbol: symbol, Err: fmt.Errorf("symbol rules lookup failed: %w", err)}
	}
	return price, rules, nil
}

func (s *SignalService) exchangeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
}

func (s *SignalService) lockFor(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

func (s *SignalService) publishResult(ctx context.Context, sig *domain.Signal, action domain.ActionType, result *domain.SignalResult, price decimal.Decimal, err error) {
	qty := decimal.Zero
	status := domain.PositionStatus("")
	if result != nil {
		if result.Position != nil {
			qty = result.Position.Quantity
			status = result.Position.Status
		} else if len(result.Closed) > 0 {
			for _, c := range result.Closed {
				qty = qty.Add(c.Quantity)
			}
			status = domain.StatusClosed
		}
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	s.publish(ctx, sig, action, qty, price, status, errMsg)
}

func (s *SignalService) publish(ctx context.Context, sig *domain.Signal, action domain.ActionType, qty, price decimal.Decimal, status domain.PositionStatus, errMsg string) {
	s.sink.Publish(ctx, domain.PositionEvent{
		UserID:   sig.UserID,
		Symbol:   sig.Symbol,
		Action:   action,
		Side:     sig.Kind.Side(),
		Quantity: qty,
		Price:    price,
		Status:   status,
		Err:      errMsg,
		At:       time.Now().UTC(),
	})
}

// pnlFor computes the realized PnL for closing closeQty of pos at exitPrice.
func pnlFor(pos *domain.Position, exitPrice, closeQty decimal.Decimal) decimal.Decimal {
	diff := exitPrice.Sub(pos.EntryPrice)
	if pos.Side == domain.Short {
		diff = diff.Neg()
	}
	return diff.Mul(closeQty)
}

func actionForClose(kind domain.SignalKind) domain.ActionType {
	if kind == domain.SignalClosePartial {
		return domain.ActionClosePartial
	}
	return domain.ActionCloseAll
}

func asNoPosition(err error) (*domain.NoPositionError, bool) {
	var npErr *domain.NoPositionError
	if errors.As(err, &npErr) {
		return npErr, true
	}
	return nil, false
}
