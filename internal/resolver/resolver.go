// Package resolver decides what a signal means for the user's open positions.
// The state is implicit in the position query result: no matching position,
// matching positions on the same side, or matching positions on the opposite
// side. Each accepted signal resolves to exactly one action.
package resolver

import (
	"context"
	"fmt"

	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
)

// Resolution is the outcome of resolving one signal: the action to take and
// the open positions it applies to. Matches is ordered newest first; for
// enhance the first match is the position that grows.
type Resolution struct {
	Action       domain.ActionType
	Matches      []*domain.Position
	ClosePercent float64 // only set for close-partial
}

// Resolver consults the position repository to map signals onto actions.
type Resolver struct {
	positions ports.PositionRepository
	logger    ports.Logger
}

// New creates a resolver.
func New(positions ports.PositionRepository, logger ports.Logger) (*Resolver, error) {
	if positions == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for resolver")
	}
	return &Resolver{positions: positions, logger: logger}, nil
}

// Resolve maps a validated signal onto a position-management action.
// Correlation scoping applies when the account has it enabled and the signal
// carries an id; otherwise matching falls back to (user, symbol).
func (r *Resolver) Resolve(ctx context.Context, sig *domain.Signal, acct *domain.AccountContext) (*Resolution, error) {
	matches, err := r.findMatches(ctx, sig, acct)
	if err != nil {
		return nil, fmt.Errorf("position lookup failed: %w", err)
	}

	switch {
	case sig.Kind.IsOpen():
		return r.resolveOpen(ctx, sig, matches), nil
	case sig.Kind == domain.SignalClose:
		if len(matches) == 0 {
			return nil, r.noPosition(sig)
		}
		return &Resolution{Action: domain.ActionCloseAll, Matches: matches}, nil
	case sig.Kind == domain.SignalClosePartial:
		if len(matches) == 0 {
			return nil, r.noPosition(sig)
		}
		return &Resolution{Action: domain.ActionClosePartial, Matches: matches, ClosePercent: sig.Percentage}, nil
	}
	return nil, &domain.ValidationError{Field: "signal", Reason: "unsupported signal keyword"}
}

func (r *Resolver) findMatches(ctx context.Context, sig *domain.Signal, acct *domain.AccountContext) ([]*domain.Position, error) {
	if acct.CorrelationEnabled && sig.CorrelationID != "" {
		return r.positions.FindOpenByCorrelation(ctx, sig.UserID, sig.Symbol, sig.CorrelationID)
	}
	return r.positions.FindOpenBySymbol(ctx, sig.UserID, sig.Symbol)
}

func (r *Resolver) resolveOpen(ctx context.Context, sig *domain.Signal, matches []*domain.Position) *Resolution {
	if len(matches) == 0 {
		return &Resolution{Action: domain.ActionOpenNew}
	}

	side := sig.Kind.Side()
	for _, pos := range matches {
		if pos.Side != side {
			// Any opposite-side match means the whole scope flips: close
			// everything, then reopen on the new side.
			r.logger.Debug(ctx, "Opposite side position found, resolving to flip", map[string]interface{}{
				"userID": sig.UserID, "symbol": sig.Symbol, "positionID": pos.ID,
			})
			return &Resolution{Action: domain.ActionFlip, Matches: matches}
		}
	}
	return &Resolution{Action: domain.ActionEnhance, Matches: matches}
}

func (r *Resolver) noPosition(sig *domain.Signal) error {
	return &domain.NoPositionError{UserID: sig.UserID, Symbol: sig.Symbol, CorrelationID: sig.CorrelationID}
}
