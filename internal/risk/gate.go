// Package risk implements the per-user loss gate. Losses accumulate into
// daily, weekly and total counters; the first counter to exceed its configured
// limit flips the user's trading-enabled flag to false. That flip is terminal:
// only an explicit operator re-enable turns trading back on, never the gate
// itself.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
)

// Config holds configuration for the risk gate.
type Config struct {
	DefaultLimits  domain.RiskLimits // applied to users with no stored state
	BaselineEquity float64           // reference equity for the percent limit
	Now            func() time.Time  // clock, defaults to time.Now
}

// Gate evaluates and records realized losses per user.
type Gate struct {
	repo   ports.RiskRepository
	logger ports.Logger
	cfg    Config

	mu sync.Mutex // serializes read-modify-write of risk states
}

// NewGate creates a risk gate.
func NewGate(repo ports.RiskRepository, logger ports.Logger, cfg Config) (*Gate, error) {
	if repo == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for risk gate")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{repo: repo, logger: logger, cfg: cfg}, nil
}

// IsAllowed reports whether the user may trade. Returns a RiskHaltError naming
// the breached limit when trading is disabled. Period rollover is applied
// lazily before the check.
func (g *Gate) IsAllowed(ctx context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.load(ctx, userID)
	if err != nil {
		return err
	}
	if g.rollover(state) {
		if err := g.repo.SaveRiskState(ctx, state); err != nil {
			return fmt.Errorf("failed to persist risk period rollover for user %s: %w", userID, err)
		}
	}
	if !state.TradingEnabled {
		return &domain.RiskHaltError{UserID: userID, Limit: state.HaltReason}
	}
	return nil
}

// CheckAndRecord folds a realized PnL into the user's loss counters and
// evaluates the limits. Profits leave the counters untouched. Returns a
// RiskHaltError when the user is (or just became) halted.
func (g *Gate) CheckAndRecord(ctx context.Context, userID string, realizedPnL float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.load(ctx, userID)
	if err != nil {
		return err
	}
	g.rollover(state)

	if realizedPnL < 0 {
		loss := -realizedPnL
		state.DailyLoss += loss
		state.WeeklyLoss += loss
		state.TotalLoss += loss
	}

	if state.TradingEnabled {
		if reason := g.breachedLimit(state); reason != "" {
			state.TradingEnabled = false
			state.HaltReason = reason
			g.logger.Warn(ctx, "Risk limit breached, trading halted", map[string]interface{}{
				"userID": userID, "limit": reason,
				"dailyLoss": state.DailyLoss, "weeklyLoss": state.WeeklyLoss, "totalLoss": state.TotalLoss,
			})
		}
	}

	state.UpdatedAt = g.cfg.Now().UTC()
	if err := g.repo.SaveRiskState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist risk state for user %s: %w", userID, err)
	}

	if !state.TradingEnabled {
		return &domain.RiskHaltError{UserID: userID, Limit: state.HaltReason}
	}
	return nil
}

// Reenable is the explicit operator action that lifts a halt. Counters keep
// their values; period rollover takes care of them.
func (g *Gate) Reenable(ctx context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.load(ctx, userID)
	if err != nil {
		return err
	}
	state.TradingEnabled = true
	state.HaltReason = ""
	state.UpdatedAt = g.cfg.Now().UTC()
	if err := g.repo.SaveRiskState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist re-enable for user %s: %w", userID, err)
	}
	g.logger.Info(ctx, "Trading re-enabled by operator", map[string]interface{}{"userID": userID})
	return nil
}

// State returns a snapshot of the user's risk state after lazy rollover.
func (g *Gate) State(ctx context.Context, userID string) (*domain.RiskState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	g.rollover(state)
	snapshot := *state
	return &snapshot, nil
}

func (g *Gate) load(ctx context.Context, userID string) (*domain.RiskState, error) {
	state, err := g.repo.GetRiskState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk state for user %s: %w", userID, err)
	}
	if state == nil {
		now := g.cfg.Now().UTC()
		state = &domain.RiskState{
			UserID:         userID,
			Limits:         g.cfg.DefaultLimits,
			BaselineEquity: g.cfg.BaselineEquity,
			TradingEnabled: true,
			DailyResetAt:   now,
			WeeklyResetAt:  now,
			UpdatedAt:      now,
		}
	}
	return state, nil
}

// rollover resets the daily counter on a calendar-day change and the weekly
// counter on an ISO-week change. Returns true when anything was reset.
func (g *Gate) rollover(state *domain.RiskState) bool {
	now := g.cfg.Now().UTC()
	changed := false

	ny, nm, nd := now.Date()
	ly, lm, ld := state.DailyResetAt.UTC().Date()
	if ny != ly || nm != lm || nd != ld {
		state.DailyLoss = 0
		state.DailyResetAt = now
		changed = true
	}

	nwy, nww := now.ISOWeek()
	lwy, lww := state.WeeklyResetAt.UTC().ISOWeek()
	if nwy != lwy || nww != lww {
		state.WeeklyLoss = 0
		state.WeeklyResetAt = now
		changed = true
	}
	return changed
}

func (g *Gate) breachedLimit(state *domain.RiskState) string {
	l := state.Limits
	switch {
	case l.MaxDailyLoss > 0 && state.DailyLoss > l.MaxDailyLoss:
		return "daily"
	case l.MaxWeeklyLoss > 0 && state.WeeklyLoss > l.MaxWeeklyLoss:
		return "weekly"
	case l.MaxTotalLoss > 0 && state.TotalLoss > l.MaxTotalLoss:
		return "total"
	case l.MaxLossPercent > 0 && state.BaselineEquity > 0 &&
		state.TotalLoss > state.BaselineEquity*l.MaxLossPercent/100:
		return "percent"
	}
	return ""
}
