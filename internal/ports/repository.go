package ports

import (
	"context"

	"signalpilot/internal/domain"
)

// PositionRepository defines the interface for storing and retrieving
// positions. Positions are exclusively owned by the repository: the resolver
// and the signal service request mutations through it, never around it.
type PositionRepository interface {
	// Create saves a new position.
	Create(ctx context.Context, pos *domain.Position) error
	// Update modifies an existing position.
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpenByCorrelation retrieves open (or partially closed) positions for
	// (user, symbol, correlation-id). Returns an empty slice when none match.
	FindOpenByCorrelation(ctx context.Context, userID, symbol, correlationID string) ([]*domain.Position, error)
	// FindOpenBySymbol retrieves open (or partially closed) positions for
	// (user, symbol), used when correlation matching is disabled.
	FindOpenBySymbol(ctx context.Context, userID, symbol string) ([]*domain.Position, error)
	// FindByID retrieves a position by its unique ID. Returns nil, nil if not found.
	FindByID(ctx context.Context, userID, id string) (*domain.Position, error)
	// FindAllByUser retrieves all positions for a user, newest first.
	FindAllByUser(ctx context.Context, userID string) ([]*domain.Position, error)
}

// RiskRepository persists per-user rolling loss state.
type RiskRepository interface {
	// GetRiskState retrieves the risk state for a user. Returns nil, nil if
	// the user has no state yet.
	GetRiskState(ctx context.Context, userID string) (*domain.RiskState, error)
	// SaveRiskState inserts or replaces the risk state for a user.
	SaveRiskState(ctx context.Context, state *domain.RiskState) error
}

// AccountRepository persists per-user account configuration.
type AccountRepository interface {
	// GetAccount retrieves the account context for a user. Returns nil, nil if
	// the user is not configured.
	GetAccount(ctx context.Context, userID string) (*domain.AccountContext, error)
	// SaveAccount inserts or replaces the account context for a user.
	SaveAccount(ctx context.Context, acct *domain.AccountContext) error
}
