// Package accounts resolves the per-user account configuration a signal
// applies to. The configuration is read-mostly, so lookups go through an
// in-memory cache with explicit invalidation on save.
package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
)

// Service provides cached access to account contexts.
type Service struct {
	repo   ports.AccountRepository
	logger ports.Logger

	mu    sync.RWMutex
	cache map[string]*domain.AccountContext
}

// NewService creates an account context service.
func NewService(repo ports.AccountRepository, logger ports.Logger) (*Service, error) {
	if repo == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for account service")
	}
	return &Service{
		repo:   repo,
		logger: logger,
		cache:  make(map[string]*domain.AccountContext),
	}, nil
}

// Resolve returns the account context for a user. Cached copies are returned
// by value to keep the cache immutable from the caller's side.
func (s *Service) Resolve(ctx context.Context, userID string) (*domain.AccountContext, error) {
	s.mu.RLock()
	cached, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		cp := *cached
		return &cp, nil
	}

	acct, err := s.repo.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account for user %s: %w", userID, err)
	}
	if acct == nil {
		return nil, fmt.Errorf("user %s has no account configuration: %w", userID, ports.ErrNotFound)
	}

	s.mu.Lock()
	s.cache[userID] = acct
	s.mu.Unlock()

	cp := *acct
	return &cp, nil
}

// Save writes the account configuration through to the repository and
// invalidates the cache entry.
func (s *Service) Save(ctx context.Context, acct *domain.AccountContext) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("account context with user id is required: %w", ports.ErrInvalidRequest)
	}
	acct.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveAccount(ctx, acct); err != nil {
		return fmt.Errorf("failed to save account for user %s: %w", acct.UserID, err)
	}
	s.Invalidate(acct.UserID)
	s.logger.Info(ctx, "Account configuration saved", map[string]interface{}{
		"userID": acct.UserID, "mode": string(acct.AccountMode), "market": string(acct.Market),
	})
	return nil
}

// Invalidate drops the cached context for a user.
func (s *Service) Invalidate(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}
