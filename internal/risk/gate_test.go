package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalpilot/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockRiskRepo struct {
	states  map[string]*domain.RiskState
	saveErr error
}

func newMockRiskRepo() *mockRiskRepo {
	return &mockRiskRepo{states: make(map[string]*domain.RiskState)}
}

func (m *mockRiskRepo) GetRiskState(ctx context.Context, userID string) (*domain.RiskState, error) {
	st, ok := m.states[userID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *mockRiskRepo) SaveRiskState(ctx context.Context, state *domain.RiskState) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *state
	m.states[state.UserID] = &cp
	return nil
}

func newTestGate(t *testing.T, repo *mockRiskRepo, now *time.Time) *Gate {
	t.Helper()
	gate, err := NewGate(repo, &mockLogger{}, Config{
		DefaultLimits: domain.RiskLimits{
			MaxDailyLoss:  100,
			MaxWeeklyLoss: 300,
			MaxTotalLoss:  1000,
		},
		Now: func() time.Time { return *now },
	})
	require.NoError(t, err)
	return gate
}

func TestGateAllowsNewUser(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	gate := newTestGate(t, newMockRiskRepo(), &now)

	require.NoError(t, gate.IsAllowed(context.Background(), "u1"))
}

func TestGateHaltsOnDailyLimitExactlyOnce(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := newMockRiskRepo()
	gate := newTestGate(t, repo, &now)
	ctx := context.Background()

	require.NoError(t, gate.CheckAndRecord(ctx, "u1", -60))

	err := gate.CheckAndRecord(ctx, "u1", -50) // daily loss 110 > 100
	var halt *domain.RiskHaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, "daily", halt.Limit)

	// Halt is sticky regardless of PnL sign.
	err = gate.CheckAndRecord(ctx, "u1", 500)
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, "daily", halt.Limit)

	err = gate.IsAllowed(ctx, "u1")
	require.ErrorAs(t, err, &halt)
}

func TestGateProfitsDoNotReduceLosses(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := newMockRiskRepo()
	gate := newTestGate(t, repo, &now)
	ctx := context.Background()

	require.NoError(t, gate.CheckAndRecord(ctx, "u1", -90))
	require.NoError(t, gate.CheckAndRecord(ctx, "u1", 200))

	state, err := gate.State(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, state.DailyLoss)
	assert.Equal(t, 90.0, state.TotalLoss)
}

func TestGateDailyRollover(t *testing.T) {
	now := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	repo := newMockRiskRepo()
	gate := newTestGate(t, repo, &now)
	ctx := context.Background()

	require.NoError(t, gate.CheckAndRecord(ctx, "u1", -90))

	// Next calendar day: daily counter resets lazily, weekly survives.
	now = now.Add(2 * time.Hour)
	state, err := gate.State(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.DailyLoss)
	assert.Equal(t, 90.0, state.WeeklyLoss)
	assert.Equal(t, 90.0, state.TotalLoss)
}

func TestGateWeeklyRolloverOnISOWeek(t *testing.T) {
	// Sunday of ISO week 11.
	now := time.Date(2025, 3, 16, 12, 0, 0, 0, time.UTC)
	repo := newMockRiskRepo()
	gate := newTestGate(t, repo, &now)
	ctx := context.Background()

	require.NoError(t, gate.CheckAndRecord(ctx, "u1", -90))

	// Monday of ISO week 12: weekly (and daily) counters reset.
	now = time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	state, err := gate.State(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.WeeklyLoss)
	assert.Equal(t, 0.0, state.DailyLoss)
	assert.Equal(t, 90.0, state.TotalLoss)
}

func TestGateHaltDoesNotResetWithPeriods(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := newMockRiskRepo()
	gate := newTestGate(t, repo, &now)
	ctx := context.Background()

	err := gate.CheckAndRecord(ctx, "u1", -150)
	var halt *domain.RiskHaltError
	require.ErrorAs(t, err, &halt)

	// A week later the counters roll but the halt stands.
	now = now.AddDate(0, 0, 8)
	err = gate.IsAllowed(ctx, "u1")
	require.ErrorAs(t, err, &halt)
}

func TestGateReenable(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := newMockRiskRepo()
	gate := newTestGate(t, repo, &now)
	ctx := context.Background()

	var halt *domain.RiskHaltError
	require.ErrorAs(t, gate.CheckAndRecord(ctx, "u1", -150), &halt)

	require.NoError(t, gate.Reenable(ctx, "u1"))
	require.NoError(t, gate.IsAllowed(ctx, "u1"))

	state, err := gate.State(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, state.TradingEnabled)
	assert.Empty(t, state.HaltReason)
	// Counters survive the re-enable; only period rollover clears them.
	assert.Equal(t, 150.0, state.TotalLoss)
}

func TestGateTotalLimit(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := newMockRiskRepo()
	gate := newTestGate(t, repo, &now)
	ctx := context.Background()

	// Spread losses over days so daily/weekly limits never trip.
	for i := 0; i < 11; i++ {
		err := gate.CheckAndRecord(ctx, "u1", -95)
		now = now.AddDate(0, 0, 7)
		if i < 10 {
			require.NoError(t, err, "iteration %d", i)
		} else {
			var halt *domain.RiskHaltError
			require.ErrorAs(t, err, &halt)
			assert.Equal(t, "total", halt.Limit)
		}
	}
}
