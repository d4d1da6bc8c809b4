package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
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

type mockPositionRepo struct {
	positions []*domain.Position
	findErr   error
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) error {
	m.positions = append(m.positions, pos)
	return nil
}

func (m *mockPositionRepo) Update(ctx context.Context, pos *domain.Position) error { return nil }

func (m *mockPositionRepo) FindOpenByCorrelation(ctx context.Context, userID, symbol, correlationID string) ([]*domain.Position, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []*domain.Position
	for _, p := range m.positions {
		if p.UserID == userID && p.Symbol == symbol && p.CorrelationID == correlationID && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPositionRepo) FindOpenBySymbol(ctx context.Context, userID, symbol string) ([]*domain.Position, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []*domain.Position
	for _, p := range m.positions {
		if p.UserID == userID && p.Symbol == symbol && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPositionRepo) FindByID(ctx context.Context, userID, id string) (*domain.Position, error) {
	for _, p := range m.positions {
		if p.UserID == userID && p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

func (m *mockPositionRepo) FindAllByUser(ctx context.Context, userID string) ([]*domain.Position, error) {
	return m.positions, nil
}

func openPosition(userID, symbol, corrID string, side domain.Side) *domain.Position {
	return &domain.Position{
		ID:            "pos-" + corrID + string(side),
		CorrelationID: corrID,
		UserID:        userID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      decimal.RequireFromString("0.5"),
		EntryPrice:    decimal.RequireFromString("50000"),
		Status:        domain.StatusOpen,
		CreatedAt:     time.Now().UTC(),
	}
}

func corrAccount() *domain.AccountContext {
	return &domain.AccountContext{
		UserID:             "u1",
		AccountMode:        domain.ModeDemo,
		Market:             domain.MarketDerivatives,
		CorrelationEnabled: true,
	}
}

func signal(kind domain.SignalKind, corrID string, pct float64) *domain.Signal {
	return &domain.Signal{
		Kind:          kind,
		Symbol:        "BTCUSDT",
		CorrelationID: corrID,
		Percentage:    pct,
		UserID:        "u1",
		ReceivedAt:    time.Now().UTC(),
	}
}

func TestResolveOpenNoMatch(t *testing.T) {
	repo := &mockPositionRepo{}
	r, err := New(repo, &mockLogger{})
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), signal(domain.SignalOpenLong, "X", 0), corrAccount())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionOpenNew, res.Action)
	assert.Empty(t, res.Matches)
}

func TestResolveOpenSameSideEnhances(t *testing.T) {
	repo := &mockPositionRepo{positions: []*domain.Position{
		openPosition("u1", "BTCUSDT", "X", domain.Long),
	}}
	r, _ := New(repo, &mockLogger{})

	res, err := r.Resolve(context.Background(), signal(domain.SignalOpenLong, "X", 0), corrAccount())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionEnhance, res.Action)
	require.Len(t, res.Matches, 1)
}

func TestResolveOpenOppositeSideFlips(t *testing.T) {
	repo := &mockPositionRepo{positions: []*domain.Position{
		openPosition("u1", "BTCUSDT", "X", domain.Long),
	}}
	r, _ := New(repo, &mockLogger{})

	res, err := r.Resolve(context.Background(), signal(domain.SignalOpenShort, "X", 0), corrAccount())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFlip, res.Action)
	require.Len(t, res.Matches, 1)
}

func TestResolveCloseNoMatchReturnsNoPosition(t *testing.T) {
	repo := &mockPositionRepo{}
	r, _ := New(repo, &mockLogger{})

	_, err := r.Resolve(context.Background(), signal(domain.SignalClose, "X", 0), corrAccount())
	var npErr *domain.NoPositionError
	require.ErrorAs(t, err, &npErr)
	assert.Equal(t, "BTCUSDT", npErr.Symbol)
	assert.Equal(t, "X", npErr.CorrelationID)
}

func TestResolveCloseAllMatchesCorrelation(t *testing.T) {
	repo := &mockPositionRepo{positions: []*domain.Position{
		openPosition("u1", "BTCUSDT", "X", domain.Long),
		openPosition("u1", "BTCUSDT", "Y", domain.Long), // different id, not matched
	}}
	r, _ := New(repo, &mockLogger{})

	res, err := r.Resolve(context.Background(), signal(domain.SignalClose, "X", 0), corrAccount())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCloseAll, res.Action)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "X", res.Matches[0].CorrelationID)
}

func TestResolveClosePartial(t *testing.T) {
	repo := &mockPositionRepo{positions: []*domain.Position{
		openPosition("u1", "BTCUSDT", "X", domain.Long),
	}}
	r, _ := New(repo, &mockLogger{})

	res, err := r.Resolve(context.Background(), signal(domain.SignalClosePartial, "X", 40), corrAccount())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionClosePartial, res.Action)
	assert.Equal(t, 40.0, res.ClosePercent)
}

func TestResolveSymbolScopeWhenCorrelationDisabled(t *testing.T) {
	repo := &mockPositionRepo{positions: []*domain.Position{
		openPosition("u1", "BTCUSDT", "X", domain.Long),
		openPosition("u1", "BTCUSDT", "Y", domain.Long),
	}}
	r, _ := New(repo, &mockLogger{})
	acct := corrAccount()
	acct.CorrelationEnabled = false

	// Close targets every open position on the symbol, ignoring ids.
	res, err := r.Resolve(context.Background(), signal(domain.SignalClose, "Z", 0), acct)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCloseAll, res.Action)
	assert.Len(t, res.Matches, 2)
}

func TestResolveSymbolScopeWhenSignalHasNoID(t *testing.T) {
	repo := &mockPositionRepo{positions: []*domain.Position{
		openPosition("u1", "BTCUSDT", "X", domain.Short),
	}}
	r, _ := New(repo, &mockLogger{})

	// Correlation enabled but no id on the signal: symbol scope applies, and
	// the short match flips the incoming long.
	res, err := r.Resolve(context.Background(), signal(domain.SignalOpenLong, "", 0), corrAccount())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFlip, res.Action)
}

func TestResolveClosedPositionsAreIgnored(t *testing.T) {
	closed := openPosition("u1", "BTCUSDT", "X", domain.Long)
	closed.Status = domain.StatusClosed
	repo := &mockPositionRepo{positions: []*domain.Position{closed}}
	r, _ := New(repo, &mockLogger{})

	res, err := r.Resolve(context.Background(), signal(domain.SignalOpenLong, "X", 0), corrAccount())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionOpenNew, res.Action)
}
