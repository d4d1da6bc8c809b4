package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalpilot/internal/accounts"
	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
	"signalpilot/internal/resolver"
	"signalpilot/internal/risk"
)

// --- mocks ---

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockPositionRepo struct {
	positions []*domain.Position
	createErr error
	updateErr error
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) error {
	if m.createErr != nil {
		return m.createErr
	}
	cp := *pos
	m.positions = append([]*domain.Position{&cp}, m.positions...) // newest first
	return nil
}

func (m *mockPositionRepo) Update(ctx context.Context, pos *domain.Position) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	for i, p := range m.positions {
		if p.ID == pos.ID {
			cp := *pos
			m.positions[i] = &cp
			return nil
		}
	}
	return ports.ErrNotFound
}

func (m *mockPositionRepo) FindOpenByCorrelation(ctx context.Context, userID, symbol, correlationID string) ([]*domain.Position, error) {
	var out []*domain.Position
	for _, p := range m.positions {
		if p.UserID == userID && p.Symbol == symbol && p.CorrelationID == correlationID && p.IsOpen() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPositionRepo) FindOpenBySymbol(ctx context.Context, userID, symbol string) ([]*domain.Position, error) {
	var out []*domain.Position
	for _, p := range m.positions {
		if p.UserID == userID && p.Symbol == symbol && p.IsOpen() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPositionRepo) FindByID(ctx context.Context, userID, id string) (*domain.Position, error) {
	for _, p := range m.positions {
		if p.UserID == userID && p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockPositionRepo) FindAllByUser(ctx context.Context, userID string) ([]*domain.Position, error) {
	return m.positions, nil
}

func (m *mockPositionRepo) openFor(userID, symbol string) []*domain.Position {
	var out []*domain.Position
	for _, p := range m.positions {
		if p.UserID == userID && p.Symbol == symbol && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out
}

type mockRiskRepo struct {
	states map[string]*domain.RiskState
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
	cp := *state
	m.states[state.UserID] = &cp
	return nil
}

type mockAccountRepo struct {
	accounts map[string]*domain.AccountContext
}

func (m *mockAccountRepo) GetAccount(ctx context.Context, userID string) (*domain.AccountContext, error) {
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, nil
	}
	cp := *acct
	return &cp, nil
}

func (m *mockAccountRepo) SaveAccount(ctx context.Context, acct *domain.AccountContext) error {
	cp := *acct
	m.accounts[acct.UserID] = &cp
	return nil
}

type mockExchange struct {
	price      decimal.Decimal
	rules      ports.SymbolRules
	placeErrs  []error
	placeCalls []ports.OrderRequest
	closeErrs  []error
	closeCalls int
}

func (m *mockExchange) GetReferencePrice(ctx context.Context, symbol string, market domain.Market) (decimal.Decimal, error) {
	return m.price, nil
}

func (m *mockExchange) GetSymbolRules(ctx context.Context, symbol string, market domain.Market) (ports.SymbolRules, error) {
	return m.rules, nil
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	idx := len(m.placeCalls)
	m.placeCalls = append(m.placeCalls, req)
	if idx < len(m.placeErrs) && m.placeErrs[idx] != nil {
		return nil, m.placeErrs[idx]
	}
	return &ports.OrderResponse{OrderRef: "ord", AvgPrice: m.price, ExecutedQty: req.Quantity}, nil
}

func (m *mockExchange) ClosePosition(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal, market domain.Market) (*ports.OrderResponse, error) {
	idx := m.closeCalls
	m.closeCalls++
	if idx < len(m.closeErrs) && m.closeErrs[idx] != nil {
		return nil, m.closeErrs[idx]
	}
	return &ports.OrderResponse{OrderRef: "close", AvgPrice: m.price, ExecutedQty: qty}, nil
}

type mockSink struct {
	events []domain.PositionEvent
}

func (m *mockSink) Publish(ctx context.Context, event domain.PositionEvent) {
	m.events = append(m.events, event)
}

// --- fixture ---

type fixture struct {
	svc      *SignalService
	posRepo  *mockPositionRepo
	riskRepo *mockRiskRepo
	acctRepo *mockAccountRepo
	demo     *mockExchange
	real     *mockExchange
	sink     *mockSink
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcRules() ports.SymbolRules {
	return ports.SymbolRules{
		MinQuantity:       dec("0.001"),
		QuantityStep:      dec("0.001"),
		MinNotional:       dec("5"),
		QuantityPrecision: 3,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := &mockLogger{}

	posRepo := &mockPositionRepo{}
	riskRepo := &mockRiskRepo{states: make(map[string]*domain.RiskState)}
	acctRepo := &mockAccountRepo{accounts: map[string]*domain.AccountContext{
		"u1": {
			UserID:             "u1",
			AccountMode:        domain.ModeDemo,
			Market:             domain.MarketDerivatives,
			TradeAmount:        dec("100"),
			Leverage:           10,
			CorrelationEnabled: true,
		},
	}}

	acctSvc, err := accounts.NewService(acctRepo, logger)
	require.NoError(t, err)
	res, err := resolver.New(posRepo, logger)
	require.NoError(t, err)
	gate, err := risk.NewGate(riskRepo, logger, risk.Config{
		DefaultLimits: domain.RiskLimits{MaxDailyLoss: 500, MaxWeeklyLoss: 2000, MaxTotalLoss: 5000},
	})
	require.NoError(t, err)

	demo := &mockExchange{price: dec("50000"), rules: btcRules()}
	real := &mockExchange{price: dec("50000"), rules: btcRules()}
	sink := &mockSink{}

	svc, err := NewSignalService(Config{ExchangeTimeout: time.Second}, logger, acctSvc, res, gate, posRepo, real, demo, sink)
	require.NoError(t, err)

	return &fixture{svc: svc, posRepo: posRepo, riskRepo: riskRepo, acctRepo: acctRepo, demo: demo, real: real, sink: sink}
}

func sig(kind domain.SignalKind, corrID string, pct float64) *domain.Signal {
	return &domain.Signal{
		Kind:          kind,
		Symbol:        "BTCUSDT",
		CorrelationID: corrID,
		Percentage:    pct,
		UserID:        "u1",
		ReceivedAt:    time.Now().UTC(),
	}
}

// --- tests ---

func TestProcessOpenCreatesPositionWithNormalizedQuantity(t *testing.T) {
	f := newFixture(t)

	// trade amount 100 * leverage 10 at price 50000 -> 0.020
	result, err := f.svc.ProcessSignal(context.Background(), sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionOpenNew, result.Action)
	require.NotNil(t, result.Position)
	assert.True(t, result.Position.Quantity.Equal(dec("0.02")), "got %s", result.Position.Quantity)
	assert.Equal(t, domain.Long, result.Position.Side)
	assert.Equal(t, domain.StatusOpen, result.Position.Status)
	assert.Equal(t, "X", result.Position.CorrelationID)

	open := f.posRepo.openFor("u1", "BTCUSDT")
	require.Len(t, open, 1)
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, domain.ActionOpenNew, f.sink.events[0].Action)
	assert.Empty(t, f.sink.events[0].Err)
}

func TestProcessOpenRoutesToDemoExchange(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ProcessSignal(context.Background(), sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)
	assert.Len(t, f.demo.placeCalls, 1, "demo account must trade on the demo exchange")
	assert.Empty(t, f.real.placeCalls)
}

func TestProcessSequentialOpensEnhanceSinglePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)
	result, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)

	assert.Equal(t, domain.ActionEnhance, result.Action)
	open := f.posRepo.openFor("u1", "BTCUSDT")
	require.Len(t, open, 1, "enhance must not create a second position")
	assert.True(t, open[0].Quantity.Equal(dec("0.04")), "got %s", open[0].Quantity)
	assert.Equal(t, domain.StatusOpen, open[0].Status)
}

func TestProcessEnhanceKeepsEntryPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)

	f.demo.price = dec("60000")
	_, err = f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)

	open := f.posRepo.openFor("u1", "BTCUSDT")
	require.Len(t, open, 1)
	assert.True(t, open[0].EntryPrice.Equal(dec("50000")), "entry price unchanged on enhance, got %s", open[0].EntryPrice)
}

func TestProcessOppositeSignalFlips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)

	result, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenShort, "X", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFlip, result.Action)
	require.Len(t, result.Closed, 1)
	assert.True(t, result.Closed[0].Full)
	require.NotNil(t, result.Position)
	assert.Equal(t, domain.Short, result.Position.Side)

	// Flip always fully closes before reopening: never more than one open
	// position per correlation id.
	open := f.posRepo.openFor("u1", "BTCUSDT")
	require.Len(t, open, 1)
	assert.Equal(t, domain.Short, open[0].Side)
}

func TestProcessAlternatingFlipsKeepSinglePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kinds := []domain.SignalKind{
		domain.SignalOpenLong, domain.SignalOpenLong,
		domain.SignalOpenShort, domain.SignalOpenShort,
		domain.SignalOpenLong,
	}
	for _, k := range kinds {
		_, err := f.svc.ProcessSignal(ctx, sig(k, "X", 0))
		require.NoError(t, err)
		assert.LessOrEqual(t, len(f.posRepo.openFor("u1", "BTCUSDT")), 1)
	}
}

func TestProcessCloseAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)

	result, err := f.svc.ProcessSignal(ctx, sig(domain.SignalClose, "X", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCloseAll, result.Action)
	require.Len(t, result.Closed, 1)
	assert.Empty(t, result.Failed)
	assert.Empty(t, f.posRepo.openFor("u1", "BTCUSDT"))
}

func TestProcessCloseWithoutPositions(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ProcessSignal(context.Background(), sig(domain.SignalClose, "X", 0))
	var npErr *domain.NoPositionError
	require.ErrorAs(t, err, &npErr)

	// Structured failure still emits an event for the front-end.
	require.Len(t, f.sink.events, 1)
	assert.NotEmpty(t, f.sink.events[0].Err)
}

func TestProcessClosePartialHalvesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)

	result, err := f.svc.ProcessSignal(ctx, sig(domain.SignalClosePartial, "X", 50))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionClosePartial, result.Action)
	require.Len(t, result.Closed, 1)
	assert.False(t, result.Closed[0].Full)
	assert.True(t, result.Closed[0].Quantity.Equal(dec("0.01")), "got %s", result.Closed[0].Quantity)

	open := f.posRepo.openFor("u1", "BTCUSDT")
	require.Len(t, open, 1)
	assert.Equal(t, domain.StatusPartiallyClosed, open[0].Status)
	assert.True(t, open[0].Quantity.Equal(dec("0.01")))
}

func TestProcessClosePartialFullPercentageCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)

	result, err := f.svc.ProcessSignal(ctx, sig(domain.SignalClosePartial, "X", 100))
	require.NoError(t, err)
	require.Len(t, result.Closed, 1)
	assert.True(t, result.Closed[0].Full, "100%% degenerates to a full close")
	assert.Empty(t, f.posRepo.openFor("u1", "BTCUSDT"))
}

func TestProcessClosePartialInvalidPercentageRejectedEarly(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ProcessSignal(context.Background(), sig(domain.SignalClosePartial, "Y", 150))
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "percentage", vErr.Field)

	// Rejected before any lookup or exchange traffic.
	assert.Zero(t, f.demo.closeCalls)
	assert.Empty(t, f.demo.placeCalls)
	assert.Empty(t, f.sink.events)
}

func TestProcessRejectsMalformedSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := sig(domain.SignalOpenLong, "", 0)
	bad.Symbol = "BTC"
	_, err := f.svc.ProcessSignal(ctx, bad)
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)

	unknown := sig(domain.SignalKind("hold"), "", 0)
	_, err = f.svc.ProcessSignal(ctx, unknown)
	require.ErrorAs(t, err, &vErr)
}

func TestProcessRiskHaltBlocksSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.riskRepo.states["u1"] = &domain.RiskState{
		UserID:         "u1",
		Limits:         domain.RiskLimits{MaxDailyLoss: 500},
		TradingEnabled: false,
		HaltReason:     "daily",
		DailyResetAt:   time.Now().UTC(),
		WeeklyResetAt:  time.Now().UTC(),
	}

	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	var halt *domain.RiskHaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, "daily", halt.Limit)
	assert.Empty(t, f.demo.placeCalls, "halted user must not reach the exchange")
}

func TestProcessRealizedLossHaltsFutureSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)

	// Price collapses: closing realizes 0.02 * (50000-10000) = 800 loss,
	// breaching the 500 daily limit.
	f.demo.price = dec("10000")
	_, err = f.svc.ProcessSignal(ctx, sig(domain.SignalClose, "X", 0))
	require.NoError(t, err, "the close itself succeeds; the halt applies to future signals")

	_, err = f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	var halt *domain.RiskHaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, "daily", halt.Limit)
}

func TestProcessPartialBatchFailureIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two uncorrelated positions on the symbol (correlation ids differ, but
	// the close signal without an id targets the whole symbol scope only when
	// correlation is disabled -- so use two signals with the same id instead).
	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)
	f.posRepo.positions = append(f.posRepo.positions, &domain.Position{
		ID: "stray", CorrelationID: "X", UserID: "u1", Symbol: "BTCUSDT",
		Side: domain.Long, Quantity: dec("0.05"), EntryPrice: dec("50000"),
		Market: domain.MarketDerivatives, AccountMode: domain.ModeDemo,
		Status: domain.StatusOpen,
	})

	f.demo.closeErrs = []error{nil, ports.ErrConnectionFailed}
	result, err := f.svc.ProcessSignal(ctx, sig(domain.SignalClose, "X", 0))
	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.NotNil(t, result)
	assert.Len(t, result.Closed, 1, "successful sub-units are reported")
	assert.Len(t, result.Failed, 1, "failed sub-units are reported")
}

func TestProcessQuantityRejectionRetriesAndAudits(t *testing.T) {
	f := newFixture(t)
	f.demo.placeErrs = []error{
		&ports.OrderRejectedError{Class: ports.RejectionMinNotional, Message: "too small"},
		nil,
	}

	result, err := f.svc.ProcessSignal(context.Background(), sig(domain.SignalOpenLong, "X", 0))
	require.NoError(t, err)
	require.NotNil(t, result.Execution)
	assert.Equal(t, 2, result.Execution.Attempts)
	assert.True(t, result.Execution.Adjusted, "substitution must be recorded for audit")
	assert.True(t, result.Position.Quantity.Equal(dec("0.021")))
}

func TestProcessQuantityExhaustionSurfaces(t *testing.T) {
	f := newFixture(t)
	reject := &ports.OrderRejectedError{Class: ports.RejectionStepSize, Message: "bad step"}
	f.demo.placeErrs = []error{reject, reject, reject}

	_, err := f.svc.ProcessSignal(context.Background(), sig(domain.SignalOpenLong, "X", 0))
	var exhausted *domain.QuantityAdjustmentExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Empty(t, f.posRepo.openFor("u1", "BTCUSDT"), "no position without a filled order")
}

func TestProcessCorrelationScopeIsolatesPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// With correlation enabled, distinct ids on the same symbol are distinct
	// logical positions.
	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "A", 0))
	require.NoError(t, err)
	_, err = f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "B", 0))
	require.NoError(t, err)
	require.Len(t, f.posRepo.openFor("u1", "BTCUSDT"), 2)

	// A close scoped to one id leaves the other untouched.
	result, err := f.svc.ProcessSignal(ctx, sig(domain.SignalClose, "A", 0))
	require.NoError(t, err)
	require.Len(t, result.Closed, 1)
	open := f.posRepo.openFor("u1", "BTCUSDT")
	require.Len(t, open, 1)
	assert.Equal(t, "B", open[0].CorrelationID)
}

func TestProcessSymbolScopeWhenCorrelationDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.acctRepo.accounts["u1"].CorrelationEnabled = false
	f.svc.accounts.Invalidate("u1")

	_, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "A", 0))
	require.NoError(t, err)

	// Same symbol, different id: without correlation the id is ignored and
	// the second open enhances the existing symbol-level position.
	result, err := f.svc.ProcessSignal(ctx, sig(domain.SignalOpenLong, "B", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionEnhance, result.Action)
	open := f.posRepo.openFor("u1", "BTCUSDT")
	require.Len(t, open, 1)
	assert.True(t, open[0].Quantity.Equal(dec("0.04")))
}
