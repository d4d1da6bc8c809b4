package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"signalpilot/internal/domain"
	"signalpilot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionRepository, ports.RiskRepository and
// ports.AccountRepository on a single SQLite database. Monetary values are
// stored as TEXT and parsed back through decimal to avoid float drift.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (or creates) the database and verifies the schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/signalpilot.db"
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			err = fmt.Errorf("failed to create data directory '%s': %w", dir, err)
			cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
			return nil, err
		}
	}

	// WAL mode for concurrent readers while a signal pipeline writes.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		leverage INTEGER NOT NULL,
		market TEXT NOT NULL,
		account_mode TEXT NOT NULL,
		status TEXT NOT NULL,
		realized_pnl TEXT NOT NULL DEFAULT '0',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_states (
		user_id TEXT PRIMARY KEY,
		daily_loss REAL NOT NULL DEFAULT 0,
		weekly_loss REAL NOT NULL DEFAULT 0,
		total_loss REAL NOT NULL DEFAULT 0,
		max_daily_loss REAL NOT NULL DEFAULT 0,
		max_weekly_loss REAL NOT NULL DEFAULT 0,
		max_total_loss REAL NOT NULL DEFAULT 0,
		max_loss_percent REAL NOT NULL DEFAULT 0,
		baseline_equity REAL NOT NULL DEFAULT 0,
		trading_enabled INTEGER NOT NULL DEFAULT 1,
		halt_reason TEXT NOT NULL DEFAULT '',
		daily_reset_at TIMESTAMP NOT NULL,
		weekly_reset_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		account_mode TEXT NOT NULL,
		market TEXT NOT NULL,
		trade_amount TEXT NOT NULL,
		leverage INTEGER NOT NULL,
		correlation_enabled INTEGER NOT NULL DEFAULT 0,
		exchange_id TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_user_symbol_status ON positions (user_id, symbol, status);
	CREATE INDEX IF NOT EXISTS idx_positions_correlation ON positions (user_id, symbol, correlation_id, status);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository ---

const positionColumns = `id, correlation_id, user_id, symbol, side, quantity, entry_price,
	leverage, market, account_mode, status, realized_pnl, created_at, updated_at, closed_at`

// Create inserts a new position row.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) error {
	const query = `
	INSERT INTO positions (id, correlation_id, user_id, symbol, side, quantity, entry_price,
		leverage, market, account_mode, status, realized_pnl, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		pos.ID, pos.CorrelationID, pos.UserID, pos.Symbol, string(pos.Side),
		pos.Quantity.String(), pos.EntryPrice.String(), pos.Leverage,
		string(pos.Market), string(pos.AccountMode), string(pos.Status),
		pos.RealizedPnL.String(), pos.CreatedAt, pos.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert position %s: %w", pos.ID, err)
	}
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": pos.ID, "userID": pos.UserID, "symbol": pos.Symbol})
	return nil
}

// Update rewrites the mutable columns of an existing position.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET quantity = ?, status = ?, realized_pnl = ?, updated_at = ?, closed_at = ?
	WHERE id = ? AND user_id = ?`

	var closedAt sql.NullTime
	if !pos.ClosedAt.IsZero() {
		closedAt = sql.NullTime{Time: pos.ClosedAt, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.Quantity.String(), string(pos.Status), pos.RealizedPnL.String(),
		pos.UpdatedAt, closedAt, pos.ID, pos.UserID)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", pos.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result for position %s: %w", pos.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("position %s not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	return nil
}

// FindOpenByCorrelation returns the user's open positions on a symbol carrying
// the given correlation id, newest first.
func (r *Repository) FindOpenByCorrelation(ctx context.Context, userID, symbol, correlationID string) ([]*domain.Position, error) {
	const query = `
	SELECT ` + positionColumns + `
	FROM positions
	WHERE user_id = ? AND symbol = ? AND correlation_id = ? AND status != ?
	ORDER BY created_at DESC`
	return r.queryPositions(ctx, query, userID, symbol, correlationID, string(domain.StatusClosed))
}

// FindOpenBySymbol returns the user's open positions on a symbol regardless of
// correlation id, newest first.
func (r *Repository) FindOpenBySymbol(ctx context.Context, userID, symbol string) ([]*domain.Position, error) {
	const query = `
	SELECT ` + positionColumns + `
	FROM positions
	WHERE user_id = ? AND symbol = ? AND status != ?
	ORDER BY created_at DESC`
	return r.queryPositions(ctx, query, userID, symbol, string(domain.StatusClosed))
}

// FindByID returns a single position, nil when absent.
func (r *Repository) FindByID(ctx context.Context, userID, id string) (*domain.Position, error) {
	const query = `
	SELECT ` + positionColumns + `
	FROM positions
	WHERE user_id = ? AND id = ?`
	positions, err := r.queryPositions(ctx, query, userID, id)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return positions[0], nil
}

// FindAllByUser returns every position of a user, open or closed, newest first.
func (r *Repository) FindAllByUser(ctx context.Context, userID string) ([]*domain.Position, error) {
	const query = `
	SELECT ` + positionColumns + `
	FROM positions
	WHERE user_id = ?
	ORDER BY created_at DESC`
	return r.queryPositions(ctx, query, userID)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("position query failed: %w", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position row iteration failed: %w", err)
	}
	return positions, nil
}

func scanPosition(rows *sql.Rows) (*domain.Position, error) {
	var (
		pos                            domain.Position
		side, market, mode, status     string
		quantity, entryPrice, realized string
		closedAt                       sql.NullTime
	)
	err := rows.Scan(&pos.ID, &pos.CorrelationID, &pos.UserID, &pos.Symbol, &side,
		&quantity, &entryPrice, &pos.Leverage, &market, &mode, &status,
		&realized, &pos.CreatedAt, &pos.UpdatedAt, &closedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan position row: %w", err)
	}

	pos.Side = domain.Side(side)
	pos.Market = domain.Market(market)
	pos.AccountMode = domain.AccountMode(mode)
	pos.Status = domain.PositionStatus(status)
	if closedAt.Valid {
		pos.ClosedAt = closedAt.Time
	}

	if pos.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("corrupt quantity %q for position %s: %w", quantity, pos.ID, err)
	}
	if pos.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
		return nil, fmt.Errorf("corrupt entry price %q for position %s: %w", entryPrice, pos.ID, err)
	}
	if pos.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return nil, fmt.Errorf("corrupt realized pnl %q for position %s: %w", realized, pos.ID, err)
	}
	return &pos, nil
}

// --- RiskRepository ---

// GetRiskState loads the risk state for a user, nil when none is stored yet.
func (r *Repository) GetRiskState(ctx context.Context, userID string) (*domain.RiskState, error) {
	const query = `
	SELECT user_id, daily_loss, weekly_loss, total_loss,
		max_daily_loss, max_weekly_loss, max_total_loss, max_loss_percent,
		baseline_equity, trading_enabled, halt_reason,
		daily_reset_at, weekly_reset_at, updated_at
	FROM risk_states WHERE user_id = ?`

	var (
		st      domain.RiskState
		enabled int
	)
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&st.UserID, &st.DailyLoss, &st.WeeklyLoss, &st.TotalLoss,
		&st.Limits.MaxDailyLoss, &st.Limits.MaxWeeklyLoss, &st.Limits.MaxTotalLoss, &st.Limits.MaxLossPercent,
		&st.BaselineEquity, &enabled, &st.HaltReason,
		&st.DailyResetAt, &st.WeeklyResetAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load risk state for user %s: %w", userID, err)
	}
	st.TradingEnabled = enabled != 0
	return &st, nil
}

// SaveRiskState upserts the risk state for a user.
func (r *Repository) SaveRiskState(ctx context.Context, state *domain.RiskState) error {
	const query = `
	INSERT INTO risk_states (user_id, daily_loss, weekly_loss, total_loss,
		max_daily_loss, max_weekly_loss, max_total_loss, max_loss_percent,
		baseline_equity, trading_enabled, halt_reason,
		daily_reset_at, weekly_reset_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		daily_loss = excluded.daily_loss,
		weekly_loss = excluded.weekly_loss,
		total_loss = excluded.total_loss,
		max_daily_loss = excluded.max_daily_loss,
		max_weekly_loss = excluded.max_weekly_loss,
		max_total_loss = excluded.max_total_loss,
		max_loss_percent = excluded.max_loss_percent,
		baseline_equity = excluded.baseline_equity,
		trading_enabled = excluded.trading_enabled,
		halt_reason = excluded.halt_reason,
		daily_reset_at = excluded.daily_reset_at,
		weekly_reset_at = excluded.weekly_reset_at,
		updated_at = excluded.updated_at`

	enabled := 0
	if state.TradingEnabled {
		enabled = 1
	}
	_, err := r.db.ExecContext(ctx, query,
		state.UserID, state.DailyLoss, state.WeeklyLoss, state.TotalLoss,
		state.Limits.MaxDailyLoss, state.Limits.MaxWeeklyLoss, state.Limits.MaxTotalLoss, state.Limits.MaxLossPercent,
		state.BaselineEquity, enabled, state.HaltReason,
		state.DailyResetAt, state.WeeklyResetAt, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save risk state for user %s: %w", state.UserID, err)
	}
	return nil
}

// --- AccountRepository ---

// GetAccount loads the account context for a user, nil when none is stored.
func (r *Repository) GetAccount(ctx context.Context, userID string) (*domain.AccountContext, error) {
	const query = `
	SELECT user_id, account_mode, market, trade_amount, leverage,
		correlation_enabled, exchange_id, updated_at
	FROM accounts WHERE user_id = ?`

	var (
		acct         domain.AccountContext
		mode, market string
		tradeAmount  string
		correlation  int
	)
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&acct.UserID, &mode, &market, &tradeAmount, &acct.Leverage,
		&correlation, &acct.ExchangeID, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account for user %s: %w", userID, err)
	}

	acct.AccountMode = domain.AccountMode(mode)
	acct.Market = domain.Market(market)
	acct.CorrelationEnabled = correlation != 0
	if acct.TradeAmount, err = decimal.NewFromString(tradeAmount); err != nil {
		return nil, fmt.Errorf("corrupt trade amount %q for user %s: %w", tradeAmount, userID, err)
	}
	return &acct, nil
}

// SaveAccount upserts the account context for a user.
func (r *Repository) SaveAccount(ctx context.Context, acct *domain.AccountContext) error {
	const query = `
	INSERT INTO accounts (user_id, account_mode, market, trade_amount, leverage,
		correlation_enabled, exchange_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		account_mode = excluded.account_mode,
		market = excluded.market,
		trade_amount = excluded.trade_amount,
		leverage = excluded.leverage,
		correlation_enabled = excluded.correlation_enabled,
		exchange_id = excluded.exchange_id,
		updated_at = excluded.updated_at`

	correlation := 0
	if acct.CorrelationEnabled {
		correlation = 1
	}
	_, err := r.db.ExecContext(ctx, query,
		acct.UserID, string(acct.AccountMode), string(acct.Market),
		acct.TradeAmount.String(), acct.Leverage, correlation, acct.ExchangeID, acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save account for user %s: %w", acct.UserID, err)
	}
	return nil
}
