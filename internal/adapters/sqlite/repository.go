package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver

	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
)

// Repository implements ports.LedgerStore using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

var _ ports.LedgerStore = (*Repository)(nil)

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/leverage_guard.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// One writer at a time; the reconciler and executor share this handle.
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
	cfg.Logger.Info(context.Background(), "SQLite ledger ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		remaining_quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		current_price REAL NOT NULL DEFAULT 0,
		exit_price REAL NOT NULL DEFAULT 0,
		stop_loss REAL NOT NULL DEFAULT 0,
		take_profit REAL NOT NULL DEFAULT 0,
		leverage INTEGER NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		exceptional BOOLEAN NOT NULL DEFAULT 0,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		status TEXT NOT NULL,
		close_reason TEXT NOT NULL DEFAULT '',
		realized_pnl REAL NOT NULL DEFAULT 0,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		pnl_percent REAL NOT NULL DEFAULT 0,
		exchange_order_id INTEGER NOT NULL DEFAULT 0,
		stop_loss_set BOOLEAN NOT NULL DEFAULT 0,
		take_profit_set BOOLEAN NOT NULL DEFAULT 0,
		partial_profit_taken BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_trades_status_symbol ON trades (status, symbol, opened_at);
	CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades (closed_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
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

// wrapErr maps driver errors onto the ledger sentinels.
func wrapErr(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%s failed: %w: %w", op, ports.ErrDuplicateEntry, err)
		case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked || sqliteErr.Code == sqlite3.ErrCantOpen:
			return fmt.Errorf("%s failed: %w: %w", op, ports.ErrDBConnection, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrDBConnection, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrContextCanceled, err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

// InsertTrade saves a new open trade.
func (r *Repository) InsertTrade(ctx context.Context, t *domain.Trade) error {
	const query = `
	INSERT INTO trades (id, symbol, side, quantity, remaining_quantity, entry_price, current_price,
	                    exit_price, stop_loss, take_profit, leverage, confidence, exceptional, opened_at,
	                    closed_at, status, close_reason, realized_pnl, unrealized_pnl, pnl_percent,
	                    exchange_order_id, stop_loss_set, take_profit_set, partial_profit_taken)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var closedAt sql.NullTime
	if t.ClosedAt != nil {
		closedAt = sql.NullTime{Time: t.ClosedAt.UTC(), Valid: true}
	}
	status := t.Status
	if status == "" {
		status = domain.StatusOpen
	}
	remaining := t.RemainingQuantity
	if remaining <= 0 {
		remaining = t.Quantity
	}

	_, err := r.db.ExecContext(ctx, query,
		t.ID, string(t.Symbol), string(t.Side), t.Quantity, remaining, t.EntryPrice, t.CurrentPrice,
		t.ExitPrice, t.StopLoss, t.TakeProfit, t.Leverage, t.Confidence, t.Exceptional, t.OpenedAt.UTC(),
		closedAt, string(status), t.CloseReason, t.RealizedPnL, t.UnrealizedPnL, t.PnLPercent,
		t.ExchangeOrderID, t.StopLossSet, t.TakeProfitSet, t.PartialProfitTaken)
	if err != nil {
		return wrapErr("insert trade "+t.ID, err)
	}
	r.logger.Debug(ctx, "Trade inserted", map[string]interface{}{"tradeID": t.ID, "symbol": t.Symbol, "side": t.Side})
	return nil
}

// UpdateTrade applies the non-nil fields of u to an open row. A closed row is
// never rewritten, so a trade is closed at most once and keeps its terminal
// values.
func (r *Repository) UpdateTrade(ctx context.Context, id string, u domain.TradeUpdate) error {
	var sets []string
	var args []interface{}
	add := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if u.CurrentPrice != nil {
		add("current_price", *u.CurrentPrice)
	}
	if u.StopLoss != nil {
		add("stop_loss", *u.StopLoss)
	}
	if u.TakeProfit != nil {
		add("take_profit", *u.TakeProfit)
	}
	if u.RemainingQuantity != nil {
		add("remaining_quantity", *u.RemainingQuantity)
	}
	if u.UnrealizedPnL != nil {
		add("unrealized_pnl", *u.UnrealizedPnL)
	}
	if u.PnLPercent != nil {
		add("pnl_percent", *u.PnLPercent)
	}
	if u.StopLossSet != nil {
		add("stop_loss_set", *u.StopLossSet)
	}
	if u.TakeProfitSet != nil {
		add("take_profit_set", *u.TakeProfitSet)
	}
	if u.PartialProfitTaken != nil {
		add("partial_profit_taken", *u.PartialProfitTaken)
	}
	if c := u.Close; c != nil {
		add("status", string(domain.StatusClosed))
		add("closed_at", c.ClosedAt.UTC())
		add("exit_price", c.ExitPrice)
		add("realized_pnl", c.RealizedPnL)
		add("pnl_percent", c.PnLPercent)
		add("close_reason", c.Reason)
		add("unrealized_pnl", 0.0)
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE trades SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	args = append(args, id, string(domain.StatusOpen))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapErr("update trade "+id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapErr("update trade "+id, err)
	}
	if rows == 0 {
		existing, err := r.FindTrade(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("trade %s not found for update: %w", id, ports.ErrNotFound)
		}
		if !existing.IsOpen() {
			return fmt.Errorf("trade %s (%s): %w", id, existing.CloseReason, ports.ErrAlreadyClosed)
		}
	}
	if u.Close != nil {
		r.logger.Debug(ctx, "Trade closed in ledger", map[string]interface{}{"tradeID": id, "reason": u.Close.Reason, "pnl": u.Close.RealizedPnL})
	}
	return nil
}

const selectTrade = `
	SELECT id, symbol, side, quantity, remaining_quantity, entry_price, current_price, exit_price,
	       stop_loss, take_profit, leverage, confidence, exceptional, opened_at, closed_at, status,
	       close_reason, realized_pnl, unrealized_pnl, pnl_percent, exchange_order_id,
	       stop_loss_set, take_profit_set, partial_profit_taken
	FROM trades`

// FindOpenTrades returns open trades oldest first; an empty symbol matches all.
func (r *Repository) FindOpenTrades(ctx context.Context, symbol domain.Symbol) ([]*domain.Trade, error) {
	query := selectTrade + " WHERE status = ?"
	args := []interface{}{string(domain.StatusOpen)}
	if symbol != "" {
		query += " AND symbol = ?"
		args = append(args, string(symbol))
	}
	query += " ORDER BY opened_at ASC, rowid ASC"
	return r.queryTrades(ctx, "find open trades", query, args...)
}

// FindClosedTrades returns the most recent closed trades, newest first.
func (r *Repository) FindClosedTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := selectTrade + " WHERE status = ? ORDER BY closed_at DESC, rowid DESC LIMIT ?"
	return r.queryTrades(ctx, "find closed trades", query, string(domain.StatusClosed), limit)
}

// FindTrade retrieves a trade by its ID. Returns nil, nil if not found.
func (r *Repository) FindTrade(ctx context.Context, id string) (*domain.Trade, error) {
	row := r.db.QueryRowContext(ctx, selectTrade+" WHERE id = ?", id)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, wrapErr("find trade "+id, err)
	}
	return t, nil
}

func (r *Repository) queryTrades(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, wrapErr(op+" scan", err)
		}
		trades = append(trades, t)
	}
	if err = rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return trades, nil
}

// Summary aggregates the ledger.
type Summary struct {
	OpenTrades    int
	ClosedTrades  int
	Wins          int
	Losses        int
	TotalRealized float64
	CloseErrors   int
}

// GetSummary computes totals over all trades.
func (r *Repository) GetSummary(ctx context.Context) (Summary, error) {
	const query = `
	SELECT
		COALESCE(SUM(CASE WHEN status = 'open' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'closed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'closed' AND realized_pnl > 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'closed' AND realized_pnl <= 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'closed' THEN realized_pnl ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN close_reason LIKE ? THEN 1 ELSE 0 END), 0)
	FROM trades`
	var s Summary
	err := r.db.QueryRowContext(ctx, query, "%"+domain.CloseErrorMarker).Scan(
		&s.OpenTrades, &s.ClosedTrades, &s.Wins, &s.Losses, &s.TotalRealized, &s.CloseErrors)
	if err != nil {
		return Summary{}, wrapErr("ledger summary", err)
	}
	return s, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var symbol, side, status string
	var closedAt sql.NullTime
	err := s.Scan(
		&t.ID, &symbol, &side, &t.Quantity, &t.RemainingQuantity, &t.EntryPrice, &t.CurrentPrice, &t.ExitPrice,
		&t.StopLoss, &t.TakeProfit, &t.Leverage, &t.Confidence, &t.Exceptional, &t.OpenedAt, &closedAt, &status,
		&t.CloseReason, &t.RealizedPnL, &t.UnrealizedPnL, &t.PnLPercent, &t.ExchangeOrderID,
		&t.StopLossSet, &t.TakeProfitSet, &t.PartialProfitTaken)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	t.Symbol = domain.Symbol(symbol)
	t.Side = domain.Side(side)
	t.Status = domain.TradeStatus(status)
	if closedAt.Valid {
		at := closedAt.Time
		t.ClosedAt = &at
	}
	return t, nil
}
