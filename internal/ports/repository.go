package ports

import (
	"context"

	"leverageGuard/internal/domain"
)

// LedgerStore is the durable record of trades keyed by trade ID.
// Writes are at-least-once; the controller tolerates duplicate rows through its
// reconciliation pass.
type LedgerStore interface {
	// InsertTrade persists a new trade. Re-inserting an existing ID returns
	// ErrDuplicateEntry.
	InsertTrade(ctx context.Context, trade *domain.Trade) error

	// UpdateTrade applies the non-nil fields of update. An update carrying Close
	// on a trade that is already closed returns ErrAlreadyClosed; an unknown ID
	// returns ErrNotFound.
	UpdateTrade(ctx context.Context, id string, update domain.TradeUpdate) error

	// FindOpenTrades returns open trades, oldest first. An empty symbol matches all.
	FindOpenTrades(ctx context.Context, symbol domain.Symbol) ([]*domain.Trade, error)

	// FindTrade retrieves a trade by ID. Returns nil, nil if not found.
	FindTrade(ctx context.Context, id string) (*domain.Trade, error)

	// FindClosedTrades returns the most recent closed trades, newest first.
	FindClosedTrades(ctx context.Context, limit int) ([]*domain.Trade, error)
}
