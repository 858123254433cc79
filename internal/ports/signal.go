package ports

import (
	"context"

	"leverageGuard/internal/domain"
)

// SignalSource supplies one candidate signal per symbol per tick.
type SignalSource interface {
	Signal(ctx context.Context, symbol domain.Symbol) (*domain.Signal, error)
}
