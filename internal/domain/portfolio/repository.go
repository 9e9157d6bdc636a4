package portfolio

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the only writer of portfolio, position and trade rows
type Repository interface {
	Create(ctx context.Context, p *Portfolio) error
	Get(ctx context.Context, agentID uuid.UUID) (*Portfolio, error)
	OpenPositions(ctx context.Context, agentID uuid.UUID) ([]*Position, error)
	// CountOpenPositions counts open positions across the whole fleet
	CountOpenPositions(ctx context.Context) (int64, error)
	// Trades returns trades closed at or after since, oldest first
	Trades(ctx context.Context, agentID uuid.UUID, since time.Time) ([]*Trade, error)
	// RecentTrades returns the latest trades, newest first
	RecentTrades(ctx context.Context, agentID uuid.UUID, limit int) ([]*Trade, error)
	// Apply persists a Change in one transaction
	Apply(ctx context.Context, change *Change) error
	// Mark stores the marked equity and peak without touching cash or positions
	Mark(ctx context.Context, p *Portfolio) error
}
