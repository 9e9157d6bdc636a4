package decision

import (
	"context"

	"github.com/google/uuid"
)

// Repository is append-only
type Repository interface {
	Create(ctx context.Context, d *Decision) error
	ListRecent(ctx context.Context, agentID uuid.UUID, limit int) ([]*Decision, error)
}
