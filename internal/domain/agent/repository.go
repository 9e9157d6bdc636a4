package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists agents
type Repository interface {
	Create(ctx context.Context, a *Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	// ListActive returns agents eligible for cycle triggers
	ListActive(ctx context.Context) ([]*Agent, error)
	// Touch records the heartbeat of a finished cycle
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	SetStatus(ctx context.Context, id uuid.UUID, status Status, at time.Time) error
	// Discard is one-way; discarding an already discarded agent is a no-op
	Discard(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
}
