package prompt

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores prompt versions and the active pointer.
// Past versions are never updated.
type Repository interface {
	// Active returns the version the pointer currently targets
	Active(ctx context.Context, agentID uuid.UUID) (*Prompt, error)
	GetVersion(ctx context.Context, agentID uuid.UUID, version int) (*Prompt, error)
	History(ctx context.Context, agentID uuid.UUID) ([]*Prompt, error)
	// AppendAndActivate stores p with the next version number and points the agent at it.
	// p.Version is set on success.
	AppendAndActivate(ctx context.Context, p *Prompt, activation *Activation) error
	// Activate moves the pointer to an existing version and records the activation
	Activate(ctx context.Context, activation *Activation) error
	LastActivation(ctx context.Context, agentID uuid.UUID) (*Activation, error)
}
