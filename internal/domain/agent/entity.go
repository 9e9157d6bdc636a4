package agent

import (
	"time"

	"github.com/google/uuid"

	"agentfleet/pkg/errors"
)

// FleetMaxPositions is the hard ceiling of open positions per agent, whatever the agent's own setting
const FleetMaxPositions = 20

// Agent is one autonomous trader in the fleet
type Agent struct {
	ID        uuid.UUID `db:"id"`
	PublicID  string    `db:"public_id"` // opaque identifier exposed outside the fleet
	Name      string    `db:"name"`
	Archetype string    `db:"archetype"` // strategy family used to scope fleet lessons

	Engine EngineKind `db:"engine"`
	Model  string     `db:"model"` // model name for llm agents, empty for rule agents

	Status       Status `db:"status"`
	MaxPositions int    `db:"max_positions"`

	LastCycleAt   *time.Time `db:"last_cycle_at"`
	DiscardedAt   *time.Time `db:"discarded_at"`
	DiscardReason *string    `db:"discard_reason"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// EngineKind selects the decision engine variant
type EngineKind string

const (
	EngineLLM  EngineKind = "llm"
	EngineRule EngineKind = "rule"
)

func (e EngineKind) Valid() bool {
	return e == EngineLLM || e == EngineRule
}

func (e EngineKind) String() string {
	return string(e)
}

// Status is the agent lifecycle state. discarded is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusDiscarded Status = "discarded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusDiscarded:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// PositionCeiling returns the effective open position limit
func (a *Agent) PositionCeiling() int {
	if a.MaxPositions <= 0 || a.MaxPositions > FleetMaxPositions {
		return FleetMaxPositions
	}
	return a.MaxPositions
}

// IsActive reports whether the agent takes part in cycles
func (a *Agent) IsActive() bool {
	return a.Status == StatusActive
}

// Discard moves the agent to the terminal discarded state
func (a *Agent) Discard(reason string, at time.Time) error {
	if a.Status == StatusDiscarded {
		return errors.Wrapf(errors.ErrInvalidInput, "agent %s already discarded", a.ID)
	}
	a.Status = StatusDiscarded
	a.DiscardedAt = &at
	a.DiscardReason = &reason
	a.UpdatedAt = at
	return nil
}

// SetStatus changes between active and paused. A discarded agent never comes back.
func (a *Agent) SetStatus(status Status, at time.Time) error {
	if !status.Valid() || status == StatusDiscarded {
		return errors.Wrapf(errors.ErrInvalidInput, "status %q cannot be set directly", status)
	}
	if a.Status == StatusDiscarded {
		return errors.Wrapf(errors.ErrInvalidInput, "agent %s is discarded", a.ID)
	}
	a.Status = status
	a.UpdatedAt = at
	return nil
}

// Validate checks a new agent before it is stored
func (a *Agent) Validate() error {
	switch {
	case a.Name == "":
		return errors.NewValidationError("name", "required", a.Name)
	case a.Archetype == "":
		return errors.NewValidationError("archetype", "required", a.Archetype)
	case !a.Engine.Valid():
		return errors.NewValidationError("engine", "must be llm or rule", a.Engine)
	case a.Engine == EngineLLM && a.Model == "":
		return errors.NewValidationError("model", "required for llm agents", a.Model)
	case a.MaxPositions < 0:
		return errors.NewValidationError("max_positions", "must not be negative", a.MaxPositions)
	}
	return nil
}
