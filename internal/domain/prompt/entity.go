package prompt

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Prompt is one immutable version of an agent's strategy.
// Versions are append-only; which one is active is tracked separately.
type Prompt struct {
	ID            uuid.UUID       `db:"id"`
	AgentID       uuid.UUID       `db:"agent_id"`
	Version       int             `db:"version"`
	Content       string          `db:"content"`
	Parameters    json.RawMessage `db:"parameters"` // engine specific knobs, e.g. rule thresholds
	ParentVersion *int            `db:"parent_version"`
	Origin        Origin          `db:"origin"`
	Rationale     string          `db:"rationale"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Origin tells how a version came to exist
type Origin string

const (
	OriginSeed    Origin = "seed"
	OriginEvolved Origin = "evolved"
)

// ActivationKind tells why the active pointer moved
type ActivationKind string

const (
	ActivationSeed     ActivationKind = "seed"
	ActivationEvolved  ActivationKind = "evolved"
	ActivationReverted ActivationKind = "reverted"
)

// Activation is an append-only record of the active pointer moving
type Activation struct {
	ID          uuid.UUID      `db:"id"`
	AgentID     uuid.UUID      `db:"agent_id"`
	FromVersion *int           `db:"from_version"`
	ToVersion   int            `db:"to_version"`
	Kind        ActivationKind `db:"kind"`
	Reason      string         `db:"reason"`
	CreatedAt   time.Time      `db:"created_at"`
}

// HasParent reports whether there is an earlier version to revert to
func (p *Prompt) HasParent() bool {
	return p.ParentVersion != nil && *p.ParentVersion > 0
}
