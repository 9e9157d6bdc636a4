package memory

import (
	"time"

	"github.com/google/uuid"
)

// Kind of a memory entry
type Kind string

const (
	KindCycle     Kind = "cycle"
	KindTrade     Kind = "trade"
	KindEvolution Kind = "evolution"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCycle, KindTrade, KindEvolution:
		return true
	}
	return false
}

// Entry is a per-agent recollection. Entries are never edited or deduplicated.
type Entry struct {
	ID        uuid.UUID `db:"id"`
	AgentID   uuid.UUID `db:"agent_id"`
	CycleID   uuid.UUID `db:"cycle_id"`
	Kind      Kind      `db:"kind"`
	Content   string    `db:"content"`
	Symbol    string    `db:"symbol"`
	CreatedAt time.Time `db:"created_at"`
}

// Lesson is an archetype-scoped insight shared read-only across the fleet.
// Lessons are retired by clearing IsActive, never deleted.
type Lesson struct {
	ID            uuid.UUID  `db:"id"`
	Archetype     string     `db:"archetype"`
	Category      string     `db:"category"`
	Content       string     `db:"content"`
	Confidence    float64    `db:"confidence"`
	SourceAgentID *uuid.UUID `db:"source_agent_id"`
	IsActive      bool       `db:"is_active"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// Lesson categories written by the evolution process
const (
	CategoryPostMortem = "post_mortem"
	CategoryEvolution  = "evolution"
)
