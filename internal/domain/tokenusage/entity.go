package tokenusage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Purpose of the engine call
const (
	PurposeDecision  = "decision"
	PurposeEvolution = "evolution"
)

// Usage is the token accounting of one engine call
type Usage struct {
	EventID      uuid.UUID `ch:"event_id"`
	AgentID      uuid.UUID `ch:"agent_id"`
	CycleID      uuid.UUID `ch:"cycle_id"`
	Purpose      string    `ch:"purpose"`
	Engine       string    `ch:"engine"`
	Provider     string    `ch:"provider"`
	Model        string    `ch:"model"`
	InputTokens  int64     `ch:"input_tokens"`
	OutputTokens int64     `ch:"output_tokens"`
	CostUSD      float64   `ch:"cost_usd"`
	Attempts     int64     `ch:"attempts"`
	LatencyMs    int64     `ch:"latency_ms"`
	Success      bool      `ch:"success"`
	Timestamp    time.Time `ch:"timestamp"`
}

// Recorder stores usage rows. Implementations may buffer.
type Recorder interface {
	Record(ctx context.Context, u *Usage) error
}
