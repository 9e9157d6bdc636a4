package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/services/evolution"
	pfsvc "agentfleet/internal/services/portfolio"
)

// State of an agent within one cycle
type State string

const (
	StateIdle         State = "idle"
	StateContextBuilt State = "context_built"
	StateDecided      State = "decided"
	StateValidated    State = "validated"
	StateApplied      State = "applied"
	StateRecorded     State = "recorded"
	StateEvaluated    State = "evaluated"
)

// CycleReport describes one finished cycle
type CycleReport struct {
	CycleID     uuid.UUID
	AgentID     uuid.UUID
	Outcome     decision.Outcome
	FailureKind string
	Trace       []State

	Decision   *decision.Decision
	Protective []*portfolio.Trade
	Execution  *pfsvc.ExecutionResult
	Summary    *pfsvc.Summary
	Alerts     []*portfolio.EquityAlert
	Evolution  *evolution.Outcome

	Discarded     bool
	DiscardReason string
	Liquidated    []*portfolio.Trade // positions closed on discard

	StartedAt time.Time
	Duration  time.Duration
}

func (r *CycleReport) enter(s State) {
	r.Trace = append(r.Trace, s)
}

// Reached reports whether the cycle passed through s
func (r *CycleReport) Reached(s State) bool {
	for _, t := range r.Trace {
		if t == s {
			return true
		}
	}
	return false
}

// FleetReport aggregates one pass over all active agents
type FleetReport struct {
	Agents   int
	Reports  []*CycleReport
	Failures map[uuid.UUID]error // cycles that ended with a fatal error
	Duration time.Duration
}

// Count returns how many cycles ended with the outcome
func (r *FleetReport) Count(outcome decision.Outcome) int {
	n := 0
	for _, rep := range r.Reports {
		if rep.Outcome == outcome {
			n++
		}
	}
	return n
}
