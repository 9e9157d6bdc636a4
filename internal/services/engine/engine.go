// Package engine holds the decision engines an agent can be bound to.
// The executor and orchestrator only see the Engine interface.
package engine

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"agentfleet/internal/adapters/ai"
	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/memory"
	"agentfleet/internal/domain/prompt"
	"agentfleet/internal/services/contextbuilder"
	"agentfleet/pkg/errors"
)

// Response is one structured decision plus what it cost
type Response struct {
	Action   decision.TradeAction
	Model    string
	Provider ai.ProviderName
	Usage    ai.Usage
}

// EvolutionRequest carries what an engine needs to rewrite a strategy
type EvolutionRequest struct {
	Agent        *agent.Agent
	Current      *prompt.Prompt
	Stats        contextbuilder.PerformanceStats
	WindowReturn decimal.Decimal
	Memories     []*memory.Entry
	Lessons      []*memory.Lesson
	Reason       string
}

// EvolutionProposal is a candidate next strategy version
type EvolutionProposal struct {
	Content    string
	Parameters json.RawMessage
	Rationale  string
	Model      string
	Provider   ai.ProviderName
	Usage      ai.Usage
}

// Engine decides actions and proposes strategy changes
type Engine interface {
	Kind() agent.EngineKind
	Decide(ctx context.Context, c *contextbuilder.Context) (*Response, error)
	Evolve(ctx context.Context, req EvolutionRequest) (*EvolutionProposal, error)
}

// Set resolves the engine bound to an agent
type Set map[agent.EngineKind]Engine

// NewSet indexes engines by kind
func NewSet(engines ...Engine) Set {
	s := make(Set, len(engines))
	for _, e := range engines {
		s[e.Kind()] = e
	}
	return s
}

// For returns the engine for kind
func (s Set) For(kind agent.EngineKind) (Engine, error) {
	e, ok := s[kind]
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "no %s engine configured", kind)
	}
	return e, nil
}
