package testsupport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/market"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/domain/prompt"
)

// AgentSeed describes an agent created by SeedAgent
type AgentSeed struct {
	Name       string
	Archetype  string
	Engine     agent.EngineKind
	Model      string
	Cash       decimal.Decimal
	Prompt     string
	Parameters json.RawMessage
}

// SeedAgent stores an active agent with prompt v1 and an empty portfolio
func (s *Store) SeedAgent(t testing.TB, seed AgentSeed) *agent.Agent {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	if seed.Name == "" {
		seed.Name = "agent-" + uuid.NewString()[:8]
	}
	if seed.Archetype == "" {
		seed.Archetype = "momentum"
	}
	if seed.Engine == "" {
		seed.Engine = agent.EngineRule
	}
	if seed.Cash.IsZero() {
		seed.Cash = decimal.NewFromInt(10000)
	}
	if seed.Prompt == "" {
		seed.Prompt = "buy strength, cut losers"
	}

	a := &agent.Agent{
		ID:        uuid.New(),
		PublicID:  uuid.NewString(),
		Name:      seed.Name,
		Archetype: seed.Archetype,
		Engine:    seed.Engine,
		Model:     seed.Model,
		Status:    agent.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.Agents.Create(ctx, a))

	p := &prompt.Prompt{
		AgentID:    a.ID,
		Content:    seed.Prompt,
		Parameters: seed.Parameters,
		Origin:     prompt.OriginSeed,
		CreatedAt:  now,
	}
	require.NoError(t, s.Prompts.AppendAndActivate(ctx, p, &prompt.Activation{
		AgentID:   a.ID,
		Kind:      prompt.ActivationSeed,
		Reason:    "seed",
		CreatedAt: now,
	}))

	require.NoError(t, s.Portfolios.Create(ctx, &portfolio.Portfolio{
		AgentID:     a.ID,
		InitialCash: seed.Cash,
		Cash:        seed.Cash,
		RealizedPnL: decimal.Zero,
		PeakEquity:  seed.Cash,
		Equity:      seed.Cash,
		UpdatedAt:   now,
	}))
	return a
}

// Snapshot builds a fresh 1h snapshot; ranks carry their own prices
func Snapshot(ranks ...market.SymbolRank) *market.Snapshot {
	now := time.Now().UTC()
	s := &market.Snapshot{Timeframe: "1h", GeneratedAt: now, Ranks: ranks, Prices: map[string]decimal.Decimal{}}
	for i := range s.Ranks {
		if s.Ranks[i].Timestamp.IsZero() {
			s.Ranks[i].Timestamp = now
		}
	}
	return s
}

// Rank is shorthand for a ranked symbol
func Rank(symbol string, score float64, price int64) market.SymbolRank {
	return market.SymbolRank{Symbol: symbol, Score: score, Price: decimal.NewFromInt(price)}
}
