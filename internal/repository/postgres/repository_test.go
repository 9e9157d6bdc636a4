package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/memory"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/domain/prompt"
	"agentfleet/internal/testsupport"
	"agentfleet/pkg/errors"
)

func seedAgent(t *testing.T, repo *AgentRepository) *agent.Agent {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := &agent.Agent{
		ID:        uuid.New(),
		PublicID:  uuid.NewString(),
		Name:      "momentum-1",
		Archetype: "momentum",
		Engine:    agent.EngineRule,
		Status:    agent.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, repo.Create(context.Background(), a))
	return a
}

func TestAgentRepository_Lifecycle(t *testing.T) {
	tx := testsupport.PostgresTx(t)
	repo := NewAgentRepository(tx)
	ctx := context.Background()

	a := seedAgent(t, repo)

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.Touch(ctx, a.ID, now))

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCycleAt)
	assert.True(t, got.LastCycleAt.Equal(now))

	require.NoError(t, repo.Discard(ctx, a.ID, "drawdown", now))
	require.NoError(t, repo.Discard(ctx, a.ID, "again", now))

	got, err = repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusDiscarded, got.Status)
	assert.Equal(t, "drawdown", *got.DiscardReason)

	err = repo.SetStatus(ctx, a.ID, agent.StatusActive, now)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	for _, x := range active {
		assert.NotEqual(t, a.ID, x.ID)
	}

	_, err = repo.GetByID(ctx, uuid.New())
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPromptRepository_AppendActivateRevert(t *testing.T) {
	tx := testsupport.PostgresTx(t)
	ctx := context.Background()
	a := seedAgent(t, NewAgentRepository(tx))
	repo := NewPromptRepository(tx)
	now := time.Now().UTC()

	v1 := &prompt.Prompt{AgentID: a.ID, Content: "buy strength", Origin: prompt.OriginSeed, CreatedAt: now}
	require.NoError(t, repo.AppendAndActivate(ctx, v1, &prompt.Activation{AgentID: a.ID, Kind: prompt.ActivationSeed, CreatedAt: now}))
	assert.Equal(t, 1, v1.Version)

	parent := 1
	v2 := &prompt.Prompt{
		AgentID: a.ID, Content: "buy strength, cut losers", Parameters: json.RawMessage(`{"entry_score":0.7}`),
		ParentVersion: &parent, Origin: prompt.OriginEvolved, CreatedAt: now.Add(time.Second),
	}
	require.NoError(t, repo.AppendAndActivate(ctx, v2, &prompt.Activation{AgentID: a.ID, FromVersion: &parent, Kind: prompt.ActivationEvolved, CreatedAt: now.Add(time.Second)}))
	assert.Equal(t, 2, v2.Version)

	active, err := repo.Active(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.JSONEq(t, `{"entry_score":0.7}`, string(active.Parameters))

	from := 2
	require.NoError(t, repo.Activate(ctx, &prompt.Activation{AgentID: a.ID, FromVersion: &from, ToVersion: 1, Kind: prompt.ActivationReverted, CreatedAt: now.Add(2 * time.Second)}))

	active, err = repo.Active(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "buy strength", active.Content)

	last, err := repo.LastActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, prompt.ActivationReverted, last.Kind)

	history, err := repo.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	err = repo.Activate(ctx, &prompt.Activation{AgentID: a.ID, ToVersion: 9, Kind: prompt.ActivationReverted, CreatedAt: now})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPortfolioRepository_ApplyOpenAndClose(t *testing.T) {
	tx := testsupport.PostgresTx(t)
	ctx := context.Background()
	a := seedAgent(t, NewAgentRepository(tx))
	repo := NewPortfolioRepository(tx)
	now := time.Now().UTC()

	cash := decimal.NewFromInt(10000)
	p := &portfolio.Portfolio{AgentID: a.ID, InitialCash: cash, Cash: cash, PeakEquity: cash, Equity: cash, UpdatedAt: now}
	require.NoError(t, repo.Create(ctx, p))

	pos := &portfolio.Position{
		ID: uuid.New(), AgentID: a.ID, Symbol: "AAA", Direction: portfolio.Long,
		EntryPrice: decimal.NewFromInt(100), Size: decimal.NewFromInt(10), OpenedAt: now,
	}
	p.Cash = decimal.NewFromInt(9000)
	require.NoError(t, repo.Apply(ctx, &portfolio.Change{Portfolio: p, Opened: pos}))

	open, err := repo.OpenPositions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].EntryPrice.Equal(decimal.NewFromInt(100)))
	assert.False(t, open[0].StopLoss.Valid)

	trade := portfolio.CloseAt(pos, decimal.NewFromInt(120), portfolio.ExitAgentDecision, now.Add(time.Minute))
	p.Cash = decimal.NewFromInt(10200)
	p.RealizedPnL = decimal.NewFromInt(200)
	require.NoError(t, repo.Apply(ctx, &portfolio.Change{Portfolio: p, Closed: []*portfolio.Position{pos}, Trades: []*portfolio.Trade{trade}}))

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Cash.Equal(decimal.NewFromInt(10200)))

	trades, err := repo.Trades(ctx, a.ID, now)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, portfolio.ExitAgentDecision, trades[0].ExitReason)

	// closing an already closed position fails and leaves the portfolio untouched
	p.Cash = decimal.NewFromInt(1)
	err = repo.Apply(ctx, &portfolio.Change{Portfolio: p, Closed: []*portfolio.Position{pos}})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestDecisionAndMemoryRepositories(t *testing.T) {
	tx := testsupport.PostgresTx(t)
	ctx := context.Background()
	a := seedAgent(t, NewAgentRepository(tx))
	now := time.Now().UTC()

	decisions := NewDecisionRepository(tx)
	require.NoError(t, decisions.Create(ctx, &decision.Decision{
		ID: uuid.New(), AgentID: a.ID, CycleID: uuid.New(), Engine: "rule",
		Action: decision.ActionHold, Outcome: decision.OutcomeFailed, FailureKind: "engine_timeout", CreatedAt: now,
	}))
	rows, err := decisions.ListRecent(ctx, a.ID, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, decision.OutcomeFailed, rows[0].Outcome)

	memories := NewMemoryRepository(tx)
	require.NoError(t, memories.Append(ctx, &memory.Entry{ID: uuid.New(), AgentID: a.ID, CycleID: uuid.New(), Kind: memory.KindCycle, Content: "held", CreatedAt: now}))
	entries, err := memories.Recent(ctx, a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	lesson := &memory.Lesson{ID: uuid.New(), Archetype: "momentum", Category: memory.CategoryPostMortem, Content: "avoid chasing", IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, memories.CreateLesson(ctx, lesson))
	require.NoError(t, memories.DeactivateLesson(ctx, lesson.ID))

	lessons, err := memories.ActiveLessons(ctx, "momentum", 10)
	require.NoError(t, err)
	for _, l := range lessons {
		assert.NotEqual(t, lesson.ID, l.ID)
	}
}
