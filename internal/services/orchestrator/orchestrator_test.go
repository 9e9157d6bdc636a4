package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agentfleet/internal/adapters/ai"
	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/market"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/events"
	"agentfleet/internal/services/contextbuilder"
	"agentfleet/internal/services/engine"
	"agentfleet/internal/services/evolution"
	"agentfleet/internal/services/executor"
	memsvc "agentfleet/internal/services/memory"
	pfsvc "agentfleet/internal/services/portfolio"
	"agentfleet/internal/services/settings"
	"agentfleet/internal/testsupport"
	"agentfleet/pkg/errors"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Kind() agent.EngineKind { return agent.EngineLLM }

func (m *mockEngine) Decide(ctx context.Context, c *contextbuilder.Context) (*engine.Response, error) {
	args := m.Called(ctx, c)
	resp, _ := args.Get(0).(*engine.Response)
	return resp, args.Error(1)
}

func (m *mockEngine) Evolve(ctx context.Context, req engine.EvolutionRequest) (*engine.EvolutionProposal, error) {
	args := m.Called(ctx, req)
	p, _ := args.Get(0).(*engine.EvolutionProposal)
	return p, args.Error(1)
}

func answer(a decision.TradeAction) *engine.Response {
	return &engine.Response{Action: a, Model: "gpt-4o-mini", Provider: ai.ProviderNameOpenAI, Usage: ai.Usage{InputTokens: 900, OutputTokens: 60}}
}

type staticSettings struct {
	mu sync.Mutex
	s  settings.Settings
}

func (s *staticSettings) Current(context.Context) settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s
}

type fakeLease struct {
	busy bool
	err  error
}

func (l fakeLease) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	if l.err != nil || l.busy {
		return nil, false, l.err
	}
	return func(context.Context) error { return nil }, true, nil
}

type fixture struct {
	store    *testsupport.Store
	source   *testsupport.MarketSource
	budget   *pfsvc.PositionBudget
	llm      *mockEngine
	events   *events.Recorder
	settings *staticSettings
	orch     *Orchestrator
}

func newFixture(t *testing.T, pruning PruningPolicy) *fixture {
	t.Helper()
	store := testsupport.NewStore()
	source := testsupport.NewMarketSource(testsupport.Snapshot(
		testsupport.Rank("AAA", 0.9, 100),
		testsupport.Rank("BBB", 0.1, 50),
	))
	budget := pfsvc.NewPositionBudget(100)
	pm := pfsvc.NewManager(store.Portfolios, budget, pfsvc.Config{OnePositionPerSymbol: true})
	mem := memsvc.NewService(store.Memories, 0)
	builder := contextbuilder.New(source, store.Prompts, pm, mem, contextbuilder.Config{
		Timeframe: "1h", MaxAge: time.Hour, TopN: 5, RecallLimit: 3, LessonLimit: 3,
	})

	llm := &mockEngine{}
	exec := executor.New(engine.NewSet(engine.NewRuleEngine(), llm), ai.Unlimited{}, ai.DefaultRateTable(), store.Usage, executor.Config{
		MaxAttempts:          2,
		Timeout:              50 * time.Millisecond,
		MinBackoff:           time.Millisecond,
		MaxBackoff:           2 * time.Millisecond,
		OnePositionPerSymbol: true,
	})
	rec := &events.Recorder{}
	evo := evolution.NewManager(store.Prompts, pm, exec, mem, rec, nil, evolution.Config{
		Window: 10, RevertThreshold: dec("-0.05"), MinReturn: dec("0.02"), MinWins: 6,
	})
	set := &staticSettings{s: settings.Settings{LLMEnabled: true, LessonsEnabled: true, EvolutionEnabled: true}}

	orch := New(Deps{
		Agents:    store.Agents,
		Decisions: store.Decisions,
		Builder:   builder,
		Executor:  exec,
		Portfolio: pm,
		Memory:    mem,
		Evolution: evo,
		Settings:  set,
		Notifier:  rec,
	}, Config{Workers: 4, LeaseTTL: time.Minute, Lookback: 24 * time.Hour, Pruning: pruning})

	return &fixture{store: store, source: source, budget: budget, llm: llm, events: rec, settings: set, orch: orch}
}

func (f *fixture) llmAgent(t *testing.T) *agent.Agent {
	return f.store.SeedAgent(t, testsupport.AgentSeed{Engine: agent.EngineLLM, Model: "gpt-4o-mini"})
}

func (f *fixture) cash(t *testing.T, a *agent.Agent) decimal.Decimal {
	p, err := f.store.Portfolios.Get(context.Background(), a.ID)
	require.NoError(t, err)
	return p.Cash
}

func (f *fixture) open(t *testing.T, a *agent.Agent) []*portfolio.Position {
	ps, err := f.store.Portfolios.OpenPositions(context.Background(), a.ID)
	require.NoError(t, err)
	return ps
}

func TestRunCycle_EngineTimesOutTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PruningPolicy{})
	a := f.llmAgent(t)

	f.llm.On("Decide", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded).Twice()

	rep, err := f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)
	f.llm.AssertNumberOfCalls(t, "Decide", 2)

	assert.Equal(t, decision.OutcomeFailed, rep.Outcome)
	assert.Equal(t, "engine_timeout", rep.FailureKind)
	assert.Equal(t, []State{StateIdle, StateContextBuilt, StateRecorded, StateEvaluated, StateIdle}, rep.Trace)

	// portfolio untouched
	assert.True(t, dec("10000").Equal(f.cash(t, a)))
	assert.Empty(t, f.open(t, a))
	assert.Zero(t, f.store.Portfolios.Applies())

	// heartbeat and exactly one audit row
	stored, err := f.store.Agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastCycleAt)

	rows := f.store.Decisions.ForAgent(a.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, decision.OutcomeFailed, rows[0].Outcome)
	assert.Equal(t, "engine_timeout", rows[0].FailureKind)
	assert.Equal(t, 2, rows[0].Attempts)
	assert.Equal(t, rep.CycleID, rows[0].CycleID)

	usage := f.store.Usage.Rows()
	require.Len(t, usage, 1)
	assert.Equal(t, rep.CycleID, usage[0].CycleID)
	assert.False(t, usage[0].Success)
}

func TestRunCycle_OpenThenClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PruningPolicy{})
	a := f.llmAgent(t)

	f.llm.On("Decide", mock.Anything, mock.Anything).Return(answer(decision.TradeAction{
		Kind: decision.ActionOpenLong, Symbol: "AAA", Size: dec("10"), Confidence: 0.8, Reasoning: "leader",
	}), nil).Once()
	f.llm.On("Decide", mock.Anything, mock.Anything).Return(answer(decision.TradeAction{
		Kind: decision.ActionClose, Symbol: "AAA", Confidence: 0.9, Reasoning: "take the gain",
	}), nil).Once()

	rep, err := f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.OutcomeExecuted, rep.Outcome)
	assert.Equal(t, []State{
		StateIdle, StateContextBuilt, StateDecided, StateValidated, StateApplied, StateRecorded, StateEvaluated, StateIdle,
	}, rep.Trace)
	assert.True(t, dec("9000").Equal(f.cash(t, a)))

	positions := f.open(t, a)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAA", positions[0].Symbol)
	assert.Equal(t, portfolio.Long, positions[0].Direction)
	assert.True(t, dec("100").Equal(positions[0].EntryPrice))

	f.source.Set(testsupport.Snapshot(testsupport.Rank("AAA", 0.4, 120), testsupport.Rank("BBB", 0.1, 50)))
	rep, err = f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.OutcomeExecuted, rep.Outcome)

	assert.True(t, dec("10200").Equal(f.cash(t, a)), f.cash(t, a).String())
	assert.Empty(t, f.open(t, a))

	trades := f.store.Portfolios.AllTrades(a.ID)
	require.Len(t, trades, 1)
	assert.Equal(t, portfolio.ExitAgentDecision, trades[0].ExitReason)
	assert.True(t, dec("200").Equal(trades[0].RealizedPnL))

	assert.Len(t, f.events.OfKind(events.KindTradeOpened), 1)
	assert.Len(t, f.events.OfKind(events.KindTradeClosed), 1)
	assert.Len(t, f.store.Decisions.ForAgent(a.ID), 2)
	assert.Zero(t, f.budget.InUse())

	memories, err := f.store.Memories.Recent(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, memories, 2)
	assert.Contains(t, memories[0].Content, "closed long AAA")
}

func TestRunCycle_ProtectiveExitBeatsDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PruningPolicy{})
	a := f.llmAgent(t)

	f.llm.On("Decide", mock.Anything, mock.Anything).Return(answer(decision.TradeAction{
		Kind: decision.ActionOpenLong, Symbol: "AAA", Size: dec("10"),
		StopLoss: decimal.NewNullDecimal(dec("90")),
	}), nil).Once()
	_, err := f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, f.open(t, a), 1)

	// price falls through the stop; the engine still wants AAA
	f.source.Set(testsupport.Snapshot(testsupport.Rank("AAA", 0.95, 85)))
	f.llm.On("Decide", mock.Anything, mock.MatchedBy(func(c *contextbuilder.Context) bool {
		return c.IsProtected("AAA")
	})).Return(answer(decision.TradeAction{
		Kind: decision.ActionOpenLong, Symbol: "AAA", Size: dec("5"),
	}), nil).Once()

	rep, err := f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)
	f.llm.AssertExpectations(t)

	require.Len(t, rep.Protective, 1)
	assert.Equal(t, portfolio.ExitStopLoss, rep.Protective[0].ExitReason)
	assert.Equal(t, decision.OutcomeRejected, rep.Outcome)
	assert.Equal(t, executor.RejectProtectedSymbol, rep.Decision.RejectCode)
	assert.False(t, rep.Decision.Valid)

	assert.Empty(t, f.open(t, a))
	assert.True(t, dec("9850").Equal(f.cash(t, a)), f.cash(t, a).String())
	assert.Len(t, f.events.OfKind(events.KindTradeClosed), 1)
}

func TestRunCycle_ContextUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PruningPolicy{})
	a := f.llmAgent(t)
	f.source.Err = errors.New("redis: connection refused")

	rep, err := f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)
	f.llm.AssertNotCalled(t, "Decide", mock.Anything, mock.Anything)

	assert.Equal(t, decision.OutcomeFailed, rep.Outcome)
	assert.Equal(t, "context_unavailable", rep.FailureKind)
	assert.Equal(t, []State{StateIdle, StateRecorded, StateEvaluated, StateIdle}, rep.Trace)

	rows := f.store.Decisions.ForAgent(a.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, decision.ActionHold, rows[0].Action)

	stored, err := f.store.Agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastCycleAt)
}

// brokenBuilder serves snapshots but cannot assemble a context
type brokenBuilder struct{ ContextBuilder }

func (brokenBuilder) Build(context.Context, *agent.Agent, *market.Snapshot, settings.Settings, []string) (*contextbuilder.Context, error) {
	return nil, errors.Wrap(errors.ErrContextUnavailable, "active prompt: connection reset")
}

func TestRunCycle_BuildFailureLeavesPortfolio(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PruningPolicy{})
	a := f.llmAgent(t)

	f.llm.On("Decide", mock.Anything, mock.Anything).Return(answer(decision.TradeAction{
		Kind: decision.ActionOpenLong, Symbol: "AAA", Size: dec("10"),
	}), nil).Once()
	_, err := f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)

	before, err := f.store.Portfolios.Get(ctx, a.ID)
	require.NoError(t, err)

	f.source.Set(testsupport.Snapshot(testsupport.Rank("AAA", 0.9, 130)))
	f.orch.Builder = brokenBuilder{f.orch.Builder}

	rep, err := f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.OutcomeFailed, rep.Outcome)
	assert.Equal(t, "context_unavailable", rep.FailureKind)
	assert.Equal(t, []State{StateIdle, StateRecorded, StateEvaluated, StateIdle}, rep.Trace)
	assert.Nil(t, rep.Summary)

	after, err := f.store.Portfolios.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, before.Equity.Equal(after.Equity), "equity %s -> %s", before.Equity, after.Equity)
	assert.True(t, before.PeakEquity.Equal(after.PeakEquity))
	assert.True(t, before.Cash.Equal(after.Cash))
	assert.Len(t, f.store.Decisions.ForAgent(a.ID), 2)
}

func TestRunCycle_LLMDisabled(t *testing.T) {
	f := newFixture(t, PruningPolicy{})
	a := f.llmAgent(t)
	f.settings.s.LLMEnabled = false

	rep, err := f.orch.RunCycle(context.Background(), a.ID)
	require.NoError(t, err)
	f.llm.AssertNotCalled(t, "Decide", mock.Anything, mock.Anything)
	assert.Equal(t, decision.OutcomeSkipped, rep.Outcome)

	rows := f.store.Decisions.ForAgent(a.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, decision.OutcomeSkipped, rows[0].Outcome)
}

func TestRunCycle_RuleAgentHolds(t *testing.T) {
	f := newFixture(t, PruningPolicy{})
	a := f.store.SeedAgent(t, testsupport.AgentSeed{})
	f.source.Set(testsupport.Snapshot(testsupport.Rank("AAA", 0.3, 100)))

	rep, err := f.orch.RunCycle(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.OutcomeHeld, rep.Outcome)
	assert.True(t, rep.Reached(StateValidated))
	assert.False(t, rep.Reached(StateApplied))
	assert.Empty(t, f.store.Usage.Rows(), "rule engines are not metered")
}

func TestRunCycle_StorageFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PruningPolicy{})
	a := f.store.SeedAgent(t, testsupport.AgentSeed{})
	f.store.Decisions.Fail = errors.New("disk full")

	rep, err := f.orch.RunCycle(ctx, a.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStorage))
	assert.False(t, rep.Reached(StateRecorded))
	assert.False(t, rep.Reached(StateEvaluated))

	stored, err := f.store.Agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastCycleAt)
}

func TestRunCycle_PrunesLosingStreak(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PruningPolicy{MaxLossStreak: 3})
	a := f.store.SeedAgent(t, testsupport.AgentSeed{})

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		pos := &portfolio.Position{
			ID: uuid.New(), AgentID: a.ID, Symbol: "ZZZ", Direction: portfolio.Long,
			EntryPrice: dec("100"), Size: dec("1"), OpenedAt: now.Add(-time.Hour),
		}
		f.store.Portfolios.AddTrade(portfolio.CloseAt(pos, dec("90"), portfolio.ExitStopLoss, now.Add(time.Duration(i-10)*time.Minute)))
	}

	rep, err := f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, rep.Discarded)
	assert.Contains(t, rep.DiscardReason, "3 consecutive losing trades")

	stored, err := f.store.Agents.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusDiscarded, stored.Status)
	assert.Len(t, f.events.OfKind(events.KindAgentDiscarded), 1)

	_, err = f.orch.RunCycle(ctx, a.ID)
	assert.True(t, errors.Is(err, errors.ErrAgentInactive))

	report, err := f.orch.RunFleet(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Agents)
}

func TestRunCycle_DiscardLiquidatesPositions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PruningPolicy{MaxLossStreak: 3})
	a := f.llmAgent(t)

	f.llm.On("Decide", mock.Anything, mock.Anything).Return(answer(decision.TradeAction{
		Kind: decision.ActionOpenLong, Symbol: "AAA", Size: dec("10"),
	}), nil).Once()
	_, err := f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), f.budget.InUse())

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		pos := &portfolio.Position{
			ID: uuid.New(), AgentID: a.ID, Symbol: "ZZZ", Direction: portfolio.Long,
			EntryPrice: dec("100"), Size: dec("1"), OpenedAt: now.Add(-time.Hour),
		}
		f.store.Portfolios.AddTrade(portfolio.CloseAt(pos, dec("90"), portfolio.ExitStopLoss, now.Add(time.Duration(i-10)*time.Minute)))
	}

	f.source.Set(testsupport.Snapshot(testsupport.Rank("AAA", 0.5, 95)))
	f.llm.On("Decide", mock.Anything, mock.Anything).Return(answer(decision.Hold("waiting")), nil).Once()

	rep, err := f.orch.RunCycle(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, rep.Discarded)
	require.Len(t, rep.Liquidated, 1)
	assert.Equal(t, portfolio.ExitDiscarded, rep.Liquidated[0].ExitReason)

	assert.Empty(t, f.open(t, a))
	assert.Zero(t, f.budget.InUse(), "slots return to the fleet")
	// 9000 + 1000 - 50
	assert.True(t, dec("9950").Equal(f.cash(t, a)), f.cash(t, a).String())
	assert.Len(t, f.events.OfKind(events.KindTradeClosed), 1)
}

func TestRunCycle_SerializesSameAgent(t *testing.T) {
	f := newFixture(t, PruningPolicy{})
	a := f.llmAgent(t)

	var inFlight, peak atomic.Int32
	f.llm.On("Decide", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	}).Return(answer(decision.Hold("wait")), nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.RunCycle(context.Background(), a.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Len(t, f.store.Decisions.ForAgent(a.ID), 5)
}

func TestRunFleet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PruningPolicy{})
	for i := 0; i < 3; i++ {
		f.store.SeedAgent(t, testsupport.AgentSeed{})
	}
	gone := f.store.SeedAgent(t, testsupport.AgentSeed{})
	require.NoError(t, f.store.Agents.Discard(ctx, gone.ID, "manual", time.Now()))

	report, err := f.orch.RunFleet(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Agents)
	assert.Equal(t, 3, report.Count(decision.OutcomeExecuted))
	assert.Empty(t, report.Failures)
	assert.Equal(t, int64(3), f.budget.InUse())
	assert.Empty(t, f.store.Decisions.ForAgent(gone.ID))
}

func TestRunCycle_Lease(t *testing.T) {
	ctx := context.Background()

	t.Run("held elsewhere", func(t *testing.T) {
		f := newFixture(t, PruningPolicy{})
		f.orch.Lease = fakeLease{busy: true}
		a := f.store.SeedAgent(t, testsupport.AgentSeed{})

		_, err := f.orch.RunCycle(ctx, a.ID)
		assert.True(t, errors.Is(err, errors.ErrCycleInProgress))
		assert.Empty(t, f.store.Decisions.ForAgent(a.ID))
	})

	t.Run("redis down falls back to the local lock", func(t *testing.T) {
		f := newFixture(t, PruningPolicy{})
		f.orch.Lease = fakeLease{err: errors.New("dial tcp: refused")}
		a := f.store.SeedAgent(t, testsupport.AgentSeed{})

		rep, err := f.orch.RunCycle(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, decision.OutcomeExecuted, rep.Outcome)
	})
}

func TestPruningPolicy(t *testing.T) {
	p := PruningPolicy{MaxDrawdown: dec("0.5"), MaxLossStreak: 4}

	tests := []struct {
		name     string
		drawdown string
		streak   int
		label    string
	}{
		{"healthy", "0.2", 1, ""},
		{"drawdown at limit", "0.5", 0, "drawdown"},
		{"streak at limit", "0.1", 4, "loss_streak"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, reason, discard := p.Check(dec(tt.drawdown), tt.streak)
			assert.Equal(t, tt.label, label)
			assert.Equal(t, tt.label != "", discard)
			if discard {
				assert.NotEmpty(t, reason)
			}
		})
	}

	_, _, discard := PruningPolicy{}.Check(dec("0.99"), 100)
	assert.False(t, discard)
}
