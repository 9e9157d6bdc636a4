package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/market"
	"agentfleet/internal/domain/memory"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/events"
	"agentfleet/internal/metrics"
	"agentfleet/internal/services/contextbuilder"
	"agentfleet/internal/services/evolution"
	"agentfleet/internal/services/executor"
	memsvc "agentfleet/internal/services/memory"
	pfsvc "agentfleet/internal/services/portfolio"
	"agentfleet/internal/services/settings"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/keylock"
	"agentfleet/pkg/logger"
)

// ContextBuilder assembles decision inputs
type ContextBuilder interface {
	Snapshot(ctx context.Context) (*market.Snapshot, error)
	Build(ctx context.Context, a *agent.Agent, snap *market.Snapshot, set settings.Settings, protected []string) (*contextbuilder.Context, error)
}

// Executor runs the decision engine and the validation gate
type Executor interface {
	Execute(ctx context.Context, c *contextbuilder.Context) (*executor.Result, error)
}

// Portfolio is the single writer of cash and positions
type Portfolio interface {
	Apply(ctx context.Context, a *agent.Agent, action decision.TradeAction, decisionID uuid.UUID) (*pfsvc.ExecutionResult, error)
	ProtectiveExits(ctx context.Context, a *agent.Agent, snap *market.Snapshot) (*pfsvc.ExecutionResult, error)
	MarkToMarket(ctx context.Context, a *agent.Agent, snap *market.Snapshot) (*pfsvc.Summary, []*portfolio.EquityAlert, error)
	Summary(ctx context.Context, agentID uuid.UUID, snap *market.Snapshot) (*pfsvc.Summary, error)
	Trades(ctx context.Context, agentID uuid.UUID, since time.Time) ([]*portfolio.Trade, error)
	Liquidate(ctx context.Context, a *agent.Agent, snap *market.Snapshot) (*pfsvc.ExecutionResult, error)
}

// Memory records what each cycle did
type Memory interface {
	Record(ctx context.Context, agentID uuid.UUID, sum memsvc.CycleSummary) (*memory.Entry, error)
}

// Evaluator runs after every cycle
type Evaluator interface {
	Evaluate(ctx context.Context, a *agent.Agent, set settings.Settings) (*evolution.Outcome, error)
}

// SettingsSource is refreshed once per cycle
type SettingsSource interface {
	Current(ctx context.Context) settings.Settings
}

// Config controls the cycle
type Config struct {
	Workers        int           // concurrent agent cycles in RunFleet
	LeaseTTL       time.Duration // cross-replica cycle lease
	PersistTimeout time.Duration // budget for writing the decision row and heartbeat after cancellation
	Lookback       time.Duration // trades considered for the loss streak
	Pruning        PruningPolicy
}

// Deps are the collaborators of the orchestrator. Lease may be nil.
type Deps struct {
	Agents    agent.Repository
	Decisions decision.Repository
	Builder   ContextBuilder
	Executor  Executor
	Portfolio Portfolio
	Memory    Memory
	Evolution Evaluator
	Settings  SettingsSource
	Notifier  events.Notifier
	Lease     Lease
}

// Orchestrator drives agent cycles. Cycles of one agent never overlap; distinct agents run concurrently.
type Orchestrator struct {
	Deps
	cfg   Config
	locks *keylock.Map
	now   func() time.Time
	log   *logger.Logger
}

// New creates an orchestrator
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	return &Orchestrator{
		Deps:  deps,
		cfg:   cfg,
		locks: keylock.New(),
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.Get().With("component", "orchestrator"),
	}
}

// RunFleet runs one cycle for every active agent on a bounded pool.
// A failing agent never stops the others; only listing the fleet can fail the call.
func (o *Orchestrator) RunFleet(ctx context.Context) (*FleetReport, error) {
	started := time.Now()
	agents, err := o.Agents.ListActive(ctx)
	if err != nil {
		return nil, errors.Storage(err, "list active agents")
	}

	report := &FleetReport{Agents: len(agents), Failures: make(map[uuid.UUID]error)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for _, a := range agents {
		g.Go(func() error {
			rep, err := o.RunCycle(ctx, a.ID)
			mu.Lock()
			defer mu.Unlock()
			if rep != nil {
				report.Reports = append(report.Reports, rep)
			}
			if err != nil {
				report.Failures[a.ID] = err
				o.log.Errorw("agent cycle failed", "agent_id", a.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(started)
	o.log.Infow("fleet cycle complete",
		"agents", report.Agents,
		"executed", report.Count(decision.OutcomeExecuted),
		"failed", report.Count(decision.OutcomeFailed),
		"fatal", len(report.Failures),
		"duration", report.Duration,
	)
	return report, nil
}

// RunCycle runs one full cycle for the agent.
// The returned error is fatal for the cycle (storage, lock or lease); engine and context failures
// are reported through the report outcome instead.
func (o *Orchestrator) RunCycle(ctx context.Context, agentID uuid.UUID) (*CycleReport, error) {
	unlock, err := o.locks.Lock(ctx, agentID.String())
	if err != nil {
		return nil, errors.Wrapf(err, "wait for agent %s", agentID)
	}
	defer unlock()

	if o.Lease != nil {
		release, ok, err := o.Lease.Acquire(ctx, "cycle:"+agentID.String(), o.cfg.LeaseTTL)
		switch {
		case err != nil:
			o.log.Warnw("cycle lease unavailable, relying on local lock", "agent_id", agentID, "error", err)
		case !ok:
			return nil, errors.Wrapf(errors.ErrCycleInProgress, "agent %s", agentID)
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					o.log.Warnw("cycle lease not released", "agent_id", agentID, "error", err)
				}
			}()
		}
	}

	a, err := o.Agents.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Storage(err, "load agent")
	}
	if !a.IsActive() {
		return nil, errors.Wrapf(errors.ErrAgentInactive, "agent %s is %s", a.ID, a.Status)
	}
	return o.cycle(ctx, a)
}

// cycleState carries the in-flight values of one cycle
type cycleState struct {
	agent    *agent.Agent
	set      settings.Settings
	snap     *market.Snapshot
	rep      *CycleReport
	dec      *decision.Decision
	memory   memsvc.CycleSummary
	proposed decision.TradeAction
}

func (c *cycleState) fail(err error) {
	c.rep.Outcome = decision.OutcomeFailed
	c.rep.FailureKind = errors.Kind(err)
	c.dec.Outcome = decision.OutcomeFailed
	c.dec.FailureKind = c.rep.FailureKind
	c.dec.Error = err.Error()
	c.memory.Outcome = decision.OutcomeFailed
	c.memory.FailureKind = c.rep.FailureKind
}

func (o *Orchestrator) cycle(ctx context.Context, a *agent.Agent) (*CycleReport, error) {
	started := o.now()
	cycleID := uuid.New()
	c := &cycleState{
		agent: a,
		set:   o.Settings.Current(ctx),
		rep: &CycleReport{
			CycleID:   cycleID,
			AgentID:   a.ID,
			Trace:     []State{StateIdle},
			StartedAt: started,
		},
		dec: &decision.Decision{
			ID:      uuid.New(),
			AgentID: a.ID,
			CycleID: cycleID,
			Engine:  a.Engine.String(),
			Model:   a.Model,
			Action:  decision.ActionHold,
			Valid:   true,
			CostUSD: decimal.Zero,
		},
		memory: memsvc.CycleSummary{CycleID: cycleID, Action: decision.Hold("")},
	}

	fatal := o.decide(ctx, c)

	// the audit row and the heartbeat survive cancellation of the trigger
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	if err := o.record(persistCtx, c); err != nil {
		fatal = errors.Join(fatal, err)
	}
	if err := o.Agents.Touch(persistCtx, a.ID, o.now()); err != nil {
		fatal = errors.Join(fatal, errors.Storage(err, "touch heartbeat"))
	}

	if fatal == nil {
		fatal = o.evaluate(ctx, c)
	}
	if fatal == nil {
		fatal = o.prune(ctx, c)
	}

	c.rep.enter(StateIdle)
	c.rep.Duration = o.now().Sub(started)
	metrics.RecordCycle(a.Engine.String(), string(c.rep.Outcome), c.rep.Duration)

	o.log.Infow("cycle finished",
		"agent_id", a.ID,
		"cycle_id", cycleID,
		"engine", a.Engine,
		"outcome", c.rep.Outcome,
		"failure_kind", c.rep.FailureKind,
		"symbol", c.dec.Symbol,
		"trace", c.rep.Trace,
		"duration", c.rep.Duration,
	)
	if fatal != nil {
		return c.rep, fatal
	}
	return c.rep, nil
}

// decide runs everything up to the portfolio mutation. Only storage failures are returned.
func (o *Orchestrator) decide(ctx context.Context, c *cycleState) error {
	a := c.agent

	snap, err := o.Builder.Snapshot(ctx)
	if err != nil {
		c.fail(err)
		return nil
	}
	c.snap = snap

	// protective exits take precedence over anything the engine decides this cycle
	exits, err := o.Portfolio.ProtectiveExits(ctx, a, snap)
	if err != nil {
		c.fail(err)
		return storageOnly(err)
	}
	var protected []string
	if exits != nil {
		c.rep.Protective = exits.Trades
		c.memory.Closed = append(c.memory.Closed, exits.Trades...)
		protected = exits.Symbols()
		for _, t := range exits.Trades {
			o.notify(ctx, events.TradeClosed(a, t))
		}
	}

	if a.Engine == agent.EngineLLM && !c.set.LLMEnabled {
		c.rep.Outcome = decision.OutcomeSkipped
		c.dec.Outcome = decision.OutcomeSkipped
		c.dec.Reasoning = "llm engine disabled by runtime settings"
		c.memory.Outcome = decision.OutcomeSkipped
		c.memory.Action = decision.Hold(c.dec.Reasoning)
		return o.mark(ctx, c)
	}

	cc, err := o.Builder.Build(ctx, a, snap, c.set, protected)
	if err != nil {
		c.fail(err)
		// nothing else is written unless protective exits already moved the portfolio
		if exits == nil {
			return nil
		}
		return o.mark(ctx, c)
	}
	cc.CycleID = c.rep.CycleID
	c.rep.enter(StateContextBuilt)
	c.dec.PromptVersion = cc.Prompt.Version

	res, err := o.Executor.Execute(ctx, cc)
	if res != nil {
		c.dec.Model = res.Model
		c.dec.Attempts = res.Attempts
		c.dec.InputTokens = res.Usage.InputTokens
		c.dec.OutputTokens = res.Usage.OutputTokens
		c.dec.CostUSD = res.Cost
		c.dec.LatencyMs = res.Latency.Milliseconds()
	}
	if err != nil {
		c.fail(err)
		return o.mark(ctx, c)
	}
	c.rep.enter(StateDecided)

	c.proposed = res.Proposed
	c.dec.Action = res.Proposed.Kind
	c.dec.Symbol = res.Proposed.Symbol
	c.dec.Size = res.Proposed.Size
	c.dec.Price = res.Proposed.Price
	c.dec.Confidence = res.Proposed.Confidence
	c.dec.Reasoning = res.Proposed.Reasoning
	c.memory.Action = res.Proposed

	if res.Rejected() {
		c.reject(res.Validation.Code, res.Validation.Reason)
		return o.mark(ctx, c)
	}
	c.rep.enter(StateValidated)

	if res.Action.Kind == decision.ActionHold {
		c.rep.Outcome = decision.OutcomeHeld
		c.dec.Outcome = decision.OutcomeHeld
		c.memory.Outcome = decision.OutcomeHeld
		return o.mark(ctx, c)
	}

	exec, err := o.Portfolio.Apply(ctx, a, res.Action, c.dec.ID)
	if err != nil {
		if errors.IsPortfolioRejection(err) {
			c.reject(errors.Kind(err), err.Error())
			return o.mark(ctx, c)
		}
		c.fail(err)
		return storageOnly(err)
	}
	c.rep.enter(StateApplied)
	c.rep.Execution = exec
	c.rep.Outcome = decision.OutcomeExecuted
	c.dec.Outcome = decision.OutcomeExecuted
	c.memory.Outcome = decision.OutcomeExecuted
	c.memory.Opened = exec.Opened
	c.memory.Closed = append(c.memory.Closed, exec.Trades...)

	if exec.Opened != nil {
		o.notify(ctx, events.TradeOpened(a, exec.Opened))
	}
	for _, t := range exec.Trades {
		o.notify(ctx, events.TradeClosed(a, t))
	}
	return o.mark(ctx, c)
}

func (c *cycleState) reject(code, reason string) {
	c.rep.Outcome = decision.OutcomeRejected
	c.dec.Outcome = decision.OutcomeRejected
	c.dec.Valid = false
	c.dec.RejectCode = code
	c.dec.RejectReason = reason
	c.memory.Outcome = decision.OutcomeRejected
	c.memory.Rejection = reason
}

// mark stores equity at snapshot prices and emits threshold crossings
func (o *Orchestrator) mark(ctx context.Context, c *cycleState) error {
	summary, alerts, err := o.Portfolio.MarkToMarket(ctx, c.agent, c.snap)
	if err != nil {
		// the outcome stands: whatever was applied is already persisted
		c.dec.Error = errors.Wrap(err, "mark to market").Error()
		o.log.Warnw("mark to market failed", "agent_id", c.agent.ID, "cycle_id", c.rep.CycleID, "error", err)
		return storageOnly(err)
	}
	c.rep.Summary = summary
	c.rep.Alerts = alerts
	c.memory.Equity = summary.Equity
	for _, al := range alerts {
		o.notify(ctx, events.EquityAlert(c.agent, al))
	}
	return nil
}

// record writes the single decision row of the cycle, then the memory note
func (o *Orchestrator) record(ctx context.Context, c *cycleState) error {
	if c.rep.Outcome == "" {
		c.fail(errors.Wrap(errors.ErrInternal, "cycle ended without an outcome"))
	}
	now := o.now()
	c.dec.CreatedAt = now
	if err := o.Decisions.Create(ctx, c.dec); err != nil {
		return errors.Storage(err, "record decision")
	}
	c.rep.Decision = c.dec
	c.rep.enter(StateRecorded)

	c.memory.At = now
	if _, err := o.Memory.Record(ctx, c.agent.ID, c.memory); err != nil {
		o.log.Warnw("memory not recorded", "agent_id", c.agent.ID, "cycle_id", c.rep.CycleID, "error", err)
	}
	return nil
}

func (o *Orchestrator) evaluate(ctx context.Context, c *cycleState) error {
	out, err := o.Evolution.Evaluate(ctx, c.agent, c.set)
	if err != nil {
		return errors.Wrap(err, "evaluate agent")
	}
	c.rep.Evolution = out
	c.rep.enter(StateEvaluated)
	if out.Changed() {
		o.log.Infow("strategy changed",
			"agent_id", c.agent.ID,
			"cycle_id", c.rep.CycleID,
			"evolution", out.Kind,
			"from_version", out.FromVersion,
			"to_version", out.ToVersion,
		)
	}
	return nil
}

// prune discards the agent when the pruning policy says so; the transition is terminal
func (o *Orchestrator) prune(ctx context.Context, c *cycleState) error {
	summary := c.rep.Summary
	if summary == nil {
		s, err := o.Portfolio.Summary(ctx, c.agent.ID, c.snap)
		if err != nil {
			return errors.Wrap(err, "load summary for pruning")
		}
		summary = s
	}

	since := time.Time{}
	if o.cfg.Lookback > 0 {
		since = o.now().Add(-o.cfg.Lookback)
	}
	trades, err := o.Portfolio.Trades(ctx, c.agent.ID, since)
	if err != nil {
		return err
	}
	stats := contextbuilder.ComputeStats(trades, summary.InitialCash)

	label, reason, discard := o.cfg.Pruning.Check(summary.Drawdown, stats.LossStreak)
	if !discard {
		return nil
	}

	now := o.now()
	if err := o.Agents.Discard(ctx, c.agent.ID, reason, now); err != nil {
		return errors.Storage(err, "discard agent")
	}
	c.rep.Discarded = true
	c.rep.DiscardReason = reason
	metrics.AgentsDiscarded.WithLabelValues(label).Inc()
	o.notify(ctx, events.AgentDiscarded(c.agent, reason, now))

	// open positions are closed so their fleet budget slots return to the pool
	if c.snap != nil && summary.OpenCount() > 0 {
		res, err := o.Portfolio.Liquidate(ctx, c.agent, c.snap)
		if err != nil {
			return errors.Wrap(err, "liquidate discarded agent")
		}
		if res != nil {
			c.rep.Liquidated = res.Trades
			for _, t := range res.Trades {
				o.notify(ctx, events.TradeClosed(c.agent, t))
			}
		}
	}

	o.log.Warnw("agent discarded",
		"agent_id", c.agent.ID,
		"cycle_id", c.rep.CycleID,
		"reason", reason,
		"liquidated", len(c.rep.Liquidated),
	)
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, e events.Event) {
	if o.Notifier == nil {
		return
	}
	if err := o.Notifier.Notify(ctx, e); err != nil {
		o.log.Debugw("event not delivered", "kind", e.Kind, "agent_id", e.AgentID, "error", err)
	}
}

// storageOnly keeps storage failures fatal and lets anything else end as a failed outcome
func storageOnly(err error) error {
	if errors.Is(err, errors.ErrStorage) {
		return err
	}
	return nil
}
