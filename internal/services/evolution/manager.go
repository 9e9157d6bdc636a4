package evolution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/memory"
	"agentfleet/internal/domain/prompt"
	"agentfleet/internal/events"
	"agentfleet/internal/metrics"
	"agentfleet/internal/services/contextbuilder"
	"agentfleet/internal/services/engine"
	"agentfleet/internal/services/executor"
	"agentfleet/internal/services/settings"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// Config holds the evaluation rules
type Config struct {
	Window          int             // trades since the last activation before acting
	RevertThreshold decimal.Decimal // negative, e.g. -0.05
	MinReturn       decimal.Decimal // used by the default policy
	MinWins         int             // used by the default policy
	RecallLimit     int
	LessonLimit     int
}

// Proposer produces a new strategy version; the executor in production
type Proposer interface {
	Evolve(ctx context.Context, a *agent.Agent, req engine.EvolutionRequest) (*executor.EvolveResult, error)
}

// MemoryStore is the part of the memory service evolution reads and writes
type MemoryStore interface {
	Recall(ctx context.Context, agentID uuid.UUID, limit int) ([]*memory.Entry, error)
	Lessons(ctx context.Context, archetype string, limit int) ([]*memory.Lesson, error)
	RecordLesson(ctx context.Context, l *memory.Lesson) error
	RecordEvolution(ctx context.Context, agentID uuid.UUID, note string) error
}

// OutcomeKind is what an evaluation did
type OutcomeKind string

const (
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeReverted OutcomeKind = "reverted"
	OutcomeEvolved  OutcomeKind = "evolved"
	OutcomeFailed   OutcomeKind = "failed" // the engine could not propose a version
)

// Outcome of one evaluation. At most one version change happens per evaluation.
type Outcome struct {
	Kind         OutcomeKind
	Reason       string
	FromVersion  int
	ToVersion    int
	WindowReturn decimal.Decimal
	Trades       int
}

// Changed reports whether the active version moved
func (o *Outcome) Changed() bool {
	return o.Kind == OutcomeReverted || o.Kind == OutcomeEvolved
}

// Manager evaluates agents after every cycle and moves their active strategy pointer
type Manager struct {
	prompts   prompt.Repository
	portfolio contextbuilder.PortfolioReader
	proposer  Proposer
	memory    MemoryStore
	notifier  events.Notifier
	policy    Policy
	cfg       Config
	now       func() time.Time
	log       *logger.Logger

	mu        sync.Mutex
	requested map[uuid.UUID]time.Time
}

// NewManager creates an evolution manager. A nil policy means DefaultPolicy from cfg.
func NewManager(
	prompts prompt.Repository,
	pf contextbuilder.PortfolioReader,
	proposer Proposer,
	mem MemoryStore,
	notifier events.Notifier,
	policy Policy,
	cfg Config,
) *Manager {
	if policy == nil {
		policy = DefaultPolicy{MinReturn: cfg.MinReturn, MinWins: cfg.MinWins}
	}
	if cfg.Window <= 0 {
		cfg.Window = 1
	}
	return &Manager{
		prompts:   prompts,
		portfolio: pf,
		proposer:  proposer,
		memory:    mem,
		notifier:  notifier,
		policy:    policy,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.Get().With("component", "evolution"),
		requested: make(map[uuid.UUID]time.Time),
	}
}

// Request marks an agent for evolution at its next evaluation, window or not.
// Requests never trigger a revert.
func (m *Manager) Request(agentID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requested[agentID]; !ok {
		m.requested[agentID] = m.now()
	}
}

// Pending reports whether an evolution request waits for the agent
func (m *Manager) Pending(agentID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.requested[agentID]
	return ok
}

func (m *Manager) clearRequest(agentID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requested, agentID)
}

// Evaluate looks at the trades closed since the active version took over.
// Only storage failures are returned as errors; a window that is not full yet is a skipped outcome.
func (m *Manager) Evaluate(ctx context.Context, a *agent.Agent, set settings.Settings) (*Outcome, error) {
	if !set.EvolutionEnabled {
		return &Outcome{Kind: OutcomeSkipped, Reason: "evolution disabled"}, nil
	}

	current, err := m.prompts.Active(ctx, a.ID)
	if err != nil {
		return nil, errors.Storage(err, "load active prompt")
	}

	var since time.Time
	last, err := m.prompts.LastActivation(ctx, a.ID)
	switch {
	case err == nil:
		since = last.CreatedAt
	case errors.Is(err, errors.ErrNotFound):
	default:
		return nil, errors.Storage(err, "load last activation")
	}

	trades, err := m.portfolio.Trades(ctx, a.ID, since)
	if err != nil {
		return nil, err
	}

	w := Window{Trades: trades, Requested: m.Pending(a.ID)}
	if len(trades) >= m.cfg.Window {
		w.Full = true
		w.Trades = trades[len(trades)-m.cfg.Window:]
	}
	w.Return, w.Wins = windowReturn(w.Trades)

	out := &Outcome{
		Kind:         OutcomeSkipped,
		FromVersion:  current.Version,
		ToVersion:    current.Version,
		WindowReturn: w.Return,
		Trades:       len(w.Trades),
	}

	if w.Full && w.Return.LessThan(m.cfg.RevertThreshold) {
		if !current.HasParent() {
			out.Reason = fmt.Sprintf("window return %s below %s but v%d has no parent", pct(w.Return), pct(m.cfg.RevertThreshold), current.Version)
			return out, nil
		}
		return m.revert(ctx, a, current, w, out)
	}

	if !w.Full && !w.Requested {
		out.Reason = fmt.Sprintf("%v: %d of %d trades since v%d", errors.ErrEvolutionSkipped, len(trades), m.cfg.Window, current.Version)
		return out, nil
	}

	ok, reason := m.policy.ShouldEvolve(w)
	if !ok {
		out.Reason = reason
		return out, nil
	}
	return m.evolve(ctx, a, current, w, reason, set, out)
}

func (m *Manager) revert(ctx context.Context, a *agent.Agent, current *prompt.Prompt, w Window, out *Outcome) (*Outcome, error) {
	parent := *current.ParentVersion
	if _, err := m.prompts.GetVersion(ctx, a.ID, parent); err != nil {
		return nil, errors.Storage(err, "load parent prompt")
	}

	now := m.now()
	from := current.Version
	reason := fmt.Sprintf("window return %s over %d trades below %s", pct(w.Return), len(w.Trades), pct(m.cfg.RevertThreshold))
	if err := m.prompts.Activate(ctx, &prompt.Activation{
		ID:          uuid.New(),
		AgentID:     a.ID,
		FromVersion: &from,
		ToVersion:   parent,
		Kind:        prompt.ActivationReverted,
		Reason:      reason,
		CreatedAt:   now,
	}); err != nil {
		return nil, errors.Storage(err, "activate parent prompt")
	}

	out.Kind = OutcomeReverted
	out.ToVersion = parent
	out.Reason = reason

	m.log.Infow("strategy reverted",
		"agent_id", a.ID,
		"from_version", from,
		"to_version", parent,
		"window_return", w.Return.String(),
	)

	// the fleet learns from the failed version even though the agent forgets it
	if a.Archetype != "" {
		source := a.ID
		lesson := &memory.Lesson{
			Archetype:     a.Archetype,
			Category:      memory.CategoryPostMortem,
			Content:       postMortem(current, w),
			Confidence:    0.5,
			SourceAgentID: &source,
		}
		if err := m.memory.RecordLesson(ctx, lesson); err != nil {
			m.log.Warnw("post-mortem lesson not recorded", "agent_id", a.ID, "error", err)
		}
	}
	m.note(ctx, a.ID, fmt.Sprintf("strategy reverted v%d -> v%d: %s", from, parent, reason))
	m.emit(ctx, a, events.EvolutionReverted, out, now)
	return out, nil
}

func (m *Manager) evolve(ctx context.Context, a *agent.Agent, current *prompt.Prompt, w Window, reason string, set settings.Settings, out *Outcome) (*Outcome, error) {
	summary, err := m.portfolio.Summary(ctx, a.ID, nil)
	if err != nil {
		return nil, err
	}
	w.Stats = contextbuilder.ComputeStats(w.Trades, summary.InitialCash)

	req := engine.EvolutionRequest{
		Agent:        a,
		Current:      current,
		Stats:        w.Stats,
		WindowReturn: w.Return,
		Reason:       reason,
	}
	if req.Memories, err = m.memory.Recall(ctx, a.ID, m.cfg.RecallLimit); err != nil {
		m.log.Warnw("memories unavailable for evolution", "agent_id", a.ID, "error", err)
	}
	if set.LessonsEnabled && a.Archetype != "" {
		if req.Lessons, err = m.memory.Lessons(ctx, a.Archetype, m.cfg.LessonLimit); err != nil {
			m.log.Warnw("lessons unavailable for evolution", "agent_id", a.ID, "error", err)
		}
	}

	res, err := m.proposer.Evolve(ctx, a, req)
	if err == nil && (res == nil || res.Proposal == nil || res.Proposal.Content == "") {
		err = errors.Wrap(errors.ErrEngineError, "empty strategy proposal")
	}
	if err != nil {
		if errors.Is(err, errors.ErrStorage) {
			return nil, err
		}
		m.log.Warnw("evolution proposal failed", "agent_id", a.ID, "version", current.Version, "error", err)
		metrics.EvolutionEvents.WithLabelValues(string(OutcomeFailed)).Inc()
		out.Kind = OutcomeFailed
		out.Reason = err.Error()
		return out, nil
	}

	now := m.now()
	from := current.Version
	next := &prompt.Prompt{
		ID:            uuid.New(),
		AgentID:       a.ID,
		Content:       res.Proposal.Content,
		Parameters:    res.Proposal.Parameters,
		ParentVersion: &from,
		Origin:        prompt.OriginEvolved,
		Rationale:     res.Proposal.Rationale,
		CreatedAt:     now,
	}
	if err := m.prompts.AppendAndActivate(ctx, next, &prompt.Activation{
		ID:          uuid.New(),
		AgentID:     a.ID,
		FromVersion: &from,
		Kind:        prompt.ActivationEvolved,
		Reason:      reason,
		CreatedAt:   now,
	}); err != nil {
		return nil, errors.Storage(err, "append evolved prompt")
	}
	m.clearRequest(a.ID)

	out.Kind = OutcomeEvolved
	out.ToVersion = next.Version
	out.Reason = reason

	m.log.Infow("strategy evolved",
		"agent_id", a.ID,
		"from_version", from,
		"to_version", next.Version,
		"cost_usd", res.Cost.String(),
		"reason", reason,
	)

	if res.Proposal.Rationale != "" && a.Archetype != "" {
		source := a.ID
		if err := m.memory.RecordLesson(ctx, &memory.Lesson{
			Archetype:     a.Archetype,
			Category:      memory.CategoryEvolution,
			Content:       res.Proposal.Rationale,
			Confidence:    0.3,
			SourceAgentID: &source,
		}); err != nil {
			m.log.Warnw("evolution lesson not recorded", "agent_id", a.ID, "error", err)
		}
	}
	m.note(ctx, a.ID, fmt.Sprintf("strategy evolved v%d -> v%d: %s", from, next.Version, reason))
	m.emit(ctx, a, events.EvolutionEvolved, out, now)
	return out, nil
}

func (m *Manager) note(ctx context.Context, agentID uuid.UUID, text string) {
	if err := m.memory.RecordEvolution(ctx, agentID, text); err != nil {
		m.log.Warnw("evolution note not recorded", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) emit(ctx context.Context, a *agent.Agent, kind events.EvolutionKind, out *Outcome, at time.Time) {
	metrics.EvolutionEvents.WithLabelValues(string(kind)).Inc()
	if m.notifier == nil {
		return
	}
	e := events.Evolution(a, kind, out.FromVersion, out.ToVersion, out.WindowReturn, out.Reason, at)
	if err := m.notifier.Notify(ctx, e); err != nil {
		m.log.Debugw("evolution event not delivered", "agent_id", a.ID, "error", err)
	}
}

func postMortem(p *prompt.Prompt, w Window) string {
	losers := 0
	for _, t := range w.Trades {
		if t.RealizedPnL.IsNegative() {
			losers++
		}
	}
	rationale := p.Rationale
	if rationale == "" {
		rationale = "no rationale recorded"
	}
	return fmt.Sprintf("strategy v%d returned %s over %d trades (%d losers) and was reverted. It had changed because: %s",
		p.Version, pct(w.Return), len(w.Trades), losers, rationale)
}
