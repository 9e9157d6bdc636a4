package contextbuilder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/market"
	"agentfleet/internal/domain/memory"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/domain/prompt"
	pfsvc "agentfleet/internal/services/portfolio"
	"agentfleet/internal/services/settings"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// Config controls what goes into a context
type Config struct {
	Timeframe   string
	MaxAge      time.Duration // snapshots older than this are unusable
	TopN        int
	RecallLimit int
	LessonLimit int
	Lookback    time.Duration
}

// PortfolioReader is the read side of the portfolio manager
type PortfolioReader interface {
	Summary(ctx context.Context, agentID uuid.UUID, snap *market.Snapshot) (*pfsvc.Summary, error)
	Trades(ctx context.Context, agentID uuid.UUID, since time.Time) ([]*portfolio.Trade, error)
}

// MemoryReader is the read side of the memory service
type MemoryReader interface {
	Recall(ctx context.Context, agentID uuid.UUID, limit int) ([]*memory.Entry, error)
	Lessons(ctx context.Context, archetype string, limit int) ([]*memory.Lesson, error)
}

// Context is everything an engine sees for one decision. It is built once and never mutated.
type Context struct {
	CycleID     uuid.UUID           `json:"cycle_id"`
	Agent       *agent.Agent        `json:"-"`
	Prompt      *prompt.Prompt      `json:"-"`
	Snapshot    *market.Snapshot    `json:"-"`
	Timeframe   string              `json:"timeframe"`
	Ranks       []market.SymbolRank `json:"ranked_symbols"`
	Portfolio   *pfsvc.Summary      `json:"portfolio"`
	Performance PerformanceStats    `json:"performance"`
	Memories    []*memory.Entry     `json:"-"`
	Lessons     []*memory.Lesson    `json:"-"`
	// ProtectedSymbols were closed by a stop-loss or take-profit earlier in this cycle
	ProtectedSymbols []string  `json:"closed_this_cycle,omitempty"`
	BuiltAt          time.Time `json:"as_of"`
}

// Builder assembles decision contexts
type Builder struct {
	source    market.Source
	prompts   prompt.Repository
	portfolio PortfolioReader
	memory    MemoryReader
	cfg       Config
	now       func() time.Time
	log       *logger.Logger
}

// New creates a context builder
func New(source market.Source, prompts prompt.Repository, pf PortfolioReader, mem MemoryReader, cfg Config) *Builder {
	return &Builder{
		source:    source,
		prompts:   prompts,
		portfolio: pf,
		memory:    mem,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.Get().With("component", "context_builder"),
	}
}

// Snapshot reads the latest ranking for the configured timeframe
func (b *Builder) Snapshot(ctx context.Context) (*market.Snapshot, error) {
	snap, err := b.source.Latest(ctx, b.cfg.Timeframe)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrContextUnavailable, "ranking %s: %v", b.cfg.Timeframe, err)
	}
	if b.cfg.MaxAge > 0 {
		if age := snap.Age(b.now()); age > b.cfg.MaxAge {
			return nil, errors.Wrapf(errors.ErrContextUnavailable, "ranking %s is %s old", b.cfg.Timeframe, age.Round(time.Second))
		}
	}
	return snap, nil
}

// Build assembles the context for one agent. protected lists symbols closed by protective exits this cycle.
func (b *Builder) Build(ctx context.Context, a *agent.Agent, snap *market.Snapshot, set settings.Settings, protected []string) (*Context, error) {
	if snap == nil {
		return nil, errors.Wrap(errors.ErrContextUnavailable, "no ranking snapshot")
	}

	active, err := b.prompts.Active(ctx, a.ID)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrContextUnavailable, "active prompt: %v", err)
	}

	summary, err := b.portfolio.Summary(ctx, a.ID, snap)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrContextUnavailable, "portfolio: %v", err)
	}

	now := b.now()
	var since time.Time
	if b.cfg.Lookback > 0 {
		since = now.Add(-b.cfg.Lookback)
	}
	trades, err := b.portfolio.Trades(ctx, a.ID, since)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrContextUnavailable, "trade history: %v", err)
	}

	c := &Context{
		CycleID:          uuid.New(),
		Agent:            a,
		Prompt:           active,
		Snapshot:         snap,
		Timeframe:        snap.Timeframe,
		Ranks:            snap.Top(b.cfg.TopN),
		Portfolio:        summary,
		Performance:      ComputeStats(trades, summary.InitialCash),
		ProtectedSymbols: protected,
		BuiltAt:          now,
	}

	// memories and lessons only enrich the prompt
	if c.Memories, err = b.memory.Recall(ctx, a.ID, b.cfg.RecallLimit); err != nil {
		b.log.Warnw("memory recall failed, continuing without", "agent_id", a.ID, "error", err)
		c.Memories = nil
	}
	if set.LessonsEnabled {
		if c.Lessons, err = b.memory.Lessons(ctx, a.Archetype, b.cfg.LessonLimit); err != nil {
			b.log.Warnw("lesson lookup failed, continuing without", "agent_id", a.ID, "archetype", a.Archetype, "error", err)
			c.Lessons = nil
		}
	}

	return c, nil
}

// IsProtected reports whether symbol was closed by a protective exit this cycle
func (c *Context) IsProtected(symbol string) bool {
	for _, s := range c.ProtectedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

type renderedMemory struct {
	Kind    memory.Kind `json:"kind"`
	Symbol  string      `json:"symbol,omitempty"`
	Content string      `json:"content"`
	At      time.Time   `json:"at"`
}

type renderedLesson struct {
	Category   string  `json:"category"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// Render serialises the context as the engine's user message
func (c *Context) Render() (string, error) {
	type view struct {
		*Context
		Agent     string           `json:"agent"`
		Archetype string           `json:"archetype"`
		Strategy  int              `json:"strategy_version"`
		Memories  []renderedMemory `json:"recent_memories"`
		Lessons   []renderedLesson `json:"fleet_lessons,omitempty"`
	}

	v := view{Context: c, Memories: make([]renderedMemory, 0, len(c.Memories))}
	if c.Agent != nil {
		v.Agent = c.Agent.Name
		v.Archetype = c.Agent.Archetype
	}
	if c.Prompt != nil {
		v.Strategy = c.Prompt.Version
	}
	for _, m := range c.Memories {
		v.Memories = append(v.Memories, renderedMemory{Kind: m.Kind, Symbol: m.Symbol, Content: m.Content, At: m.CreatedAt})
	}
	for _, l := range c.Lessons {
		v.Lessons = append(v.Lessons, renderedLesson{Category: l.Category, Content: l.Content, Confidence: l.Confidence})
	}

	out, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "render context")
	}
	return string(out), nil
}
