package testsupport

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/market"
	"agentfleet/internal/domain/memory"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/domain/prompt"
	"agentfleet/internal/domain/tokenusage"
	"agentfleet/pkg/errors"
)

// Store bundles in-memory repositories that behave like the postgres ones
type Store struct {
	Agents     *Agents
	Prompts    *Prompts
	Portfolios *Portfolios
	Decisions  *Decisions
	Memories   *Memories
	Usage      *UsageRecorder
}

func NewStore() *Store {
	return &Store{
		Agents:     &Agents{rows: map[uuid.UUID]*agent.Agent{}},
		Prompts:    &Prompts{versions: map[uuid.UUID][]*prompt.Prompt{}, active: map[uuid.UUID]int{}},
		Portfolios: &Portfolios{portfolios: map[uuid.UUID]*portfolio.Portfolio{}, positions: map[uuid.UUID]*portfolio.Position{}},
		Decisions:  &Decisions{},
		Memories:   &Memories{},
		Usage:      &UsageRecorder{},
	}
}

// Agents implements agent.Repository
type Agents struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*agent.Agent
}

var _ agent.Repository = (*Agents)(nil)

func (s *Agents) Create(_ context.Context, a *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[a.ID]; ok {
		return errors.ErrAlreadyExists
	}
	cp := *a
	s.rows[a.ID] = &cp
	return nil
}

func (s *Agents) GetByID(_ context.Context, id uuid.UUID) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "agent %s", id)
	}
	cp := *a
	return &cp, nil
}

func (s *Agents) List(_ context.Context) ([]*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*agent.Agent, 0, len(s.rows))
	for _, a := range s.rows {
		cp := *a
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *agent.Agent) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Agents) ListActive(ctx context.Context) ([]*agent.Agent, error) {
	all, _ := s.List(ctx)
	out := all[:0]
	for _, a := range all {
		if a.IsActive() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Agents) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return errors.ErrNotFound
	}
	a.LastCycleAt = &at
	return nil
}

func (s *Agents) SetStatus(_ context.Context, id uuid.UUID, status agent.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return errors.ErrNotFound
	}
	return a.SetStatus(status, at)
}

func (s *Agents) Discard(_ context.Context, id uuid.UUID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return errors.ErrNotFound
	}
	if a.Status == agent.StatusDiscarded {
		return nil
	}
	return a.Discard(reason, at)
}

// Prompts implements prompt.Repository
type Prompts struct {
	mu          sync.Mutex
	versions    map[uuid.UUID][]*prompt.Prompt
	active      map[uuid.UUID]int
	activations []*prompt.Activation
}

var _ prompt.Repository = (*Prompts)(nil)

func (s *Prompts) Active(_ context.Context, agentID uuid.UUID) (*prompt.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.active[agentID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "no active prompt for %s", agentID)
	}
	return s.get(agentID, v)
}

func (s *Prompts) GetVersion(_ context.Context, agentID uuid.UUID, version int) (*prompt.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(agentID, version)
}

func (s *Prompts) get(agentID uuid.UUID, version int) (*prompt.Prompt, error) {
	for _, p := range s.versions[agentID] {
		if p.Version == version {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "prompt v%d", version)
}

func (s *Prompts) History(_ context.Context, agentID uuid.UUID) ([]*prompt.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*prompt.Prompt, 0, len(s.versions[agentID]))
	for _, p := range s.versions[agentID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Prompts) AppendAndActivate(_ context.Context, p *prompt.Prompt, act *prompt.Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 1
	if vs := s.versions[p.AgentID]; len(vs) > 0 {
		next = vs[len(vs)-1].Version + 1
	}
	p.Version = next
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	s.versions[p.AgentID] = append(s.versions[p.AgentID], &cp)

	act.ToVersion = next
	s.activate(act)
	return nil
}

func (s *Prompts) Activate(_ context.Context, act *prompt.Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(act.AgentID, act.ToVersion); err != nil {
		return err
	}
	s.activate(act)
	return nil
}

func (s *Prompts) activate(act *prompt.Activation) {
	if act.ID == uuid.Nil {
		act.ID = uuid.New()
	}
	s.active[act.AgentID] = act.ToVersion
	cp := *act
	s.activations = append(s.activations, &cp)
}

func (s *Prompts) LastActivation(_ context.Context, agentID uuid.UUID) (*prompt.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.activations) - 1; i >= 0; i-- {
		if s.activations[i].AgentID == agentID {
			cp := *s.activations[i]
			return &cp, nil
		}
	}
	return nil, errors.ErrNotFound
}

// Activations returns the activation log of an agent, oldest first
func (s *Prompts) Activations(agentID uuid.UUID) []*prompt.Activation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*prompt.Activation
	for _, a := range s.activations {
		if a.AgentID == agentID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// Portfolios implements portfolio.Repository. FailApply makes the next Apply calls fail.
type Portfolios struct {
	mu         sync.Mutex
	portfolios map[uuid.UUID]*portfolio.Portfolio
	positions  map[uuid.UUID]*portfolio.Position
	trades     []*portfolio.Trade
	FailApply  error
	applies    int
}

var _ portfolio.Repository = (*Portfolios)(nil)

func (s *Portfolios) Create(_ context.Context, p *portfolio.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.portfolios[p.AgentID] = &cp
	return nil
}

func (s *Portfolios) Get(_ context.Context, agentID uuid.UUID) (*portfolio.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portfolios[agentID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "portfolio %s", agentID)
	}
	cp := *p
	return &cp, nil
}

func (s *Portfolios) OpenPositions(_ context.Context, agentID uuid.UUID) ([]*portfolio.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*portfolio.Position
	for _, p := range s.positions {
		if p.AgentID == agentID {
			cp := *p
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *portfolio.Position) int { return a.OpenedAt.Compare(b.OpenedAt) })
	return out, nil
}

func (s *Portfolios) CountOpenPositions(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.positions)), nil
}

func (s *Portfolios) Trades(_ context.Context, agentID uuid.UUID, since time.Time) ([]*portfolio.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*portfolio.Trade
	for _, t := range s.trades {
		if t.AgentID == agentID && !t.ClosedAt.Before(since) {
			cp := *t
			out = append(out, &cp)
		}
	}
	slices.SortStableFunc(out, func(a, b *portfolio.Trade) int { return a.ClosedAt.Compare(b.ClosedAt) })
	return out, nil
}

func (s *Portfolios) RecentTrades(ctx context.Context, agentID uuid.UUID, limit int) ([]*portfolio.Trade, error) {
	all, _ := s.Trades(ctx, agentID, time.Time{})
	slices.Reverse(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Portfolios) Apply(_ context.Context, c *portfolio.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++
	if s.FailApply != nil {
		return s.FailApply
	}

	for _, p := range c.Closed {
		if _, ok := s.positions[p.ID]; !ok {
			return errors.Wrapf(errors.ErrNotFound, "position %s", p.ID)
		}
	}
	for _, p := range c.Closed {
		delete(s.positions, p.ID)
	}
	if c.Opened != nil {
		cp := *c.Opened
		s.positions[cp.ID] = &cp
	}
	for _, t := range c.Trades {
		cp := *t
		s.trades = append(s.trades, &cp)
	}
	cp := *c.Portfolio
	s.portfolios[cp.AgentID] = &cp
	return nil
}

func (s *Portfolios) Mark(_ context.Context, p *portfolio.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.portfolios[p.AgentID]
	if !ok {
		return errors.ErrNotFound
	}
	cur.Equity = p.Equity
	cur.PeakEquity = p.PeakEquity
	cur.MarkedAt = p.MarkedAt
	return nil
}

// Applies counts Apply calls, failed ones included
func (s *Portfolios) Applies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applies
}

// AllTrades returns every stored trade of the agent
func (s *Portfolios) AllTrades(agentID uuid.UUID) []*portfolio.Trade {
	out, _ := s.Trades(context.Background(), agentID, time.Time{})
	return out
}

// AddTrade inserts a closed trade directly, for seeding evaluation windows
func (s *Portfolios) AddTrade(t *portfolio.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trades = append(s.trades, &cp)
}

// Decisions implements decision.Repository. Fail makes Create fail.
type Decisions struct {
	mu   sync.Mutex
	rows []*decision.Decision
	Fail error
}

var _ decision.Repository = (*Decisions)(nil)

func (s *Decisions) Create(_ context.Context, d *decision.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	cp := *d
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *Decisions) ListRecent(_ context.Context, agentID uuid.UUID, limit int) ([]*decision.Decision, error) {
	rows := s.ForAgent(agentID)
	slices.Reverse(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// ForAgent returns all rows of the agent, oldest first
func (s *Decisions) ForAgent(agentID uuid.UUID) []*decision.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*decision.Decision
	for _, d := range s.rows {
		if d.AgentID == agentID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

// Memories implements memory.Repository
type Memories struct {
	mu      sync.Mutex
	entries []*memory.Entry
	lessons []*memory.Lesson
	Fail    error
}

var _ memory.Repository = (*Memories)(nil)

func (s *Memories) Append(_ context.Context, e *memory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *Memories) Recent(_ context.Context, agentID uuid.UUID, limit int) ([]*memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return nil, s.Fail
	}
	var out []*memory.Entry
	for i := len(s.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.entries[i].AgentID == agentID {
			cp := *s.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Memories) CreateLesson(_ context.Context, l *memory.Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.lessons = append(s.lessons, &cp)
	return nil
}

func (s *Memories) ActiveLessons(_ context.Context, archetype string, limit int) ([]*memory.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*memory.Lesson
	for i := len(s.lessons) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		l := s.lessons[i]
		if l.Archetype == archetype && l.IsActive {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Memories) DeactivateLesson(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lessons {
		if l.ID == id {
			l.IsActive = false
			return nil
		}
	}
	return errors.ErrNotFound
}

// Lessons returns every lesson, active or not
func (s *Memories) Lessons() []*memory.Lesson {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*memory.Lesson, 0, len(s.lessons))
	for _, l := range s.lessons {
		cp := *l
		out = append(out, &cp)
	}
	return out
}

// UsageRecorder implements tokenusage.Recorder
type UsageRecorder struct {
	mu   sync.Mutex
	rows []*tokenusage.Usage
}

var _ tokenusage.Recorder = (*UsageRecorder)(nil)

func (r *UsageRecorder) Record(_ context.Context, u *tokenusage.Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *UsageRecorder) Rows() []*tokenusage.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.rows)
}

// MarketSource serves a fixed snapshot, or Err when set
type MarketSource struct {
	mu       sync.Mutex
	snapshot *market.Snapshot
	Err      error
}

var _ market.Source = (*MarketSource)(nil)

func NewMarketSource(s *market.Snapshot) *MarketSource {
	return &MarketSource{snapshot: s}
}

func (m *MarketSource) Set(s *market.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
}

func (m *MarketSource) Latest(_ context.Context, timeframe string) (*market.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.snapshot == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "no snapshot for %s", timeframe)
	}
	cp := *m.snapshot
	return &cp, nil
}
