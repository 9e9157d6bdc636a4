package portfolio

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/market"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/metrics"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/keylock"
	"agentfleet/pkg/logger"
)

// Config holds portfolio rules
type Config struct {
	OnePositionPerSymbol bool
	DrawdownAlertPct     decimal.Decimal // e.g. 0.15
	EquityMilestonePct   decimal.Decimal // step of initial cash, e.g. 0.10
}

// ResultKind tells what Apply did
type ResultKind string

const (
	ResultOpened ResultKind = "opened"
	ResultClosed ResultKind = "closed"
	ResultHeld   ResultKind = "held"
)

// ExecutionResult is the outcome of one portfolio mutation
type ExecutionResult struct {
	Kind        ResultKind
	Opened      *portfolio.Position
	Trades      []*portfolio.Trade
	RealizedPnL decimal.Decimal
	Portfolio   *portfolio.Portfolio // state after the change
}

// Symbols returns the symbols closed by this result
func (r *ExecutionResult) Symbols() []string {
	out := make([]string, 0, len(r.Trades))
	for _, t := range r.Trades {
		out = append(out, t.Symbol)
	}
	return out
}

// Manager is the single entry point for cash and position mutation
type Manager struct {
	repo   portfolio.Repository
	budget *PositionBudget
	locks  *keylock.Map
	cfg    Config
	now    func() time.Time
	log    *logger.Logger
}

// NewManager creates a portfolio manager
func NewManager(repo portfolio.Repository, budget *PositionBudget, cfg Config) *Manager {
	return &Manager{
		repo:   repo,
		budget: budget,
		locks:  keylock.New(),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.Get().With("component", "portfolio_manager"),
	}
}

// Initialize creates an empty portfolio for a new agent
func (m *Manager) Initialize(ctx context.Context, agentID uuid.UUID, cash decimal.Decimal) (*portfolio.Portfolio, error) {
	if !cash.IsPositive() {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "initial cash must be positive, got %s", cash)
	}
	now := m.now()
	p := &portfolio.Portfolio{
		AgentID:     agentID,
		InitialCash: cash,
		Cash:        cash,
		RealizedPnL: decimal.Zero,
		PeakEquity:  cash,
		Equity:      cash,
		UpdatedAt:   now,
	}
	if err := m.repo.Create(ctx, p); err != nil {
		return nil, errors.Storage(err, "create portfolio")
	}
	return p, nil
}

// Apply mutates the portfolio for a validated action. Either everything is persisted or nothing.
// Price on the action is the execution price.
func (m *Manager) Apply(ctx context.Context, a *agent.Agent, action decision.TradeAction, decisionID uuid.UUID) (*ExecutionResult, error) {
	unlock, err := m.locks.Lock(ctx, a.ID.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, positions, err := m.load(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	switch {
	case action.Kind.IsOpen():
		return m.open(ctx, a, p, positions, action, decisionID)
	case action.Kind == decision.ActionClose:
		return m.close(ctx, a, p, positions, action)
	case action.Kind == decision.ActionHold:
		return &ExecutionResult{Kind: ResultHeld, Portfolio: p}, nil
	}
	return nil, errors.Wrapf(errors.ErrInvalidInput, "unknown action %q", action.Kind)
}

func (m *Manager) open(
	ctx context.Context,
	a *agent.Agent,
	p *portfolio.Portfolio,
	positions []*portfolio.Position,
	action decision.TradeAction,
	decisionID uuid.UUID,
) (*ExecutionResult, error) {
	if !action.Size.IsPositive() || !action.Price.IsPositive() {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "size %s and price %s must be positive", action.Size, action.Price)
	}

	direction := portfolio.Long
	if action.Kind == decision.ActionOpenShort {
		direction = portfolio.Short
	}

	for _, pos := range positions {
		if pos.Symbol != action.Symbol {
			continue
		}
		if pos.Direction != direction {
			return nil, errors.Wrapf(errors.ErrPositionExists, "%s is open %s, close it first", pos.Symbol, pos.Direction)
		}
		if m.cfg.OnePositionPerSymbol {
			return nil, errors.Wrapf(errors.ErrPositionExists, "%s", pos.Symbol)
		}
	}

	if ceiling := a.PositionCeiling(); len(positions) >= ceiling {
		return nil, errors.Wrapf(errors.ErrPositionLimit, "%d open, ceiling %d", len(positions), ceiling)
	}

	cost := action.Size.Mul(action.Price)
	if cost.GreaterThan(p.Cash) {
		return nil, errors.Wrapf(errors.ErrInsufficientFunds, "cost %s exceeds cash %s", cost.StringFixed(2), p.Cash.StringFixed(2))
	}

	if !m.budget.TryAcquire() {
		return nil, errors.Wrapf(errors.ErrFleetPositionLimit, "%d of %d in use", m.budget.InUse(), m.budget.Limit())
	}

	now := m.now()
	pos := &portfolio.Position{
		ID:         uuid.New(),
		AgentID:    a.ID,
		Symbol:     action.Symbol,
		Direction:  direction,
		EntryPrice: action.Price,
		Size:       action.Size,
		StopLoss:   action.StopLoss,
		TakeProfit: action.TakeProfit,
		OpenedAt:   now,
	}
	if decisionID != uuid.Nil {
		pos.DecisionID = &decisionID
	}

	next := *p
	next.Cash = p.Cash.Sub(cost)
	next.UpdatedAt = now

	if err := m.repo.Apply(ctx, &portfolio.Change{Portfolio: &next, Opened: pos}); err != nil {
		m.budget.Release(1)
		return nil, errors.Storage(err, "persist open")
	}

	m.log.Infow("position opened",
		"agent_id", a.ID,
		"symbol", pos.Symbol,
		"direction", pos.Direction,
		"size", pos.Size,
		"entry_price", pos.EntryPrice,
		"cash", next.Cash,
	)
	return &ExecutionResult{Kind: ResultOpened, Opened: pos, RealizedPnL: decimal.Zero, Portfolio: &next}, nil
}

func (m *Manager) close(
	ctx context.Context,
	a *agent.Agent,
	p *portfolio.Portfolio,
	positions []*portfolio.Position,
	action decision.TradeAction,
) (*ExecutionResult, error) {
	if !action.Price.IsPositive() {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "close price %s must be positive", action.Price)
	}

	var targets []*portfolio.Position
	for _, pos := range positions {
		if pos.Symbol == action.Symbol {
			targets = append(targets, pos)
		}
	}
	if len(targets) == 0 {
		return nil, errors.Wrapf(errors.ErrNoOpenPosition, "%s", action.Symbol)
	}

	prices := func(string) (decimal.Decimal, bool) { return action.Price, true }
	return m.closePositions(ctx, a, p, targets, prices, func(*portfolio.Position) portfolio.ExitReason {
		return portfolio.ExitAgentDecision
	})
}

// ProtectiveExits closes every position whose stop-loss or take-profit is crossed at the snapshot price.
// It runs before any engine action in the cycle. A nil result means nothing was triggered.
func (m *Manager) ProtectiveExits(ctx context.Context, a *agent.Agent, snap *market.Snapshot) (*ExecutionResult, error) {
	unlock, err := m.locks.Lock(ctx, a.ID.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, positions, err := m.load(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	reasons := make(map[uuid.UUID]portfolio.ExitReason)
	var targets []*portfolio.Position
	for _, pos := range positions {
		price, ok := snap.Price(pos.Symbol)
		if !ok {
			continue
		}
		if reason, hit := pos.ProtectiveTrigger(price); hit {
			reasons[pos.ID] = reason
			targets = append(targets, pos)
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	res, err := m.closePositions(ctx, a, p, targets, snap.Price, func(pos *portfolio.Position) portfolio.ExitReason {
		return reasons[pos.ID]
	})
	if err != nil {
		return nil, err
	}
	for _, t := range res.Trades {
		metrics.ProtectiveExits.WithLabelValues(string(t.ExitReason)).Inc()
	}
	return res, nil
}

// Liquidate closes every open position that has a price in the snapshot and frees its budget slot.
// Positions without a price stay open. A nil result means nothing was closed.
func (m *Manager) Liquidate(ctx context.Context, a *agent.Agent, snap *market.Snapshot) (*ExecutionResult, error) {
	unlock, err := m.locks.Lock(ctx, a.ID.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, positions, err := m.load(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	var targets []*portfolio.Position
	for _, pos := range positions {
		if _, ok := snap.Price(pos.Symbol); ok {
			targets = append(targets, pos)
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}
	return m.closePositions(ctx, a, p, targets, snap.Price, func(*portfolio.Position) portfolio.ExitReason {
		return portfolio.ExitDiscarded
	})
}

func (m *Manager) closePositions(
	ctx context.Context,
	a *agent.Agent,
	p *portfolio.Portfolio,
	targets []*portfolio.Position,
	price func(string) (decimal.Decimal, bool),
	reason func(*portfolio.Position) portfolio.ExitReason,
) (*ExecutionResult, error) {
	now := m.now()
	next := *p
	next.UpdatedAt = now

	res := &ExecutionResult{Kind: ResultClosed, RealizedPnL: decimal.Zero}
	for _, pos := range targets {
		px, _ := price(pos.Symbol)
		trade := portfolio.CloseAt(pos, px, reason(pos), now)

		next.Cash = next.Cash.Add(pos.CostBasis()).Add(trade.RealizedPnL)
		next.RealizedPnL = next.RealizedPnL.Add(trade.RealizedPnL)
		res.RealizedPnL = res.RealizedPnL.Add(trade.RealizedPnL)
		res.Trades = append(res.Trades, trade)
	}

	if err := m.repo.Apply(ctx, &portfolio.Change{Portfolio: &next, Closed: targets, Trades: res.Trades}); err != nil {
		return nil, errors.Storage(err, "persist close")
	}
	m.budget.Release(len(targets))
	res.Portfolio = &next

	for _, t := range res.Trades {
		m.log.Infow("position closed",
			"agent_id", a.ID,
			"symbol", t.Symbol,
			"exit_reason", t.ExitReason,
			"exit_price", t.ExitPrice,
			"pnl", t.RealizedPnL,
		)
	}
	return res, nil
}

// MarkToMarket stores current equity and peak and reports threshold crossings.
// Alerts are observational only.
func (m *Manager) MarkToMarket(ctx context.Context, a *agent.Agent, snap *market.Snapshot) (*Summary, []*portfolio.EquityAlert, error) {
	unlock, err := m.locks.Lock(ctx, a.ID.String())
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	p, positions, err := m.load(ctx, a.ID)
	if err != nil {
		return nil, nil, err
	}

	s := summarize(p, positions, snap)
	now := m.now()
	alerts := m.alerts(p, s.Equity, s.PeakEquity, now)
	for _, al := range alerts {
		al.AgentID = a.ID
	}

	marked := *p
	marked.Equity = s.Equity
	marked.PeakEquity = s.PeakEquity
	marked.MarkedAt = &now
	if err := m.repo.Mark(ctx, &marked); err != nil {
		return nil, nil, errors.Storage(err, "mark portfolio")
	}

	metrics.AgentEquity.WithLabelValues(a.PublicID).Set(s.Equity.InexactFloat64())
	return s, alerts, nil
}

func (m *Manager) alerts(p *portfolio.Portfolio, equity, peak decimal.Decimal, at time.Time) []*portfolio.EquityAlert {
	var out []*portfolio.EquityAlert

	if step := p.InitialCash.Mul(m.cfg.EquityMilestonePct); step.IsPositive() {
		steps := func(delta decimal.Decimal) int64 {
			return delta.Div(step).Floor().IntPart()
		}

		prevUp, nowUp := steps(p.Equity.Sub(p.InitialCash)), steps(equity.Sub(p.InitialCash))
		if nowUp > prevUp && nowUp >= 1 {
			out = append(out, &portfolio.EquityAlert{
				Kind:      portfolio.AlertHigh,
				Equity:    equity,
				Threshold: p.InitialCash.Add(step.Mul(decimal.NewFromInt(nowUp))),
				Drawdown:  portfolio.Drawdown(peak, equity),
				At:        at,
			})
		}

		prevDown, nowDown := steps(p.InitialCash.Sub(p.Equity)), steps(p.InitialCash.Sub(equity))
		if nowDown > prevDown && nowDown >= 1 {
			out = append(out, &portfolio.EquityAlert{
				Kind:      portfolio.AlertLow,
				Equity:    equity,
				Threshold: p.InitialCash.Sub(step.Mul(decimal.NewFromInt(nowDown))),
				Drawdown:  portfolio.Drawdown(peak, equity),
				At:        at,
			})
		}
	}

	if limit := m.cfg.DrawdownAlertPct; limit.IsPositive() {
		before := portfolio.Drawdown(p.PeakEquity, p.Equity)
		after := portfolio.Drawdown(peak, equity)
		if before.LessThan(limit) && after.GreaterThanOrEqual(limit) {
			out = append(out, &portfolio.EquityAlert{
				Kind:      portfolio.AlertDrawdown,
				Equity:    equity,
				Threshold: limit,
				Drawdown:  after,
				At:        at,
			})
		}
	}
	return out
}

// Summary marks the portfolio at snapshot prices without persisting anything
func (m *Manager) Summary(ctx context.Context, agentID uuid.UUID, snap *market.Snapshot) (*Summary, error) {
	p, positions, err := m.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return summarize(p, positions, snap), nil
}

// Trades returns trades closed since the given time, oldest first
func (m *Manager) Trades(ctx context.Context, agentID uuid.UUID, since time.Time) ([]*portfolio.Trade, error) {
	trades, err := m.repo.Trades(ctx, agentID, since)
	if err != nil {
		return nil, errors.Storage(err, "list trades")
	}
	return trades, nil
}

func (m *Manager) load(ctx context.Context, agentID uuid.UUID) (*portfolio.Portfolio, []*portfolio.Position, error) {
	p, err := m.repo.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, errors.Storage(err, "load portfolio")
	}
	positions, err := m.repo.OpenPositions(ctx, agentID)
	if err != nil {
		return nil, nil, errors.Storage(err, "load positions")
	}
	return p, positions, nil
}
