package portfolio

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Portfolio is the cash side of one agent's simulated account
type Portfolio struct {
	AgentID     uuid.UUID       `db:"agent_id"`
	InitialCash decimal.Decimal `db:"initial_cash"`
	Cash        decimal.Decimal `db:"cash"`
	RealizedPnL decimal.Decimal `db:"realized_pnl"`
	// PeakEquity anchors drawdown; Equity is the last marked value
	PeakEquity decimal.Decimal `db:"peak_equity"`
	Equity     decimal.Decimal `db:"equity"`
	MarkedAt   *time.Time      `db:"marked_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// Drawdown returns (peak - equity) / peak, zero when there is no peak
func (p *Portfolio) Drawdown() decimal.Decimal {
	return Drawdown(p.PeakEquity, p.Equity)
}

// Drawdown computes the relative drop from peak
func Drawdown(peak, equity decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() || equity.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	return peak.Sub(equity).Div(peak)
}

// Direction of a position
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Sign is +1 for long and -1 for short
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (d Direction) String() string {
	return string(d)
}

// Position is open exposure on one symbol
type Position struct {
	ID         uuid.UUID           `db:"id"`
	AgentID    uuid.UUID           `db:"agent_id"`
	Symbol     string              `db:"symbol"`
	Direction  Direction           `db:"direction"`
	EntryPrice decimal.Decimal     `db:"entry_price"`
	Size       decimal.Decimal     `db:"size"`
	StopLoss   decimal.NullDecimal `db:"stop_loss"`
	TakeProfit decimal.NullDecimal `db:"take_profit"`
	DecisionID *uuid.UUID          `db:"decision_id"`
	OpenedAt   time.Time           `db:"opened_at"`
}

// CostBasis is the cash debited when the position was opened
func (p *Position) CostBasis() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size)
}

// PnL at the given price: (price - entry) * size * sign.
// Without leverage a position can lose at most its cost basis, which bounds shorts.
func (p *Position) PnL(price decimal.Decimal) decimal.Decimal {
	pnl := price.Sub(p.EntryPrice).Mul(p.Size).Mul(p.Direction.Sign())
	return decimal.Max(pnl, p.CostBasis().Neg())
}

// MarketValue is what closing at price would credit back to cash
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.CostBasis().Add(p.PnL(price))
}

// ProtectiveTrigger returns the exit reason crossed at price, if any.
// Stop-loss wins when both are crossed.
func (p *Position) ProtectiveTrigger(price decimal.Decimal) (ExitReason, bool) {
	if p.StopLoss.Valid {
		sl := p.StopLoss.Decimal
		if (p.Direction == Long && price.LessThanOrEqual(sl)) || (p.Direction == Short && price.GreaterThanOrEqual(sl)) {
			return ExitStopLoss, true
		}
	}
	if p.TakeProfit.Valid {
		tp := p.TakeProfit.Decimal
		if (p.Direction == Long && price.GreaterThanOrEqual(tp)) || (p.Direction == Short && price.LessThanOrEqual(tp)) {
			return ExitTakeProfit, true
		}
	}
	return "", false
}

// ExitReason explains why a position closed
type ExitReason string

const (
	ExitAgentDecision ExitReason = "agent_decision"
	ExitStopLoss      ExitReason = "stop_loss"
	ExitTakeProfit    ExitReason = "take_profit"
	ExitDiscarded     ExitReason = "discarded"
)

func (r ExitReason) Protective() bool {
	return r == ExitStopLoss || r == ExitTakeProfit
}

// Trade is a closed position. Never updated after insert.
type Trade struct {
	ID          uuid.UUID       `db:"id"`
	AgentID     uuid.UUID       `db:"agent_id"`
	PositionID  uuid.UUID       `db:"position_id"`
	Symbol      string          `db:"symbol"`
	Direction   Direction       `db:"direction"`
	EntryPrice  decimal.Decimal `db:"entry_price"`
	ExitPrice   decimal.Decimal `db:"exit_price"`
	Size        decimal.Decimal `db:"size"`
	RealizedPnL decimal.Decimal `db:"realized_pnl"`
	ReturnPct   decimal.Decimal `db:"return_pct"`
	ExitReason  ExitReason      `db:"exit_reason"`
	OpenedAt    time.Time       `db:"opened_at"`
	ClosedAt    time.Time       `db:"closed_at"`
}

// Duration of the trade
func (t *Trade) Duration() time.Duration {
	return t.ClosedAt.Sub(t.OpenedAt)
}

// CostBasis of the closed position
func (t *Trade) CostBasis() decimal.Decimal {
	return t.EntryPrice.Mul(t.Size)
}

// IsWin reports a strictly positive realized pnl
func (t *Trade) IsWin() bool {
	return t.RealizedPnL.IsPositive()
}

// CloseAt builds the trade record for closing p at price
func CloseAt(p *Position, price decimal.Decimal, reason ExitReason, at time.Time) *Trade {
	pnl := p.PnL(price)
	ret := decimal.Zero
	if basis := p.CostBasis(); basis.IsPositive() {
		ret = pnl.Div(basis)
	}
	return &Trade{
		ID:          uuid.New(),
		AgentID:     p.AgentID,
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Direction:   p.Direction,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   price,
		Size:        p.Size,
		RealizedPnL: pnl,
		ReturnPct:   ret,
		ExitReason:  reason,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    at,
	}
}

// Change is one all-or-nothing write: the new portfolio row plus the positions and trades it implies
type Change struct {
	Portfolio *Portfolio
	Opened    *Position
	Closed    []*Position
	Trades    []*Trade
}

// AlertKind classifies an equity alert
type AlertKind string

const (
	AlertHigh     AlertKind = "high"
	AlertLow      AlertKind = "low"
	AlertDrawdown AlertKind = "drawdown"
)

// EquityAlert is an observational threshold crossing; it never affects trading
type EquityAlert struct {
	AgentID   uuid.UUID
	Kind      AlertKind
	Equity    decimal.Decimal
	Threshold decimal.Decimal // milestone level, or the drawdown fraction for drawdown alerts
	Drawdown  decimal.Decimal
	At        time.Time
}
