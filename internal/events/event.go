package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/portfolio"
)

// Kind of a notification event
type Kind string

const (
	KindTradeOpened    Kind = "trade_opened"
	KindTradeClosed    Kind = "trade_closed"
	KindEquityAlert    Kind = "equity_alert"
	KindEvolution      Kind = "evolution"
	KindAgentDiscarded Kind = "agent_discarded"
)

// EvolutionKind tells which way the strategy moved
type EvolutionKind string

const (
	EvolutionEvolved  EvolutionKind = "evolved"
	EvolutionReverted EvolutionKind = "reverted"
)

// Event is a flat record handed to the delivery collaborator.
// Field values are strings, float64, int64 or bool so any encoder can carry them.
type Event struct {
	ID            uuid.UUID
	Kind          Kind
	AgentID       uuid.UUID
	AgentPublicID string
	AgentName     string
	Engine        string
	Fields        map[string]any
	OccurredAt    time.Time
}

func newEvent(kind Kind, a *agent.Agent, at time.Time, fields map[string]any) Event {
	return Event{
		ID:            uuid.New(),
		Kind:          kind,
		AgentID:       a.ID,
		AgentPublicID: a.PublicID,
		AgentName:     a.Name,
		Engine:        a.Engine.String(),
		Fields:        fields,
		OccurredAt:    at,
	}
}

// TradeOpened reports a new position
func TradeOpened(a *agent.Agent, p *portfolio.Position) Event {
	fields := map[string]any{
		"symbol":      p.Symbol,
		"direction":   p.Direction.String(),
		"size":        p.Size.String(),
		"entry_price": p.EntryPrice.String(),
		"cost_basis":  p.CostBasis().String(),
	}
	if p.StopLoss.Valid {
		fields["stop_loss"] = p.StopLoss.Decimal.String()
	}
	if p.TakeProfit.Valid {
		fields["take_profit"] = p.TakeProfit.Decimal.String()
	}
	return newEvent(KindTradeOpened, a, p.OpenedAt, fields)
}

// TradeClosed reports a closed position, by decision or protective exit
func TradeClosed(a *agent.Agent, t *portfolio.Trade) Event {
	return newEvent(KindTradeClosed, a, t.ClosedAt, map[string]any{
		"symbol":       t.Symbol,
		"direction":    t.Direction.String(),
		"size":         t.Size.String(),
		"entry_price":  t.EntryPrice.String(),
		"exit_price":   t.ExitPrice.String(),
		"realized_pnl": t.RealizedPnL.String(),
		"return_pct":   t.ReturnPct.InexactFloat64(),
		"exit_reason":  string(t.ExitReason),
		"duration_sec": int64(t.Duration().Seconds()),
	})
}

// EquityAlert reports a milestone or drawdown crossing
func EquityAlert(a *agent.Agent, alert *portfolio.EquityAlert) Event {
	return newEvent(KindEquityAlert, a, alert.At, map[string]any{
		"alert":     string(alert.Kind),
		"equity":    alert.Equity.String(),
		"threshold": alert.Threshold.String(),
		"drawdown":  alert.Drawdown.InexactFloat64(),
	})
}

// Evolution reports a strategy version change
func Evolution(a *agent.Agent, kind EvolutionKind, fromVersion, toVersion int, windowReturn decimal.Decimal, reason string, at time.Time) Event {
	return newEvent(KindEvolution, a, at, map[string]any{
		"evolution":     string(kind),
		"from_version":  int64(fromVersion),
		"to_version":    int64(toVersion),
		"window_return": windowReturn.InexactFloat64(),
		"reason":        reason,
	})
}

// AgentDiscarded reports the terminal pruning of an agent
func AgentDiscarded(a *agent.Agent, reason string, at time.Time) Event {
	return newEvent(KindAgentDiscarded, a, at, map[string]any{
		"reason": reason,
	})
}

// Summary is a one-line human readable description
func (e Event) Summary() string {
	s := func(key string) string {
		v, _ := e.Fields[key].(string)
		return v
	}
	f := func(key string) float64 {
		switch v := e.Fields[key].(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		case string:
			d, err := decimal.NewFromString(v)
			if err != nil {
				return 0
			}
			return d.InexactFloat64()
		}
		return 0
	}

	switch e.Kind {
	case KindTradeOpened:
		return fmt.Sprintf("%s opened %s %s %s @ %s (cost %s)",
			e.AgentName, s("direction"), s("symbol"), s("size"), s("entry_price"),
			humanize.CommafWithDigits(f("cost_basis"), 2))
	case KindTradeClosed:
		took := time.Duration(f("duration_sec")) * time.Second
		return fmt.Sprintf("%s closed %s %s @ %s, pnl %s (%s) after %s [%s]",
			e.AgentName, s("direction"), s("symbol"), s("exit_price"),
			signed(f("realized_pnl")), percent(f("return_pct")),
			strings.TrimSpace(humanize.RelTime(e.OccurredAt.Add(-took), e.OccurredAt, "", "")),
			strings.ReplaceAll(s("exit_reason"), "_", " "))
	case KindEquityAlert:
		if s("alert") == string(portfolio.AlertDrawdown) {
			return fmt.Sprintf("%s drawdown %s%%, equity %s",
				e.AgentName, humanize.FtoaWithDigits(f("drawdown")*100, 2), humanize.CommafWithDigits(f("equity"), 2))
		}
		return fmt.Sprintf("%s equity %s milestone %s, equity %s",
			e.AgentName, s("alert"), humanize.CommafWithDigits(f("threshold"), 2), humanize.CommafWithDigits(f("equity"), 2))
	case KindEvolution:
		return fmt.Sprintf("%s %s strategy v%d -> v%d (window return %s): %s",
			e.AgentName, s("evolution"), int64(f("from_version")), int64(f("to_version")),
			percent(f("window_return")), s("reason"))
	case KindAgentDiscarded:
		return fmt.Sprintf("%s discarded: %s", e.AgentName, s("reason"))
	}
	return fmt.Sprintf("%s %s", e.AgentName, e.Kind)
}

func signed(v float64) string {
	if v > 0 {
		return "+" + humanize.CommafWithDigits(v, 2)
	}
	return humanize.CommafWithDigits(v, 2)
}

func percent(v float64) string {
	sign := ""
	if v > 0 {
		sign = "+"
	}
	return sign + humanize.FtoaWithDigits(v*100, 2) + "%"
}
