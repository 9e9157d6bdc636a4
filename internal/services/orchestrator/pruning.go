package orchestrator

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PruningPolicy discards agents that lost too much. Zero thresholds disable a rule.
type PruningPolicy struct {
	MaxDrawdown   decimal.Decimal // fraction of peak equity, e.g. 0.5
	MaxLossStreak int
}

// Check returns the metric label and the human reason when the agent must go
func (p PruningPolicy) Check(drawdown decimal.Decimal, lossStreak int) (label, reason string, discard bool) {
	if p.MaxDrawdown.IsPositive() && drawdown.GreaterThanOrEqual(p.MaxDrawdown) {
		return "drawdown", fmt.Sprintf("drawdown %s%% reached limit %s%%",
			drawdown.Mul(decimal.NewFromInt(100)).StringFixed(2),
			p.MaxDrawdown.Mul(decimal.NewFromInt(100)).StringFixed(2)), true
	}
	if p.MaxLossStreak > 0 && lossStreak >= p.MaxLossStreak {
		return "loss_streak", fmt.Sprintf("%d consecutive losing trades (limit %d)", lossStreak, p.MaxLossStreak), true
	}
	return "", "", false
}
