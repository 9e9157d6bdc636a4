package contextbuilder

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"agentfleet/internal/domain/portfolio"
)

// PerformanceStats summarises closed trades over the lookback
type PerformanceStats struct {
	TradeCount  int             `json:"trade_count"`
	Wins        int             `json:"wins"`
	WinRate     float64         `json:"win_rate"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	TotalReturn float64         `json:"total_return"` // realized pnl over initial cash
	AvgReturn   float64         `json:"avg_trade_return"`
	Volatility  float64         `json:"return_volatility"`
	Sharpe      float64         `json:"sharpe"` // per trade, not annualised
	MaxDrawdown float64         `json:"max_drawdown"`
	LossStreak  int             `json:"loss_streak"` // consecutive losses ending at the latest trade
}

// ComputeStats derives performance from trades ordered oldest first
func ComputeStats(trades []*portfolio.Trade, initialCash decimal.Decimal) PerformanceStats {
	s := PerformanceStats{TradeCount: len(trades), RealizedPnL: decimal.Zero}
	if len(trades) == 0 {
		return s
	}

	returns := make([]float64, 0, len(trades))
	equity := initialCash
	peak := initialCash
	maxDD := decimal.Zero

	for _, t := range trades {
		if t.IsWin() {
			s.Wins++
			s.LossStreak = 0
		} else if t.RealizedPnL.IsNegative() {
			s.LossStreak++
		}
		s.RealizedPnL = s.RealizedPnL.Add(t.RealizedPnL)
		returns = append(returns, t.ReturnPct.InexactFloat64())

		equity = equity.Add(t.RealizedPnL)
		peak = decimal.Max(peak, equity)
		maxDD = decimal.Max(maxDD, portfolio.Drawdown(peak, equity))
	}

	s.WinRate = float64(s.Wins) / float64(len(trades))
	if initialCash.IsPositive() {
		s.TotalReturn = s.RealizedPnL.Div(initialCash).InexactFloat64()
	}
	s.MaxDrawdown = maxDD.InexactFloat64()
	s.AvgReturn = stat.Mean(returns, nil)
	if len(returns) > 1 {
		s.Volatility = stat.StdDev(returns, nil)
		if s.Volatility > 0 && !math.IsNaN(s.Volatility) {
			s.Sharpe = s.AvgReturn / s.Volatility
		}
	}
	return s
}
