package evolution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/services/contextbuilder"
)

// Window is the slice of trading history an evaluation looks at
type Window struct {
	Trades    []*portfolio.Trade // last trades since the active version took over, oldest first
	Return    decimal.Decimal    // Σ realized pnl / Σ cost basis
	Wins      int
	Stats     contextbuilder.PerformanceStats
	Requested bool // an external evolution request is pending
	Full      bool // the window size was reached
}

// Policy decides whether a strategy that is not being reverted should move forward
type Policy interface {
	ShouldEvolve(w Window) (bool, string)
}

// PolicyFunc adapts a function to Policy
type PolicyFunc func(w Window) (bool, string)

func (f PolicyFunc) ShouldEvolve(w Window) (bool, string) { return f(w) }

// DefaultPolicy evolves a version that kept earning, or one somebody asked to change
type DefaultPolicy struct {
	MinReturn decimal.Decimal
	MinWins   int
}

var _ Policy = DefaultPolicy{}

func (p DefaultPolicy) ShouldEvolve(w Window) (bool, string) {
	if w.Requested {
		return true, "external evolution request"
	}
	if !w.Full {
		return false, fmt.Sprintf("%d trades in window", len(w.Trades))
	}
	if w.Return.LessThan(p.MinReturn) {
		return false, fmt.Sprintf("window return %s below %s", pct(w.Return), pct(p.MinReturn))
	}
	if w.Wins < p.MinWins {
		return false, fmt.Sprintf("%d wins, need %d", w.Wins, p.MinWins)
	}
	return true, fmt.Sprintf("window return %s with %d wins", pct(w.Return), w.Wins)
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

// windowReturn is realized pnl over the capital the trades tied up
func windowReturn(trades []*portfolio.Trade) (decimal.Decimal, int) {
	pnl, basis := decimal.Zero, decimal.Zero
	wins := 0
	for _, t := range trades {
		pnl = pnl.Add(t.RealizedPnL)
		basis = basis.Add(t.CostBasis())
		if t.IsWin() {
			wins++
		}
	}
	if !basis.IsPositive() {
		return decimal.Zero, wins
	}
	return pnl.Div(basis), wins
}
