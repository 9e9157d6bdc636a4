package portfolio

import (
	"github.com/shopspring/decimal"

	"agentfleet/internal/domain/market"
	"agentfleet/internal/domain/portfolio"
)

// PositionView is an open position marked at the current price
type PositionView struct {
	Symbol        string              `json:"symbol"`
	Direction     portfolio.Direction `json:"direction"`
	Size          decimal.Decimal     `json:"size"`
	EntryPrice    decimal.Decimal     `json:"entry_price"`
	Price         decimal.Decimal     `json:"price"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
	StopLoss      decimal.NullDecimal `json:"stop_loss"`
	TakeProfit    decimal.NullDecimal `json:"take_profit"`
	Stale         bool                `json:"stale,omitempty"` // no current price, marked at entry
}

// Summary is the portfolio state an engine reasons over
type Summary struct {
	Cash          decimal.Decimal `json:"cash"`
	Equity        decimal.Decimal `json:"equity"`
	InitialCash   decimal.Decimal `json:"initial_cash"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PeakEquity    decimal.Decimal `json:"peak_equity"`
	Drawdown      decimal.Decimal `json:"drawdown"`
	Positions     []PositionView  `json:"positions"`
}

// OpenCount is the number of open positions
func (s *Summary) OpenCount() int {
	return len(s.Positions)
}

// Holds reports whether a position on symbol is open
func (s *Summary) Holds(symbol string) (PositionView, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return PositionView{}, false
}

func summarize(p *portfolio.Portfolio, positions []*portfolio.Position, snap *market.Snapshot) *Summary {
	s := &Summary{
		Cash:          p.Cash,
		InitialCash:   p.InitialCash,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: decimal.Zero,
		Positions:     make([]PositionView, 0, len(positions)),
	}

	equity := p.Cash
	for _, pos := range positions {
		price, ok := decimal.Zero, false
		if snap != nil {
			price, ok = snap.Price(pos.Symbol)
		}
		if !ok {
			price = pos.EntryPrice
		}
		pnl := pos.PnL(price)

		s.UnrealizedPnL = s.UnrealizedPnL.Add(pnl)
		equity = equity.Add(pos.MarketValue(price))
		s.Positions = append(s.Positions, PositionView{
			Symbol:        pos.Symbol,
			Direction:     pos.Direction,
			Size:          pos.Size,
			EntryPrice:    pos.EntryPrice,
			Price:         price,
			UnrealizedPnL: pnl,
			StopLoss:      pos.StopLoss,
			TakeProfit:    pos.TakeProfit,
			Stale:         !ok,
		})
	}

	s.Equity = equity
	s.PeakEquity = decimal.Max(p.PeakEquity, equity)
	s.Drawdown = portfolio.Drawdown(s.PeakEquity, equity)
	return s
}
