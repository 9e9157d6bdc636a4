package market

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// SymbolRank is one record of the ranking pipeline
type SymbolRank struct {
	Symbol     string          `json:"symbol"`
	Score      float64         `json:"score"`
	Price      decimal.Decimal `json:"price"`
	Highlights []string        `json:"highlights"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Snapshot is the ranking of one timeframe plus the latest prices.
// Prices may cover symbols that are no longer ranked but still held.
type Snapshot struct {
	Timeframe   string                     `json:"timeframe"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Ranks       []SymbolRank               `json:"ranks"`
	Prices      map[string]decimal.Decimal `json:"prices"`
}

// Price returns the latest known price for symbol
func (s *Snapshot) Price(symbol string) (decimal.Decimal, bool) {
	if p, ok := s.Prices[symbol]; ok && p.IsPositive() {
		return p, true
	}
	for _, r := range s.Ranks {
		if r.Symbol == symbol && r.Price.IsPositive() {
			return r.Price, true
		}
	}
	return decimal.Zero, false
}

// Top returns the n highest scores, best first
func (s *Snapshot) Top(n int) []SymbolRank {
	ranks := make([]SymbolRank, len(s.Ranks))
	copy(ranks, s.Ranks)
	slices.SortStableFunc(ranks, func(a, b SymbolRank) int { return cmp.Compare(b.Score, a.Score) })
	if n > 0 && len(ranks) > n {
		ranks = ranks[:n]
	}
	return ranks
}

// Rank returns the record for symbol
func (s *Snapshot) Rank(symbol string) (SymbolRank, bool) {
	for _, r := range s.Ranks {
		if r.Symbol == symbol {
			return r, true
		}
	}
	return SymbolRank{}, false
}

// Age of the snapshot at now
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.GeneratedAt)
}

// Source is the read-only ranking pipeline output
type Source interface {
	Latest(ctx context.Context, timeframe string) (*Snapshot, error)
}
