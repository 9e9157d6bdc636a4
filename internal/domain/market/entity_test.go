package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSnapshot(t *testing.T) {
	now := time.Now()
	s := &Snapshot{
		Timeframe:   "1h",
		GeneratedAt: now.Add(-30 * time.Minute),
		Ranks: []SymbolRank{
			{Symbol: "BBB", Score: 0.2, Price: decimal.NewFromInt(50)},
			{Symbol: "AAA", Score: 0.9, Price: decimal.NewFromInt(100)},
			{Symbol: "CCC", Score: -0.4, Price: decimal.NewFromInt(10)},
		},
		Prices: map[string]decimal.Decimal{"DDD": decimal.NewFromInt(7), "AAA": decimal.NewFromInt(101)},
	}

	top := s.Top(2)
	assert.Equal(t, []string{"AAA", "BBB"}, []string{top[0].Symbol, top[1].Symbol})
	assert.Len(t, s.Ranks, 3)
	assert.Equal(t, "BBB", s.Ranks[0].Symbol)

	p, ok := s.Price("AAA")
	assert.True(t, ok)
	assert.True(t, decimal.NewFromInt(101).Equal(p), "price map wins over rank price")

	p, ok = s.Price("DDD")
	assert.True(t, ok)
	assert.Equal(t, "7", p.String())

	_, ok = s.Price("ZZZ")
	assert.False(t, ok)

	assert.Equal(t, 30*time.Minute, s.Age(now))
}
