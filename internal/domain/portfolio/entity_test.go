package portfolio

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPosition_PnLAndMarketValue(t *testing.T) {
	long := &Position{Direction: Long, EntryPrice: d("100"), Size: d("10")}
	assert.True(t, d("200").Equal(long.PnL(d("120"))))
	assert.True(t, d("1200").Equal(long.MarketValue(d("120"))))

	short := &Position{Direction: Short, EntryPrice: d("100"), Size: d("10")}
	assert.True(t, d("200").Equal(short.PnL(d("80"))))
	assert.True(t, d("1200").Equal(short.MarketValue(d("80"))))
	assert.True(t, d("-100").Equal(short.PnL(d("110"))))
	// a short cannot lose more than its collateral
	assert.True(t, d("-1000").Equal(short.PnL(d("350"))))
	assert.True(t, short.MarketValue(d("350")).IsZero())
}

func TestPosition_ProtectiveTrigger(t *testing.T) {
	long := &Position{
		Direction:  Long,
		EntryPrice: d("100"),
		StopLoss:   decimal.NewNullDecimal(d("95")),
		TakeProfit: decimal.NewNullDecimal(d("110")),
	}
	short := &Position{
		Direction:  Short,
		EntryPrice: d("100"),
		StopLoss:   decimal.NewNullDecimal(d("105")),
		TakeProfit: decimal.NewNullDecimal(d("90")),
	}

	tests := []struct {
		name   string
		pos    *Position
		price  string
		reason ExitReason
		hit    bool
	}{
		{"long inside band", long, "100", "", false},
		{"long stop", long, "95", ExitStopLoss, true},
		{"long target", long, "111", ExitTakeProfit, true},
		{"short inside band", short, "100", "", false},
		{"short stop", short, "106", ExitStopLoss, true},
		{"short target", short, "90", ExitTakeProfit, true},
		{"no levels", &Position{Direction: Long, EntryPrice: d("1")}, "0.5", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, hit := tt.pos.ProtectiveTrigger(d(tt.price))
			assert.Equal(t, tt.hit, hit)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestCloseAt(t *testing.T) {
	opened := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &Position{ID: uuid.New(), AgentID: uuid.New(), Symbol: "AAA", Direction: Long, EntryPrice: d("100"), Size: d("10"), OpenedAt: opened}

	tr := CloseAt(p, d("120"), ExitAgentDecision, opened.Add(90*time.Minute))

	assert.True(t, d("200").Equal(tr.RealizedPnL))
	assert.True(t, d("0.2").Equal(tr.ReturnPct))
	assert.Equal(t, 90*time.Minute, tr.Duration())
	assert.Equal(t, p.ID, tr.PositionID)
	assert.True(t, tr.IsWin())
}

func TestDrawdown(t *testing.T) {
	assert.True(t, d("0.25").Equal(Drawdown(d("1000"), d("750"))))
	assert.True(t, Drawdown(d("1000"), d("1200")).IsZero())
	assert.True(t, Drawdown(decimal.Zero, d("10")).IsZero())
}
