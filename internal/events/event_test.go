package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agentfleet/internal/adapters/kafka"
	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/portfolio"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	args := m.Called(ctx, topic, key, value, headers)
	return args.Error(0)
}

func testAgent() *agent.Agent {
	return &agent.Agent{ID: uuid.New(), PublicID: "agt_1", Name: "momentum-1", Engine: agent.EngineRule}
}

func closedTrade(a *agent.Agent) *portfolio.Trade {
	opened := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	pos := &portfolio.Position{
		ID: uuid.New(), AgentID: a.ID, Symbol: "AAA", Direction: portfolio.Long,
		EntryPrice: decimal.NewFromInt(100), Size: decimal.NewFromInt(10), OpenedAt: opened,
	}
	return portfolio.CloseAt(pos, decimal.NewFromInt(120), portfolio.ExitTakeProfit, opened.Add(2*time.Hour))
}

func TestSummary(t *testing.T) {
	a := testAgent()

	t.Run("trade closed", func(t *testing.T) {
		e := TradeClosed(a, closedTrade(a))
		assert.Equal(t, "momentum-1 closed long AAA @ 120, pnl +200 (+20%) after 2 hours [take profit]", e.Summary())
	})

	t.Run("drawdown alert", func(t *testing.T) {
		e := EquityAlert(a, &portfolio.EquityAlert{
			Kind: portfolio.AlertDrawdown, Equity: decimal.NewFromInt(8500),
			Threshold: decimal.NewFromFloat(0.15), Drawdown: decimal.NewFromFloat(0.15),
		})
		assert.Equal(t, "momentum-1 drawdown 15%, equity 8,500", e.Summary())
	})

	t.Run("evolution", func(t *testing.T) {
		e := Evolution(a, EvolutionReverted, 2, 1, decimal.NewFromFloat(-0.08), "window return below threshold", time.Now())
		assert.Equal(t, "momentum-1 reverted strategy v2 -> v1 (window return -8%): window return below threshold", e.Summary())
	})
}

func TestKafkaNotifier_EncodesStruct(t *testing.T) {
	a := testAgent()
	e := TradeClosed(a, closedTrade(a))

	pub := &mockPublisher{}
	var payload []byte
	pub.On("Publish", mock.Anything, "notifications", a.ID.String(), mock.Anything, mock.MatchedBy(func(h map[string]string) bool {
		return h[kafka.HeaderEventKind] == string(KindTradeClosed) && h[kafka.HeaderEngine] == "rule"
	})).Run(func(args mock.Arguments) {
		payload = args.Get(3).([]byte)
	}).Return(nil)

	require.NoError(t, NewKafkaNotifier(pub, "notifications").Notify(context.Background(), e))
	pub.AssertExpectations(t)

	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.AgentID, decoded.AgentID)
	assert.Equal(t, KindTradeClosed, decoded.Kind)
	assert.True(t, e.OccurredAt.Equal(decoded.OccurredAt))
	assert.Equal(t, "take_profit", decoded.Fields["exit_reason"])
	assert.Equal(t, float64(7200), decoded.Fields["duration_sec"])
}

func TestBestEffort_SwallowsFailures(t *testing.T) {
	rec := &Recorder{Err: errors.New("broker down")}
	n := NewBestEffort(rec, time.Second)

	assert.NoError(t, n.Notify(context.Background(), AgentDiscarded(testAgent(), "drawdown", time.Now())))
	assert.Empty(t, rec.Events())
}

func TestBestEffort_DeliversAfterCallerCancel(t *testing.T) {
	rec := &Recorder{}
	n := NewBestEffort(rec, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, n.Notify(ctx, AgentDiscarded(testAgent(), "loss streak", time.Now())))
	assert.Len(t, rec.OfKind(KindAgentDiscarded), 1)
}
