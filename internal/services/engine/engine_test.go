package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agentfleet/internal/adapters/ai"
	"agentfleet/internal/domain/agent"
	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/memory"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/internal/domain/prompt"
	"agentfleet/internal/services/contextbuilder"
	pfsvc "agentfleet/internal/services/portfolio"
	"agentfleet/internal/testsupport"
	"agentfleet/pkg/errors"
)

type mockChat struct {
	mock.Mock
}

func (m *mockChat) Provider() ai.ProviderName { return ai.ProviderNameOpenAI }

func (m *mockChat) Complete(ctx context.Context, req ai.CompletionRequest) (*ai.CompletionResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*ai.CompletionResponse)
	return resp, args.Error(1)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testContext(params string, positions ...pfsvc.PositionView) *contextbuilder.Context {
	snap := testsupport.Snapshot(
		testsupport.Rank("AAA", 0.9, 100),
		testsupport.Rank("BBB", 0.5, 50),
		testsupport.Rank("CCC", 0.1, 20),
		testsupport.Rank("ZZZ", -0.8, 10),
	)
	return &contextbuilder.Context{
		CycleID:  uuid.New(),
		Agent:    &agent.Agent{ID: uuid.New(), Name: "a", Engine: agent.EngineRule, Model: "gpt-4o-mini"},
		Prompt:   &prompt.Prompt{Version: 3, Content: "ride momentum", Parameters: json.RawMessage(params)},
		Snapshot: snap,
		Ranks:    snap.Top(3),
		Portfolio: &pfsvc.Summary{
			Cash:        dec("10000"),
			Equity:      dec("10000"),
			InitialCash: dec("10000"),
			Positions:   positions,
		},
	}
}

func TestLLMEngine_Decide(t *testing.T) {
	ctx := context.Background()

	t.Run("structured answer", func(t *testing.T) {
		chat := &mockChat{}
		chat.On("Complete", mock.Anything, mock.MatchedBy(func(req ai.CompletionRequest) bool {
			return req.Model == "gpt-4o-mini" && req.Schema == actionSchema &&
				req.SchemaName == "trade_action" &&
				req.User != "" && strings.Contains(req.System, "ride momentum")
		})).Return(&ai.CompletionResponse{
			Content:  "```json\n{\"action\":\"open_long\",\"symbol\":\"aaa\",\"size\":5,\"stop_loss\":95,\"take_profit\":null,\"confidence\":0.8,\"reasoning\":\"top ranked\"}\n```",
			Model:    "gpt-4o-mini-2024-07-18",
			Provider: ai.ProviderNameOpenAI,
			Usage:    ai.Usage{InputTokens: 1200, OutputTokens: 80},
		}, nil).Once()

		e := NewLLMEngine(chat, LLMConfig{DefaultModel: "gpt-4o"})
		resp, err := e.Decide(ctx, testContext(""))
		require.NoError(t, err)
		chat.AssertExpectations(t)

		assert.Equal(t, decision.ActionOpenLong, resp.Action.Kind)
		assert.Equal(t, "AAA", resp.Action.Symbol)
		assert.True(t, dec("5").Equal(resp.Action.Size))
		assert.True(t, resp.Action.StopLoss.Valid)
		assert.False(t, resp.Action.TakeProfit.Valid)
		assert.Equal(t, int64(1280), resp.Usage.Total())
		assert.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model)
	})

	t.Run("non-positive levels are kept", func(t *testing.T) {
		chat := &mockChat{}
		chat.On("Complete", mock.Anything, mock.Anything).Return(&ai.CompletionResponse{
			Content: `{"action":"open_short","symbol":"AAA","size":1,"stop_loss":-5,"take_profit":0,"confidence":0.4,"reasoning":"fade"}`,
		}, nil).Once()

		resp, err := NewLLMEngine(chat, LLMConfig{}).Decide(ctx, testContext(""))
		require.NoError(t, err)
		require.True(t, resp.Action.StopLoss.Valid)
		assert.True(t, dec("-5").Equal(resp.Action.StopLoss.Decimal))
		require.True(t, resp.Action.TakeProfit.Valid)
		assert.True(t, resp.Action.TakeProfit.Decimal.IsZero())
	})

	t.Run("garbage keeps usage", func(t *testing.T) {
		chat := &mockChat{}
		chat.On("Complete", mock.Anything, mock.Anything).Return(&ai.CompletionResponse{
			Content: "I think you should buy",
			Usage:   ai.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil).Once()

		resp, err := NewLLMEngine(chat, LLMConfig{}).Decide(ctx, testContext(""))
		assert.True(t, errors.Is(err, errors.ErrEngineError))
		require.NotNil(t, resp)
		assert.Equal(t, int64(15), resp.Usage.Total())
	})

	t.Run("vendor error passes through", func(t *testing.T) {
		chat := &mockChat{}
		chat.On("Complete", mock.Anything, mock.Anything).Return(nil, errors.ErrUnavailable).Once()

		_, err := NewLLMEngine(chat, LLMConfig{}).Decide(ctx, testContext(""))
		assert.True(t, errors.Is(err, errors.ErrUnavailable))
	})
}

func TestLLMEngine_Evolve(t *testing.T) {
	chat := &mockChat{}
	chat.On("Complete", mock.Anything, mock.MatchedBy(func(req ai.CompletionRequest) bool {
		return req.Schema == evolutionSchema && strings.Contains(req.User, "stops too tight")
	})).Return(&ai.CompletionResponse{
		Content: `{"prompt":"ride momentum, wider stops","rationale":"stops were hit on noise"}`,
		Model:   "gpt-4o",
		Usage:   ai.Usage{InputTokens: 500, OutputTokens: 60},
	}, nil).Once()

	current := &prompt.Prompt{AgentID: uuid.New(), Version: 2, Content: "ride momentum", Parameters: json.RawMessage(`{"x":1}`)}
	proposal, err := NewLLMEngine(chat, LLMConfig{DefaultModel: "gpt-4o"}).Evolve(context.Background(), EvolutionRequest{
		Agent:    &agent.Agent{ID: current.AgentID},
		Current:  current,
		Memories: []*memory.Entry{{Content: "stops too tight"}},
	})
	require.NoError(t, err)
	chat.AssertExpectations(t)
	assert.Equal(t, "ride momentum, wider stops", proposal.Content)
	assert.Equal(t, "stops were hit on noise", proposal.Rationale)
	assert.JSONEq(t, `{"x":1}`, string(proposal.Parameters))
}

func TestRuleEngine_Decide(t *testing.T) {
	ctx := context.Background()
	e := NewRuleEngine()

	t.Run("opens the best candidate with protective levels", func(t *testing.T) {
		resp, err := e.Decide(ctx, testContext(""))
		require.NoError(t, err)
		a := resp.Action
		assert.Equal(t, decision.ActionOpenLong, a.Kind)
		assert.Equal(t, "AAA", a.Symbol)
		// 10% of 10000 at 100
		assert.True(t, dec("10").Equal(a.Size))
		assert.True(t, dec("95").Equal(a.StopLoss.Decimal))
		assert.True(t, dec("110").Equal(a.TakeProfit.Decimal))
		assert.Equal(t, ai.ProviderNameLocal, resp.Provider)
	})

	t.Run("skips protected and held symbols", func(t *testing.T) {
		c := testContext(`{"entry_score":0.4}`, pfsvc.PositionView{Symbol: "BBB", Direction: portfolio.Long, Size: dec("1")})
		c.ProtectedSymbols = []string{"AAA"}
		resp, err := e.Decide(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, decision.ActionHold, resp.Action.Kind)
	})

	t.Run("closes a long that lost its score", func(t *testing.T) {
		c := testContext("", pfsvc.PositionView{Symbol: "CCC", Direction: portfolio.Long, Size: dec("3")})
		resp, err := e.Decide(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, decision.ActionClose, resp.Action.Kind)
		assert.Equal(t, "CCC", resp.Action.Symbol)
	})

	t.Run("shorts only when allowed", func(t *testing.T) {
		c := testContext(`{"entry_score":0.95,"allow_shorts":true}`)
		resp, err := e.Decide(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, decision.ActionHold, resp.Action.Kind)

		c = testContext(`{"entry_score":0.75,"allow_shorts":true}`)
		c.ProtectedSymbols = []string{"AAA"}
		resp, err = e.Decide(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, decision.ActionOpenShort, resp.Action.Kind)
		assert.Equal(t, "ZZZ", resp.Action.Symbol)
		assert.True(t, resp.Action.StopLoss.Decimal.GreaterThan(dec("10")))
	})

	t.Run("bad parameters", func(t *testing.T) {
		_, err := e.Decide(ctx, testContext(`{"entry_score":"high"}`))
		assert.True(t, errors.Is(err, errors.ErrEngineError))
	})
}

func TestRuleEngine_Evolve(t *testing.T) {
	e := NewRuleEngine()
	current := &prompt.Prompt{Version: 1, Content: "rules", Parameters: json.RawMessage(`{"entry_score":0.7,"risk_fraction":0.1}`)}

	tests := []struct {
		name  string
		req   EvolutionRequest
		check func(t *testing.T, p RuleParams)
	}{
		{
			name: "losing gets pickier",
			req:  EvolutionRequest{Current: current, Stats: contextbuilder.PerformanceStats{TradeCount: 10, WinRate: 0.3}},
			check: func(t *testing.T, p RuleParams) {
				assert.InDelta(t, 0.75, p.EntryScore, 1e-9)
				assert.InDelta(t, 0.04, p.StopPct, 1e-9)
			},
		},
		{
			name: "winning sizes up",
			req:  EvolutionRequest{Current: current, Stats: contextbuilder.PerformanceStats{TradeCount: 10, WinRate: 0.7}, WindowReturn: dec("0.05")},
			check: func(t *testing.T, p RuleParams) {
				assert.InDelta(t, 0.11, p.RiskFraction, 1e-9)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proposal, err := e.Evolve(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, "rules", proposal.Content)
			assert.NotEmpty(t, proposal.Rationale)

			p, err := ParseRuleParams(proposal.Parameters)
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

func TestSet(t *testing.T) {
	s := NewSet(NewRuleEngine())
	e, err := s.For(agent.EngineRule)
	require.NoError(t, err)
	assert.Equal(t, agent.EngineRule, e.Kind())

	_, err = s.For(agent.EngineLLM)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}
