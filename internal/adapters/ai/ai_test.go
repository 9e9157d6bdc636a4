package ai

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/pkg/errors"
)

func TestRateTable_Estimate(t *testing.T) {
	table := DefaultRateTable()

	cost, ok := table.Estimate("gpt-4o-mini", 2000, 1000)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("0.0009").Equal(cost), cost.String())

	t.Run("dated snapshot resolves to family", func(t *testing.T) {
		dated, ok := table.Estimate("gpt-4o-mini-2024-07-18", 2000, 1000)
		require.True(t, ok)
		assert.True(t, cost.Equal(dated))
	})

	t.Run("unknown model is free", func(t *testing.T) {
		c, ok := table.Estimate("mystery-model", 1000, 1000)
		assert.False(t, ok)
		assert.True(t, c.IsZero())
	})
}

func TestProviderForModel(t *testing.T) {
	assert.Equal(t, ProviderNameGoogle, ProviderForModel("gemini-2.0-flash"))
	assert.Equal(t, ProviderNameOpenAI, ProviderForModel("gpt-4o"))
}

func TestSchema_Render(t *testing.T) {
	s := &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"action":    {Type: "string", Enum: []string{"hold", "close"}},
			"stop_loss": {Type: "number", Nullable: true},
		},
		Required: []string{"action"},
	}

	js := s.JSONSchema()
	assert.Equal(t, "object", js["type"])
	assert.Equal(t, false, js["additionalProperties"])
	props := js["properties"].(map[string]any)
	assert.Equal(t, []string{"number", "null"}, props["stop_loss"].(map[string]any)["type"])

	g := s.GenAI()
	assert.Equal(t, "OBJECT", string(g.Type))
	assert.Equal(t, []string{"hold", "close"}, g.Properties["action"].Enum)
	require.NotNil(t, g.Properties["stop_loss"].Nullable)
	assert.True(t, *g.Properties["stop_loss"].Nullable)
}

type stubClient struct {
	provider ProviderName
	got      CompletionRequest
}

func (s *stubClient) Provider() ProviderName { return s.provider }

func (s *stubClient) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.got = req
	return &CompletionResponse{Content: "{}", Provider: s.provider, Model: req.Model}, nil
}

func TestRouter(t *testing.T) {
	oa := &stubClient{provider: ProviderNameOpenAI}
	router := NewRouter("gpt-4o-mini", oa, nil)

	resp, err := router.Complete(context.Background(), CompletionRequest{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resp.Model)

	_, err = router.Complete(context.Background(), CompletionRequest{Model: "gemini-2.0-flash"})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestLocalLimiter_Wait(t *testing.T) {
	l := NewLocalLimiter(60, 1)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Equal(t, 60.0, l.Limit())
}
