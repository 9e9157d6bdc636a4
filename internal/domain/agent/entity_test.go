package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionCeiling(t *testing.T) {
	tests := []struct {
		configured int
		want       int
	}{
		{0, FleetMaxPositions},
		{5, 5},
		{20, 20},
		{50, FleetMaxPositions},
	}
	for _, tt := range tests {
		a := &Agent{MaxPositions: tt.configured}
		assert.Equal(t, tt.want, a.PositionCeiling(), "configured=%d", tt.configured)
	}
}

func TestDiscardIsTerminal(t *testing.T) {
	now := time.Now()
	a := &Agent{Status: StatusActive}

	require.NoError(t, a.Discard("drawdown 55%", now))
	assert.Equal(t, StatusDiscarded, a.Status)
	require.NotNil(t, a.DiscardReason)
	assert.Equal(t, "drawdown 55%", *a.DiscardReason)

	assert.Error(t, a.Discard("again", now))
	assert.Error(t, a.SetStatus(StatusActive, now))
}

func TestValidate(t *testing.T) {
	ok := &Agent{Name: "momo", Archetype: "momentum", Engine: EngineLLM, Model: "gpt-4o-mini"}
	assert.NoError(t, ok.Validate())

	noModel := *ok
	noModel.Model = ""
	assert.Error(t, noModel.Validate())

	rule := &Agent{Name: "r", Archetype: "mean_reversion", Engine: EngineRule}
	assert.NoError(t, rule.Validate())

	assert.Error(t, (&Agent{Name: "x", Archetype: "y", Engine: "quantum"}).Validate())
}
