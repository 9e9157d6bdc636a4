package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"context", Wrap(ErrContextUnavailable, "ranking snapshot"), "context_unavailable"},
		{"timeout", Wrapf(ErrEngineTimeout, "after %d attempts", 2), "engine_timeout"},
		{"engine", ErrEngineError, "engine_error"},
		{"funds", fmt.Errorf("open AAA: %w", ErrInsufficientFunds), "insufficient_funds"},
		{"fleet limit", ErrFleetPositionLimit, "position_limit"},
		{"storage", Storage(New("connection reset"), "insert trade"), "storage"},
		{"validation", NewValidationError("size", "must be positive", 0), "invalid_input"},
		{"unknown", New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestStorageKeepsCause(t *testing.T) {
	cause := New("deadlock detected")
	err := Storage(cause, "apply change")

	assert.True(t, Is(err, ErrStorage))
	assert.True(t, Is(err, cause))
	assert.Nil(t, Storage(nil, "noop"))
}

func TestIsPortfolioRejection(t *testing.T) {
	assert.True(t, IsPortfolioRejection(Wrap(ErrNoOpenPosition, "close BBB")))
	assert.True(t, IsPortfolioRejection(ErrPositionLimit))
	assert.False(t, IsPortfolioRejection(Storage(New("x"), "y")))
	assert.False(t, IsPortfolioRejection(nil))
}
