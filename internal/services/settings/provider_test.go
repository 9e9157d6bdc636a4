package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeStore struct {
	values map[string]string
	err    error
}

func (f *fakeStore) Load(context.Context) (map[string]string, error) {
	return f.values, f.err
}

func TestProvider_Current(t *testing.T) {
	defaults := Settings{LLMEnabled: true, LessonsEnabled: true, EvolutionEnabled: true}
	ctx := context.Background()

	t.Run("nil store serves defaults", func(t *testing.T) {
		assert.Equal(t, defaults, NewProvider(nil, defaults).Current(ctx))
	})

	t.Run("overrides are overlaid", func(t *testing.T) {
		store := &fakeStore{values: map[string]string{FieldLLMEnabled: "false", FieldLessonsEnabled: "nonsense"}}
		got := NewProvider(store, defaults).Current(ctx)
		assert.False(t, got.LLMEnabled)
		assert.True(t, got.LessonsEnabled)
		assert.True(t, got.EvolutionEnabled)
	})

	t.Run("failure serves last good value", func(t *testing.T) {
		store := &fakeStore{values: map[string]string{FieldEvolutionEnabled: "0"}}
		p := NewProvider(store, defaults)
		assert.False(t, p.Current(ctx).EvolutionEnabled)

		store.err = errors.New("redis down")
		assert.False(t, p.Current(ctx).EvolutionEnabled)
	})

	t.Run("failure without history serves defaults", func(t *testing.T) {
		p := NewProvider(&fakeStore{err: errors.New("redis down")}, defaults)
		assert.Equal(t, defaults, p.Current(ctx))
	})
}
