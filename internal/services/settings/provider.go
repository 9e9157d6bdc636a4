package settings

import (
	"context"
	"strconv"
	"sync"

	"agentfleet/pkg/logger"
)

// Hash fields operators may set
const (
	FieldLLMEnabled       = "llm_enabled"
	FieldLessonsEnabled   = "lessons_enabled"
	FieldEvolutionEnabled = "evolution_enabled"
)

// Settings are the runtime switches read once per cycle and passed down explicitly
type Settings struct {
	LLMEnabled       bool
	LessonsEnabled   bool
	EvolutionEnabled bool
}

// Store returns the raw overrides
type Store interface {
	Load(ctx context.Context) (map[string]string, error)
}

// Provider overlays store values on configured defaults.
// When the store fails the last good value is served.
type Provider struct {
	store    Store
	defaults Settings
	log      *logger.Logger

	mu       sync.Mutex
	last     Settings
	haveLast bool
}

// NewProvider creates a provider. A nil store always yields defaults.
func NewProvider(store Store, defaults Settings) *Provider {
	return &Provider{
		store:    store,
		defaults: defaults,
		log:      logger.Get().With("component", "settings"),
	}
}

// Current refreshes and returns the settings
func (p *Provider) Current(ctx context.Context) Settings {
	if p.store == nil {
		return p.defaults
	}

	values, err := p.store.Load(ctx)
	if err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.log.Warnw("settings refresh failed, serving last known values", "error", err, "have_last", p.haveLast)
		if p.haveLast {
			return p.last
		}
		return p.defaults
	}

	s := p.defaults
	s.LLMEnabled = p.flag(values, FieldLLMEnabled, s.LLMEnabled)
	s.LessonsEnabled = p.flag(values, FieldLessonsEnabled, s.LessonsEnabled)
	s.EvolutionEnabled = p.flag(values, FieldEvolutionEnabled, s.EvolutionEnabled)

	p.mu.Lock()
	p.last, p.haveLast = s, true
	p.mu.Unlock()
	return s
}

func (p *Provider) flag(values map[string]string, field string, fallback bool) bool {
	raw, ok := values[field]
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.log.Warnw("ignoring malformed setting", "field", field, "value", raw)
		return fallback
	}
	return v
}
