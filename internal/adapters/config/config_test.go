package config

import (
	"testing"

	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/pkg/errors"
)

func TestFleetConfigDefaults(t *testing.T) {
	var cfg FleetConfig
	require.NoError(t, envconfig.Process("", &cfg))

	assert.Equal(t, 2, cfg.EngineMaxAttempts)
	assert.Equal(t, 10, cfg.EvaluationWindow)
	assert.Equal(t, -0.05, cfg.RevertThreshold)
	assert.True(t, cfg.OnePositionPerSymbol)
	assert.NoError(t, cfg.Validate())
}

func TestFleetConfigValidate(t *testing.T) {
	var base FleetConfig
	require.NoError(t, envconfig.Process("", &base))

	tests := []struct {
		name   string
		mutate func(c *FleetConfig)
	}{
		{"no workers", func(c *FleetConfig) { c.Workers = 0 }},
		{"no attempts", func(c *FleetConfig) { c.EngineMaxAttempts = 0 }},
		{"positive revert threshold", func(c *FleetConfig) { c.RevertThreshold = 0.1 }},
		{"unknown limiter", func(c *FleetConfig) { c.EngineLimiter = "memcached" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidInput))
		})
	}
}

func TestDSN(t *testing.T) {
	c := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "fleet", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=fleet sslmode=disable", c.DSN())
	assert.Equal(t, "cache:6379", RedisConfig{Host: "cache", Port: 6379}.Addr())
}
