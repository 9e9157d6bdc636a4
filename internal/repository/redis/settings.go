package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"agentfleet/pkg/errors"
)

// SettingsKey is the hash operators edit to flip runtime switches
const SettingsKey = "fleet:settings"

// SettingsRepository reads and writes the runtime settings hash
type SettingsRepository struct {
	client *redis.Client
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(client *redis.Client) *SettingsRepository {
	return &SettingsRepository{client: client}
}

// Load returns every field of the hash; an absent hash is an empty map
func (r *SettingsRepository) Load(ctx context.Context) (map[string]string, error) {
	values, err := r.client.HGetAll(ctx, SettingsKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load fleet settings")
	}
	return values, nil
}

// Set writes one field
func (r *SettingsRepository) Set(ctx context.Context, field, value string) error {
	if err := r.client.HSet(ctx, SettingsKey, field, value).Err(); err != nil {
		return errors.Wrapf(err, "failed to set fleet setting %s", field)
	}
	return nil
}
