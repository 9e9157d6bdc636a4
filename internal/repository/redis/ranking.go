package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"agentfleet/internal/domain/market"
	"agentfleet/pkg/errors"
)

// Compile-time check
var _ market.Source = (*RankingRepository)(nil)

// RankingRepository reads the snapshots the ranking pipeline publishes to Redis
type RankingRepository struct {
	client *redis.Client
}

// NewRankingRepository creates a new ranking repository
func NewRankingRepository(client *redis.Client) *RankingRepository {
	return &RankingRepository{client: client}
}

// Latest returns the current snapshot of the timeframe
func (r *RankingRepository) Latest(ctx context.Context, timeframe string) (*market.Snapshot, error) {
	data, err := r.client.Get(ctx, rankingKey(timeframe)).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "no ranking snapshot for timeframe=%s", timeframe)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get ranking snapshot: timeframe=%s", timeframe)
	}

	var snap market.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal ranking snapshot: timeframe=%s", timeframe)
	}
	if snap.Timeframe == "" {
		snap.Timeframe = timeframe
	}
	return &snap, nil
}

// Publish stores a snapshot. The fleet only reads; this serves seeding and tests.
func (r *RankingRepository) Publish(ctx context.Context, snap *market.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "failed to marshal ranking snapshot")
	}
	if err := r.client.Set(ctx, rankingKey(snap.Timeframe), data, 0).Err(); err != nil {
		return errors.Wrapf(err, "failed to store ranking snapshot: timeframe=%s", snap.Timeframe)
	}
	return nil
}

func rankingKey(timeframe string) string {
	return fmt.Sprintf("rankings:%s", timeframe)
}
