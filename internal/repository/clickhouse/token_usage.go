package clickhouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"agentfleet/internal/domain/tokenusage"
	"agentfleet/pkg/clickhouse"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// Compile-time check
var _ tokenusage.Recorder = (*TokenUsageRepository)(nil)

// TokenUsageRepository buffers usage rows and writes them with the native batch protocol
type TokenUsageRepository struct {
	conn   driver.Conn
	writer *clickhouse.BatchWriter[*tokenusage.Usage]
	log    *logger.Logger
}

// NewTokenUsageRepository creates the repository. Call Start to enable periodic flushes.
func NewTokenUsageRepository(conn driver.Conn, batchSize int, flushInterval time.Duration) *TokenUsageRepository {
	r := &TokenUsageRepository{
		conn: conn,
		log:  logger.Get().With("component", "token_usage_repository"),
	}
	r.writer = clickhouse.NewBatchWriter(clickhouse.Config[*tokenusage.Usage]{
		Flush:     r.flush,
		TableName: "agent_token_usage",
		MaxBatch:  batchSize,
		MaxAge:    flushInterval,
	})
	return r
}

// Start begins the background flush loop
func (r *TokenUsageRepository) Start(ctx context.Context) {
	r.writer.Start(ctx)
}

// Stop flushes what is buffered
func (r *TokenUsageRepository) Stop(ctx context.Context) error {
	return r.writer.Stop(ctx)
}

// Record buffers one row
func (r *TokenUsageRepository) Record(ctx context.Context, u *tokenusage.Usage) error {
	return r.writer.Add(ctx, u)
}

func (r *TokenUsageRepository) flush(ctx context.Context, batch []*tokenusage.Usage) error {
	stmt, err := r.conn.PrepareBatch(ctx, `INSERT INTO agent_token_usage`)
	if err != nil {
		return errors.Wrap(err, "prepare token usage batch")
	}
	defer stmt.Close()

	for _, u := range batch {
		if err := stmt.AppendStruct(u); err != nil {
			r.log.Warnw("skipping malformed usage row", "event_id", u.EventID, "error", err)
			continue
		}
	}

	if err := stmt.Send(); err != nil {
		return errors.Wrap(err, "send token usage batch")
	}
	return nil
}
