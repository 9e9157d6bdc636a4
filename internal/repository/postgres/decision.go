package postgres

import (
	"context"

	"github.com/google/uuid"

	"agentfleet/internal/domain/decision"
	"agentfleet/pkg/errors"
)

// Compile-time check
var _ decision.Repository = (*DecisionRepository)(nil)

// DecisionRepository implements decision.Repository.
// agent_decisions is range partitioned by created_at; rows are never updated.
type DecisionRepository struct {
	db DBTX
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(db DBTX) *DecisionRepository {
	return &DecisionRepository{db: db}
}

const decisionColumns = `
	id, agent_id, cycle_id, prompt_version, engine, model,
	action, symbol, size, price, confidence, reasoning,
	valid, reject_code, reject_reason,
	outcome, failure_kind, error,
	attempts, input_tokens, output_tokens, cost_usd, latency_ms,
	created_at`

// Create appends one decision row
func (r *DecisionRepository) Create(ctx context.Context, d *decision.Decision) error {
	query := `
		INSERT INTO agent_decisions (` + decisionColumns + `)
		VALUES (
			:id, :agent_id, :cycle_id, :prompt_version, :engine, :model,
			:action, :symbol, :size, :price, :confidence, :reasoning,
			:valid, :reject_code, :reject_reason,
			:outcome, :failure_kind, :error,
			:attempts, :input_tokens, :output_tokens, :cost_usd, :latency_ms,
			:created_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, d); err != nil {
		return errors.Wrap(err, "insert decision")
	}
	return nil
}

// ListRecent returns the latest decisions, newest first
func (r *DecisionRepository) ListRecent(ctx context.Context, agentID uuid.UUID, limit int) ([]*decision.Decision, error) {
	var decisions []*decision.Decision
	query := `
		SELECT` + decisionColumns + `
		FROM agent_decisions
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &decisions, query, agentID, limit); err != nil {
		return nil, errors.Wrap(err, "list decisions")
	}
	return decisions, nil
}
