package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentfleet/internal/domain/agent"
	"agentfleet/pkg/errors"
)

// Compile-time check
var _ agent.Repository = (*AgentRepository)(nil)

// AgentRepository implements agent.Repository
type AgentRepository struct {
	db DBTX
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(db DBTX) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `
	id, public_id, name, archetype, engine, model, status, max_positions,
	last_cycle_at, discarded_at, discard_reason, created_at, updated_at`

// Create inserts a new agent
func (r *AgentRepository) Create(ctx context.Context, a *agent.Agent) error {
	query := `
		INSERT INTO agents (
			id, public_id, name, archetype, engine, model, status, max_positions,
			last_cycle_at, discarded_at, discard_reason, created_at, updated_at
		) VALUES (
			:id, :public_id, :name, :archetype, :engine, :model, :status, :max_positions,
			:last_cycle_at, :discarded_at, :discard_reason, :created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, a); err != nil {
		return errors.Wrap(err, "insert agent")
	}
	return nil
}

// GetByID retrieves agent by ID
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*agent.Agent, error) {
	var a agent.Agent
	query := `SELECT` + agentColumns + ` FROM agents WHERE id = $1`

	if err := r.db.GetContext(ctx, &a, query, id); err != nil {
		return nil, notFound(err, "agent %s", id)
	}
	return &a, nil
}

// List returns every agent, oldest first
func (r *AgentRepository) List(ctx context.Context) ([]*agent.Agent, error) {
	var agents []*agent.Agent
	query := `SELECT` + agentColumns + ` FROM agents ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &agents, query); err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	return agents, nil
}

// ListActive returns agents eligible for cycle triggers
func (r *AgentRepository) ListActive(ctx context.Context) ([]*agent.Agent, error) {
	var agents []*agent.Agent
	query := `SELECT` + agentColumns + ` FROM agents WHERE status = 'active' ORDER BY created_at`

	if err := r.db.SelectContext(ctx, &agents, query); err != nil {
		return nil, errors.Wrap(err, "list active agents")
	}
	return agents, nil
}

// Touch updates the heartbeat
func (r *AgentRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET last_cycle_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return errors.Wrap(err, "touch agent")
	}
	return requireRow(res, "agent %s", id)
}

// SetStatus switches between active and paused; discarded agents are left untouched
func (r *AgentRepository) SetStatus(ctx context.Context, id uuid.UUID, status agent.Status, at time.Time) error {
	if status == agent.StatusDiscarded || !status.Valid() {
		return errors.Wrapf(errors.ErrInvalidInput, "status %q cannot be set directly", status)
	}

	query := `
		UPDATE agents SET status = $2, updated_at = $3
		WHERE id = $1 AND status <> 'discarded'`

	res, err := r.db.ExecContext(ctx, query, id, status, at)
	if err != nil {
		return errors.Wrap(err, "set agent status")
	}
	return requireRow(res, "agent %s (or discarded)", id)
}

// Discard moves the agent to the terminal state. Repeating it keeps the first reason.
func (r *AgentRepository) Discard(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	query := `
		UPDATE agents
		SET status = 'discarded', discarded_at = $2, discard_reason = $3, updated_at = $2
		WHERE id = $1 AND status <> 'discarded'`

	if _, err := r.db.ExecContext(ctx, query, id, at, reason); err != nil {
		return errors.Wrap(err, "discard agent")
	}
	return nil
}
