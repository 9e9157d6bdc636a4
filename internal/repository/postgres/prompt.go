package postgres

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"agentfleet/internal/domain/prompt"
	"agentfleet/pkg/errors"
)

// Compile-time check
var _ prompt.Repository = (*PromptRepository)(nil)

// PromptRepository implements prompt.Repository.
// agent_prompts is append-only; agent_prompt_pointers holds the active version per agent.
type PromptRepository struct {
	db DBTX
}

// NewPromptRepository creates a new prompt repository
func NewPromptRepository(db DBTX) *PromptRepository {
	return &PromptRepository{db: db}
}

const promptColumns = `
	p.id, p.agent_id, p.version, p.content, p.parameters, p.parent_version,
	p.origin, p.rationale, p.created_at`

// Active returns the version the pointer targets
func (r *PromptRepository) Active(ctx context.Context, agentID uuid.UUID) (*prompt.Prompt, error) {
	var p prompt.Prompt
	query := `
		SELECT` + promptColumns + `
		FROM agent_prompt_pointers ptr
		JOIN agent_prompts p ON p.agent_id = ptr.agent_id AND p.version = ptr.active_version
		WHERE ptr.agent_id = $1`

	if err := r.db.GetContext(ctx, &p, query, agentID); err != nil {
		return nil, notFound(err, "active prompt for %s", agentID)
	}
	return &p, nil
}

// GetVersion returns one stored version
func (r *PromptRepository) GetVersion(ctx context.Context, agentID uuid.UUID, version int) (*prompt.Prompt, error) {
	var p prompt.Prompt
	query := `SELECT` + promptColumns + ` FROM agent_prompts p WHERE p.agent_id = $1 AND p.version = $2`

	if err := r.db.GetContext(ctx, &p, query, agentID, version); err != nil {
		return nil, notFound(err, "prompt v%d for %s", version, agentID)
	}
	return &p, nil
}

// History returns every version, oldest first
func (r *PromptRepository) History(ctx context.Context, agentID uuid.UUID) ([]*prompt.Prompt, error) {
	var prompts []*prompt.Prompt
	query := `SELECT` + promptColumns + ` FROM agent_prompts p WHERE p.agent_id = $1 ORDER BY p.version`

	if err := r.db.SelectContext(ctx, &prompts, query, agentID); err != nil {
		return nil, errors.Wrap(err, "prompt history")
	}
	return prompts, nil
}

// AppendAndActivate stores p as the next version and points the agent at it in one transaction
func (r *PromptRepository) AppendAndActivate(ctx context.Context, p *prompt.Prompt, act *prompt.Activation) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	params := p.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	return withTx(ctx, r.db, func(db DBTX) error {
		// the row lock on the pointer serializes concurrent appends for one agent
		if _, err := db.ExecContext(ctx, `
			INSERT INTO agent_prompt_pointers (agent_id, active_version, updated_at)
			VALUES ($1, 0, $2)
			ON CONFLICT (agent_id) DO NOTHING`, p.AgentID, p.CreatedAt); err != nil {
			return errors.Wrap(err, "ensure prompt pointer")
		}
		if _, err := db.ExecContext(ctx,
			`SELECT 1 FROM agent_prompt_pointers WHERE agent_id = $1 FOR UPDATE`, p.AgentID); err != nil {
			return errors.Wrap(err, "lock prompt pointer")
		}

		query := `
			INSERT INTO agent_prompts (
				id, agent_id, version, content, parameters, parent_version, origin, rationale, created_at
			)
			SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6, $7, $8
			FROM agent_prompts WHERE agent_id = $2
			RETURNING version`

		err := db.QueryRowContext(ctx, query,
			p.ID, p.AgentID, p.Content, string(params), p.ParentVersion, p.Origin, p.Rationale, p.CreatedAt,
		).Scan(&p.Version)
		if err != nil {
			return errors.Wrap(err, "insert prompt version")
		}

		act.ToVersion = p.Version
		return activate(ctx, db, act)
	})
}

// Activate moves the pointer to an existing version
func (r *PromptRepository) Activate(ctx context.Context, act *prompt.Activation) error {
	return withTx(ctx, r.db, func(db DBTX) error {
		var exists bool
		err := db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM agent_prompts WHERE agent_id = $1 AND version = $2)`,
			act.AgentID, act.ToVersion)
		if err != nil {
			return errors.Wrap(err, "check prompt version")
		}
		if !exists {
			return errors.Wrapf(errors.ErrNotFound, "prompt v%d for %s", act.ToVersion, act.AgentID)
		}
		return activate(ctx, db, act)
	})
}

func activate(ctx context.Context, db DBTX, act *prompt.Activation) error {
	if act.ID == uuid.Nil {
		act.ID = uuid.New()
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO agent_prompt_pointers (agent_id, active_version, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET active_version = EXCLUDED.active_version, updated_at = EXCLUDED.updated_at`,
		act.AgentID, act.ToVersion, act.CreatedAt); err != nil {
		return errors.Wrap(err, "move prompt pointer")
	}

	query := `
		INSERT INTO agent_prompt_activations (id, agent_id, from_version, to_version, kind, reason, created_at)
		VALUES (:id, :agent_id, :from_version, :to_version, :kind, :reason, :created_at)`
	if _, err := db.NamedExecContext(ctx, query, act); err != nil {
		return errors.Wrap(err, "insert prompt activation")
	}
	return nil
}

// LastActivation returns the latest pointer move
func (r *PromptRepository) LastActivation(ctx context.Context, agentID uuid.UUID) (*prompt.Activation, error) {
	var a prompt.Activation
	query := `
		SELECT id, agent_id, from_version, to_version, kind, reason, created_at
		FROM agent_prompt_activations
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	if err := r.db.GetContext(ctx, &a, query, agentID); err != nil {
		return nil, notFound(err, "activation for %s", agentID)
	}
	return &a, nil
}
