package postgres

import (
	"context"

	"github.com/google/uuid"

	"agentfleet/internal/domain/memory"
	"agentfleet/pkg/errors"
)

// Compile-time check
var _ memory.Repository = (*MemoryRepository)(nil)

// MemoryRepository implements memory.Repository for agent memories and fleet lessons
type MemoryRepository struct {
	db DBTX
}

// NewMemoryRepository creates a new memory repository
func NewMemoryRepository(db DBTX) *MemoryRepository {
	return &MemoryRepository{db: db}
}

// Append inserts a memory entry
func (r *MemoryRepository) Append(ctx context.Context, e *memory.Entry) error {
	query := `
		INSERT INTO agent_memories (id, agent_id, cycle_id, kind, content, symbol, created_at)
		VALUES (:id, :agent_id, :cycle_id, :kind, :content, :symbol, :created_at)`

	if _, err := r.db.NamedExecContext(ctx, query, e); err != nil {
		return errors.Wrap(err, "insert memory")
	}
	return nil
}

// Recent returns the newest entries first
func (r *MemoryRepository) Recent(ctx context.Context, agentID uuid.UUID, limit int) ([]*memory.Entry, error) {
	var entries []*memory.Entry
	query := `
		SELECT id, agent_id, cycle_id, kind, content, symbol, created_at
		FROM agent_memories
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &entries, query, agentID, limit); err != nil {
		return nil, errors.Wrap(err, "recent memories")
	}
	return entries, nil
}

// CreateLesson inserts a fleet lesson
func (r *MemoryRepository) CreateLesson(ctx context.Context, l *memory.Lesson) error {
	query := `
		INSERT INTO fleet_lessons (
			id, archetype, category, content, confidence, source_agent_id, is_active, created_at, updated_at
		) VALUES (
			:id, :archetype, :category, :content, :confidence, :source_agent_id, :is_active, :created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, l); err != nil {
		return errors.Wrap(err, "insert lesson")
	}
	return nil
}

// ActiveLessons returns active lessons of the archetype, newest first
func (r *MemoryRepository) ActiveLessons(ctx context.Context, archetype string, limit int) ([]*memory.Lesson, error) {
	var lessons []*memory.Lesson
	query := `
		SELECT id, archetype, category, content, confidence, source_agent_id, is_active, created_at, updated_at
		FROM fleet_lessons
		WHERE archetype = $1 AND is_active
		ORDER BY created_at DESC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &lessons, query, archetype, limit); err != nil {
		return nil, errors.Wrap(err, "active lessons")
	}
	return lessons, nil
}

// DeactivateLesson soft-deletes a lesson
func (r *MemoryRepository) DeactivateLesson(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE fleet_lessons SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "deactivate lesson")
	}
	return requireRow(res, "lesson %s", id)
}
