package memory

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores memory entries and fleet lessons
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	// Recent returns the newest entries first
	Recent(ctx context.Context, agentID uuid.UUID, limit int) ([]*Entry, error)

	CreateLesson(ctx context.Context, l *Lesson) error
	// ActiveLessons returns active lessons for the archetype, newest first
	ActiveLessons(ctx context.Context, archetype string, limit int) ([]*Lesson, error)
	DeactivateLesson(ctx context.Context, id uuid.UUID) error
}
