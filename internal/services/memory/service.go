package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentfleet/internal/domain/decision"
	"agentfleet/internal/domain/memory"
	"agentfleet/internal/domain/portfolio"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// DefaultMaxLength bounds a rendered cycle note when no limit is configured
const DefaultMaxLength = 1000

// CycleSummary is what happened in one cycle, as the agent should remember it
type CycleSummary struct {
	CycleID     uuid.UUID
	Outcome     decision.Outcome
	Action      decision.TradeAction
	Rejection   string // validation or portfolio reason when the action degraded to hold
	FailureKind string
	Opened      *portfolio.Position
	Closed      []*portfolio.Trade // protective and decision closes
	Equity      decimal.Decimal
	At          time.Time
}

// Service is the per-agent append-only memory log plus fleet lessons
type Service struct {
	repo      memory.Repository
	maxLength int
	log       *logger.Logger
}

// NewService creates a memory service. maxLength is in runes.
func NewService(repo memory.Repository, maxLength int) *Service {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Service{
		repo:      repo,
		maxLength: maxLength,
		log:       logger.Get().With("component", "memory"),
	}
}

// Record appends a note about the cycle. Entries are never edited or deduplicated.
func (s *Service) Record(ctx context.Context, agentID uuid.UUID, sum CycleSummary) (*memory.Entry, error) {
	kind := memory.KindCycle
	if sum.Opened != nil || len(sum.Closed) > 0 {
		kind = memory.KindTrade
	}
	at := sum.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	e := &memory.Entry{
		ID:        uuid.New(),
		AgentID:   agentID,
		CycleID:   sum.CycleID,
		Kind:      kind,
		Content:   truncate(render(sum), s.maxLength),
		Symbol:    sum.Action.Symbol,
		CreatedAt: at,
	}
	if err := s.repo.Append(ctx, e); err != nil {
		return nil, errors.Wrap(err, "append memory")
	}
	return e, nil
}

// RecordEvolution remembers a strategy change so later prompts can refer to it
func (s *Service) RecordEvolution(ctx context.Context, agentID uuid.UUID, note string) error {
	e := &memory.Entry{
		ID:        uuid.New(),
		AgentID:   agentID,
		Kind:      memory.KindEvolution,
		Content:   truncate(note, s.maxLength),
		CreatedAt: time.Now().UTC(),
	}
	return errors.Wrap(s.repo.Append(ctx, e), "append evolution memory")
}

// Recall returns the most recent entries, newest first
func (s *Service) Recall(ctx context.Context, agentID uuid.UUID, limit int) ([]*memory.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := s.repo.Recent(ctx, agentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recall memories")
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// RecordLesson stores a fleet lesson for the archetype
func (s *Service) RecordLesson(ctx context.Context, l *memory.Lesson) error {
	if l.Archetype == "" || l.Content == "" {
		return errors.Wrap(errors.ErrInvalidInput, "lesson needs archetype and content")
	}
	now := time.Now().UTC()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.Content = truncate(l.Content, s.maxLength)
	l.IsActive = true
	l.CreatedAt = now
	l.UpdatedAt = now

	if err := s.repo.CreateLesson(ctx, l); err != nil {
		return errors.Wrap(err, "create lesson")
	}
	s.log.Infow("lesson recorded", "archetype", l.Archetype, "category", l.Category, "lesson_id", l.ID)
	return nil
}

// Lessons returns active lessons for the archetype, newest first
func (s *Service) Lessons(ctx context.Context, archetype string, limit int) ([]*memory.Lesson, error) {
	if limit <= 0 {
		return nil, nil
	}
	lessons, err := s.repo.ActiveLessons(ctx, archetype, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list lessons")
	}
	return lessons, nil
}

// RetireLesson hides a lesson from future contexts. The row is kept.
func (s *Service) RetireLesson(ctx context.Context, id uuid.UUID) error {
	return errors.Wrap(s.repo.DeactivateLesson(ctx, id), "retire lesson")
}

func render(sum CycleSummary) string {
	var b strings.Builder

	for _, t := range sum.Closed {
		fmt.Fprintf(&b, "closed %s %s @ %s (%s), pnl %s. ",
			t.Direction, t.Symbol, t.ExitPrice.String(), t.ExitReason, t.RealizedPnL.StringFixed(2))
	}

	a := sum.Action
	switch sum.Outcome {
	case decision.OutcomeExecuted:
		if sum.Opened != nil {
			fmt.Fprintf(&b, "opened %s %s size %s @ %s", sum.Opened.Direction, sum.Opened.Symbol,
				sum.Opened.Size.String(), sum.Opened.EntryPrice.String())
		} else {
			fmt.Fprintf(&b, "%s %s @ %s", a.Kind, a.Symbol, a.Price.String())
		}
	case decision.OutcomeHeld:
		b.WriteString("held")
	case decision.OutcomeRejected:
		fmt.Fprintf(&b, "wanted %s %s, rejected: %s", a.Kind, a.Symbol, sum.Rejection)
	case decision.OutcomeFailed:
		fmt.Fprintf(&b, "cycle failed (%s)", sum.FailureKind)
	case decision.OutcomeSkipped:
		b.WriteString("engine disabled, skipped")
	}

	if a.Reasoning != "" && sum.Outcome != decision.OutcomeFailed {
		b.WriteString(": ")
		b.WriteString(a.Reasoning)
	}
	if !sum.Equity.IsZero() {
		fmt.Fprintf(&b, " [equity %s]", sum.Equity.StringFixed(2))
	}
	return strings.TrimSpace(b.String())
}

// truncate cuts s to limit runes, marking the cut with an ellipsis
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	if limit <= 1 {
		return string(runes[:limit])
	}
	return string(runes[:limit-1]) + "…"
}
