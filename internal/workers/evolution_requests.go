package workers

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"agentfleet/internal/adapters/kafka"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// EvolutionRequester queues an out-of-band evolution for an agent
type EvolutionRequester interface {
	Request(agentID uuid.UUID)
}

// MessageSource is the consuming half of a topic
type MessageSource interface {
	Consume(ctx context.Context, handle kafka.Handler) error
}

// EvolutionRequestListener turns messages like {"agent_id": "..."} into evolution requests.
// The request is honored on the agent's next cycle.
type EvolutionRequestListener struct {
	source    MessageSource
	requester EvolutionRequester
	log       *logger.Logger
}

var _ Listener = (*EvolutionRequestListener)(nil)

func NewEvolutionRequestListener(source MessageSource, requester EvolutionRequester) *EvolutionRequestListener {
	return &EvolutionRequestListener{
		source:    source,
		requester: requester,
		log:       logger.Get().With("component", "evolution_requests"),
	}
}

func (l *EvolutionRequestListener) Name() string { return "evolution_requests" }

func (l *EvolutionRequestListener) Listen(ctx context.Context) error {
	return l.source.Consume(ctx, l.handle)
}

type evolutionRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

func (l *EvolutionRequestListener) handle(_ context.Context, msg kafka.Message) error {
	var req evolutionRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "decode evolution request: %v", err)
	}

	id, err := uuid.Parse(req.AgentID)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "agent_id %q: %v", req.AgentID, err)
	}

	l.requester.Request(id)
	l.log.Infow("evolution requested", "agent_id", id, "reason", req.Reason)
	return nil
}
