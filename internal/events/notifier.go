package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"agentfleet/internal/adapters/kafka"
	"agentfleet/internal/metrics"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// Notifier hands events to the delivery collaborator
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Publisher is the part of the kafka producer the notifier needs
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// KafkaNotifier publishes events as google.protobuf.Struct keyed by agent id
type KafkaNotifier struct {
	producer Publisher
	topic    string
}

// NewKafkaNotifier creates a notifier writing to topic
func NewKafkaNotifier(producer Publisher, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

// Notify encodes and publishes one event
func (n *KafkaNotifier) Notify(ctx context.Context, e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}

	headers := map[string]string{
		kafka.HeaderEventKind: string(e.Kind),
		kafka.HeaderEngine:    e.Engine,
		kafka.HeaderEncoding:  kafka.EncodingProtobufStruct,
	}
	if err := n.producer.Publish(ctx, n.topic, e.AgentID.String(), data, headers); err != nil {
		return errors.Wrapf(err, "publish %s event", e.Kind)
	}
	return nil
}

// Encode serializes an event as a protobuf Struct
func Encode(e Event) ([]byte, error) {
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}

	s, err := structpb.NewStruct(map[string]any{
		"id":              e.ID.String(),
		"kind":            string(e.Kind),
		"agent_id":        e.AgentID.String(),
		"agent_public_id": e.AgentPublicID,
		"agent_name":      e.AgentName,
		"engine":          e.Engine,
		"occurred_at":     e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"summary":         e.Summary(),
		"fields":          fields,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "build %s event struct", e.Kind)
	}

	data, err := proto.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshal protobuf")
	}
	return data, nil
}

// Decode parses what Encode produced. Numbers come back as float64.
func Decode(data []byte) (Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Event{}, errors.Wrap(err, "unmarshal protobuf")
	}
	m := s.AsMap()

	str := func(key string) string {
		v, _ := m[key].(string)
		return v
	}

	e := Event{
		Kind:          Kind(str("kind")),
		AgentPublicID: str("agent_public_id"),
		AgentName:     str("agent_name"),
		Engine:        str("engine"),
	}

	var err error
	if e.ID, err = uuid.Parse(str("id")); err != nil {
		return Event{}, errors.Wrap(err, "parse event id")
	}
	if e.AgentID, err = uuid.Parse(str("agent_id")); err != nil {
		return Event{}, errors.Wrap(err, "parse agent id")
	}
	if e.OccurredAt, err = time.Parse(time.RFC3339Nano, str("occurred_at")); err != nil {
		return Event{}, errors.Wrap(err, "parse occurred_at")
	}
	e.Fields, _ = m["fields"].(map[string]any)
	return e, nil
}

// BestEffort wraps a Notifier so delivery failures are logged and never returned
type BestEffort struct {
	next    Notifier
	timeout time.Duration
	log     *logger.Logger
}

// NewBestEffort wraps next. Each delivery gets its own timeout.
func NewBestEffort(next Notifier, timeout time.Duration) *BestEffort {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BestEffort{
		next:    next,
		timeout: timeout,
		log:     logger.Get().With("component", "notifier"),
	}
}

// Notify delivers e and always returns nil
func (b *BestEffort) Notify(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	err := b.next.Notify(ctx, e)
	metrics.RecordNotification(string(e.Kind), err)
	if err != nil {
		b.log.Warnw("notification dropped",
			"kind", e.Kind,
			"agent_id", e.AgentID,
			"error", err,
		)
	}
	return nil
}

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Notify stores e, or returns Err when set
func (r *Recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind filters recorded events
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
