// Package queue is the durable broker interface. It wraps NATS JetStream
// with the four streams the platform uses, confirmed publishes, and a
// durable shared consumer group for workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sony/gobreaker"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// Stream names
const (
	StreamTaskQueue    = "TASK_QUEUE"
	StreamTaskResults  = "TASK_RESULTS"
	StreamTaskEvents   = "TASK_EVENTS"
	StreamWorkerEvents = "WORKER_EVENTS"
)

// Stream limits. Messages age out after a day; the duplicate window lets
// producers retry a publish with the same message id safely.
const (
	streamMaxMessages     = 100_000
	streamMaxBytes        = 100 * 1024 * 1024
	streamMaxAge          = 24 * time.Hour
	streamDuplicateWindow = 120 * time.Second
)

// Consumer group settings for the shared task-workers consumer
const (
	ConsumerGroup   = "task-workers"
	consumerAckWait = 5 * time.Minute
	// One initial delivery plus three redeliveries
	consumerMaxDeliver = 4
)

// TaskQueuer enqueues work items
type TaskQueuer interface {
	EnqueueTask(ctx context.Context, task QueuedTask) error
}

// EventPublisher publishes lifecycle events
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType events.Type, payload interface{}) error
}

// ResultPublisher publishes terminal results
type ResultPublisher interface {
	PublishResult(ctx context.Context, result TaskResultMessage) error
}

// Manager owns the broker connection and stream topology
type Manager struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	source  string
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

// NewManager connects to the broker. The source string identifies this
// process in every event it publishes.
func NewManager(url, source string, logger observability.Logger) (*Manager, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, "connect to broker", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, taskerrors.Wrap(taskerrors.KindQueue, "create jetstream context", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "queue-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	logger.Info("Connected to broker", map[string]interface{}{"url": url})

	return &Manager{
		nc:      nc,
		js:      js,
		source:  source,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Initialize creates the four streams if they do not exist
func (m *Manager) Initialize(ctx context.Context) error {
	streams := []struct {
		name        string
		subjects    []string
		description string
	}{
		{StreamTaskQueue, []string{events.SubjectTaskQueue}, "Stream for task work queue"},
		{StreamTaskResults, []string{events.SubjectTaskResults}, "Stream for task results"},
		{StreamTaskEvents, []string{events.SubjectTaskEvents + ".*"}, "Stream for task lifecycle events"},
		{StreamWorkerEvents, []string{events.SubjectWorkerEvents + ".*"}, "Stream for worker events"},
	}

	for _, s := range streams {
		_, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:        s.name,
			Subjects:    s.subjects,
			Description: s.description,
			Retention:   jetstream.LimitsPolicy,
			MaxMsgs:     streamMaxMessages,
			MaxBytes:    streamMaxBytes,
			MaxAge:      streamMaxAge,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Duplicates:  streamDuplicateWindow,
		})
		if err != nil {
			return taskerrors.Wrap(taskerrors.KindQueue, fmt.Sprintf("create stream %s", s.name), err)
		}
		m.logger.Debug("Stream ready", map[string]interface{}{"stream": s.name})
	}

	m.logger.Info("JetStream streams initialized", nil)
	return nil
}

// publishConfirmed publishes to a stream-backed subject and waits for the
// broker to acknowledge the write. Transient failures retry with backoff
// and the same message id so the duplicate window suppresses doubles.
func (m *Manager) publishConfirmed(ctx context.Context, subject, msgID string, payload []byte) error {
	op := func() error {
		_, err := m.breaker.Execute(func() (interface{}, error) {
			return m.js.Publish(ctx, subject, payload, jetstream.WithMsgID(msgID))
		})
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return taskerrors.Wrap(taskerrors.KindQueue, fmt.Sprintf("publish to %s", subject), err)
	}
	return nil
}

// EnqueueTask publishes a work item. The message id is derived from the
// task id so a crashed producer can safely retry.
func (m *Manager) EnqueueTask(ctx context.Context, task QueuedTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindSerialization, "marshal queued task", err)
	}

	msgID := fmt.Sprintf("task-%s", task.TaskID)
	if err := m.publishConfirmed(ctx, events.SubjectTaskQueue, msgID, payload); err != nil {
		return err
	}

	m.logger.Debug("Queued task", map[string]interface{}{"task_id": task.TaskID.String()})
	return nil
}

// PublishResult publishes a terminal result on the results stream
func (m *Manager) PublishResult(ctx context.Context, result TaskResultMessage) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindSerialization, "marshal result", err)
	}

	msgID := fmt.Sprintf("result-%s", result.TaskID)
	if err := m.publishConfirmed(ctx, events.SubjectTaskResults, msgID, payload); err != nil {
		return err
	}

	m.logger.Debug("Published result", map[string]interface{}{
		"task_id": result.TaskID.String(),
		"success": result.Success,
	})
	return nil
}

// PublishEvent wraps a payload in an envelope and publishes it on the
// subject for its type. The event streams capture every event subject, so
// the publish is confirmed like work items and results.
func (m *Manager) PublishEvent(ctx context.Context, eventType events.Type, payload interface{}) error {
	envelope, err := events.NewEnvelope(eventType, m.source, payload)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindSerialization, "build event envelope", err)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindSerialization, "marshal event envelope", err)
	}

	msgID := fmt.Sprintf("event-%s", envelope.ID)
	return m.publishConfirmed(ctx, events.SubjectFor(eventType), msgID, data)
}

// Subscription delivers decoded event envelopes
type Subscription struct {
	sub    *nats.Subscription
	ch     chan *nats.Msg
	logger observability.Logger
}

// SubscribeEvents subscribes to an event subject pattern. Envelopes that
// fail to decode are skipped with a warning, never surfaced as errors.
func (m *Manager) SubscribeEvents(pattern string) (*Subscription, error) {
	ch := make(chan *nats.Msg, 256)
	sub, err := m.nc.ChanSubscribe(pattern, ch)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, fmt.Sprintf("subscribe to %s", pattern), err)
	}
	return &Subscription{sub: sub, ch: ch, logger: m.logger}, nil
}

// Next blocks until an envelope arrives or the context ends. A nil envelope
// with nil error means a message was skipped; callers loop.
func (s *Subscription) Next(ctx context.Context) (*events.Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return nil, taskerrors.New(taskerrors.KindQueue, "subscription closed")
		}
		if len(msg.Data) == 0 {
			return nil, nil
		}
		var envelope events.Envelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			s.logger.Warn("Skipping undecodable event envelope", map[string]interface{}{
				"subject": msg.Subject,
				"error":   err.Error(),
			})
			return nil, nil
		}
		return &envelope, nil
	}
}

// Unsubscribe stops delivery
func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// RawSubscription delivers undecoded message payloads, for subjects that do
// not carry event envelopes (broker advisories).
type RawSubscription struct {
	sub *nats.Subscription
	ch  chan *nats.Msg
}

// SubscribeRaw subscribes to a subject without envelope decoding
func (m *Manager) SubscribeRaw(pattern string) (*RawSubscription, error) {
	ch := make(chan *nats.Msg, 64)
	sub, err := m.nc.ChanSubscribe(pattern, ch)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, fmt.Sprintf("subscribe to %s", pattern), err)
	}
	return &RawSubscription{sub: sub, ch: ch}, nil
}

// Next blocks until a payload arrives or the context ends
func (s *RawSubscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return nil, taskerrors.New(taskerrors.KindQueue, "subscription closed")
		}
		return msg.Data, nil
	}
}

// Unsubscribe stops delivery
func (s *RawSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// CancelRequest asks whichever worker holds a task to cancel its token
type CancelRequest struct {
	TaskID uuid.UUID `json:"task_id"`
	Reason string    `json:"reason"`
}

// PublishCancelRequest broadcasts a cancel request on the control subject
func (m *Manager) PublishCancelRequest(ctx context.Context, taskID uuid.UUID, reason string) error {
	data, err := json.Marshal(CancelRequest{TaskID: taskID, Reason: reason})
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindSerialization, "marshal cancel request", err)
	}
	if err := m.nc.Publish(events.SubjectTaskCancelRequest, data); err != nil {
		return taskerrors.Wrap(taskerrors.KindQueue, "publish cancel request", err)
	}
	return nil
}

// QueueDepth returns the number of pending messages on the work stream
func (m *Manager) QueueDepth(ctx context.Context) (uint64, error) {
	stream, err := m.js.Stream(ctx, StreamTaskQueue)
	if err != nil {
		return 0, taskerrors.Wrap(taskerrors.KindQueue, "get task queue stream", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, taskerrors.Wrap(taskerrors.KindQueue, "get stream info", err)
	}
	return info.State.Msgs, nil
}

// Healthy reports whether the broker connection is usable
func (m *Manager) Healthy() bool {
	return m.nc != nil && m.nc.IsConnected()
}

// Close drains and closes the connection
func (m *Manager) Close() {
	if m.nc != nil {
		m.nc.Close()
	}
}
