package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// Handle is the one-shot acknowledgement receipt for a fetched message.
// Exactly one terminal action must be issued: Ack on success, Nack to
// redeliver (counts against max deliveries), or the handle is left to the
// ack-wait timer. InProgress extends the deadline without completing.
type Handle interface {
	Ack() error
	Nack(delay time.Duration) error
	InProgress() error
	// DeliveryCount is 1-based: 1 on the first delivery.
	DeliveryCount() int
}

// Delivery pairs a decoded work item with its acknowledgement handle
type Delivery struct {
	Task   QueuedTask
	Handle Handle
}

// Consumer fetches work items from the shared durable consumer group
type Consumer struct {
	consumer     jetstream.Consumer
	workerID     string
	batchSize    int
	fetchTimeout time.Duration
	logger       observability.Logger
}

// CreateTaskConsumer binds to the durable task-workers consumer group.
// maxAckPending caps in-flight deliveries at the worker's concurrency.
func (m *Manager) CreateTaskConsumer(ctx context.Context, workerID string, maxAckPending, batchSize int, fetchTimeout time.Duration) (*Consumer, error) {
	stream, err := m.js.Stream(ctx, StreamTaskQueue)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, "get task queue stream", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          ConsumerGroup,
		Durable:       ConsumerGroup,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       consumerAckWait,
		MaxDeliver:    consumerMaxDeliver,
		MaxAckPending: maxAckPending,
		FilterSubject: events.SubjectTaskQueue,
	})
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, "create task consumer", err)
	}

	if batchSize <= 0 {
		batchSize = 10
	}
	if fetchTimeout <= 0 {
		fetchTimeout = time.Second
	}

	return &Consumer{
		consumer:     consumer,
		workerID:     workerID,
		batchSize:    batchSize,
		fetchTimeout: fetchTimeout,
		logger:       m.logger,
	}, nil
}

// Fetch pulls up to batch messages, waiting at most the fetch timeout.
// Messages that fail to decode are nacked and skipped.
func (c *Consumer) Fetch(batch int) ([]Delivery, error) {
	if batch <= 0 || batch > c.batchSize {
		batch = c.batchSize
	}

	msgs, err := c.consumer.Fetch(batch, jetstream.FetchMaxWait(c.fetchTimeout))
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, "fetch tasks", err)
	}

	var deliveries []Delivery
	for msg := range msgs.Messages() {
		var task QueuedTask
		if err := json.Unmarshal(msg.Data(), &task); err != nil {
			c.logger.Error("Failed to decode queued task, nacking", map[string]interface{}{
				"error": err.Error(),
			})
			if nakErr := msg.Nak(); nakErr != nil {
				c.logger.Error("Failed to nack invalid message", map[string]interface{}{
					"error": nakErr.Error(),
				})
			}
			continue
		}
		deliveries = append(deliveries, Delivery{
			Task:   task,
			Handle: &jsHandle{msg: msg},
		})
	}

	if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
		c.logger.Warn("Fetch finished with error", map[string]interface{}{
			"error": msgs.Error().Error(),
		})
	}

	return deliveries, nil
}

// jsHandle adapts a jetstream message to the Handle contract
type jsHandle struct {
	msg jetstream.Msg
}

func (h *jsHandle) Ack() error {
	if err := h.msg.Ack(); err != nil {
		return taskerrors.Wrap(taskerrors.KindQueue, "ack message", err)
	}
	return nil
}

func (h *jsHandle) Nack(delay time.Duration) error {
	var err error
	if delay > 0 {
		err = h.msg.NakWithDelay(delay)
	} else {
		err = h.msg.Nak()
	}
	if err != nil {
		return taskerrors.Wrap(taskerrors.KindQueue, "nack message", err)
	}
	return nil
}

func (h *jsHandle) InProgress() error {
	if err := h.msg.InProgress(); err != nil {
		return taskerrors.Wrap(taskerrors.KindQueue, "extend ack deadline", err)
	}
	return nil
}

func (h *jsHandle) DeliveryCount() int {
	meta, err := h.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

// MaxDeliveriesSubject is the advisory subject the broker emits on when a
// message exhausts its deliveries. The reaper listens here.
func MaxDeliveriesSubject() string {
	return fmt.Sprintf("$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES.%s.%s", StreamTaskQueue, ConsumerGroup)
}

// MaxDeliveriesAdvisory is the subset of the broker advisory the reaper
// needs to locate the dead-lettered message.
type MaxDeliveriesAdvisory struct {
	Stream     string `json:"stream"`
	Consumer   string `json:"consumer"`
	StreamSeq  uint64 `json:"stream_seq"`
	Deliveries int    `json:"deliveries"`
}

// FetchQueuedTask reads the dead-lettered work item by stream sequence so
// the reaper can identify which task to fail.
func (m *Manager) FetchQueuedTask(ctx context.Context, seq uint64) (*QueuedTask, error) {
	stream, err := m.js.Stream(ctx, StreamTaskQueue)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, "get task queue stream", err)
	}
	raw, err := stream.GetMsg(ctx, seq)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, "get message by sequence", err)
	}
	var task QueuedTask
	if err := json.Unmarshal(raw.Data, &task); err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindSerialization, "decode dead-lettered task", err)
	}
	return &task, nil
}

// SubscribeMaxDeliveries subscribes to the broker's max-deliveries
// advisories for the task-workers consumer group.
func (m *Manager) SubscribeMaxDeliveries() (*RawSubscription, error) {
	return m.SubscribeRaw(MaxDeliveriesSubject())
}
