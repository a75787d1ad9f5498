package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/events"
)

// ResultConsumerGroup is the manager's durable consumer on the results
// stream
const ResultConsumerGroup = "result-recorder"

// ResultDelivery pairs a decoded result message with its handle
type ResultDelivery struct {
	Result TaskResultMessage
	Handle Handle
}

// ResultConsumer feeds the manager's result recorder
type ResultConsumer struct {
	consumer     jetstream.Consumer
	fetchTimeout time.Duration
	manager      *Manager
}

// CreateResultConsumer binds to the durable result-recorder consumer
func (m *Manager) CreateResultConsumer(ctx context.Context, fetchTimeout time.Duration) (*ResultConsumer, error) {
	stream, err := m.js.Stream(ctx, StreamTaskResults)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, "get results stream", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          ResultConsumerGroup,
		Durable:       ResultConsumerGroup,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    consumerMaxDeliver,
		FilterSubject: events.SubjectTaskResults,
	})
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, "create result consumer", err)
	}

	if fetchTimeout <= 0 {
		fetchTimeout = time.Second
	}
	return &ResultConsumer{consumer: consumer, fetchTimeout: fetchTimeout, manager: m}, nil
}

// Fetch pulls up to batch result messages
func (c *ResultConsumer) Fetch(batch int) ([]ResultDelivery, error) {
	if batch <= 0 {
		batch = 10
	}
	msgs, err := c.consumer.Fetch(batch, jetstream.FetchMaxWait(c.fetchTimeout))
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.KindQueue, "fetch results", err)
	}

	var deliveries []ResultDelivery
	for msg := range msgs.Messages() {
		var result TaskResultMessage
		if err := json.Unmarshal(msg.Data(), &result); err != nil {
			c.manager.logger.Error("Failed to decode result message, nacking", map[string]interface{}{
				"error": err.Error(),
			})
			_ = msg.Nak()
			continue
		}
		deliveries = append(deliveries, ResultDelivery{
			Result: result,
			Handle: &jsHandle{msg: msg},
		})
	}
	return deliveries, nil
}
