package delayproducer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"
	"git.platform.alem.school/amibragim/delayed-orders/internal/ports"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/contracts"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/rabbitmq"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Producer publishes orders to the delay stage of the topology. The delay itself is
// done by the broker; Producer never waits for it.
type Producer struct {
	publisher  ports.Publisher
	exchange   string
	routingKey string
	ttl        time.Duration
	logger     *logger.Logger
	now        func() time.Time
}

// Ensure Producer implements the interface at compile time.
var _ ports.DelaySubmitter = (*Producer)(nil)

// New creates a Producer publishing to the delay exchange of topology.
func New(publisher ports.Publisher, topology rabbitmq.Topology, logger *logger.Logger) *Producer {
	return &Producer{
		publisher:  publisher,
		exchange:   topology.DelayExchange,
		routingKey: topology.DelayRoutingKey,
		ttl:        topology.TTL,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SubmitDelayed publishes one order and returns once the broker has accepted it.
// The order is expected to be valid; see orders.New.
func (producer *Producer) SubmitDelayed(ctx context.Context, order orders.Order) error {
	body, err := json.Marshal(contracts.FromOrder(order))
	if err != nil {
		return errs.NewTransportError("marshal order "+order.ID, err)
	}

	now := producer.now()
	msg := amqp.Publishing{
		ContentType:  contracts.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Body:         body,
	}
	if rid := logger.RequestIDFrom(ctx); rid != "" {
		msg.Headers = amqp.Table{"x-request-id": rid}
	}

	if err := producer.publisher.Publish(ctx, producer.exchange, producer.routingKey, msg); err != nil {
		terr := errs.NewTransportError("publish order "+order.ID, err)
		producer.logger.Error(ctx, "rabbitmq_publish_failed", "Failed to publish delayed order", terr)
		return terr
	}

	producer.logger.Debug(ctx, "order_delayed", "Order published to delay queue", map[string]any{
		"order_id":     order.ID,
		"order_status": order.Status.String(),
		"message_id":   msg.MessageId,
		"due_at":       now.Add(producer.ttl).Format(time.RFC3339Nano),
	})

	return nil
}

// SubmitDelayedBatch submits orders one by one and stops at the first failure.
// Orders before the failing one stay submitted.
func (producer *Producer) SubmitDelayedBatch(ctx context.Context, batch ...orders.Order) error {
	for _, order := range batch {
		if err := producer.SubmitDelayed(ctx, order); err != nil {
			return fmt.Errorf("submit order %s: %w", order.ID, err)
		}
	}
	return nil
}
