package ports

import (
	"context"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher hands a message to the broker and returns once the broker has accepted it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// DeliverySource opens a manual-ack delivery stream on a queue.
type DeliverySource interface {
	Deliveries(ctx context.Context, queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Pinger reports broker reachability for health checks.
type Pinger interface {
	Ping(timeout time.Duration) error
}

// DelaySubmitter schedules orders for evaluation after the fixed delay.
type DelaySubmitter interface {
	SubmitDelayed(ctx context.Context, order orders.Order) error
	SubmitDelayedBatch(ctx context.Context, batch ...orders.Order) error
}
