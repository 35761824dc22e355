package delayconsumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/ports"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/contracts"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/rabbitmq"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is how a delivery was settled with the broker.
type Outcome int

const (
	Acked Outcome = iota
	Requeued
	Rejected // dead-lettered to the parking queue
	Skipped  // left unsettled; the broker redelivers it
	Retried  // acked after a copy went to the retry queue
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Requeued:
		return "requeued"
	case Rejected:
		return "rejected"
	case Retried:
		return "retried"
	default:
		return "skipped"
	}
}

const (
	retryBaseDelay = time.Second      // backoff base
	retryMaxDelay  = 30 * time.Second // backoff cap

	// retryCountHeader counts evaluations that failed with a retryable error.
	retryCountHeader = "x-retry-count"
)

// Consumer runs a pool of workers over the ready queue.
type Consumer struct {
	source    ports.DeliverySource
	evaluator *Evaluator
	logger    *logger.Logger
	queue     string
	tag       string
	workers   int
	prefetch  int

	retryPublisher ports.Publisher
	retryExchange  string
	retryKey       string
	maxAttempts    int
	pause          time.Duration // before an in-place requeue
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithRetry routes retryable failures through the retry queue of topology. A
// message is evaluated at most maxAttempts times, then parked.
func WithRetry(publisher ports.Publisher, topology rabbitmq.Topology, maxAttempts int) ConsumerOption {
	return func(c *Consumer) {
		c.retryPublisher = publisher
		c.retryExchange = topology.DelayExchange
		c.retryKey = topology.RetryRoutingKey
		c.maxAttempts = maxAttempts
	}
}

// NewConsumer creates a Consumer. Each of the workers handles one delivery at a time;
// prefetch is per worker. Without WithRetry, retryable failures are requeued in
// place after a pause.
func NewConsumer(source ports.DeliverySource, evaluator *Evaluator, queue, tag string, workers, prefetch int, logger *logger.Logger, opts ...ConsumerOption) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	c := &Consumer{
		source:    source,
		evaluator: evaluator,
		logger:    logger,
		queue:     queue,
		tag:       tag,
		workers:   workers,
		prefetch:  prefetch,
		pause:     retryBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run subscribes to the ready queue and processes deliveries until ctx is cancelled,
// resubscribing with capped exponential backoff when the stream breaks.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := retryBaseDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		deliveries, err := c.source.Deliveries(ctx, c.queue, c.tag, c.workers*c.prefetch)
		if err != nil {
			c.logger.Error(ctx, "rabbitmq_consume_failed", "Failed to start consuming ready queue", err)
			if !sleepWithContext(ctx, backoff) {
				return nil
			}
			backoff = rabbitmq.NextBackoff(backoff, retryMaxDelay)
			continue
		}

		// reset backoff after a successful subscribe
		backoff = retryBaseDelay
		c.logger.Info(ctx, "consumer_subscribed", "Consuming ready queue", map[string]any{
			"queue":    c.queue,
			"workers":  c.workers,
			"prefetch": c.prefetch,
		})

		var wg sync.WaitGroup
		for i := 0; i < c.workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for d := range deliveries {
					if ctx.Err() != nil {
						// shutting down; the broker requeues unsettled deliveries
						continue
					}
					c.HandleDelivery(ctx, d)
				}
			}()
		}
		wg.Wait()

		if ctx.Err() != nil {
			return nil
		}

		// delivery stream closed underneath us (connection lost or server-side cancel)
		c.logger.Error(ctx, "rabbitmq_deliveries_closed", "Deliveries channel closed; resubscribing", errors.New("deliveries channel closed"))
		if !sleepWithContext(ctx, backoff) {
			return nil
		}
		backoff = rabbitmq.NextBackoff(backoff, retryMaxDelay)
	}
}

// HandleDelivery decodes, evaluates and acks/nacks a single message.
func (c *Consumer) HandleDelivery(ctx context.Context, d amqp.Delivery) (outcome Outcome) {
	ctx = c.logger.WithRequestID(ctx, requestID(d))

	// a panicking evaluation must not take the worker down or drop the message silently
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, "processing_panicked", "Evaluation panicked; nacking to parking queue", fmt.Errorf("panic: %v", r))
			outcome = c.settle(ctx, d, Rejected)
		}
	}()

	if d.ContentType != "" && !strings.HasPrefix(d.ContentType, contracts.ContentType) {
		derr := errs.NewDeserializationError(d.MessageId, fmt.Errorf("unsupported content type %q", d.ContentType))
		c.logger.Error(ctx, "poison_message", "Unsupported message content type; nacking to parking queue", derr)
		return c.settle(ctx, d, Rejected)
	}

	// decode the message
	msg, err := contracts.DecodeOrderMessage(d.Body)
	if err != nil {
		derr := errs.NewDeserializationError(d.MessageId, err)
		c.logger.Error(ctx, "poison_message", "Failed to decode OrderMessage; nacking to parking queue", derr)
		return c.settle(ctx, d, Rejected)
	}

	c.logger.Debug(ctx, "order_delivered", "Delayed order delivered", map[string]any{
		"order_id":     msg.OrderID,
		"order_status": msg.OrderStatus,
		"redelivered":  d.Redelivered,
		"published_at": d.Timestamp,
	})

	// evaluate the lifecycle
	_, err = c.evaluator.Evaluate(ctx, msg.Order())

	// classify the error and decide on Ack/Nack
	switch {
	case err == nil:
		return c.settle(ctx, d, Acked)
	case errors.Is(err, errs.ErrUnrecognizedState):
		// already reported by the observer
		return c.settle(ctx, d, Rejected)
	case IsRetryable(err):
		return c.retry(ctx, d, err)
	default:
		c.logger.Error(ctx, "processing_failed", "Processing failed; nacking to parking queue", err)
		return c.settle(ctx, d, Rejected)
	}
}

// retry schedules another evaluation of d, or parks it once maxAttempts
// evaluations have failed.
func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, cause error) Outcome {
	attempt := retryCount(d) + 1

	if c.maxAttempts > 0 && attempt >= c.maxAttempts {
		c.logger.Error(ctx, "retry_exhausted",
			fmt.Sprintf("Processing failed %d times; nacking to parking queue", attempt), cause)
		return c.settle(ctx, d, Rejected)
	}

	if c.retryPublisher != nil {
		err := c.retryPublisher.Publish(ctx, c.retryExchange, c.retryKey, retryPublishing(d, attempt))
		if err == nil {
			c.logger.Warn(ctx, "retry_scheduled", "Processing failed; retry scheduled", map[string]any{
				"attempt":      attempt,
				"max_attempts": c.maxAttempts,
				"error":        cause.Error(),
			})
			return c.settle(ctx, d, Retried)
		}
		c.logger.Error(ctx, "retry_publish_failed", "Failed to schedule retry; requeuing in place", err)
	}

	c.logger.Error(ctx, "processing_retryable", "Processing failed; requeuing after a pause", cause)
	if !sleepWithContext(ctx, c.pause) {
		// shutting down; the broker redelivers it
		return Skipped
	}
	return c.settle(ctx, d, Requeued)
}

// retryPublishing copies d for the retry queue with the attempt counter bumped.
func retryPublishing(d amqp.Delivery, attempt int) amqp.Publishing {
	headers := make(amqp.Table, len(d.Headers)+1)
	for k, v := range d.Headers {
		if k == "x-death" {
			continue // owned by the broker
		}
		headers[k] = v
	}
	headers[retryCountHeader] = int32(attempt)

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		AppId:         d.AppId,
		Body:          d.Body,
	}
}

func retryCount(d amqp.Delivery) int {
	switch n := d.Headers[retryCountHeader].(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func (c *Consumer) settle(ctx context.Context, d amqp.Delivery, outcome Outcome) Outcome {
	var err error
	switch outcome {
	case Acked, Retried:
		err = d.Ack(false)
	case Requeued:
		err = d.Nack(false, true)
	case Rejected:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.Error(ctx, "rabbitmq_ack_failed", fmt.Sprintf("Failed to settle delivery as %s", outcome), err)
		return Skipped
	}
	return outcome
}

// requestID prefers the id propagated by the producer, then the message id.
func requestID(d amqp.Delivery) string {
	if rid, ok := d.Headers["x-request-id"].(string); ok && rid != "" {
		return rid
	}
	if d.MessageId != "" {
		return d.MessageId
	}
	return logger.NewRequestID()
}

// sleepWithContext sleeps for the given duration or returns early if ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
