package delayproducer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/memq"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/rabbitmq"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

func newTestProducer(pub *publisherMock) *Producer {
	topo := rabbitmq.Topology{
		DelayExchange:   "user.order.delay_exchange",
		DelayRoutingKey: "order_delay",
		TTL:             10 * time.Second,
	}
	p := New(pub, topo, logger.NewWithCore("test", zapcore.NewNopCore()))
	p.now = func() time.Time { return time.Date(2019, 12, 4, 10, 53, 0, 0, time.UTC) }
	return p
}

func TestProducer_SubmitDelayed(t *testing.T) {
	pub := new(publisherMock)
	pub.On("Publish", mock.Anything, "user.order.delay_exchange", "order_delay", mock.Anything).Return(nil)

	p := newTestProducer(pub)
	log := logger.NewWithCore("test", zapcore.NewNopCore())
	ctx := log.WithRequestID(context.Background(), "req-42")

	err := p.SubmitDelayed(ctx, orders.Order{ID: "123456", Name: "Mi 6", Status: orders.StatusPending})
	require.NoError(t, err)
	pub.AssertExpectations(t)

	msg := pub.Calls[0].Arguments.Get(3).(amqp.Publishing)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Len(t, msg.MessageId, 36)
	assert.Equal(t, time.Date(2019, 12, 4, 10, 53, 0, 0, time.UTC), msg.Timestamp)
	assert.Equal(t, "req-42", msg.Headers["x-request-id"])
	assert.Empty(t, msg.Expiration, "delay is a queue property, never per message")

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, map[string]any{"order_id": "123456", "order_name": "Mi 6", "order_status": float64(0)}, body)
}

func TestProducer_SubmitDelayed_TransportError(t *testing.T) {
	cause := errors.New("rabbitmq: connection is not open")
	pub := new(publisherMock)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(cause).Once()

	p := newTestProducer(pub)
	err := p.SubmitDelayed(context.Background(), orders.Order{ID: "123456", Status: orders.StatusPending})

	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransport)
	assert.ErrorIs(t, err, cause)

	var te *errs.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "publish order 123456", te.Op)

	// no retry inside the producer
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

func TestProducer_SubmitDelayed_Unroutable(t *testing.T) {
	broker := memq.New()
	defer broker.Close()
	// the exchange exists but nothing is bound to it
	require.NoError(t, broker.ExchangeDeclare("user.order.delay_exchange", amqp.ExchangeDirect, true, false, false, false, nil))

	p := New(broker, rabbitmq.Topology{DelayExchange: "user.order.delay_exchange", DelayRoutingKey: "order_delay"},
		logger.NewWithCore("test", zapcore.NewNopCore()))

	err := p.SubmitDelayed(context.Background(), orders.Order{ID: "123456", Status: orders.StatusPending})
	assert.ErrorIs(t, err, errs.ErrTransport)
	assert.ErrorIs(t, err, memq.ErrUnroutable)
}

func TestProducer_SubmitDelayedBatch(t *testing.T) {
	t.Run("all submitted", func(t *testing.T) {
		pub := new(publisherMock)
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		p := newTestProducer(pub)
		err := p.SubmitDelayedBatch(context.Background(),
			orders.Order{ID: "123456", Status: orders.StatusPending},
			orders.Order{ID: "456789", Status: orders.StatusPaid},
		)
		require.NoError(t, err)
		pub.AssertNumberOfCalls(t, "Publish", 2)
	})

	t.Run("stops at first failure", func(t *testing.T) {
		pub := new(publisherMock)
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("nack")).Once()

		p := newTestProducer(pub)
		err := p.SubmitDelayedBatch(context.Background(),
			orders.Order{ID: "1", Status: orders.StatusPending},
			orders.Order{ID: "2", Status: orders.StatusPending},
			orders.Order{ID: "3", Status: orders.StatusPending},
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "submit order 2")
		assert.ErrorIs(t, err, errs.ErrTransport)
		pub.AssertNumberOfCalls(t, "Publish", 2)
	})
}
