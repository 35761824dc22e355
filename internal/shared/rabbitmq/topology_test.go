package rabbitmq

import (
	"errors"
	"testing"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDeclarer keeps what was declared, keyed by name, and rejects a
// redeclaration whose arguments differ the way RabbitMQ does.
type recordingDeclarer struct {
	exchanges map[string]string
	queues    map[string]amqp.Table
	bindings  map[string]bool
	calls     int
	failOn    string
}

func newRecordingDeclarer() *recordingDeclarer {
	return &recordingDeclarer{
		exchanges: map[string]string{},
		queues:    map[string]amqp.Table{},
		bindings:  map[string]bool{},
	}
}

func (d *recordingDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	d.calls++
	if name == d.failOn {
		return errors.New("channel closed")
	}
	if prev, ok := d.exchanges[name]; ok && prev != kind {
		return errors.New("PRECONDITION_FAILED - inequivalent arg 'type'")
	}
	d.exchanges[name] = kind
	return nil
}

func (d *recordingDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	d.calls++
	if name == d.failOn {
		return amqp.Queue{}, errors.New("channel closed")
	}
	if prev, ok := d.queues[name]; ok {
		for k, v := range args {
			if prev[k] != v {
				return amqp.Queue{}, errors.New("PRECONDITION_FAILED - inequivalent arg '" + k + "'")
			}
		}
	}
	d.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (d *recordingDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	d.calls++
	d.bindings[exchange+"|"+key+"|"+name] = true
	return nil
}

func testTopology() Topology {
	return Topology{
		DelayExchange:   "user.order.delay_exchange",
		DelayQueue:      "user.order.delay_queue",
		DelayRoutingKey: "order_delay",
		WorkExchange:    "user.order.exchange",
		ReadyQueue:      "user.order.queue",
		ReadyRoutingKey: "order",
		ParkingExchange: "user.order.parking_exchange",
		ParkingQueue:    "user.order.parking_queue",
		RetryQueue:      "user.order.retry_queue",
		RetryRoutingKey: "order_retry",
		TTL:             10 * time.Second,
		RetryDelay:      5 * time.Second,
	}
}

func TestTopology_Declare(t *testing.T) {
	d := newRecordingDeclarer()
	topo := testTopology()

	require.NoError(t, topo.Declare(d))

	assert.Equal(t, amqp.ExchangeDirect, d.exchanges["user.order.delay_exchange"])
	assert.Equal(t, amqp.ExchangeDirect, d.exchanges["user.order.exchange"])
	assert.Equal(t, amqp.ExchangeFanout, d.exchanges["user.order.parking_exchange"])

	delayArgs := d.queues["user.order.delay_queue"]
	assert.Equal(t, int32(10000), delayArgs["x-message-ttl"])
	assert.Equal(t, "user.order.exchange", delayArgs["x-dead-letter-exchange"])
	assert.Equal(t, "order", delayArgs["x-dead-letter-routing-key"])

	readyArgs := d.queues["user.order.queue"]
	assert.Equal(t, "user.order.parking_exchange", readyArgs["x-dead-letter-exchange"])
	assert.NotContains(t, readyArgs, "x-message-ttl")

	assert.True(t, d.bindings["user.order.delay_exchange|order_delay|user.order.delay_queue"])
	assert.True(t, d.bindings["user.order.exchange|order|user.order.queue"])
	assert.True(t, d.bindings["user.order.parking_exchange||user.order.parking_queue"])

	retryArgs := d.queues["user.order.retry_queue"]
	assert.Equal(t, int32(5000), retryArgs["x-message-ttl"])
	assert.Equal(t, "user.order.exchange", retryArgs["x-dead-letter-exchange"])
	assert.Equal(t, "order", retryArgs["x-dead-letter-routing-key"])
	assert.True(t, d.bindings["user.order.delay_exchange|order_retry|user.order.retry_queue"])
}

func TestTopology_Declare_Idempotent(t *testing.T) {
	d := newRecordingDeclarer()
	topo := testTopology()

	require.NoError(t, topo.Declare(d))
	queues, exchanges := len(d.queues), len(d.exchanges)

	require.NoError(t, topo.Declare(d))
	assert.Equal(t, queues, len(d.queues))
	assert.Equal(t, exchanges, len(d.exchanges))
}

func TestTopology_Declare_ConflictingTTL(t *testing.T) {
	d := newRecordingDeclarer()
	topo := testTopology()
	require.NoError(t, topo.Declare(d))

	topo.TTL = 5 * time.Second
	err := topo.Declare(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declare queue user.order.delay_queue")
	assert.Contains(t, err.Error(), "PRECONDITION_FAILED")
}

func TestTopology_Declare_StopsOnFailure(t *testing.T) {
	d := newRecordingDeclarer()
	d.failOn = "user.order.delay_queue"

	err := testTopology().Declare(d)
	require.Error(t, err)
	assert.Equal(t, 2, d.calls)
	assert.NotContains(t, d.queues, "user.order.queue")
}

func TestTopology_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Topology)
		want   string
	}{
		{"missing delay queue", func(t *Topology) { t.DelayQueue = "" }, "delay queue is required"},
		{"missing ready key", func(t *Topology) { t.ReadyRoutingKey = " " }, "ready routing key is required"},
		{"same queues", func(t *Topology) { t.ReadyQueue = t.DelayQueue }, "must differ"},
		{"same exchanges", func(t *Topology) { t.WorkExchange = t.DelayExchange }, "must differ"},
		{"zero ttl", func(t *Topology) { t.TTL = 0 }, "ttl must be at least 1ms"},
		{"sub-millisecond ttl", func(t *Topology) { t.TTL = time.Microsecond }, "ttl must be at least 1ms"},
		{"huge ttl", func(t *Topology) { t.TTL = 1000 * time.Hour }, "ttl must be at most"},
		{"missing retry queue", func(t *Topology) { t.RetryQueue = "" }, "retry queue is required"},
		{"retry queue is ready queue", func(t *Topology) { t.RetryQueue = t.ReadyQueue }, "retry queue must differ"},
		{"retry key is delay key", func(t *Topology) { t.RetryRoutingKey = t.DelayRoutingKey }, "routing key must differ"},
		{"zero retry delay", func(t *Topology) { t.RetryDelay = 0 }, "retry delay must be at least 1ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := testTopology()
			tt.mutate(&topo)

			err := topo.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)

			d := newRecordingDeclarer()
			assert.Error(t, topo.Declare(d))
			assert.Zero(t, d.calls)
		})
	}

	assert.NoError(t, testTopology().Validate())
}

func TestTopologyFromConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, testTopology(), TopologyFromConfig(cfg))
}
