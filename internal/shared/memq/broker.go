// Package memq is an in-process broker with the subset of RabbitMQ semantics the
// delay topology relies on: durable declarations that are idempotent, direct and
// fanout exchanges, per-queue message TTL, dead-letter exchanges and routing keys,
// prefetch-bounded consumers with manual ack, nack and reject.
//
// It backs the standalone mode and the end-to-end tests; it keeps nothing on disk.
package memq

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrClosed          = errors.New("memq: broker is closed")
	ErrNotFound        = errors.New("memq: NOT_FOUND")
	ErrPrecondition    = errors.New("memq: PRECONDITION_FAILED")
	ErrUnknownDelivery = errors.New("memq: unknown delivery tag")
	ErrUnroutable      = errors.New("memq: NO_ROUTE")
)

// defaultPrefetch bounds a consumer that asked for an unlimited prefetch.
const defaultPrefetch = 1024

type binding struct {
	queue string
	key   string
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
	expiresAt   time.Time // fixed on entering a TTL queue
	timer       *time.Timer
}

type queue struct {
	name      string
	args      amqp.Table
	ttl       time.Duration
	dlx       string
	dlk       string
	hasDLK    bool
	ready     []*message
	consumers []*consumer
	next      int
}

type consumer struct {
	tag      string
	queue    *queue
	ch       chan amqp.Delivery
	prefetch int
	unacked  int
}

type inflight struct {
	msg      *message
	consumer *consumer
}

// Broker is safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	inflight  map[uint64]*inflight
	nextTag   uint64
	closed    bool
	done      chan struct{}
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: map[string]*exchange{},
		queues:    map[string]*queue{},
		inflight:  map[uint64]*inflight{},
		done:      make(chan struct{}),
	}
}

// ExchangeDeclare mirrors (*amqp.Channel).ExchangeDeclare for direct and fanout exchanges.
func (b *Broker) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if kind != amqp.ExchangeDirect && kind != amqp.ExchangeFanout {
		return fmt.Errorf("memq: exchange kind %q is not supported", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("%w: inequivalent arg 'type' for exchange '%s'", ErrPrecondition, name)
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

// QueueDeclare mirrors (*amqp.Channel).QueueDeclare. Redeclaring with different
// arguments fails the way RabbitMQ does.
func (b *Broker) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ttl, dlx, dlk, hasDLK, err := parseQueueArgs(args)
	if err != nil {
		return amqp.Queue{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return amqp.Queue{}, ErrClosed
	}

	if q, ok := b.queues[name]; ok {
		if !sameArgs(q.args, args) {
			return amqp.Queue{}, fmt.Errorf("%w: inequivalent args for queue '%s'", ErrPrecondition, name)
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	b.queues[name] = &queue{
		name:   name,
		args:   args,
		ttl:    ttl,
		dlx:    dlx,
		dlk:    dlk,
		hasDLK: hasDLK,
	}
	return amqp.Queue{Name: name}, nil
}

// QueueBind mirrors (*amqp.Channel).QueueBind.
func (b *Broker) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: no exchange '%s'", ErrNotFound, exchangeName)
	}
	if _, ok := b.queues[name]; !ok {
		return fmt.Errorf("%w: no queue '%s'", ErrNotFound, name)
	}

	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// Publish routes msg through exchangeName. Publishes are mandatory: a message no
// queue receives fails with ErrUnroutable. The empty exchange name is the default
// exchange, which routes by queue name.
func (b *Broker) Publish(ctx context.Context, exchangeName, routingKey string, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	if exchangeName != "" {
		if _, ok := b.exchanges[exchangeName]; !ok {
			return fmt.Errorf("%w: no exchange '%s'", ErrNotFound, exchangeName)
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if b.route(exchangeName, routingKey, msg) == 0 {
		return fmt.Errorf("%w: exchange '%s' routing key '%s'", ErrUnroutable, exchangeName, routingKey)
	}
	return nil
}

// Deliveries registers a consumer on queueName. The stream is closed when ctx is
// cancelled or the broker is closed; unacked deliveries then go back to the queue.
func (b *Broker) Deliveries(ctx context.Context, queueName, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: no queue '%s'", ErrNotFound, queueName)
	}

	c := &consumer{
		tag:      consumerTag,
		queue:    q,
		ch:       make(chan amqp.Delivery, prefetch),
		prefetch: prefetch,
	}
	q.consumers = append(q.consumers, c)
	b.dispatch(q)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.cancel(c)
	}()

	return c.ch, nil
}

// QueueLen returns the number of messages waiting (not in flight) on a queue.
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Ping reports whether the broker still accepts work.
func (b *Broker) Ping(time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops all timers and closes every consumer stream.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		for _, m := range q.ready {
			if m.timer != nil {
				m.timer.Stop()
			}
		}
	}
	b.mu.Unlock()

	close(b.done)
}

// --- amqp.Acknowledger ---

// Ack settles a delivery. With multiple, every earlier delivery of the same consumer is settled too.
func (b *Broker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	settled, err := b.settle(tag, multiple)
	if err != nil {
		return err
	}
	for _, f := range settled {
		b.dispatch(f.consumer.queue)
	}
	return nil
}

// Nack returns deliveries to their queue (requeue) or dead-letters them.
func (b *Broker) Nack(tag uint64, multiple bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	settled, err := b.settle(tag, multiple)
	if err != nil {
		return err
	}
	for _, f := range settled {
		q := f.consumer.queue
		if requeue {
			f.msg.redelivered = true
			b.enqueueFront(q, f.msg)
		} else {
			b.deadLetter(q, f.msg, "rejected")
		}
		b.dispatch(q)
	}
	return nil
}

// Reject is Nack for a single delivery.
func (b *Broker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

// --- internals; callers hold b.mu ---

func (b *Broker) settle(tag uint64, multiple bool) ([]*inflight, error) {
	f, ok := b.inflight[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDelivery, tag)
	}

	tags := []uint64{tag}
	if multiple {
		for t, other := range b.inflight {
			if t < tag && other.consumer == f.consumer {
				tags = append(tags, t)
			}
		}
	}

	out := make([]*inflight, 0, len(tags))
	for _, t := range tags {
		entry := b.inflight[t]
		delete(b.inflight, t)
		entry.consumer.unacked--
		out = append(out, entry)
	}
	return out, nil
}

// route enqueues pub on every matching queue and reports how many there were.
func (b *Broker) route(exchangeName, routingKey string, pub amqp.Publishing) int {
	if exchangeName == "" {
		q, ok := b.queues[routingKey]
		if !ok {
			return 0
		}
		b.enqueue(q, &message{exchange: exchangeName, routingKey: routingKey, pub: pub})
		return 1
	}

	ex := b.exchanges[exchangeName]
	if ex == nil {
		return 0
	}
	routed := 0
	for _, bd := range ex.bindings {
		if ex.kind == amqp.ExchangeDirect && bd.key != routingKey {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			b.enqueue(q, &message{exchange: exchangeName, routingKey: routingKey, pub: pub})
			routed++
		}
	}
	return routed
}

func (b *Broker) enqueue(q *queue, m *message) {
	q.ready = append(q.ready, m)
	b.arm(q, m)
	b.dispatch(q)
}

// enqueueFront puts a requeued message back at the head of q. It keeps the expiry
// it got when it first entered q; one that is already due is dead-lettered.
func (b *Broker) enqueueFront(q *queue, m *message) {
	if !m.expiresAt.IsZero() && !time.Now().Before(m.expiresAt) {
		b.deadLetter(q, m, "expired")
		return
	}
	q.ready = append([]*message{m}, q.ready...)
	b.arm(q, m)
}

// arm starts the TTL clock for a message waiting on a TTL queue.
func (b *Broker) arm(q *queue, m *message) {
	if q.ttl <= 0 {
		return
	}
	if m.expiresAt.IsZero() {
		m.expiresAt = time.Now().Add(q.ttl)
	}
	m.timer = time.AfterFunc(time.Until(m.expiresAt), func() { b.expire(q, m) })
}

func (b *Broker) expire(q *queue, m *message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for i, waiting := range q.ready {
		if waiting == m {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			b.deadLetter(q, m, "expired")
			return
		}
	}
	// already delivered to a consumer
}

func (b *Broker) deadLetter(q *queue, m *message, reason string) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if q.dlx == "" {
		return
	}

	key := m.routingKey
	if q.hasDLK {
		key = q.dlk
	}

	pub := m.pub
	headers := amqp.Table{}
	for k, v := range pub.Headers {
		headers[k] = v
	}
	if _, ok := headers["x-first-death-queue"]; !ok {
		headers["x-first-death-queue"] = q.name
		headers["x-first-death-reason"] = reason
		headers["x-first-death-exchange"] = m.exchange
	}
	headers["x-last-death-queue"] = q.name
	headers["x-last-death-reason"] = reason
	recordDeath(headers, q.name, reason, m)
	pub.Headers = headers

	b.route(q.dlx, key, pub)
}

// recordDeath updates the x-death list: one entry per queue and reason, newest
// first, with a count of how often it happened.
func recordDeath(headers amqp.Table, queueName, reason string, m *message) {
	entry := amqp.Table{
		"queue":        queueName,
		"reason":       reason,
		"exchange":     m.exchange,
		"routing-keys": []any{m.routingKey},
		"count":        int64(1),
		"time":         time.Now().UTC(),
	}

	deaths := []any{entry}
	prev, _ := headers["x-death"].([]any)
	for _, d := range prev {
		t, ok := d.(amqp.Table)
		if ok && t["queue"] == queueName && t["reason"] == reason {
			if n, ok := t["count"].(int64); ok {
				entry["count"] = n + 1
			}
			continue
		}
		deaths = append(deaths, d)
	}
	headers["x-death"] = deaths
}

func (b *Broker) dispatch(q *queue) {
	for len(q.ready) > 0 {
		c := b.pickConsumer(q)
		if c == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}

		b.nextTag++
		tag := b.nextTag
		b.inflight[tag] = &inflight{msg: m, consumer: c}
		c.unacked++

		// never blocks: the buffer holds at most unacked deliveries and unacked <= prefetch
		c.ch <- amqp.Delivery{
			Acknowledger:  b,
			Headers:       m.pub.Headers,
			ContentType:   m.pub.ContentType,
			DeliveryMode:  m.pub.DeliveryMode,
			Priority:      m.pub.Priority,
			CorrelationId: m.pub.CorrelationId,
			MessageId:     m.pub.MessageId,
			Timestamp:     m.pub.Timestamp,
			Type:          m.pub.Type,
			AppId:         m.pub.AppId,
			ConsumerTag:   c.tag,
			DeliveryTag:   tag,
			Redelivered:   m.redelivered,
			Exchange:      m.exchange,
			RoutingKey:    m.routingKey,
			Body:          m.pub.Body,
		}
	}
}

// pickConsumer round-robins over consumers with spare prefetch.
func (b *Broker) pickConsumer(q *queue) *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.unacked < c.prefetch {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (b *Broker) cancel(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 {
		q.next %= len(q.consumers)
	} else {
		q.next = 0
	}

	// unacked deliveries of a departed consumer are redelivered to others
	for tag, f := range b.inflight {
		if f.consumer == c {
			delete(b.inflight, tag)
			f.msg.redelivered = true
			if !b.closed {
				b.enqueueFront(q, f.msg)
			}
		}
	}
	c.unacked = 0
	close(c.ch)

	if !b.closed {
		b.dispatch(q)
	}
}

func parseQueueArgs(args amqp.Table) (ttl time.Duration, dlx, dlk string, hasDLK bool, err error) {
	if v, ok := args["x-message-ttl"]; ok {
		var ms int64
		switch n := v.(type) {
		case int:
			ms = int64(n)
		case int32:
			ms = int64(n)
		case int64:
			ms = n
		default:
			return 0, "", "", false, fmt.Errorf("memq: x-message-ttl must be an integer, got %T", v)
		}
		if ms < 0 {
			return 0, "", "", false, errors.New("memq: x-message-ttl must be >= 0")
		}
		ttl = time.Duration(ms) * time.Millisecond
	}
	if v, ok := args["x-dead-letter-exchange"]; ok {
		s, ok := v.(string)
		if !ok {
			return 0, "", "", false, fmt.Errorf("memq: x-dead-letter-exchange must be a string, got %T", v)
		}
		dlx = s
	}
	if v, ok := args["x-dead-letter-routing-key"]; ok {
		s, ok := v.(string)
		if !ok {
			return 0, "", "", false, fmt.Errorf("memq: x-dead-letter-routing-key must be a string, got %T", v)
		}
		dlk, hasDLK = s, true
	}
	return ttl, dlx, dlk, hasDLK, nil
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
