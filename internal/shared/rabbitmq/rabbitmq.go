package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/config"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrNotConnected   = errors.New("rabbitmq: connection is not open")
	ErrChannelClosed  = errors.New("rabbitmq: publish channel is not open")
	ErrPublishNacked  = errors.New("rabbitmq: publish was nacked by the broker")
	ErrConfirmTimeout = errors.New("rabbitmq: timed out waiting for publish confirmation")
	ErrUnroutable     = errors.New("rabbitmq: message was returned as unroutable")
)

const (
	// publishTimeout bounds how long a publish may wait for flow control plus the confirm.
	publishTimeout = 5 * time.Second
	// returnBuffer holds returned messages until the publisher that sent them looks.
	returnBuffer = 256
)

// Client is a resilient RabbitMQ connector with auto-reconnect and topology setup.
type Client struct {
	url      string
	topology Topology
	logger   *logger.Logger
	logCtx   context.Context // outlives the connect ctx; reconnect logs reuse it

	mu      sync.RWMutex
	conn    *amqp.Connection
	pubChan *amqp.Channel
	returns <-chan amqp.Return // of pubChan

	retMu    sync.Mutex
	returned map[string]amqp.Return // by MessageId

	closeOnce sync.Once
	closed    chan struct{}
	reconnect chan struct{}
}

// URL builds the AMQP URI from the rabbitmq config section.
func URL(cfg *config.Config) string {
	u := &url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.RabbitMQ.User, cfg.RabbitMQ.Password),
		Host:   net.JoinHostPort(cfg.RabbitMQ.Host, strconv.Itoa(cfg.RabbitMQ.Port)),
		Path:   "/" + cfg.RabbitMQ.VHost,
	}
	return u.String()
}

// ConnectRabbitMQ establishes connection, declares the delay topology and starts a
// background watcher that reconnects on failures.
func ConnectRabbitMQ(ctx context.Context, cfg *config.Config, topology Topology, log *logger.Logger) (*Client, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}

	client := &Client{
		url:       URL(cfg),
		topology:  topology,
		logger:    log,
		logCtx:    context.WithoutCancel(ctx), // avoid ctx cancel on reconnects
		closed:    make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}

	// initial connect (single attempt; further retries happen in the watcher)
	if err := client.connectOnce(ctx); err != nil {
		return nil, err
	}

	// background watcher for reconnects
	go client.watch()

	return client, nil
}

// Topology returns the topology this client declares on every connect.
func (client *Client) Topology() Topology {
	return client.topology
}

// snapshot returns the live connection and publish channel, or ErrNotConnected.
func (client *Client) snapshot() (*amqp.Connection, *amqp.Channel, error) {
	client.mu.RLock()
	defer client.mu.RUnlock()
	if client.conn == nil || client.conn.IsClosed() {
		return nil, nil, ErrNotConnected
	}
	return client.conn, client.pubChan, nil
}

// NewConsumerChannel opens a channel with QoS set to prefetch (when > 0).
func (client *Client) NewConsumerChannel(prefetch int) (*amqp.Channel, error) {
	conn, _, err := client.snapshot()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if prefetch <= 0 {
		return ch, nil
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch %d: %w", prefetch, err)
	}
	return ch, nil
}

// Deliveries opens a dedicated consumer channel on queue with manual acks.
// The returned stream is closed when ctx is cancelled or the channel dies.
func (client *Client) Deliveries(ctx context.Context, queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := client.NewConsumerChannel(prefetch)
	if err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		select {
		case <-ctx.Done():
			// stop consuming and let broker requeue any in-flight
			_ = ch.Cancel(consumerTag, false)
			_ = ch.Close()
		case <-closed:
		case <-client.closed:
		}
	}()

	return deliveries, nil
}

// Publish sends msg as mandatory and blocks until the broker confirms it (not
// until it is delivered). A message no queue accepted fails with ErrUnroutable;
// matching uses msg.MessageId.
func (client *Client) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	_, ch, err := client.snapshot()
	if err != nil {
		return err
	}
	if ch == nil || ch.IsClosed() {
		return ErrChannelClosed
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, msg)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	returned, wasReturned := client.takeReturn(msg.MessageId)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrConfirmTimeout
	case err != nil:
		return err
	case !acked:
		return ErrPublishNacked
	case wasReturned:
		return fmt.Errorf("%w: %d %s (exchange=%s routing_key=%s)",
			ErrUnroutable, returned.ReplyCode, returned.ReplyText, returned.Exchange, returned.RoutingKey)
	}
	return nil
}

// takeReturn collects pending returns and removes the one for messageID, if any.
// The broker sends basic.return before the confirm of the same message, so after
// the confirm a return for it is already buffered.
func (client *Client) takeReturn(messageID string) (amqp.Return, bool) {
	client.mu.RLock()
	returns := client.returns
	client.mu.RUnlock()

	client.retMu.Lock()
	defer client.retMu.Unlock()

	if client.returned == nil {
		client.returned = make(map[string]amqp.Return)
	}
	for drained := false; !drained; {
		select {
		case r, ok := <-returns:
			if !ok {
				drained = true
				break
			}
			client.logger.Error(client.logCtx, "publish_returned",
				fmt.Sprintf("Message %s returned by broker: %s", r.MessageId, r.ReplyText),
				fmt.Errorf("exchange=%s routing_key=%s code=%d", r.Exchange, r.RoutingKey, r.ReplyCode))
			if r.MessageId != "" {
				client.returned[r.MessageId] = r
			}
		default:
			drained = true
		}
	}

	if messageID == "" {
		return amqp.Return{}, false
	}
	r, ok := client.returned[messageID]
	delete(client.returned, messageID)
	return r, ok
}

// Ping reports whether the connection is open and the broker port still answers
// within timeout.
func (client *Client) Ping(timeout time.Duration) error {
	if _, _, err := client.snapshot(); err != nil {
		return err
	}

	uri, err := amqp.ParseURI(client.url)
	if err != nil {
		return fmt.Errorf("rabbitmq: bad url: %w", err)
	}

	c, err := net.DialTimeout("tcp", net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port)), timeout)
	if err != nil {
		return err
	}
	return c.Close()
}

// Close stops the reconnect watcher and closes the connection. Safe to call twice.
func (client *Client) Close() {
	client.closeOnce.Do(func() { close(client.closed) })

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.pubChan != nil {
		_ = client.pubChan.Close()
		client.pubChan = nil
	}
	if client.conn != nil {
		_ = client.conn.Close()
		client.conn = nil
	}
}

// --- internals ---

// connectOnce dials, declares the topology and swaps in a fresh confirm channel.
func (client *Client) connectOnce(ctx context.Context) error {
	start := time.Now().UTC()

	conn, err := amqp.DialConfig(client.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return err
	}

	ch, returns, err := client.openPublishChannel(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	client.mu.Lock()
	if client.pubChan != nil {
		_ = client.pubChan.Close()
	}
	client.conn, client.pubChan, client.returns = conn, ch, returns
	client.mu.Unlock()

	go client.signalOnClose(conn, ch)

	client.logger.Info(ctx, "rabbitmq_connected",
		"Connected to RabbitMQ; delay topology declared",
		map[string]any{
			"duration_ms":    time.Since(start).Milliseconds(),
			"delay_exchange": client.topology.DelayExchange,
			"delay_queue":    client.topology.DelayQueue,
			"ready_queue":    client.topology.ReadyQueue,
			"ttl_ms":         client.topology.TTL.Milliseconds(),
		})
	return nil
}

// openPublishChannel declares the topology on a new channel and puts it in
// confirm mode. Returned (unroutable mandatory) publishes are buffered for takeReturn.
func (client *Client) openPublishChannel(conn *amqp.Connection) (*amqp.Channel, <-chan amqp.Return, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := client.topology.Declare(ch); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return ch, ch.NotifyReturn(make(chan amqp.Return, returnBuffer)), nil
}

// signalOnClose queues one reconnect request when conn or ch goes away.
func (client *Client) signalOnClose(conn *amqp.Connection, ch *amqp.Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-client.closed:
		return
	case <-connClosed:
	case <-chClosed:
	}

	select {
	case client.reconnect <- struct{}{}:
	default:
	}
}

// watch serves reconnect requests until Close.
func (client *Client) watch() {
	for {
		select {
		case <-client.closed:
			return
		case <-client.reconnect:
			if !client.reconnectUntilUp() {
				return
			}
		}
	}
}

// reconnectUntilUp retries connectOnce with capped exponential backoff. It
// returns false if the client was closed first.
func (client *Client) reconnectUntilUp() bool {
	const maxBackoff = 30 * time.Second

	for backoff := time.Second; ; backoff = NextBackoff(backoff, maxBackoff) {
		select {
		case <-client.closed:
			return false
		default:
		}

		ctx, cancel := context.WithTimeout(client.logCtx, maxBackoff)
		err := client.connectOnce(ctx)
		cancel()
		if err == nil {
			client.logger.Info(client.logCtx, "rabbitmq_reconnected", "Reconnected to RabbitMQ and re-ensured topology", nil)
			return true
		}

		client.logger.Error(client.logCtx, "retry_attempted", fmt.Sprintf("RabbitMQ reconnect failed: %v", err), err)

		select {
		case <-client.closed:
			return false
		case <-time.After(backoff):
		}
	}
}

// NextBackoff doubles curr, capped at max.
func NextBackoff(curr, max time.Duration) time.Duration {
	n := curr * 2
	if n > max {
		return max
	}
	return n
}
