package rabbitmq

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Declarer is the part of *amqp.Channel needed to declare the topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology describes the two-stage delay graph:
//
//	DelayExchange --DelayRoutingKey--> DelayQueue (x-message-ttl = TTL)
//	    expired --> WorkExchange --ReadyRoutingKey--> ReadyQueue
//	    rejected --> ParkingExchange --> ParkingQueue
//	DelayExchange --RetryRoutingKey--> RetryQueue (x-message-ttl = RetryDelay)
//	    expired --> WorkExchange --ReadyRoutingKey--> ReadyQueue
//
// Nothing consumes DelayQueue or RetryQueue; messages leave them only by expiring.
type Topology struct {
	DelayExchange   string
	DelayQueue      string
	DelayRoutingKey string
	WorkExchange    string
	ReadyQueue      string
	ReadyRoutingKey string
	ParkingExchange string
	ParkingQueue    string
	RetryQueue      string
	RetryRoutingKey string
	TTL             time.Duration
	RetryDelay      time.Duration
}

// TopologyFromConfig copies the delay section of cfg.
func TopologyFromConfig(cfg *config.Config) Topology {
	d := cfg.Delay
	return Topology{
		DelayExchange:   d.DelayExchange,
		DelayQueue:      d.DelayQueue,
		DelayRoutingKey: d.DelayRoutingKey,
		WorkExchange:    d.WorkExchange,
		ReadyQueue:      d.ReadyQueue,
		ReadyRoutingKey: d.ReadyRoutingKey,
		ParkingExchange: d.ParkingExchange,
		ParkingQueue:    d.ParkingQueue,
		RetryQueue:      d.RetryQueue,
		RetryRoutingKey: d.RetryRoutingKey,
		TTL:             d.TTL,
		RetryDelay:      d.RetryDelay,
	}
}

// Validate checks names and the TTL range accepted by x-message-ttl.
func (t Topology) Validate() error {
	var problems []string

	required := []struct{ name, value string }{
		{"delay exchange", t.DelayExchange},
		{"delay queue", t.DelayQueue},
		{"delay routing key", t.DelayRoutingKey},
		{"work exchange", t.WorkExchange},
		{"ready queue", t.ReadyQueue},
		{"ready routing key", t.ReadyRoutingKey},
		{"parking exchange", t.ParkingExchange},
		{"parking queue", t.ParkingQueue},
		{"retry queue", t.RetryQueue},
		{"retry routing key", t.RetryRoutingKey},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			problems = append(problems, r.name+" is required")
		}
	}

	if t.DelayQueue != "" && t.DelayQueue == t.ReadyQueue {
		problems = append(problems, "delay queue and ready queue must differ")
	}
	if t.RetryQueue != "" && (t.RetryQueue == t.DelayQueue || t.RetryQueue == t.ReadyQueue) {
		problems = append(problems, "retry queue must differ from delay and ready queues")
	}
	if t.RetryRoutingKey != "" && t.RetryRoutingKey == t.DelayRoutingKey {
		problems = append(problems, "retry routing key and delay routing key must differ")
	}
	if t.DelayExchange != "" && t.DelayExchange == t.WorkExchange {
		problems = append(problems, "delay exchange and work exchange must differ")
	}

	problems = append(problems, ttlProblems("ttl", t.TTL)...)
	problems = append(problems, ttlProblems("retry delay", t.RetryDelay)...)

	if len(problems) > 0 {
		return errors.New("topology: " + strings.Join(problems, "; "))
	}
	return nil
}

func ttlProblems(name string, d time.Duration) []string {
	switch ms := d.Milliseconds(); {
	case ms <= 0:
		return []string{name + " must be at least 1ms"}
	case ms > math.MaxInt32:
		return []string{fmt.Sprintf("%s must be at most %dms", name, math.MaxInt32)}
	}
	return nil
}

// DelayQueueArgs are the arguments that turn DelayQueue into a timed holding area.
func (t Topology) DelayQueueArgs() amqp.Table {
	return amqp.Table{
		"x-message-ttl":             int32(t.TTL.Milliseconds()),
		"x-dead-letter-exchange":    t.WorkExchange,
		"x-dead-letter-routing-key": t.ReadyRoutingKey,
	}
}

// RetryQueueArgs hold a failed delivery for RetryDelay, then return it to the ready queue.
func (t Topology) RetryQueueArgs() amqp.Table {
	return amqp.Table{
		"x-message-ttl":             int32(t.RetryDelay.Milliseconds()),
		"x-dead-letter-exchange":    t.WorkExchange,
		"x-dead-letter-routing-key": t.ReadyRoutingKey,
	}
}

// ReadyQueueArgs park rejected deliveries instead of dropping them.
func (t Topology) ReadyQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange": t.ParkingExchange,
	}
}

// Declare creates exchanges, queues and bindings. Re-declaring an identical topology
// is a no-op on the broker; a topology with different arguments fails with a
// PRECONDITION_FAILED error instead of being silently replaced.
func (t Topology) Declare(ch Declarer) error {
	if err := t.Validate(); err != nil {
		return err
	}

	// delay stage
	if err := ch.ExchangeDeclare(t.DelayExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.DelayExchange, err)
	}
	if _, err := ch.QueueDeclare(t.DelayQueue, true, false, false, false, t.DelayQueueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.DelayQueue, err)
	}
	if err := ch.QueueBind(t.DelayQueue, t.DelayRoutingKey, t.DelayExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.DelayQueue, err)
	}
	if _, err := ch.QueueDeclare(t.RetryQueue, true, false, false, false, t.RetryQueueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.RetryQueue, err)
	}
	if err := ch.QueueBind(t.RetryQueue, t.RetryRoutingKey, t.DelayExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.RetryQueue, err)
	}

	// parking stage, declared before the ready queue that points at it
	if err := ch.ExchangeDeclare(t.ParkingExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.ParkingExchange, err)
	}
	if _, err := ch.QueueDeclare(t.ParkingQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.ParkingQueue, err)
	}
	if err := ch.QueueBind(t.ParkingQueue, "", t.ParkingExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.ParkingQueue, err)
	}

	// ready stage
	if err := ch.ExchangeDeclare(t.WorkExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.WorkExchange, err)
	}
	if _, err := ch.QueueDeclare(t.ReadyQueue, true, false, false, false, t.ReadyQueueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.ReadyQueue, err)
	}
	if err := ch.QueueBind(t.ReadyQueue, t.ReadyRoutingKey, t.WorkExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.ReadyQueue, err)
	}

	return nil
}
