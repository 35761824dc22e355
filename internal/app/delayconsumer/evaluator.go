package delayconsumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"
	"git.platform.alem.school/amibragim/delayed-orders/internal/ports"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"
)

// Where the status used for a decision came from.
const (
	SourcePayload = "payload"
	SourceStore   = "store"
)

// Decision is the outcome of evaluating one delivered order.
type Decision struct {
	Order       orders.Order // order after the transition
	From        orders.OrderStatus
	To          orders.OrderStatus
	Changed     bool
	Source      string
	EvaluatedAt time.Time
}

// Observer is told about every decision and every anomaly.
type Observer interface {
	OnDecision(ctx context.Context, decision Decision)
	OnAnomaly(ctx context.Context, order orders.Order, err error)
}

// Evaluator applies the delivery-time lifecycle to orders.
//
// By default it trusts the status carried in the message, which may be stale by the
// time the delay has elapsed. WithStore(store, true) re-reads the status first.
type Evaluator struct {
	store     ports.OrderStore
	refetch   bool
	observers observers
	now       func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithStore commits transitions to store; with refetch the stored status wins over the payload.
func WithStore(store ports.OrderStore, refetch bool) Option {
	return func(e *Evaluator) {
		e.store = store
		e.refetch = refetch && store != nil
	}
}

// WithObserver adds an observer; observers are told in the order they were added.
func WithObserver(observer Observer) Option {
	return func(e *Evaluator) {
		if observer != nil {
			e.observers = append(e.observers, observer)
		}
	}
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate decides the next status of order. Unrecognized statuses yield an
// *errs.UnrecognizedStateError; store failures are Retryable.
func (e *Evaluator) Evaluate(ctx context.Context, order orders.Order) (Decision, error) {
	current, source := order.Status, SourcePayload

	if e.refetch {
		stored, err := e.store.Get(ctx, order.ID)
		switch {
		case err == nil:
			current, source = stored, SourceStore
		case errors.Is(err, errs.ErrOrderNotFound):
			// never recorded; the payload is all we have
		default:
			return Decision{}, Retryable(fmt.Errorf("fetch status of order %s: %w", order.ID, err))
		}
	}

	next, err := current.OnDelivery()
	if err != nil {
		uerr := errs.NewUnrecognizedStateError(order.ID, int(current))
		e.observers.OnAnomaly(ctx, order, uerr)
		return Decision{}, uerr
	}

	decision := Decision{
		Order:       order,
		From:        current,
		To:          next,
		Changed:     next != current,
		Source:      source,
		EvaluatedAt: e.now(),
	}
	decision.Order.Status = next

	if decision.Changed && e.store != nil {
		if err := e.store.UpdateStatus(ctx, order.ID, next); err != nil {
			return Decision{}, Retryable(fmt.Errorf("update status of order %s: %w", order.ID, err))
		}
	}

	e.observers.OnDecision(ctx, decision)
	return decision, nil
}

// observers fans out to every registered Observer; none is a no-op.
type observers []Observer

func (list observers) OnDecision(ctx context.Context, decision Decision) {
	for _, o := range list {
		o.OnDecision(ctx, decision)
	}
}

func (list observers) OnAnomaly(ctx context.Context, order orders.Order, err error) {
	for _, o := range list {
		o.OnAnomaly(ctx, order, err)
	}
}
