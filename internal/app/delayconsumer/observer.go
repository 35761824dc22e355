package delayconsumer

import (
	"context"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/contracts"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/logger"
)

// LogObserver writes one structured entry per decision.
type LogObserver struct {
	logger *logger.Logger
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(logger *logger.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnDecision(ctx context.Context, d Decision) {
	details := contracts.StatusDecision{
		OrderID:     d.Order.ID,
		OrderName:   d.Order.Name,
		OldStatus:   d.From.String(),
		NewStatus:   d.To.String(),
		Changed:     d.Changed,
		EvaluatedAt: d.EvaluatedAt.UTC().Truncate(time.Millisecond),
	}

	switch d.From {
	case orders.StatusPending:
		o.logger.Info(ctx, "order_cancelled", "Order was not paid within the delay window; cancelled", details)
	case orders.StatusPaid:
		o.logger.Info(ctx, "order_paid", "Order already paid; nothing to do", details)
	case orders.StatusCancelled:
		o.logger.Info(ctx, "order_already_cancelled", "Order already cancelled; no-op", details)
	}
}

func (o *LogObserver) OnAnomaly(ctx context.Context, order orders.Order, err error) {
	o.logger.Error(ctx, "unrecognized_order_status", "Order status is outside the lifecycle; parking message", err)
}
