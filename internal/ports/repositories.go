package ports

import (
	"context"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"
)

// OrderStore is the authoritative order status, outside the message flow.
// Get returns errs.ErrOrderNotFound for unknown ids.
type OrderStore interface {
	Get(ctx context.Context, orderID string) (orders.OrderStatus, error)
	UpdateStatus(ctx context.Context, orderID string, status orders.OrderStatus) error
}

// Transactor is implemented by stores that can group calls atomically. Store calls
// made with the ctx passed to fn join the transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
