package postgres

import (
	"context"
	"errors"
	"fmt"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"
	"git.platform.alem.school/amibragim/delayed-orders/internal/ports"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"

	"github.com/jackc/pgx/v5"
)

// OrdersRepo keeps the authoritative order status in the orders table.
type OrdersRepo struct {
	db Querier
}

var (
	_ ports.OrderStore = (*OrdersRepo)(nil)
	_ ports.Transactor = (*OrdersRepo)(nil)
)

// NewOrdersRepo constructs an OrdersRepo over a pool (or any Querier).
// A transaction put in the context with WithTx takes precedence.
func NewOrdersRepo(db Querier) *OrdersRepo {
	return &OrdersRepo{db: db}
}

// Get returns the stored status of an order.
func (r *OrdersRepo) Get(ctx context.Context, orderID string) (orders.OrderStatus, error) {
	var status int
	err := querier(ctx, r.db).QueryRow(ctx, `
		SELECT status
		FROM orders
		WHERE id = $1
	`, orderID).Scan(&status)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, fmt.Errorf("order %s: %w", orderID, errs.ErrOrderNotFound)
	case err != nil:
		return 0, fmt.Errorf("select order %s: %w", orderID, err)
	}
	return orders.OrderStatus(status), nil
}

// UpdateStatus sets the status of an order, creating the row on first sight.
func (r *OrdersRepo) UpdateStatus(ctx context.Context, orderID string, status orders.OrderStatus) error {
	_, err := querier(ctx, r.db).Exec(ctx, `
		INSERT INTO orders (id, status)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		  SET status = EXCLUDED.status,
		      updated_at = now()
	`, orderID, int(status))
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", orderID, err)
	}
	return nil
}
