package orders

import (
	"fmt"
	"strings"

	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"
)

// Order is one purchase event. ID and Name never change after creation; Status is
// the only field the delivery side may move.
type Order struct {
	ID     string
	Name   string
	Status OrderStatus
}

// New builds an order and enforces the creation invariants.
func New(id, name string, status OrderStatus) (Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Order{}, errs.NewInvalidOrderError("order_id", "is required")
	}
	if !status.ValidAtCreation() {
		return Order{}, errs.NewInvalidOrderError("order_status", fmt.Sprintf("must be pending or paid at creation, got %s", status))
	}

	return Order{ID: id, Name: strings.TrimSpace(name), Status: status}, nil
}

// String is used in log lines.
func (order Order) String() string {
	return fmt.Sprintf("Order{id=%s, name=%q, status=%s}", order.ID, order.Name, order.Status)
}
