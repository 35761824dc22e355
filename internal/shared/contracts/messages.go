package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"
)

// ContentType is agreed between the delay producer and the delivery consumer.
const ContentType = "application/json"

// OrderMessage is published to the delay exchange and delivered, unchanged, from the ready queue.
type OrderMessage struct {
	OrderID     string `json:"order_id"`
	OrderName   string `json:"order_name"`
	OrderStatus int    `json:"order_status"` // 0 pending | 1 paid | 2 cancelled
}

// FromOrder converts a domain order into its wire form.
func FromOrder(order orders.Order) OrderMessage {
	return OrderMessage{
		OrderID:     order.ID,
		OrderName:   order.Name,
		OrderStatus: int(order.Status),
	}
}

// Order converts the wire form back into a domain order without validating the status;
// status checks belong to the lifecycle evaluator.
func (msg OrderMessage) Order() orders.Order {
	return orders.Order{
		ID:     msg.OrderID,
		Name:   msg.OrderName,
		Status: orders.OrderStatus(msg.OrderStatus),
	}
}

// DecodeOrderMessage parses a delivered body. order_id and order_status must both be present.
func DecodeOrderMessage(body []byte) (OrderMessage, error) {
	var raw struct {
		OrderID     *string `json:"order_id"`
		OrderName   string  `json:"order_name"`
		OrderStatus *int    `json:"order_status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return OrderMessage{}, err
	}
	if raw.OrderID == nil || *raw.OrderID == "" {
		return OrderMessage{}, fmt.Errorf("order_id is missing")
	}
	if raw.OrderStatus == nil {
		return OrderMessage{}, fmt.Errorf("order_status is missing")
	}

	return OrderMessage{
		OrderID:     *raw.OrderID,
		OrderName:   raw.OrderName,
		OrderStatus: *raw.OrderStatus,
	}, nil
}

// StatusDecision is the structured record emitted after each lifecycle evaluation.
type StatusDecision struct {
	OrderID     string    `json:"order_id"`
	OrderName   string    `json:"order_name"`
	OldStatus   string    `json:"old_status"`
	NewStatus   string    `json:"new_status"`
	Changed     bool      `json:"changed"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}
