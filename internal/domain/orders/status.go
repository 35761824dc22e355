package orders

import (
	"strconv"

	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"
)

// OrderStatus is the lifecycle stage of an order, carried on the wire as a small integer.
type OrderStatus int

const (
	StatusPending   OrderStatus = 0
	StatusPaid      OrderStatus = 1
	StatusCancelled OrderStatus = 2
)

// String returns the lowercase name of a known status, or the number for anything else.
func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPaid:
		return "paid"
	case StatusCancelled:
		return "cancelled"
	default:
		return strconv.Itoa(int(s))
	}
}

// Known reports whether s belongs to the modeled enumeration.
func (s OrderStatus) Known() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCancelled:
		return true
	default:
		return false
	}
}

// ValidAtCreation reports whether an order may be created with status s.
// No order starts out cancelled.
func (s OrderStatus) ValidAtCreation() bool {
	return s == StatusPending || s == StatusPaid
}

// OnDelivery returns the status an order moves to once its delay has elapsed.
//
//	pending   -> cancelled (never paid within the window)
//	paid      -> paid
//	cancelled -> cancelled (already terminal; safe to repeat)
func (s OrderStatus) OnDelivery() (OrderStatus, error) {
	switch s {
	case StatusPending:
		return StatusCancelled, nil
	case StatusPaid:
		return StatusPaid, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return s, errs.NewUnrecognizedStateError("", int(s))
	}
}

// ParseStatus accepts either the numeric wire value or the lowercase name.
func ParseStatus(v string) (OrderStatus, bool) {
	switch v {
	case "pending", "PENDING":
		return StatusPending, true
	case "paid", "PAID":
		return StatusPaid, true
	case "cancelled", "CANCELLED", "canceled":
		return StatusCancelled, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	s := OrderStatus(n)
	return s, s.Known()
}
