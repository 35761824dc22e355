// Package errs holds the error taxonomy shared by the producer, the consumer and
// the submission API.
//
// Each error follows the same shape: a sentinel for errors.Is, a struct carrying
// details, and an Unwrap that exposes both the sentinel and the cause.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrTransport         = errors.New("transport error")
	ErrDeserialization   = errors.New("deserialization error")
	ErrUnrecognizedState = errors.New("unrecognized order state")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderNotFound     = errors.New("order not found")
)

// TransportError reports that a message could not be handed to the broker.
type TransportError struct {
	Op    string
	Cause error
}

func NewTransportError(op string, cause error) *TransportError {
	return &TransportError{Op: op, Cause: cause}
}

func (e *TransportError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", ErrTransport, e.Op)
	}
	return fmt.Sprintf("%s: %s (cause: %v)", ErrTransport, e.Op, e.Cause)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Cause}
}

// DeserializationError reports a delivered payload that is not a valid order message.
type DeserializationError struct {
	MessageID string
	Cause     error
}

func NewDeserializationError(messageID string, cause error) *DeserializationError {
	return &DeserializationError{MessageID: messageID, Cause: cause}
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("%s: message %q (cause: %v)", ErrDeserialization, e.MessageID, e.Cause)
}

func (e *DeserializationError) Unwrap() []error {
	return []error{ErrDeserialization, e.Cause}
}

// UnrecognizedStateError reports an order status outside the known enumeration.
type UnrecognizedStateError struct {
	OrderID string
	Status  int
}

func NewUnrecognizedStateError(orderID string, status int) *UnrecognizedStateError {
	return &UnrecognizedStateError{OrderID: orderID, Status: status}
}

func (e *UnrecognizedStateError) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("%s: %d", ErrUnrecognizedState, e.Status)
	}
	return fmt.Sprintf("%s: order %s has status %d", ErrUnrecognizedState, e.OrderID, e.Status)
}

func (e *UnrecognizedStateError) Unwrap() error {
	return ErrUnrecognizedState
}

// InvalidOrderError reports an order that violates the creation invariants.
type InvalidOrderError struct {
	Field  string
	Reason string
}

func NewInvalidOrderError(field, reason string) *InvalidOrderError {
	return &InvalidOrderError{Field: field, Reason: reason}
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidOrder, e.Field, e.Reason)
}

func (e *InvalidOrderError) Unwrap() error {
	return ErrInvalidOrder
}
