package errs_test

import (
	"errors"
	"testing"

	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"

	"github.com/stretchr/testify/assert"
)

func TestTransportError(t *testing.T) {
	t.Run("with cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := errs.NewTransportError("publish", cause)

		assert.Equal(t, "transport error: publish (cause: connection refused)", err.Error())
		assert.ErrorIs(t, err, errs.ErrTransport)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("without cause", func(t *testing.T) {
		err := errs.NewTransportError("publish", nil)
		assert.Equal(t, "transport error: publish", err.Error())
		assert.ErrorIs(t, err, errs.ErrTransport)
	})

	t.Run("errors.As through wrapping", func(t *testing.T) {
		wrapped := errors.Join(errors.New("submit 123"), errs.NewTransportError("confirm", nil))

		var te *errs.TransportError
		assert.True(t, errors.As(wrapped, &te))
		assert.Equal(t, "confirm", te.Op)
	})
}

func TestDeserializationError(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := errs.NewDeserializationError("msg-1", cause)

	assert.Equal(t, `deserialization error: message "msg-1" (cause: unexpected end of JSON input)`, err.Error())
	assert.ErrorIs(t, err, errs.ErrDeserialization)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, errs.ErrTransport)
}

func TestUnrecognizedStateError(t *testing.T) {
	err := errs.NewUnrecognizedStateError("123456", 99)
	assert.Equal(t, "unrecognized order state: order 123456 has status 99", err.Error())
	assert.ErrorIs(t, err, errs.ErrUnrecognizedState)

	bare := errs.NewUnrecognizedStateError("", 7)
	assert.Equal(t, "unrecognized order state: 7", bare.Error())
}

func TestInvalidOrderError(t *testing.T) {
	err := errs.NewInvalidOrderError("order_id", "is required")
	assert.Equal(t, "invalid order: order_id is required", err.Error())
	assert.ErrorIs(t, err, errs.ErrInvalidOrder)
}
