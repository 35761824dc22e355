package contracts

import (
	"encoding/json"
	"testing"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderMessage_WireFormat(t *testing.T) {
	msg := FromOrder(orders.Order{ID: "123456", Name: "Mi 6", Status: orders.StatusPending})

	body, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id":"123456","order_name":"Mi 6","order_status":0}`, string(body))
}

func TestDecodeOrderMessage(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		msg, err := DecodeOrderMessage([]byte(`{"order_id":"456789","order_name":"Mi 8","order_status":1}`))
		require.NoError(t, err)
		assert.Equal(t, orders.Order{ID: "456789", Name: "Mi 8", Status: orders.StatusPaid}, msg.Order())
	})

	t.Run("unknown status still decodes", func(t *testing.T) {
		msg, err := DecodeOrderMessage([]byte(`{"order_id":"1","order_status":99}`))
		require.NoError(t, err)
		assert.Equal(t, 99, msg.OrderStatus)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodeOrderMessage([]byte(`{"order_id":`))
		assert.Error(t, err)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := DecodeOrderMessage([]byte(`{"order_status":0}`))
		assert.EqualError(t, err, "order_id is missing")
	})

	t.Run("missing status", func(t *testing.T) {
		_, err := DecodeOrderMessage([]byte(`{"order_id":"1"}`))
		assert.EqualError(t, err, "order_status is missing")
	})

	t.Run("status of wrong type", func(t *testing.T) {
		_, err := DecodeOrderMessage([]byte(`{"order_id":"1","order_status":"paid"}`))
		assert.Error(t, err)
	})
}
