package delayconsumer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"git.platform.alem.school/amibragim/delayed-orders/internal/domain/orders"
	"git.platform.alem.school/amibragim/delayed-orders/internal/shared/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type storeMock struct {
	mock.Mock
}

func (m *storeMock) Get(ctx context.Context, orderID string) (orders.OrderStatus, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(orders.OrderStatus), args.Error(1)
}

func (m *storeMock) UpdateStatus(ctx context.Context, orderID string, status orders.OrderStatus) error {
	args := m.Called(ctx, orderID, status)
	return args.Error(0)
}

type recordingObserver struct {
	mu        sync.Mutex
	decisions []Decision
	anomalies []error
}

func (o *recordingObserver) OnDecision(_ context.Context, d Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, d)
}

func (o *recordingObserver) OnAnomaly(_ context.Context, _ orders.Order, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.anomalies = append(o.anomalies, err)
}

func (o *recordingObserver) byID() map[string]Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := map[string]Decision{}
	for _, d := range o.decisions {
		out[d.Order.ID] = d
	}
	return out
}

func TestEvaluator_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		status  orders.OrderStatus
		want    orders.OrderStatus
		changed bool
	}{
		{"pending is cancelled", orders.StatusPending, orders.StatusCancelled, true},
		{"paid is left alone", orders.StatusPaid, orders.StatusPaid, false},
		{"cancelled is a no-op", orders.StatusCancelled, orders.StatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			e := NewEvaluator(WithObserver(obs))

			order := orders.Order{ID: "123456", Name: "Mi 6", Status: tt.status}
			d, err := e.Evaluate(context.Background(), order)
			require.NoError(t, err)

			assert.Equal(t, tt.status, d.From)
			assert.Equal(t, tt.want, d.To)
			assert.Equal(t, tt.want, d.Order.Status)
			assert.Equal(t, tt.changed, d.Changed)
			assert.Equal(t, SourcePayload, d.Source)
			assert.False(t, d.EvaluatedAt.IsZero())

			// the caller's copy is not touched
			assert.Equal(t, tt.status, order.Status)
			require.Len(t, obs.decisions, 1)
		})
	}
}

func TestEvaluator_CancelledIsIdempotent(t *testing.T) {
	store := new(storeMock)
	e := NewEvaluator(WithStore(store, false))

	order := orders.Order{ID: "123456", Status: orders.StatusCancelled}
	for i := 0; i < 3; i++ {
		d, err := e.Evaluate(context.Background(), order)
		require.NoError(t, err)
		assert.False(t, d.Changed)
		assert.Equal(t, orders.StatusCancelled, d.To)
	}

	// nothing to commit for a no-op
	store.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluator_Unrecognized(t *testing.T) {
	obs := &recordingObserver{}
	e := NewEvaluator(WithObserver(obs))

	_, err := e.Evaluate(context.Background(), orders.Order{ID: "777", Status: orders.OrderStatus(99)})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUnrecognizedState)
	assert.False(t, IsRetryable(err))

	var use *errs.UnrecognizedStateError
	require.ErrorAs(t, err, &use)
	assert.Equal(t, "777", use.OrderID)
	assert.Equal(t, 99, use.Status)

	assert.Empty(t, obs.decisions)
	require.Len(t, obs.anomalies, 1)
}

func TestEvaluator_CommitsToStore(t *testing.T) {
	store := new(storeMock)
	store.On("UpdateStatus", mock.Anything, "123456", orders.StatusCancelled).Return(nil).Once()

	e := NewEvaluator(WithStore(store, false))

	_, err := e.Evaluate(context.Background(), orders.Order{ID: "123456", Status: orders.StatusPending})
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), orders.Order{ID: "456789", Status: orders.StatusPaid})
	require.NoError(t, err)

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestEvaluator_StoreFailureIsRetryable(t *testing.T) {
	store := new(storeMock)
	store.On("UpdateStatus", mock.Anything, "123456", orders.StatusCancelled).Return(errors.New("connection reset"))

	obs := &recordingObserver{}
	e := NewEvaluator(WithStore(store, false), WithObserver(obs))

	_, err := e.Evaluate(context.Background(), orders.Order{ID: "123456", Status: orders.StatusPending})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "update status of order 123456")
	assert.Empty(t, obs.decisions)
}

func TestEvaluator_Refetch(t *testing.T) {
	t.Run("order paid while delayed is not cancelled", func(t *testing.T) {
		store := new(storeMock)
		store.On("Get", mock.Anything, "123456").Return(orders.StatusPaid, nil)

		e := NewEvaluator(WithStore(store, true))
		d, err := e.Evaluate(context.Background(), orders.Order{ID: "123456", Status: orders.StatusPending})
		require.NoError(t, err)

		assert.Equal(t, SourceStore, d.Source)
		assert.Equal(t, orders.StatusPaid, d.To)
		assert.False(t, d.Changed)
		store.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown order falls back to payload", func(t *testing.T) {
		store := new(storeMock)
		store.On("Get", mock.Anything, "123456").Return(orders.OrderStatus(0), errs.ErrOrderNotFound)
		store.On("UpdateStatus", mock.Anything, "123456", orders.StatusCancelled).Return(nil)

		e := NewEvaluator(WithStore(store, true))
		d, err := e.Evaluate(context.Background(), orders.Order{ID: "123456", Status: orders.StatusPending})
		require.NoError(t, err)

		assert.Equal(t, SourcePayload, d.Source)
		assert.Equal(t, orders.StatusCancelled, d.To)
		store.AssertExpectations(t)
	})

	t.Run("store down is retryable", func(t *testing.T) {
		store := new(storeMock)
		store.On("Get", mock.Anything, "123456").Return(orders.OrderStatus(0), errors.New("timeout"))

		e := NewEvaluator(WithStore(store, true))
		_, err := e.Evaluate(context.Background(), orders.Order{ID: "123456", Status: orders.StatusPending})
		assert.True(t, IsRetryable(err))
	})

	t.Run("refetch without store is ignored", func(t *testing.T) {
		e := NewEvaluator(WithStore(nil, true))
		d, err := e.Evaluate(context.Background(), orders.Order{ID: "1", Status: orders.StatusPending})
		require.NoError(t, err)
		assert.Equal(t, SourcePayload, d.Source)
	})
}

func TestEvaluator_FansOutToObservers(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	e := NewEvaluator(WithObserver(a), WithObserver(nil), WithObserver(b))

	_, err := e.Evaluate(context.Background(), orders.Order{ID: "1", Status: orders.StatusPaid})
	require.NoError(t, err)
	_, _ = e.Evaluate(context.Background(), orders.Order{ID: "2", Status: orders.OrderStatus(5)})

	for _, o := range []*recordingObserver{a, b} {
		assert.Len(t, o.decisions, 1)
		assert.Len(t, o.anomalies, 1)
	}

	// no observer at all is fine
	_, err = NewEvaluator().Evaluate(context.Background(), orders.Order{ID: "3", Status: orders.StatusPending})
	assert.NoError(t, err)
}

func TestRetryable(t *testing.T) {
	assert.NoError(t, Retryable(nil))

	cause := errors.New("boom")
	err := Retryable(cause)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "boom", err.Error())
	assert.False(t, IsRetryable(cause))
}
