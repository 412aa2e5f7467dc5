package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"live-classroom/internal/domain"
	"live-classroom/internal/service"
	"live-classroom/internal/tasks"
	"live-classroom/internal/worker"
)

type mockDebiter struct{ mock.Mock }

func (m *mockDebiter) DebitForSession(ctx context.Context, userID uint, amount int64, roomID string, reference string) (*domain.Transaction, error) {
	args := m.Called(ctx, userID, amount, roomID, reference)
	txn, _ := args.Get(0).(*domain.Transaction)
	return txn, args.Error(1)
}

type mockSweeper struct{ mock.Mock }

func (m *mockSweeper) SweepStaleRooms(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type mockActivator struct{ mock.Mock }

func (m *mockActivator) ActivateDueRooms(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func newMux(d *mockDebiter, s *mockSweeper, a *mockActivator) *asynq.ServeMux {
	return worker.NewServeMux(worker.Handlers{Billing: d, Sweeper: s, Activator: a})
}

func debitTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := tasks.NewBillingDebitTask(tasks.BillingDebitPayload{UserID: 7, Amount: 3, RoomID: "room-1", Reference: "attendance:42"})
	require.NoError(t, err)
	return task
}

func TestBillingDebitHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		// Arrange
		d := new(mockDebiter)
		d.On("DebitForSession", mock.Anything, uint(7), int64(3), "room-1", "attendance:42").
			Return(&domain.Transaction{BalanceAfter: 10}, nil).Once()
		mux := newMux(d, new(mockSweeper), new(mockActivator))

		// Act
		err := mux.ProcessTask(ctx, debitTask(t))

		// Assert
		assert.NoError(t, err)
		d.AssertExpectations(t)
	})

	t.Run("insufficient credits skips retry", func(t *testing.T) {
		d := new(mockDebiter)
		d.On("DebitForSession", mock.Anything, uint(7), int64(3), "room-1", "attendance:42").
			Return(nil, service.ErrInsufficientCredits).Once()
		mux := newMux(d, new(mockSweeper), new(mockActivator))

		err := mux.ProcessTask(ctx, debitTask(t))

		require.Error(t, err)
		assert.True(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("transient error is retried", func(t *testing.T) {
		d := new(mockDebiter)
		d.On("DebitForSession", mock.Anything, uint(7), int64(3), "room-1", "attendance:42").
			Return(nil, service.ErrInternalServer).Once()
		mux := newMux(d, new(mockSweeper), new(mockActivator))

		err := mux.ProcessTask(ctx, debitTask(t))

		require.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry))
		assert.True(t, errors.Is(err, service.ErrInternalServer))
	})

	t.Run("bad payload skips retry", func(t *testing.T) {
		d := new(mockDebiter)
		mux := newMux(d, new(mockSweeper), new(mockActivator))

		err := mux.ProcessTask(ctx, asynq.NewTask(tasks.TypeBillingDebit, []byte(`{"user_id":0}`)))

		require.Error(t, err)
		assert.True(t, errors.Is(err, asynq.SkipRetry))
		d.AssertNotCalled(t, "DebitForSession", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRoomSweepHandler(t *testing.T) {
	ctx := context.Background()

	s := new(mockSweeper)
	s.On("SweepStaleRooms", mock.Anything).Return(2, nil).Once()
	s.On("SweepStaleRooms", mock.Anything).Return(0, errors.New("redis down")).Once()
	mux := newMux(new(mockDebiter), s, new(mockActivator))

	assert.NoError(t, mux.ProcessTask(ctx, tasks.NewRoomSweepTask()))
	assert.Error(t, mux.ProcessTask(ctx, tasks.NewRoomSweepTask()))
	s.AssertExpectations(t)
}

func TestMeetingsActivateHandler(t *testing.T) {
	ctx := context.Background()

	a := new(mockActivator)
	a.On("ActivateDueRooms", mock.Anything, mock.AnythingOfType("time.Time")).Return(1, nil).Once()
	mux := newMux(new(mockDebiter), new(mockSweeper), a)

	assert.NoError(t, mux.ProcessTask(ctx, tasks.NewMeetingsActivateTask()))
	a.AssertExpectations(t)
}

func TestNewServeMux_PanicsOnNilDependency(t *testing.T) {
	assert.Panics(t, func() {
		worker.NewServeMux(worker.Handlers{Sweeper: new(mockSweeper), Activator: new(mockActivator)})
	})
}
