package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"live-classroom/internal/domain"
	"live-classroom/internal/service"
	"live-classroom/internal/tasks"
)

// SessionDebiter 由 service.BillingService 实现。
type SessionDebiter interface {
	DebitForSession(ctx context.Context, userID uint, amount int64, roomID string, reference string) (*domain.Transaction, error)
}

// RoomSweeper 关闭孤儿房间，返回关闭数量。由 hub.Hub 实现，以便同时释放媒体资源。
type RoomSweeper interface {
	SweepStaleRooms(ctx context.Context) (int, error)
}

// MeetingActivator 由 service.RoomService 实现。
type MeetingActivator interface {
	ActivateDueRooms(ctx context.Context, now time.Time) (int, error)
}

func taskLogCtx(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})
}

// BillingDebitHandler 处理离开房间时未能完成的会话扣费。
type BillingDebitHandler struct {
	billing SessionDebiter
}

func NewBillingDebitHandler(billing SessionDebiter) *BillingDebitHandler {
	if billing == nil {
		panic("SessionDebiter cannot be nil for BillingDebitHandler")
	}
	return &BillingDebitHandler{billing: billing}
}

// ProcessTask 实现 asynq.Handler。余额不足或载荷无效时不再重试，其余错误交给 asynq 退避重试。
func (h *BillingDebitHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogCtx(ctx, t)

	payload, err := tasks.ParseBillingDebitPayload(t)
	if err != nil {
		logCtx.WithError(err).Error("Failed to parse billing debit payload")
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithFields(logrus.Fields{"user_id": payload.UserID, "room_id": payload.RoomID, "reference": payload.Reference})

	txn, err := h.billing.DebitForSession(ctx, payload.UserID, payload.Amount, payload.RoomID, payload.Reference)
	if err != nil {
		if errors.Is(err, service.ErrInsufficientCredits) || errors.Is(err, service.ErrInvalidAmount) {
			logCtx.WithError(err).Warn("Billing debit retry abandoned")
			return fmt.Errorf("debit %s: %v: %w", payload.Reference, err, asynq.SkipRetry)
		}
		logCtx.WithError(err).Warn("Billing debit retry failed, will retry")
		return fmt.Errorf("debit %s: %w", payload.Reference, err)
	}

	logCtx.WithField("balance_after", txn.BalanceAfter).Info("Billing debit retry succeeded")
	return nil
}

// RoomSweepHandler 周期清理 TTL 过期后留下的不一致房间。
type RoomSweepHandler struct {
	sweeper RoomSweeper
}

func NewRoomSweepHandler(sweeper RoomSweeper) *RoomSweepHandler {
	if sweeper == nil {
		panic("RoomSweeper cannot be nil for RoomSweepHandler")
	}
	return &RoomSweepHandler{sweeper: sweeper}
}

func (h *RoomSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	closed, err := h.sweeper.SweepStaleRooms(ctx)
	if err != nil {
		taskLogCtx(ctx, t).WithError(err).Error("Room sweep failed")
		return fmt.Errorf("sweep stale rooms: %w", err)
	}
	taskLogCtx(ctx, t).WithField("closed", closed).Debug("Room sweep finished")
	return nil
}

// MeetingsActivateHandler 启动到期的预约房间。
type MeetingsActivateHandler struct {
	rooms MeetingActivator
	now   func() time.Time
}

func NewMeetingsActivateHandler(rooms MeetingActivator) *MeetingsActivateHandler {
	if rooms == nil {
		panic("MeetingActivator cannot be nil for MeetingsActivateHandler")
	}
	return &MeetingsActivateHandler{rooms: rooms, now: time.Now}
}

func (h *MeetingsActivateHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	started, err := h.rooms.ActivateDueRooms(ctx, h.now())
	if err != nil {
		taskLogCtx(ctx, t).WithError(err).Error("Scheduled room activation failed")
		return fmt.Errorf("activate due rooms: %w", err)
	}
	if started > 0 {
		taskLogCtx(ctx, t).WithField("started", started).Info("Scheduled rooms activated")
	}
	return nil
}
