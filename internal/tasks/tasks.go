package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// 任务类型常量
const (
	TypeBillingDebit     = "billing:debit"     // 离开房间时扣费失败后的补扣
	TypeRoomSweep        = "rooms:sweep"       // 清理 TTL 过期或状态不一致的房间
	TypeMeetingsActivate = "meetings:activate" // 启动到期的预约房间
)

// BillingDebitPayload 补扣任务载荷。Reference 保证同一次会话只扣一次。
type BillingDebitPayload struct {
	UserID    uint   `json:"user_id"`
	Amount    int64  `json:"amount"`
	RoomID    string `json:"room_id"`
	Reference string `json:"reference"`
}

// NewBillingDebitTask 创建补扣任务。以 reference 作为 TaskID，重复入队会被 asynq 拒绝。
func NewBillingDebitTask(p BillingDebitPayload) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeBillingDebit, payloadBytes,
		asynq.MaxRetry(10),
		asynq.Queue("critical"),
		asynq.TaskID("debit:"+p.Reference),
	), nil
}

// ParseBillingDebitPayload 解析补扣任务载荷。
func ParseBillingDebitPayload(t *asynq.Task) (BillingDebitPayload, error) {
	var p BillingDebitPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, err
	}
	if p.UserID == 0 || p.Amount <= 0 || p.Reference == "" {
		return p, fmt.Errorf("invalid billing debit payload: %+v", p)
	}
	return p, nil
}

// NewRoomSweepTask 周期性清理任务，无载荷。
func NewRoomSweepTask() *asynq.Task {
	return asynq.NewTask(TypeRoomSweep, nil, asynq.MaxRetry(1), asynq.Timeout(2*time.Minute))
}

// NewMeetingsActivateTask 周期性启动预约房间，无载荷。
func NewMeetingsActivateTask() *asynq.Task {
	return asynq.NewTask(TypeMeetingsActivate, nil, asynq.MaxRetry(1), asynq.Timeout(time.Minute))
}

// Dispatcher 通过 asynq.Client 入队任务。
type Dispatcher struct {
	client *asynq.Client
}

func NewDispatcher(client *asynq.Client) *Dispatcher {
	if client == nil {
		panic("asynq client cannot be nil for Dispatcher")
	}
	return &Dispatcher{client: client}
}

// EnqueueBillingDebit 入队补扣任务；同一 reference 已在队列中时视为成功。
func (d *Dispatcher) EnqueueBillingDebit(ctx context.Context, p BillingDebitPayload) error {
	task, err := NewBillingDebitTask(p)
	if err != nil {
		return fmt.Errorf("build billing debit task: %w", err)
	}
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("enqueue billing debit: %w", err)
	}
	return nil
}
