package repository

import (
	"context"
	"time"

	"live-classroom/internal/domain"
)

// RoomRepository 定义了房间持久化记录的存储和检索操作。
type RoomRepository interface {
	// Create 插入新房间；房间码冲突时返回 ErrDuplicateEntry。
	Create(ctx context.Context, room *domain.Room) error

	// FindByID 根据房间 ID 查找房间，不存在时返回 ErrRoomNotFound。
	FindByID(ctx context.Context, id string) (*domain.Room, error)

	// FindByCode 根据房间码查找房间，不存在时返回 ErrRoomNotFound。
	FindByCode(ctx context.Context, code string) (*domain.Room, error)

	// IsCodeTaken 检查房间码是否已被任何房间使用。
	IsCodeTaken(ctx context.Context, code string) (bool, error)

	// TransitionStatus moves a room from one status to another only if it is still in `from`.
	// Returns false when the row was not in `from`, ErrInvalidTransition when the lifecycle forbids from -> to.
	TransitionStatus(ctx context.Context, id string, from, to domain.RoomStatus) (bool, error)

	// RecordOccupancy raises the peak participant high-water mark to count and stamps
	// started_at the first time the room is occupied.
	RecordOccupancy(ctx context.Context, id string, count int, at time.Time) error

	// Close marks the room CLOSED with an end timestamp. Returns false if it was already closed.
	Close(ctx context.Context, id string, closedBy *uint, endedAt time.Time) (bool, error)

	// UpdateFlags 更新房间功能开关。
	UpdateFlags(ctx context.Context, id string, flags domain.RoomFlags) error

	// FindDueScheduled 返回 scheduled_at 已到的 SCHEDULED 房间。
	FindDueScheduled(ctx context.Context, now time.Time) ([]domain.Room, error)

	// FindOpen 返回所有 WAITING 或 ACTIVE 状态的房间 (用于清理孤儿房间)。
	FindOpen(ctx context.Context) ([]domain.Room, error)
}
