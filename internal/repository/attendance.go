package repository

import (
	"context"
	"time"

	"live-classroom/internal/domain"
)

// AttendanceRepository 出勤记录存储。
type AttendanceRepository interface {
	// CreateIfNotOpen inserts rec unless an open record already exists for (user, room).
	// Duplicate inserts from retried joins are ignored and reported as created=false.
	CreateIfNotOpen(ctx context.Context, rec *domain.AttendanceRecord) (created bool, err error)

	// CloseOpen stamps left_at and duration on the most recent open record for (user, room).
	// Returns ErrAttendanceNotFound when no open record exists.
	CloseOpen(ctx context.Context, userID uint, roomID string, leftAt time.Time) (*domain.AttendanceRecord, error)

	// ListByRoom 按加入时间列出房间的所有出勤记录。
	ListByRoom(ctx context.Context, roomID string) ([]domain.AttendanceRecord, error)
}
