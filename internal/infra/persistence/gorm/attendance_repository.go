package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"live-classroom/internal/domain"
	"live-classroom/internal/repository"
)

// GormAttendanceRepository 是 AttendanceRepository 接口的 GORM 实现
type GormAttendanceRepository struct {
	db *gorm.DB
}

func NewGormAttendanceRepository(db *gorm.DB) *GormAttendanceRepository {
	if db == nil {
		panic("database connection cannot be nil for GormAttendanceRepository")
	}
	return &GormAttendanceRepository{db: db}
}

// CreateIfNotOpen 依赖 open_key 唯一索引：重复的加入请求在插入时冲突并被忽略。
func (r *GormAttendanceRepository) CreateIfNotOpen(ctx context.Context, rec *domain.AttendanceRecord) (bool, error) {
	key := domain.AttendanceOpenKey(rec.UserID, rec.RoomID)
	rec.OpenKey = &key
	rec.LeftAt = nil
	rec.DurationSeconds = nil

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		if isDuplicateEntryError(result.Error) {
			return false, nil
		}
		return false, fmt.Errorf("gorm: create attendance (user %d, room %s): %w", rec.UserID, rec.RoomID, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CloseOpen 只更新 left_at 为空的记录，重复的离开请求返回 ErrAttendanceNotFound。
func (r *GormAttendanceRepository) CloseOpen(ctx context.Context, userID uint, roomID string, leftAt time.Time) (*domain.AttendanceRecord, error) {
	var closed *domain.AttendanceRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec domain.AttendanceRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND room_id = ? AND left_at IS NULL", userID, roomID).
			Order("joined_at DESC").
			First(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrAttendanceNotFound
			}
			return err
		}

		duration := int64(leftAt.Sub(rec.JoinedAt) / time.Second)
		if duration < 0 {
			duration = 0
		}
		result := tx.Model(&domain.AttendanceRecord{}).
			Where("id = ? AND left_at IS NULL", rec.ID).
			Updates(map[string]interface{}{
				"left_at":          leftAt,
				"duration_seconds": duration,
				"open_key":         nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return repository.ErrAttendanceNotFound
		}
		rec.LeftAt = &leftAt
		rec.DurationSeconds = &duration
		rec.OpenKey = nil
		closed = &rec
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrAttendanceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("gorm: close attendance (user %d, room %s): %w", userID, roomID, err)
	}
	return closed, nil
}

func (r *GormAttendanceRepository) ListByRoom(ctx context.Context, roomID string) ([]domain.AttendanceRecord, error) {
	var recs []domain.AttendanceRecord
	if err := r.db.WithContext(ctx).Where("room_id = ?", roomID).Order("joined_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("gorm: list attendance for room %s: %w", roomID, err)
	}
	return recs, nil
}
