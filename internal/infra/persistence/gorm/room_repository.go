package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"live-classroom/internal/domain"
	"live-classroom/internal/repository"
)

// GormRoomRepository 是 RoomRepository 接口的 GORM 实现
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

func (r *GormRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	if err := r.db.WithContext(ctx).Create(room).Error; err != nil {
		if isDuplicateEntryError(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create room %s: %w", room.ID, err)
	}
	return nil
}

// FindByID 实现根据房间 ID 查找房间
func (r *GormRoomRepository) FindByID(ctx context.Context, id string) (*domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by id %s: %w", id, err)
	}
	return &room, nil
}

// FindByCode 实现根据房间码查找房间
func (r *GormRoomRepository) FindByCode(ctx context.Context, code string) (*domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by code '%s': %w", code, err)
	}
	return &room, nil
}

func (r *GormRoomRepository) IsCodeTaken(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Room{}).Where("code = ?", code).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gorm: check room code '%s': %w", code, err)
	}
	return count > 0, nil
}

func (r *GormRoomRepository) TransitionStatus(ctx context.Context, id string, from, to domain.RoomStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("gorm: transition room %s %s->%s: %w", id, from, to, repository.ErrInvalidTransition)
	}
	updates := map[string]interface{}{"status": to}
	result := r.db.WithContext(ctx).Model(&domain.Room{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("gorm: transition room %s %s->%s: %w", id, from, to, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RecordOccupancy 用条件更新实现 max(peak, count)，避免读后写。
func (r *GormRoomRepository) RecordOccupancy(ctx context.Context, id string, count int, at time.Time) error {
	db := r.db.WithContext(ctx).Model(&domain.Room{})
	if err := db.Where("id = ? AND peak_participants < ?", id, count).
		Update("peak_participants", count).Error; err != nil {
		return fmt.Errorf("gorm: raise peak for room %s: %w", id, err)
	}
	if err := r.db.WithContext(ctx).Model(&domain.Room{}).
		Where("id = ? AND started_at IS NULL", id).
		Update("started_at", at).Error; err != nil {
		return fmt.Errorf("gorm: stamp started_at for room %s: %w", id, err)
	}
	return nil
}

func (r *GormRoomRepository) Close(ctx context.Context, id string, closedBy *uint, endedAt time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":    domain.RoomStatusClosed,
		"ended_at":  endedAt,
		"closed_by": closedBy,
	}
	result := r.db.WithContext(ctx).Model(&domain.Room{}).
		Where("id = ? AND status <> ?", id, domain.RoomStatusClosed).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("gorm: close room %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *GormRoomRepository) UpdateFlags(ctx context.Context, id string, flags domain.RoomFlags) error {
	// map 形式以便写入 false 值
	updates := map[string]interface{}{
		"screen_share_allowed": flags.ScreenShareAllowed,
		"whiteboard_allowed":   flags.WhiteboardAllowed,
		"waiting_room_enabled": flags.WaitingRoomEnabled,
	}
	result := r.db.WithContext(ctx).Model(&domain.Room{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("gorm: update flags for room %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

func (r *GormRoomRepository) FindDueScheduled(ctx context.Context, now time.Time) ([]domain.Room, error) {
	var rooms []domain.Room
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", domain.RoomStatusScheduled, now.UTC()).
		Order("scheduled_at ASC").
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: find due scheduled rooms: %w", err)
	}
	return rooms, nil
}

func (r *GormRoomRepository) FindOpen(ctx context.Context) ([]domain.Room, error) {
	var rooms []domain.Room
	err := r.db.WithContext(ctx).
		Where("status IN ?", []domain.RoomStatus{domain.RoomStatusWaiting, domain.RoomStatusActive}).
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: find open rooms: %w", err)
	}
	return rooms, nil
}
