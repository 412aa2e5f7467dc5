package gormpersistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"live-classroom/internal/domain"
)

// GormAuditRepository 审计事件只追加写入。
type GormAuditRepository struct {
	db *gorm.DB
}

func NewGormAuditRepository(db *gorm.DB) *GormAuditRepository {
	if db == nil {
		panic("database connection cannot be nil for GormAuditRepository")
	}
	return &GormAuditRepository{db: db}
}

func (r *GormAuditRepository) Create(ctx context.Context, event *domain.AuditEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("gorm: create audit event %s (%s): %w", event.EventID, event.Type, err)
	}
	return nil
}
