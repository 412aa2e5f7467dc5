package repository

import (
	"context"

	"live-classroom/internal/domain"
)

// AuditRepository 审计事件存储。
type AuditRepository interface {
	Create(ctx context.Context, event *domain.AuditEvent) error
}
