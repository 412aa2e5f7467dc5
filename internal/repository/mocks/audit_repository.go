package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"live-classroom/internal/domain"
)

// AuditRepository is a testify mock of repository.AuditRepository.
type AuditRepository struct {
	mock.Mock
}

func (m *AuditRepository) Create(ctx context.Context, event *domain.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
