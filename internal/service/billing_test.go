package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"live-classroom/internal/domain"
	"live-classroom/internal/repository"
	"live-classroom/internal/repository/mocks"
	"live-classroom/internal/service"
)

func newBillingService(t *testing.T) (*service.BillingService, *mocks.WalletRepository, *mocks.AuditRepository, *service.AuditService) {
	t.Helper()
	walletRepo := new(mocks.WalletRepository)
	auditRepo := new(mocks.AuditRepository)
	audit := service.NewAuditService(auditRepo, nil)
	return service.NewBillingService(walletRepo, audit, nil), walletRepo, auditRepo, audit
}

func auditOfType(eventType domain.AuditEventType) interface{} {
	return mock.MatchedBy(func(e *domain.AuditEvent) bool { return e.Type == eventType })
}

func TestBillingService_AddCredits_RejectsNonPositive(t *testing.T) {
	svc, walletRepo, _, _ := newBillingService(t)

	for _, amount := range []int64{0, -5} {
		_, err := svc.AddCredits(context.Background(), 1, amount, "")
		assert.True(t, errors.Is(err, service.ErrInvalidAmount), "amount %d", amount)
	}
	walletRepo.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestBillingService_AddCredits_RecordsAudit(t *testing.T) {
	// Arrange
	svc, walletRepo, auditRepo, audit := newBillingService(t)
	ctx := context.Background()
	walletRepo.On("Credit", ctx, uint(3), int64(100), "promo").
		Return(&domain.Transaction{ID: 9, UserID: 3, Type: domain.TransactionTopUp, Amount: 100, BalanceAfter: 100}, nil).Once()
	auditRepo.On("Create", mock.Anything, auditOfType(domain.AuditCreditsAdded)).Return(nil).Once()

	// Act
	txn, err := svc.AddCredits(ctx, 3, 100, "promo")
	audit.Wait()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(100), txn.BalanceAfter)
	walletRepo.AssertExpectations(t)
	auditRepo.AssertExpectations(t)
}

func TestBillingService_DebitForSession_PassesReference(t *testing.T) {
	svc, walletRepo, auditRepo, audit := newBillingService(t)
	ctx := context.Background()
	walletRepo.On("Debit", ctx, mock.MatchedBy(func(req repository.DebitRequest) bool {
		return req.UserID == 4 && req.Amount == 2 &&
			req.RoomID != nil && *req.RoomID == "room-1" &&
			req.Reference != nil && *req.Reference == "attendance:17"
	})).Return(&domain.Transaction{ID: 1, Amount: 2, BalanceAfter: 8}, nil).Once()
	auditRepo.On("Create", mock.Anything, auditOfType(domain.AuditCreditsDebited)).Return(nil).Once()

	txn, err := svc.DebitForSession(ctx, 4, 2, "room-1", "attendance:17")
	audit.Wait()

	require.NoError(t, err)
	assert.Equal(t, int64(8), txn.BalanceAfter)
	walletRepo.AssertExpectations(t)
	auditRepo.AssertExpectations(t)
}

func TestBillingService_Debit_InsufficientBalance(t *testing.T) {
	svc, walletRepo, auditRepo, audit := newBillingService(t)
	ctx := context.Background()
	walletRepo.On("Debit", ctx, mock.Anything).Return(nil, repository.ErrInsufficientBalance).Once()

	_, err := svc.DebitCredits(ctx, 4, 50, "", "manual")
	audit.Wait()

	assert.True(t, errors.Is(err, service.ErrInsufficientCredits))
	auditRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestBillingService_Debit_StorageErrorIsInternal(t *testing.T) {
	svc, walletRepo, _, _ := newBillingService(t)
	ctx := context.Background()
	walletRepo.On("Debit", ctx, mock.Anything).Return(nil, errors.New("connection reset")).Once()

	_, err := svc.DebitCredits(ctx, 4, 1, "room-1", "")

	assert.True(t, errors.Is(err, service.ErrInternalServer))
	assert.Equal(t, service.ErrInternalServer.Error(), service.PublicMessage(err), "存储错误细节不外泄")
}

func TestBillingService_GetTransactions_ClampsLimit(t *testing.T) {
	svc, walletRepo, _, _ := newBillingService(t)
	ctx := context.Background()
	walletRepo.On("ListTransactions", ctx, uint(1), 50).Return([]domain.Transaction{}, nil).Twice()
	walletRepo.On("ListTransactions", ctx, uint(1), 20).Return([]domain.Transaction{{ID: 1}}, nil).Once()

	_, err := svc.GetTransactions(ctx, 1, 0)
	require.NoError(t, err)
	_, err = svc.GetTransactions(ctx, 1, 1000)
	require.NoError(t, err)
	txns, err := svc.GetTransactions(ctx, 1, 20)
	require.NoError(t, err)

	assert.Len(t, txns, 1)
	walletRepo.AssertExpectations(t)
}

func TestAuditService_FailuresAreSwallowed(t *testing.T) {
	auditRepo := new(mocks.AuditRepository)
	audit := service.NewAuditService(auditRepo, nil)
	auditRepo.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()

	assert.NotPanics(t, func() {
		audit.Record(domain.AuditRoomClosed, nil, nil, map[string]interface{}{"reason": "test"})
		audit.Wait()
	})
	auditRepo.AssertExpectations(t)

	var nilAudit *service.AuditService
	assert.NotPanics(t, func() { nilAudit.Record(domain.AuditRoomClosed, nil, nil, nil) })
}
