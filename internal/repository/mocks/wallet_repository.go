package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"live-classroom/internal/domain"
	"live-classroom/internal/repository"
)

// WalletRepository is a testify mock of repository.WalletRepository.
type WalletRepository struct {
	mock.Mock
}

func (m *WalletRepository) GetOrCreate(ctx context.Context, userID uint) (*domain.Wallet, error) {
	args := m.Called(ctx, userID)
	w, _ := args.Get(0).(*domain.Wallet)
	return w, args.Error(1)
}

func (m *WalletRepository) Credit(ctx context.Context, userID uint, amount int64, metadata string) (*domain.Transaction, error) {
	args := m.Called(ctx, userID, amount, metadata)
	txn, _ := args.Get(0).(*domain.Transaction)
	return txn, args.Error(1)
}

func (m *WalletRepository) Debit(ctx context.Context, req repository.DebitRequest) (*domain.Transaction, error) {
	args := m.Called(ctx, req)
	txn, _ := args.Get(0).(*domain.Transaction)
	return txn, args.Error(1)
}

func (m *WalletRepository) ListTransactions(ctx context.Context, userID uint, limit int) ([]domain.Transaction, error) {
	args := m.Called(ctx, userID, limit)
	txns, _ := args.Get(0).([]domain.Transaction)
	return txns, args.Error(1)
}

func (m *WalletRepository) Stats(ctx context.Context, recent int) (*domain.BillingStats, error) {
	args := m.Called(ctx, recent)
	stats, _ := args.Get(0).(*domain.BillingStats)
	return stats, args.Error(1)
}
