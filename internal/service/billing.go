package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"live-classroom/internal/domain"
	"live-classroom/internal/metrics"
	"live-classroom/internal/repository"
)

// adminStatsRecent 管理统计中返回的最近账本条数。
const adminStatsRecent = 10

// BillingService 钱包与账本的业务逻辑。并发一致性由 WalletRepository 的行锁事务保证。
type BillingService struct {
	walletRepo repository.WalletRepository
	audit      *AuditService
	metrics    *metrics.Metrics
}

func NewBillingService(walletRepo repository.WalletRepository, audit *AuditService, m *metrics.Metrics) *BillingService {
	if walletRepo == nil {
		panic("WalletRepository cannot be nil for BillingService")
	}
	return &BillingService{walletRepo: walletRepo, audit: audit, metrics: m}
}

func (s *BillingService) GetOrCreateWallet(ctx context.Context, userID uint) (*domain.Wallet, error) {
	w, err := s.walletRepo.GetOrCreate(ctx, userID)
	if err != nil {
		logrus.WithField("user_id", userID).WithError(err).Error("GetOrCreateWallet failed")
		return nil, ErrInternalServer
	}
	return w, nil
}

// Balance 返回用户当前余额 (钱包不存在时创建)。
func (s *BillingService) Balance(ctx context.Context, userID uint) (int64, error) {
	w, err := s.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

func (s *BillingService) AddCredits(ctx context.Context, userID uint, amount int64, metadata string) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "amount": amount, "operation": "topup"})

	txn, err := s.walletRepo.Credit(ctx, userID, amount, metadata)
	if err != nil {
		s.metrics.Billing("topup", "error")
		logCtx.WithError(err).Error("AddCredits failed")
		return nil, ErrInternalServer
	}
	s.metrics.Billing("topup", "ok")
	s.audit.Record(domain.AuditCreditsAdded, uintPtr(userID), nil, map[string]interface{}{
		"amount": amount, "balance_after": txn.BalanceAfter, "transaction_id": txn.ID,
	})
	logCtx.WithField("balance_after", txn.BalanceAfter).Info("Credits added")
	return txn, nil
}

// DebitCredits 扣费；余额不足时返回 ErrInsufficientCredits 且不做任何修改。
func (s *BillingService) DebitCredits(ctx context.Context, userID uint, amount int64, roomID string, metadata string) (*domain.Transaction, error) {
	return s.debit(ctx, userID, amount, roomID, "", metadata)
}

// DebitForSession 以出勤记录为幂等键扣除一次会话费用，可被补扣任务安全重试。
func (s *BillingService) DebitForSession(ctx context.Context, userID uint, amount int64, roomID string, reference string) (*domain.Transaction, error) {
	return s.debit(ctx, userID, amount, roomID, reference, fmt.Sprintf("session charge for room %s", roomID))
}

func (s *BillingService) debit(ctx context.Context, userID uint, amount int64, roomID, reference, metadata string) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "amount": amount, "room_id": roomID, "operation": "debit"})

	req := repository.DebitRequest{UserID: userID, Amount: amount, Metadata: metadata}
	if roomID != "" {
		req.RoomID = stringPtr(roomID)
	}
	if reference != "" {
		req.Reference = stringPtr(reference)
	}
	txn, err := s.walletRepo.Debit(ctx, req)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			s.metrics.Billing("debit", "insufficient")
			logCtx.Warn("Debit rejected: insufficient balance")
			return nil, ErrInsufficientCredits
		}
		s.metrics.Billing("debit", "error")
		logCtx.WithError(err).Error("Debit failed")
		return nil, fmt.Errorf("%w: debit: %v", ErrInternalServer, err)
	}
	s.metrics.Billing("debit", "ok")
	var auditRoom *string
	if roomID != "" {
		auditRoom = stringPtr(roomID)
	}
	s.audit.Record(domain.AuditCreditsDebited, uintPtr(userID), auditRoom, map[string]interface{}{
		"amount": amount, "balance_after": txn.BalanceAfter, "transaction_id": txn.ID, "reference": reference,
	})
	logCtx.WithField("balance_after", txn.BalanceAfter).Info("Credits debited")
	return txn, nil
}

func (s *BillingService) GetTransactions(ctx context.Context, userID uint, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	txns, err := s.walletRepo.ListTransactions(ctx, userID, limit)
	if err != nil {
		logrus.WithField("user_id", userID).WithError(err).Error("GetTransactions failed")
		return nil, ErrInternalServer
	}
	return txns, nil
}

func (s *BillingService) GetAdminStats(ctx context.Context) (*domain.BillingStats, error) {
	stats, err := s.walletRepo.Stats(ctx, adminStatsRecent)
	if err != nil {
		logrus.WithError(err).Error("GetAdminStats failed")
		return nil, ErrInternalServer
	}
	return stats, nil
}
