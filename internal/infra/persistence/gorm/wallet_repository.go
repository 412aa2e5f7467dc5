package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"live-classroom/internal/domain"
	"live-classroom/internal/repository"
)

// GormWalletRepository 是 WalletRepository 接口的 GORM 实现。
// 余额修改都在事务内先锁定钱包行 (SELECT ... FOR UPDATE)，再写余额与账本条目。
type GormWalletRepository struct {
	db *gorm.DB
}

func NewGormWalletRepository(db *gorm.DB) *GormWalletRepository {
	if db == nil {
		panic("database connection cannot be nil for GormWalletRepository")
	}
	return &GormWalletRepository{db: db}
}

var errReferenceExists = errors.New("transaction reference already recorded")

func ensureWallet(tx *gorm.DB, userID uint) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.Wallet{UserID: userID}).Error
}

func lockWallet(tx *gorm.DB, userID uint) (*domain.Wallet, error) {
	var w domain.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&w).Error
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *GormWalletRepository) GetOrCreate(ctx context.Context, userID uint) (*domain.Wallet, error) {
	db := r.db.WithContext(ctx)
	if err := ensureWallet(db, userID); err != nil && !isDuplicateEntryError(err) {
		return nil, fmt.Errorf("gorm: create wallet for user %d: %w", userID, err)
	}
	var w domain.Wallet
	if err := db.Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, fmt.Errorf("gorm: read wallet for user %d: %w", userID, err)
	}
	return &w, nil
}

func (r *GormWalletRepository) Credit(ctx context.Context, userID uint, amount int64, metadata string) (*domain.Transaction, error) {
	var txn *domain.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureWallet(tx, userID); err != nil && !isDuplicateEntryError(err) {
			return err
		}
		w, err := lockWallet(tx, userID)
		if err != nil {
			return err
		}
		newBalance := w.Balance + amount
		if err := tx.Model(&domain.Wallet{}).Where("id = ?", w.ID).Update("balance", newBalance).Error; err != nil {
			return err
		}
		txn = &domain.Transaction{
			UserID:       userID,
			Type:         domain.TransactionTopUp,
			Amount:       amount,
			BalanceAfter: newBalance,
			Status:       domain.TransactionCompleted,
			Metadata:     metadata,
		}
		return tx.Create(txn).Error
	})
	if err != nil {
		return nil, fmt.Errorf("gorm: credit %d to user %d: %w", amount, userID, err)
	}
	return txn, nil
}

// Debit 带 Reference 时幂等：同一 reference 只扣费一次，重复调用返回原条目。
func (r *GormWalletRepository) Debit(ctx context.Context, req repository.DebitRequest) (*domain.Transaction, error) {
	if req.Reference != nil {
		if existing, err := r.findByReference(ctx, *req.Reference); err == nil {
			return existing, nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	var txn *domain.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureWallet(tx, req.UserID); err != nil && !isDuplicateEntryError(err) {
			return err
		}
		w, err := lockWallet(tx, req.UserID)
		if err != nil {
			return err
		}
		if w.Balance < req.Amount {
			return repository.ErrInsufficientBalance
		}
		newBalance := w.Balance - req.Amount
		if err := tx.Model(&domain.Wallet{}).Where("id = ?", w.ID).Update("balance", newBalance).Error; err != nil {
			return err
		}
		txn = &domain.Transaction{
			UserID:       req.UserID,
			Type:         domain.TransactionDebit,
			Amount:       req.Amount,
			BalanceAfter: newBalance,
			Status:       domain.TransactionCompleted,
			RoomID:       req.RoomID,
			Reference:    req.Reference,
			Metadata:     req.Metadata,
		}
		if err := tx.Create(txn).Error; err != nil {
			if req.Reference != nil && isDuplicateEntryError(err) {
				return errReferenceExists
			}
			return err
		}
		return nil
	})
	switch {
	case err == nil:
		return txn, nil
	case errors.Is(err, repository.ErrInsufficientBalance):
		return nil, err
	case errors.Is(err, errReferenceExists):
		// 并发的同 reference 扣费已经提交，本次事务已回滚
		return r.findByReference(ctx, *req.Reference)
	default:
		return nil, fmt.Errorf("gorm: debit %d from user %d: %w", req.Amount, req.UserID, err)
	}
}

func (r *GormWalletRepository) findByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("gorm: find transaction by reference '%s': %w", reference, err)
	}
	return &txn, nil
}

func (r *GormWalletRepository) ListTransactions(ctx context.Context, userID uint, limit int) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	q := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("gorm: list transactions for user %d: %w", userID, err)
	}
	return txns, nil
}

func (r *GormWalletRepository) Stats(ctx context.Context, recent int) (*domain.BillingStats, error) {
	db := r.db.WithContext(ctx)
	stats := &domain.BillingStats{}

	if err := db.Model(&domain.Wallet{}).Count(&stats.WalletCount).Error; err != nil {
		return nil, fmt.Errorf("gorm: count wallets: %w", err)
	}
	if err := db.Model(&domain.Wallet{}).Select("COALESCE(SUM(balance), 0)").Scan(&stats.TotalBalance).Error; err != nil {
		return nil, fmt.Errorf("gorm: sum balances: %w", err)
	}
	if err := db.Model(&domain.Transaction{}).Where("type = ?", domain.TransactionTopUp).
		Select("COALESCE(SUM(amount), 0)").Scan(&stats.TotalTopUps).Error; err != nil {
		return nil, fmt.Errorf("gorm: sum topups: %w", err)
	}
	if err := db.Model(&domain.Transaction{}).Where("type = ?", domain.TransactionDebit).
		Select("COALESCE(SUM(amount), 0)").Scan(&stats.TotalDebits).Error; err != nil {
		return nil, fmt.Errorf("gorm: sum debits: %w", err)
	}
	if err := db.Model(&domain.Transaction{}).Count(&stats.TransactionCount).Error; err != nil {
		return nil, fmt.Errorf("gorm: count transactions: %w", err)
	}
	if err := db.Order("created_at DESC, id DESC").Limit(recent).Find(&stats.RecentTransactions).Error; err != nil {
		return nil, fmt.Errorf("gorm: recent transactions: %w", err)
	}
	return stats, nil
}
