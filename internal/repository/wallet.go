package repository

import (
	"context"

	"live-classroom/internal/domain"
)

// DebitRequest 描述一次扣费。
type DebitRequest struct {
	UserID    uint
	Amount    int64
	RoomID    *string
	Reference *string // idempotency key; a repeated reference returns the original transaction
	Metadata  string
}

// WalletRepository 钱包与账本存储。所有修改余额的操作都在同一个数据库事务中
// 锁定钱包行并写入账本条目。
type WalletRepository interface {
	// GetOrCreate 返回用户钱包，不存在时以 0 余额创建。
	GetOrCreate(ctx context.Context, userID uint) (*domain.Wallet, error)

	// Credit 增加余额并写入 TOPUP 条目。
	Credit(ctx context.Context, userID uint, amount int64, metadata string) (*domain.Transaction, error)

	// Debit 扣减余额并写入 DEBIT 条目；余额不足时返回 ErrInsufficientBalance 且不做修改。
	Debit(ctx context.Context, req DebitRequest) (*domain.Transaction, error)

	// ListTransactions 按时间倒序返回用户账本。
	ListTransactions(ctx context.Context, userID uint, limit int) ([]domain.Transaction, error)

	// Stats 返回聚合统计以及最近 recent 条账本记录。
	Stats(ctx context.Context, recent int) (*domain.BillingStats, error)
}
