package domain

import "time"

// Wallet 每个用户一个钱包，余额为非负整数 credits。
type Wallet struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"uniqueIndex;not null"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

type TransactionType string

const (
	TransactionTopUp TransactionType = "TOPUP"
	TransactionDebit TransactionType = "DEBIT"
)

type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "COMPLETED"
)

// Transaction 账本条目，写入后不可修改。
type Transaction struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	UserID       uint              `gorm:"index;not null" json:"userId"`
	Type         TransactionType   `gorm:"size:16;not null;index" json:"type"`
	Amount       int64             `gorm:"not null" json:"amount"`
	BalanceAfter int64             `gorm:"not null" json:"balanceAfter"`
	Status       TransactionStatus `gorm:"size:16;not null" json:"status"`
	RoomID       *string           `gorm:"size:36;index" json:"roomId,omitempty"`
	Reference    *string           `gorm:"size:64;uniqueIndex" json:"reference,omitempty"` // idempotency key, e.g. attendance record id
	Metadata     string            `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"autoCreateTime;index" json:"createdAt"`
}

// BillingStats 管理后台的聚合统计视图。
type BillingStats struct {
	WalletCount        int64         `json:"walletCount"`
	TotalBalance       int64         `json:"totalBalance"`
	TotalTopUps        int64         `json:"totalTopUps"`
	TotalDebits        int64         `json:"totalDebits"`
	TransactionCount   int64         `json:"transactionCount"`
	RecentTransactions []Transaction `json:"recentTransactions"`
}
