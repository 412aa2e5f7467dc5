package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"live-classroom/internal/domain"
)

// Models 返回所有需要迁移的持久化模型，测试中也用它建表。
func Models() []interface{} {
	return []interface{}{
		&domain.User{},
		&domain.Room{},
		&domain.AttendanceRecord{},
		&domain.Wallet{},
		&domain.Transaction{},
		&domain.AuditEvent{},
	}
}

// MigrateDB handles all database migrations using the provided GORM DB instance.
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		logrus.Errorf("Failed to auto-migrate tables: %v", err)
		return fmt.Errorf("failed to auto-migrate tables: %w", err)
	}
	logrus.Info("Database migration completed successfully")
	return nil
}
