package domain

import "time"

// UserRole 平台级别的用户角色 (区别于房间内的 Role)。
type UserRole string

const (
	UserRoleStudent UserRole = "STUDENT"
	UserRoleTeacher UserRole = "TEACHER"
	UserRoleAdmin   UserRole = "ADMIN"
)

// User 表示应用程序中的用户。
type User struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"type:varchar(191);uniqueIndex:idx_username;not null"`
	Password  string    `gorm:"type:text;not null"` // bcrypt hash
	Email     string    `gorm:"type:varchar(191);index:idx_email"`
	Role      UserRole  `gorm:"type:varchar(16);not null;default:'STUDENT'"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
