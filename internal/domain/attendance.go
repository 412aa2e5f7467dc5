package domain

import (
	"fmt"
	"time"
)

// AttendanceRecord 出勤记录，用于计费与审计。
// OpenKey is set to "user:room" while the record is open and cleared on leave; its unique index
// guarantees at most one open record per (user, room).
type AttendanceRecord struct {
	ID              uint       `gorm:"primaryKey"`
	UserID          uint       `gorm:"not null;uniqueIndex:idx_attendance_user_room_joined,priority:1"`
	RoomID          string     `gorm:"size:36;not null;index;uniqueIndex:idx_attendance_user_room_joined,priority:2"`
	Role            Role       `gorm:"size:16;not null"`
	JoinedAt        time.Time  `gorm:"not null;uniqueIndex:idx_attendance_user_room_joined,priority:3"`
	LeftAt          *time.Time `gorm:"index"`
	DurationSeconds *int64
	OpenKey         *string `gorm:"size:80;uniqueIndex"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// AttendanceOpenKey builds the uniqueness key for an open record.
func AttendanceOpenKey(userID uint, roomID string) string {
	return fmt.Sprintf("%d:%s", userID, roomID)
}
