package domain

import "time"

type AuditEventType string

const (
	AuditRoomCreated        AuditEventType = "ROOM_CREATED"
	AuditRoomAutoCreated    AuditEventType = "ROOM_AUTO_CREATED"
	AuditRoomStarted        AuditEventType = "ROOM_STARTED"
	AuditRoomClosed         AuditEventType = "ROOM_CLOSED"
	AuditUserJoined         AuditEventType = "USER_JOINED"
	AuditUserLeft           AuditEventType = "USER_LEFT"
	AuditUserKicked         AuditEventType = "USER_KICKED"
	AuditRoleChanged        AuditEventType = "ROLE_CHANGED"
	AuditAllMuted           AuditEventType = "ALL_MUTED"
	AuditSettingsUpdated    AuditEventType = "SETTINGS_UPDATED"
	AuditCreditsAdded       AuditEventType = "CREDITS_ADDED"
	AuditCreditsDebited     AuditEventType = "CREDITS_DEBITED"
	AuditBillingDebitFailed AuditEventType = "BILLING_DEBIT_FAILED"
)

// AuditEvent 审计日志，尽力写入，失败只记录日志。
type AuditEvent struct {
	ID        uint           `gorm:"primaryKey"`
	EventID   string         `gorm:"size:36;uniqueIndex;not null"`
	Type      AuditEventType `gorm:"size:64;index;not null"`
	UserID    *uint          `gorm:"index"`
	RoomID    *string        `gorm:"size:36;index"`
	Payload   string         `gorm:"type:text"`
	CreatedAt time.Time      `gorm:"autoCreateTime;index"`
}
