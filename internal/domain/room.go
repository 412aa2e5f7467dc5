package domain

import "time"

// RoomStatus 表示房间生命周期中的状态。
type RoomStatus string

const (
	RoomStatusScheduled RoomStatus = "SCHEDULED"
	RoomStatusWaiting   RoomStatus = "WAITING"
	RoomStatusActive    RoomStatus = "ACTIVE"
	RoomStatusClosed    RoomStatus = "CLOSED"
)

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// CLOSED is terminal; WAITING and ACTIVE may alternate while the room is occupied.
func (s RoomStatus) CanTransitionTo(next RoomStatus) bool {
	switch s {
	case RoomStatusScheduled:
		return next == RoomStatusWaiting || next == RoomStatusClosed
	case RoomStatusWaiting:
		return next == RoomStatusActive || next == RoomStatusClosed
	case RoomStatusActive:
		return next == RoomStatusWaiting || next == RoomStatusClosed
	default:
		return false
	}
}

// MaxParticipantsLimit is the hard upper bound for any room's capacity.
const MaxParticipantsLimit = 500

// RoomFlags 房间功能开关。
type RoomFlags struct {
	ScreenShareAllowed bool `json:"screenShareAllowed"`
	WhiteboardAllowed  bool `json:"whiteboardAllowed"`
	WaitingRoomEnabled bool `json:"waitingRoomEnabled"`
}

// DefaultRoomFlags are applied when a room is created without explicit flags.
func DefaultRoomFlags() RoomFlags {
	return RoomFlags{ScreenShareAllowed: true, WhiteboardAllowed: true}
}

// Room 是房间的持久化记录 (durable row)，ID 一经分配不再改变。
type Room struct {
	ID                 string     `gorm:"primaryKey;size:36"`
	Code               string     `gorm:"uniqueIndex;size:32;not null"`
	Title              string     `gorm:"size:255"`
	HostID             uint       `gorm:"index;not null"`
	Status             RoomStatus `gorm:"size:16;index;not null"`
	MaxParticipants    int        `gorm:"not null"`
	PeakParticipants   int        `gorm:"not null;default:0"`
	ScreenShareAllowed bool       `gorm:"not null"`
	WhiteboardAllowed  bool       `gorm:"not null"`
	WaitingRoomEnabled bool       `gorm:"not null;default:false"`
	AutoCreatedFrom    *string    `gorm:"size:64"` // id originally requested when the room was auto-created on join
	ClosedBy           *uint
	ScheduledAt        *time.Time `gorm:"index"`
	StartedAt          *time.Time
	EndedAt            *time.Time
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

// Flags returns the room's feature flags.
func (r *Room) Flags() RoomFlags {
	return RoomFlags{
		ScreenShareAllowed: r.ScreenShareAllowed,
		WhiteboardAllowed:  r.WhiteboardAllowed,
		WaitingRoomEnabled: r.WaitingRoomEnabled,
	}
}

// RoomState 是房间在临时存储 (Redis) 中的视图。
type RoomState struct {
	ID              string     `json:"roomId"`
	Code            string     `json:"roomCode"`
	Title           string     `json:"title"`
	HostID          uint       `json:"hostId"`
	Status          RoomStatus `json:"status"`
	MaxParticipants int        `json:"maxParticipants"`
	RouterID        string     `json:"-"`
	CreatedAtUnix   int64      `json:"createdAt"`
	RoomFlags       `json:"flags"`
}
