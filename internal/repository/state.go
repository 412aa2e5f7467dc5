package repository

import (
	"context"
	"time"

	"live-classroom/internal/domain"
)

// ParticipantFlag 参与者的可单独修改的布尔字段。
type ParticipantFlag string

const (
	FlagMuted      ParticipantFlag = "is_muted"
	FlagVideoOff   ParticipantFlag = "is_video_off"
	FlagHandRaised ParticipantFlag = "hand_raised"
)

// JoinResult 是 AddParticipant 的结果。
type JoinResult struct {
	Count     int  // participant count after the write
	FirstJoin bool // the write moved the room WAITING -> ACTIVE
	Rejoined  bool // the user was already in the participant set
}

// StateRepository 定义了房间实时状态相关的操作，由 Redis 实现。
// 每个修改都是单个原子命令、MULTI/EXEC 或 Lua 脚本，不依赖进程内锁。
type StateRepository interface {
	// === Room ===

	// CreateRoomState 写入房间 hash，并登记 active_rooms 与 roomcode 索引。
	CreateRoomState(ctx context.Context, state *domain.RoomState, ttl time.Duration) error

	// GetRoomState 读取房间状态；不存在时返回 ErrRoomNotFound。
	GetRoomState(ctx context.Context, roomID string) (*domain.RoomState, error)

	// SetRoomStatus 只在房间存在时写入状态字段。
	SetRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error

	// SetRoomRouter 记录房间的 SFU router id。
	SetRoomRouter(ctx context.Context, roomID string, routerID string) error

	// SetRoomFlags 更新房间功能开关字段。
	SetRoomFlags(ctx context.Context, roomID string, flags domain.RoomFlags) error

	// DeleteRoomState 删除房间 hash、参与者、等候室、房间码索引，并从 active_rooms 移除。
	// 对已删除的房间是 no-op。
	DeleteRoomState(ctx context.Context, roomID string, code string) error

	// ResolveRoomCode 通过房间码查找房间 ID；不存在时返回 ErrRoomNotFound。
	ResolveRoomCode(ctx context.Context, code string) (string, error)

	// RoomCodeInUse 检查房间码是否已被活跃房间占用。
	RoomCodeInUse(ctx context.Context, code string) (bool, error)

	// ListActiveRoomIDs 返回 active_rooms 集合。
	ListActiveRoomIDs(ctx context.Context) ([]string, error)

	// === Participants ===

	// AddParticipant atomically checks room existence and capacity and writes the participant.
	// Returns ErrRoomNotFound if the room entry is gone and ErrCapacityExceeded when full.
	// Re-joining overwrites the existing entry.
	AddParticipant(ctx context.Context, roomID string, p *domain.Participant, maxParticipants int, ttl time.Duration) (JoinResult, error)

	// RemoveParticipant 删除参与者及其媒体集合，返回剩余人数。已不存在时 removed=false。
	// socketID 非空且参与者已绑定到其他连接时不做修改，返回 ErrSocketSuperseded。
	RemoveParticipant(ctx context.Context, roomID string, userID uint, socketID string) (remaining int, removed bool, err error)

	// GetParticipant 不存在时返回 ErrParticipantNotFound。
	GetParticipant(ctx context.Context, roomID string, userID uint) (*domain.Participant, error)

	ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error)

	CountParticipants(ctx context.Context, roomID string) (int, error)

	// SetParticipantRole 写入单个 role 字段；参与者不存在时返回 ErrParticipantNotFound。
	SetParticipantRole(ctx context.Context, roomID string, userID uint, role domain.Role) error

	// SetParticipantFlag 写入单个布尔字段；参与者不存在时返回 ErrParticipantNotFound。
	SetParticipantFlag(ctx context.Context, roomID string, userID uint, flag ParticipantFlag, value bool) error

	// FlipParticipantFlag 原子地翻转布尔字段并返回新值。
	FlipParticipantFlag(ctx context.Context, roomID string, userID uint, flag ParticipantFlag) (bool, error)

	// === Media ownership ===

	// Add* 写入成员并把集合的过期时间刷新为 ttl。

	AddProducer(ctx context.Context, roomID string, userID uint, producerID string, ttl time.Duration) error
	RemoveProducer(ctx context.Context, roomID string, userID uint, producerID string) error
	ListProducers(ctx context.Context, roomID string, userID uint) ([]string, error)
	AddTransport(ctx context.Context, roomID string, userID uint, transportID string, ttl time.Duration) error
	RemoveTransport(ctx context.Context, roomID string, userID uint, transportID string) error
	ListTransports(ctx context.Context, roomID string, userID uint) ([]string, error)
	AddConsumer(ctx context.Context, roomID string, userID uint, consumerID string, ttl time.Duration) error
	RemoveConsumer(ctx context.Context, roomID string, userID uint, consumerID string) error
	ListConsumers(ctx context.Context, roomID string, userID uint) ([]string, error)

	// === Sockets ===

	// BindSocket 写入 socket -> user 与 user -> socket 的双向映射。
	BindSocket(ctx context.Context, socketID string, userID uint, ttl time.Duration) error
	SetSocketRoom(ctx context.Context, socketID string, roomID string, ttl time.Duration) error
	ClearSocketRoom(ctx context.Context, socketID string) error
	// UnbindSocket removes the socket's mappings; user -> socket is removed only if it
	// still points at socketID (a newer connection of the same user is left intact).
	UnbindSocket(ctx context.Context, socketID string, userID uint) error

	// === Waiting room ===

	AddWaiting(ctx context.Context, roomID string, entry domain.WaitingEntry, ttl time.Duration) error
	// RemoveWaiting 返回被移除的条目；不存在时返回 ErrNotFound。
	RemoveWaiting(ctx context.Context, roomID string, userID uint) (*domain.WaitingEntry, error)
	ListWaiting(ctx context.Context, roomID string) ([]domain.WaitingEntry, error)

	// === Rate Limiting ===

	// CheckRateLimit 滑动窗口限流：返回 true 表示超限 (本次不计数)。
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// ClearRateLimit 删除限流计数 (断开连接时)。
	ClearRateLimit(ctx context.Context, key string) error
}
