package repository

import "errors"

// 通用的存储库错误
var (
	// ErrNotFound 表示请求的记录未找到
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicateEntry 表示尝试插入或更新的数据违反了唯一约束
	ErrDuplicateEntry = errors.New("repository: duplicate entry")
	// ErrInsufficientBalance 表示钱包余额不足以完成扣费，且未做任何修改
	ErrInsufficientBalance = errors.New("repository: insufficient balance")
	// ErrCapacityExceeded 表示房间参与者已满
	ErrCapacityExceeded = errors.New("repository: room capacity exceeded")
	// ErrInvalidTransition 表示房间生命周期不允许该状态迁移
	ErrInvalidTransition = errors.New("repository: invalid room status transition")
	// ErrSocketSuperseded 表示参与者已经通过另一个连接重新加入
	ErrSocketSuperseded = errors.New("repository: participant bound to another socket")
)

// 特定资源的错误
var (
	ErrUserNotFound        = ErrNotFound
	ErrRoomNotFound        = ErrNotFound
	ErrParticipantNotFound = ErrNotFound
	ErrAttendanceNotFound  = ErrNotFound
)
