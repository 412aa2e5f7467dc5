package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"live-classroom/internal/domain"
	"live-classroom/internal/metrics"
	"live-classroom/internal/repository"
	"live-classroom/internal/tasks"
)

// 房间码: 去掉易混淆字符 (0/O, 1/I/L) 的字母表，格式 XXX-XXX-XXX。
const (
	roomCodeAlphabet    = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	roomCodeGroups      = 3
	roomCodeGroupLen    = 3
	roomCodeMaxAttempts = 10
)

// RoomConfig 房间相关的可配置项。
type RoomConfig struct {
	RoomTTL                time.Duration
	DefaultMaxParticipants int
	MaxParticipantsCap     int
	// AutoCreate 允许加入不存在的房间 ID 时以新 ID 自动创建房间。
	AutoCreate bool
}

// DebitRetryQueue 接收离开房间时未能完成的扣费，由 worker 重试。
type DebitRetryQueue interface {
	EnqueueBillingDebit(ctx context.Context, p tasks.BillingDebitPayload) error
}

// RoomCreated 是创建/启动房间的结果。
type RoomCreated struct {
	RoomID   string `json:"roomId"`
	RoomCode string `json:"roomCode"`
}

// JoinResult 是 JoinRoom 的结果。
type JoinResult struct {
	RoomID          string               `json:"roomId"`
	RoomCode        string               `json:"roomCode"`
	Role            domain.Role          `json:"role"`
	Participants    []domain.Participant `json:"participants"`
	Rejoined        bool                 `json:"-"`
	AutoCreatedFrom string               `json:"autoCreatedFrom,omitempty"`
	// PreviousSocketID 是重新加入前参与者绑定的连接，首次加入时为空。
	PreviousSocketID string `json:"-"`
}

// LeaveResult 是 LeaveRoom 的结果。
type LeaveResult struct {
	RoomClosed            bool                 `json:"roomClosed"`
	RemainingParticipants []domain.Participant `json:"remainingParticipants"`
	// Superseded 表示参与者已经通过另一个连接重新加入，本次离开只解绑了旧连接。
	Superseded bool `json:"-"`
}

// CloseResult 列出房间关闭时仍在房间内的连接，由网关通知并解绑。
type CloseResult struct {
	Closed    bool
	SocketIDs []string
}

// KickResult 是 KickUser 的结果。
type KickResult struct {
	TargetSocketID        string
	RemainingParticipants []domain.Participant
}

// RoomFlagsPatch 房间开关的部分更新，nil 字段保持不变。
type RoomFlagsPatch struct {
	ScreenShareAllowed *bool `json:"screenShareAllowed"`
	WhiteboardAllowed  *bool `json:"whiteboardAllowed"`
	WaitingRoomEnabled *bool `json:"waitingRoomEnabled"`
}

// RoomInfo 房间信息视图。
type RoomInfo struct {
	RoomID           string            `json:"roomId"`
	RoomCode         string            `json:"roomCode"`
	Title            string            `json:"title"`
	HostID           uint              `json:"hostId"`
	Status           domain.RoomStatus `json:"status"`
	MaxParticipants  int               `json:"maxParticipants"`
	PeakParticipants int               `json:"peakParticipants"`
	ParticipantCount int               `json:"participantCount"`
	Flags            domain.RoomFlags  `json:"flags"`
	ScheduledAt      *time.Time        `json:"scheduledAt,omitempty"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	EndedAt          *time.Time        `json:"endedAt,omitempty"`
}

// RoomService 负责房间与参与者的状态机：临时状态在 StateRepository，持久记录在
// RoomRepository/AttendanceRepository，离开时通过 BillingService 按时长扣费。
// 同一房间的并发修改依赖存储的原子操作，不使用进程内锁。
type RoomService struct {
	stateRepo      repository.StateRepository
	roomRepo       repository.RoomRepository
	attendanceRepo repository.AttendanceRepository
	userRepo       repository.UserRepository
	billing        *BillingService
	audit          *AuditService
	debitQueue     DebitRetryQueue
	metrics        *metrics.Metrics
	cfg            RoomConfig
}

// NewRoomService 创建 RoomService 实例。debitQueue, audit 与 m 可以为 nil。
func NewRoomService(
	stateRepo repository.StateRepository,
	roomRepo repository.RoomRepository,
	attendanceRepo repository.AttendanceRepository,
	userRepo repository.UserRepository,
	billing *BillingService,
	audit *AuditService,
	debitQueue DebitRetryQueue,
	m *metrics.Metrics,
	cfg RoomConfig,
) *RoomService {
	if stateRepo == nil || roomRepo == nil || attendanceRepo == nil || userRepo == nil || billing == nil {
		panic("repositories and BillingService cannot be nil for RoomService")
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = 24 * time.Hour
	}
	if cfg.MaxParticipantsCap <= 0 || cfg.MaxParticipantsCap > domain.MaxParticipantsLimit {
		cfg.MaxParticipantsCap = domain.MaxParticipantsLimit
	}
	if cfg.DefaultMaxParticipants <= 0 || cfg.DefaultMaxParticipants > cfg.MaxParticipantsCap {
		cfg.DefaultMaxParticipants = cfg.MaxParticipantsCap
	}
	return &RoomService{
		stateRepo:      stateRepo,
		roomRepo:       roomRepo,
		attendanceRepo: attendanceRepo,
		userRepo:       userRepo,
		billing:        billing,
		audit:          audit,
		debitQueue:     debitQueue,
		metrics:        m,
		cfg:            cfg,
	}
}

// CreateRoom 创建房间：写入 WAITING 状态的持久记录并初始化临时状态。
func (s *RoomService) CreateRoom(ctx context.Context, hostID uint, title string, maxParticipants int, flags *domain.RoomFlags) (*RoomCreated, error) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": hostID, "operation": "createRoom"})

	room, err := s.newRoom(ctx, hostID, title, maxParticipants, flags, domain.RoomStatusWaiting)
	if err != nil {
		return nil, err
	}
	if err := s.roomRepo.Create(ctx, room); err != nil {
		logCtx.WithError(err).Error("Failed to save new room")
		return nil, ErrInternalServer
	}
	if err := s.initRoomState(ctx, room); err != nil {
		logCtx.WithError(err).WithField("room_id", room.ID).Error("Failed to initialize room state")
		s.abandonRoom(ctx, room.ID)
		return nil, ErrInternalServer
	}

	s.audit.Record(domain.AuditRoomCreated, uintPtr(hostID), stringPtr(room.ID), map[string]interface{}{
		"code": room.Code, "title": room.Title, "max_participants": room.MaxParticipants,
	})
	logCtx.WithFields(logrus.Fields{"room_id": room.ID, "room_code": room.Code}).Info("Room created")
	return &RoomCreated{RoomID: room.ID, RoomCode: room.Code}, nil
}

// ScheduleRoom 预约房间：只写持久记录 (SCHEDULED)，到期后由 ActivateDueRooms 或主持人启动。
func (s *RoomService) ScheduleRoom(ctx context.Context, hostID uint, title string, maxParticipants int, flags *domain.RoomFlags, scheduledAt time.Time) (*RoomCreated, error) {
	if scheduledAt.IsZero() || !scheduledAt.After(time.Now()) {
		return nil, ErrInvalidRequest
	}
	room, err := s.newRoom(ctx, hostID, title, maxParticipants, flags, domain.RoomStatusScheduled)
	if err != nil {
		return nil, err
	}
	at := scheduledAt.UTC()
	room.ScheduledAt = &at
	if err := s.roomRepo.Create(ctx, room); err != nil {
		logrus.WithField("user_id", hostID).WithError(err).Error("Failed to save scheduled room")
		return nil, ErrInternalServer
	}
	logrus.WithFields(logrus.Fields{"room_id": room.ID, "scheduled_at": at}).Info("Room scheduled")
	return &RoomCreated{RoomID: room.ID, RoomCode: room.Code}, nil
}

// StartScheduledRoom 由主持人提前启动预约房间。
func (s *RoomService) StartScheduledRoom(ctx context.Context, roomID string, requesterID uint) (*RoomCreated, error) {
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, ErrInternalServer
	}
	if room.HostID != requesterID {
		return nil, ErrPermissionDenied
	}
	if err := s.startRoom(ctx, room); err != nil {
		return nil, err
	}
	return &RoomCreated{RoomID: room.ID, RoomCode: room.Code}, nil
}

// ActivateDueRooms 启动所有到期的预约房间，返回成功启动的数量。
func (s *RoomService) ActivateDueRooms(ctx context.Context, now time.Time) (int, error) {
	due, err := s.roomRepo.FindDueScheduled(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find due scheduled rooms: %w", err)
	}
	started := 0
	for i := range due {
		if err := s.startRoom(ctx, &due[i]); err != nil {
			logrus.WithField("room_id", due[i].ID).WithError(err).Warn("Failed to activate scheduled room")
			continue
		}
		started++
	}
	return started, nil
}

func (s *RoomService) startRoom(ctx context.Context, room *domain.Room) error {
	switch room.Status {
	case domain.RoomStatusScheduled:
	case domain.RoomStatusClosed:
		return ErrRoomAlreadyClosed
	default:
		return ErrInvalidTransition
	}
	ok, err := s.roomRepo.TransitionStatus(ctx, room.ID, domain.RoomStatusScheduled, domain.RoomStatusWaiting)
	if err != nil {
		return ErrInternalServer
	}
	if !ok {
		// 并发启动或已被关闭
		return ErrInvalidTransition
	}
	room.Status = domain.RoomStatusWaiting
	if err := s.initRoomState(ctx, room); err != nil {
		logrus.WithField("room_id", room.ID).WithError(err).Error("Failed to initialize state for started room")
		s.abandonRoom(ctx, room.ID)
		return ErrInternalServer
	}
	s.audit.Record(domain.AuditRoomStarted, uintPtr(room.HostID), stringPtr(room.ID), nil)
	logrus.WithField("room_id", room.ID).Info("Scheduled room started")
	return nil
}

// ResolveRoomID 接受房间 ID 或房间码，返回房间 ID。
func (s *RoomService) ResolveRoomID(ctx context.Context, idOrCode string) (string, error) {
	idOrCode = strings.TrimSpace(idOrCode)
	if idOrCode == "" {
		return "", ErrInvalidRequest
	}

	if _, err := s.stateRepo.GetRoomState(ctx, idOrCode); err == nil {
		return idOrCode, nil
	} else if !errors.Is(err, repository.ErrRoomNotFound) {
		return "", ErrInternalServer
	}

	code := normalizeRoomCode(idOrCode)
	if id, err := s.stateRepo.ResolveRoomCode(ctx, code); err == nil {
		return id, nil
	} else if !errors.Is(err, repository.ErrRoomNotFound) {
		return "", ErrInternalServer
	}

	// 临时状态已不存在时回落到持久记录 (已关闭或预约中的房间)
	if room, err := s.roomRepo.FindByID(ctx, idOrCode); err == nil {
		return room.ID, nil
	} else if !errors.Is(err, repository.ErrRoomNotFound) {
		return "", ErrInternalServer
	}
	if room, err := s.roomRepo.FindByCode(ctx, code); err == nil {
		return room.ID, nil
	} else if !errors.Is(err, repository.ErrRoomNotFound) {
		return "", ErrInternalServer
	}
	return "", ErrRoomNotFound
}

// JoinRoom 把用户加入房间。容量检查与写入在存储端原子完成；重试是安全的。
func (s *RoomService) JoinRoom(ctx context.Context, idOrCode string, userID uint, socketID string) (*JoinResult, error) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "socket_id": socketID, "operation": "joinRoom"})

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, ErrInternalServer
	}

	state, autoCreatedFrom, err := s.loadJoinableRoom(ctx, idOrCode, userID)
	if err != nil {
		s.metrics.Join(joinResultLabel(err))
		return nil, err
	}
	logCtx = logCtx.WithField("room_id", state.ID)
	if state.Status == domain.RoomStatusClosed {
		s.metrics.Join("closed")
		return nil, ErrRoomClosed
	}

	existing, err := s.stateRepo.GetParticipant(ctx, state.ID, userID)
	if err != nil && !errors.Is(err, repository.ErrParticipantNotFound) {
		logCtx.WithError(err).Error("Failed to read participant")
		return nil, ErrInternalServer
	}
	rejoining := existing != nil

	role := domain.RoleParticipant
	joinedAt := time.Now()
	if userID == state.HostID {
		role = domain.RoleHost
	} else if rejoining {
		// 重新加入保留已授予的 co-host
		if existing.Role == domain.RoleCoHost {
			role = domain.RoleCoHost
		}
		joinedAt = existing.JoinedAt()
	}

	// 满员预检先于余额检查；最终以 AddParticipant 的原子检查为准
	if !rejoining {
		count, err := s.stateRepo.CountParticipants(ctx, state.ID)
		if err != nil {
			logCtx.WithError(err).Warn("Capacity precheck failed")
		} else if count >= state.MaxParticipants {
			s.metrics.Join("full")
			return nil, ErrRoomFull
		}
	}

	if user.Role == domain.UserRoleStudent && role != domain.RoleHost {
		balance, err := s.billing.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}
		if balance <= 0 {
			s.metrics.Join("insufficient_credits")
			logCtx.Warn("Join rejected: insufficient credits")
			return nil, ErrInsufficientCredits
		}
	}

	participant := &domain.Participant{
		UserID:       userID,
		SocketID:     socketID,
		Role:         role,
		JoinedAtUnix: joinedAt.UnixMilli(),
	}
	res, err := s.stateRepo.AddParticipant(ctx, state.ID, participant, state.MaxParticipants, s.cfg.RoomTTL)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCapacityExceeded):
			s.metrics.Join("full")
			return nil, ErrRoomFull
		case errors.Is(err, repository.ErrRoomNotFound):
			// 房间在读取后被关闭
			s.metrics.Join("closed")
			return nil, ErrRoomClosed
		}
		logCtx.WithError(err).Error("Failed to add participant")
		return nil, ErrInternalServer
	}

	now := time.Now()
	if res.FirstJoin {
		if _, err := s.roomRepo.TransitionStatus(ctx, state.ID, domain.RoomStatusWaiting, domain.RoomStatusActive); err != nil {
			logCtx.WithError(err).Warn("Failed to mark room ACTIVE")
		}
	}
	if err := s.roomRepo.RecordOccupancy(ctx, state.ID, res.Count, now); err != nil {
		logCtx.WithError(err).Warn("Failed to record room occupancy")
	}

	created, err := s.attendanceRepo.CreateIfNotOpen(ctx, &domain.AttendanceRecord{
		UserID:   userID,
		RoomID:   state.ID,
		Role:     role,
		JoinedAt: now,
	})
	if err != nil {
		logCtx.WithError(err).Error("Failed to create attendance record")
	}

	participants, err := s.stateRepo.ListParticipants(ctx, state.ID)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to list participants after join")
	}
	if created {
		s.audit.Record(domain.AuditUserJoined, uintPtr(userID), stringPtr(state.ID), map[string]interface{}{
			"role": role, "participant_count": res.Count,
		})
	}
	s.metrics.Join("ok")
	logCtx.WithFields(logrus.Fields{"role": role, "count": res.Count, "rejoined": res.Rejoined}).Info("User joined room")

	result := &JoinResult{
		RoomID:          state.ID,
		RoomCode:        state.Code,
		Role:            role,
		Participants:    participants,
		Rejoined:        res.Rejoined,
		AutoCreatedFrom: autoCreatedFrom,
	}
	if existing != nil && existing.SocketID != socketID {
		result.PreviousSocketID = existing.SocketID
	}
	return result, nil
}

// loadJoinableRoom 解析房间并读取临时状态；临时状态缺失时按持久记录判断已关闭/未开始，
// 或在开启 AutoCreate 时以新 ID 创建房间。
func (s *RoomService) loadJoinableRoom(ctx context.Context, idOrCode string, userID uint) (*domain.RoomState, string, error) {
	roomID, err := s.ResolveRoomID(ctx, idOrCode)
	if err != nil && !errors.Is(err, ErrRoomNotFound) {
		return nil, "", err
	}
	if err == nil {
		state, err := s.stateRepo.GetRoomState(ctx, roomID)
		if err == nil {
			return state, "", nil
		}
		if !errors.Is(err, repository.ErrRoomNotFound) {
			return nil, "", ErrInternalServer
		}
		room, err := s.roomRepo.FindByID(ctx, roomID)
		if err == nil {
			switch room.Status {
			case domain.RoomStatusClosed:
				return nil, "", ErrRoomClosed
			case domain.RoomStatusScheduled:
				return nil, "", ErrRoomNotStarted
			}
		} else if !errors.Is(err, repository.ErrRoomNotFound) {
			return nil, "", ErrInternalServer
		}
	}

	if !s.cfg.AutoCreate {
		return nil, "", ErrRoomNotFound
	}
	state, err := s.autoCreateRoom(ctx, idOrCode, userID)
	if err != nil {
		return nil, "", err
	}
	return state, idOrCode, nil
}

// autoCreateRoom 以新 ID 创建房间，加入者成为主持人。
func (s *RoomService) autoCreateRoom(ctx context.Context, requestedID string, userID uint) (*domain.RoomState, error) {
	room, err := s.newRoom(ctx, userID, "", 0, nil, domain.RoomStatusWaiting)
	if err != nil {
		return nil, err
	}
	room.AutoCreatedFrom = stringPtr(requestedID)
	if err := s.roomRepo.Create(ctx, room); err != nil {
		logrus.WithField("requested_id", requestedID).WithError(err).Error("Failed to auto-create room")
		return nil, ErrInternalServer
	}
	if err := s.initRoomState(ctx, room); err != nil {
		s.abandonRoom(ctx, room.ID)
		return nil, ErrInternalServer
	}
	s.audit.Record(domain.AuditRoomAutoCreated, uintPtr(userID), stringPtr(room.ID), map[string]interface{}{
		"requested_id": requestedID, "code": room.Code,
	})
	logrus.WithFields(logrus.Fields{"room_id": room.ID, "requested_id": requestedID}).Warn("Room auto-created on join")
	return s.stateRepo.GetRoomState(ctx, room.ID)
}

// LeaveRoom 移除参与者、关闭出勤记录并按时长扣费。扣费与审计失败不会让离开失败。
// 重复调用是安全的：第二次调用不会再次关闭出勤记录或扣费。
func (s *RoomService) LeaveRoom(ctx context.Context, roomID string, userID uint, socketID string) (*LeaveResult, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "operation": "leaveRoom"})

	remaining, removed, err := s.stateRepo.RemoveParticipant(ctx, roomID, userID, socketID)
	superseded := errors.Is(err, repository.ErrSocketSuperseded)
	if err != nil && !superseded {
		logCtx.WithError(err).Error("Failed to remove participant")
		return nil, ErrInternalServer
	}
	if socketID != "" {
		if err := s.stateRepo.ClearSocketRoom(ctx, socketID); err != nil {
			logCtx.WithError(err).Warn("Failed to clear socket room mapping")
		}
	}

	result := &LeaveResult{RemainingParticipants: []domain.Participant{}}
	if superseded {
		// 旧连接的离开不影响新连接上的会话与出勤
		result.Superseded = true
		if participants, err := s.stateRepo.ListParticipants(ctx, roomID); err == nil {
			result.RemainingParticipants = participants
		}
		logCtx.WithField("socket_id", socketID).Info("Stale socket left, participant kept on newer socket")
		return result, nil
	}

	if rec := s.closeAttendance(ctx, roomID, userID); rec != nil || removed {
		payload := map[string]interface{}{"remaining": remaining}
		if rec != nil && rec.DurationSeconds != nil {
			payload["duration_seconds"] = *rec.DurationSeconds
		}
		s.audit.Record(domain.AuditUserLeft, uintPtr(userID), stringPtr(roomID), payload)
	}

	// 只有本次调用移除了最后一个参与者时才关闭，避免非成员的 leave 关闭尚无人加入的房间
	if remaining == 0 && removed {
		closed, err := s.closeRoom(ctx, roomID, nil)
		if err != nil {
			logCtx.WithError(err).Error("Failed to close empty room")
		} else {
			result.RoomClosed = closed.Closed
		}
		logCtx.Info("User left room")
		return result, nil
	}

	participants, err := s.stateRepo.ListParticipants(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to list remaining participants")
	} else {
		result.RemainingParticipants = participants
	}
	logCtx.WithField("remaining", remaining).Info("User left room")
	return result, nil
}

// closeAttendance 关闭打开的出勤记录并结算；没有打开的记录时返回 nil。
func (s *RoomService) closeAttendance(ctx context.Context, roomID string, userID uint) *domain.AttendanceRecord {
	rec, err := s.attendanceRepo.CloseOpen(ctx, userID, roomID, time.Now())
	if err != nil {
		if !errors.Is(err, repository.ErrAttendanceNotFound) {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID}).
				WithError(err).Error("Failed to close attendance record")
		}
		return nil
	}
	s.chargeSession(ctx, rec)
	return rec
}

// chargeSession 对非主持人的学生按 ceil(秒/60) 扣费。余额不足记审计；其它失败交给重试队列。
func (s *RoomService) chargeSession(ctx context.Context, rec *domain.AttendanceRecord) {
	if rec.Role == domain.RoleHost || rec.DurationSeconds == nil || *rec.DurationSeconds <= 0 {
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": rec.RoomID, "user_id": rec.UserID, "attendance_id": rec.ID})

	user, err := s.userRepo.FindByID(ctx, rec.UserID)
	if err != nil {
		logCtx.WithError(err).Warn("Skip session charge: user lookup failed")
		return
	}
	if user.Role != domain.UserRoleStudent {
		return
	}

	amount := (*rec.DurationSeconds + 59) / 60
	reference := fmt.Sprintf("attendance:%d", rec.ID)
	_, err = s.billing.DebitForSession(ctx, rec.UserID, amount, rec.RoomID, reference)
	if err == nil {
		return
	}

	reason := "insufficient_credits"
	if !errors.Is(err, ErrInsufficientCredits) {
		reason = "retry_scheduled"
		payload := tasks.BillingDebitPayload{UserID: rec.UserID, Amount: amount, RoomID: rec.RoomID, Reference: reference}
		if s.debitQueue == nil {
			reason = "retry_unavailable"
		} else if qErr := s.debitQueue.EnqueueBillingDebit(ctx, payload); qErr != nil {
			reason = "retry_unavailable"
			logCtx.WithError(qErr).Error("Failed to enqueue billing debit retry")
		}
	}
	logCtx.WithError(err).WithField("reason", reason).Warn("Session charge failed")
	s.audit.Record(domain.AuditBillingDebitFailed, uintPtr(rec.UserID), stringPtr(rec.RoomID), map[string]interface{}{
		"amount": amount, "reference": reference, "reason": reason,
	})
}

// CloseRoom 由主持人关闭房间。对已关闭的房间是 no-op。
func (s *RoomService) CloseRoom(ctx context.Context, roomID string, requesterID uint) (*CloseResult, error) {
	hostID, err := s.roomHost(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if hostID != requesterID {
		return nil, ErrPermissionDenied
	}
	return s.closeRoom(ctx, roomID, uintPtr(requesterID))
}

// RequireHost 检查 userID 是否为房间主持人。
func (s *RoomService) RequireHost(ctx context.Context, roomID string, userID uint) error {
	hostID, err := s.roomHost(ctx, roomID)
	if err != nil {
		return err
	}
	if hostID != userID {
		return ErrPermissionDenied
	}
	return nil
}

func (s *RoomService) roomHost(ctx context.Context, roomID string) (uint, error) {
	state, err := s.stateRepo.GetRoomState(ctx, roomID)
	if err == nil {
		return state.HostID, nil
	}
	if !errors.Is(err, repository.ErrRoomNotFound) {
		return 0, ErrInternalServer
	}
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return 0, ErrRoomNotFound
		}
		return 0, ErrInternalServer
	}
	return room.HostID, nil
}

// closeRoom 删除临时状态、结算仍打开的出勤记录并把持久记录置为 CLOSED。
// 两个存储之间没有事务：持久更新失败只记录日志，临时状态已删除，房间不会再被加入。
func (s *RoomService) closeRoom(ctx context.Context, roomID string, closedBy *uint) (*CloseResult, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "operation": "closeRoom"})

	code := ""
	var participants []domain.Participant
	state, err := s.stateRepo.GetRoomState(ctx, roomID)
	switch {
	case err == nil:
		code = state.Code
		if participants, err = s.stateRepo.ListParticipants(ctx, roomID); err != nil {
			logCtx.WithError(err).Warn("Failed to list participants before close")
		}
	case errors.Is(err, repository.ErrRoomNotFound):
		if room, err := s.roomRepo.FindByID(ctx, roomID); err == nil {
			code = room.Code
		}
	default:
		return nil, ErrInternalServer
	}

	if err := s.stateRepo.DeleteRoomState(ctx, roomID, code); err != nil {
		logCtx.WithError(err).Error("Failed to delete room state")
		return nil, ErrInternalServer
	}

	result := &CloseResult{SocketIDs: make([]string, 0, len(participants))}
	for _, p := range participants {
		if p.SocketID != "" {
			result.SocketIDs = append(result.SocketIDs, p.SocketID)
			if err := s.stateRepo.ClearSocketRoom(ctx, p.SocketID); err != nil {
				logCtx.WithError(err).Warn("Failed to clear socket room mapping")
			}
		}
	}
	s.settleOpenAttendance(ctx, roomID)

	closed, err := s.roomRepo.Close(ctx, roomID, closedBy, time.Now())
	if err != nil {
		logCtx.WithError(err).Error("Failed to mark room CLOSED")
	}
	result.Closed = closed || state != nil
	if result.Closed {
		s.metrics.RoomClosed()
		payload := map[string]interface{}{"participants_at_close": len(participants)}
		s.audit.Record(domain.AuditRoomClosed, closedBy, stringPtr(roomID), payload)
		logCtx.Info("Room closed")
	}
	return result, nil
}

// settleOpenAttendance 关闭房间内所有仍打开的出勤记录 (关闭时仍在房间内或状态已过期的参与者)。
func (s *RoomService) settleOpenAttendance(ctx context.Context, roomID string) {
	records, err := s.attendanceRepo.ListByRoom(ctx, roomID)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to list attendance for settlement")
		return
	}
	for _, rec := range records {
		if rec.LeftAt == nil {
			s.closeAttendance(ctx, roomID, rec.UserID)
		}
	}
}

// AuthorizeKick 检查 requester 能否移出 target 并返回 target。网关在清理 target 的媒体前调用。
func (s *RoomService) AuthorizeKick(ctx context.Context, roomID string, requesterID, targetID uint) (*domain.Participant, error) {
	if requesterID == targetID {
		return nil, ErrInvalidRequest
	}
	if _, err := s.requireModerator(ctx, roomID, requesterID); err != nil {
		return nil, err
	}
	target, err := s.requireParticipant(ctx, roomID, targetID)
	if err != nil {
		return nil, err
	}
	if target.Role == domain.RoleHost {
		return nil, ErrPermissionDenied
	}
	return target, nil
}

// KickUser 主持人或联合主持人移出参与者。返回目标的 socket id 供网关断开。
func (s *RoomService) KickUser(ctx context.Context, roomID string, requesterID, targetID uint) (*KickResult, error) {
	target, err := s.AuthorizeKick(ctx, roomID, requesterID, targetID)
	if err != nil {
		return nil, err
	}

	// 移出不区分目标当前使用哪个连接
	left, err := s.LeaveRoom(ctx, roomID, targetID, "")
	if err != nil {
		return nil, err
	}
	if target.SocketID != "" {
		if err := s.stateRepo.ClearSocketRoom(ctx, target.SocketID); err != nil {
			logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": targetID}).WithError(err).Warn("Failed to clear socket room mapping")
		}
	}
	s.audit.Record(domain.AuditUserKicked, uintPtr(targetID), stringPtr(roomID), map[string]interface{}{
		"kicked_by": requesterID,
	})
	logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": targetID, "kicked_by": requesterID}).Info("User kicked")
	return &KickResult{TargetSocketID: target.SocketID, RemainingParticipants: left.RemainingParticipants}, nil
}

// MuteAll 将主持人以外的所有参与者静音，返回被静音参与者的 socket id。
func (s *RoomService) MuteAll(ctx context.Context, roomID string, requesterID uint) ([]string, error) {
	if _, err := s.requireModerator(ctx, roomID, requesterID); err != nil {
		return nil, err
	}
	participants, err := s.stateRepo.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, ErrInternalServer
	}
	sockets := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.Role == domain.RoleHost {
			continue
		}
		if err := s.stateRepo.SetParticipantFlag(ctx, roomID, p.UserID, repository.FlagMuted, true); err != nil {
			if !errors.Is(err, repository.ErrParticipantNotFound) {
				logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": p.UserID}).WithError(err).Warn("Failed to mute participant")
			}
			continue
		}
		sockets = append(sockets, p.SocketID)
	}
	s.audit.Record(domain.AuditAllMuted, uintPtr(requesterID), stringPtr(roomID), map[string]interface{}{"muted": len(sockets)})
	return sockets, nil
}

// ChangeRole 只有主持人可以修改角色，且不能授予或剥夺 HOST。
func (s *RoomService) ChangeRole(ctx context.Context, roomID string, requesterID, targetID uint, newRole domain.Role) error {
	if !newRole.Valid() {
		return ErrInvalidRole
	}
	requester, err := s.requireParticipant(ctx, roomID, requesterID)
	if err != nil {
		if errors.Is(err, ErrNotInRoom) {
			return ErrPermissionDenied
		}
		return err
	}
	if requester.Role != domain.RoleHost || newRole == domain.RoleHost {
		return ErrPermissionDenied
	}
	target, err := s.requireParticipant(ctx, roomID, targetID)
	if err != nil {
		return err
	}
	if target.Role == domain.RoleHost {
		return ErrPermissionDenied
	}
	if err := s.stateRepo.SetParticipantRole(ctx, roomID, targetID, newRole); err != nil {
		if errors.Is(err, repository.ErrParticipantNotFound) {
			return ErrNotInRoom
		}
		return ErrInternalServer
	}
	s.audit.Record(domain.AuditRoleChanged, uintPtr(targetID), stringPtr(roomID), map[string]interface{}{
		"from": target.Role, "to": newRole, "changed_by": requesterID,
	})
	return nil
}

// ToggleHandRaise 翻转举手状态并返回新值。
func (s *RoomService) ToggleHandRaise(ctx context.Context, roomID string, userID uint) (bool, error) {
	raised, err := s.stateRepo.FlipParticipantFlag(ctx, roomID, userID, repository.FlagHandRaised)
	if err != nil {
		if errors.Is(err, repository.ErrParticipantNotFound) {
			return false, ErrNotInRoom
		}
		return false, ErrInternalServer
	}
	return raised, nil
}

// SetMediaState 更新调用者自己的静音/关闭视频状态。
func (s *RoomService) SetMediaState(ctx context.Context, roomID string, userID uint, muted, videoOff *bool) error {
	if muted == nil && videoOff == nil {
		return ErrInvalidRequest
	}
	set := func(flag repository.ParticipantFlag, v *bool) error {
		if v == nil {
			return nil
		}
		return s.stateRepo.SetParticipantFlag(ctx, roomID, userID, flag, *v)
	}
	for _, err := range []error{set(repository.FlagMuted, muted), set(repository.FlagVideoOff, videoOff)} {
		if err == nil {
			continue
		}
		if errors.Is(err, repository.ErrParticipantNotFound) {
			return ErrNotInRoom
		}
		return ErrInternalServer
	}
	return nil
}

// UpdateRoomSettings 主持人修改房间开关。
func (s *RoomService) UpdateRoomSettings(ctx context.Context, roomID string, requesterID uint, patch RoomFlagsPatch) (domain.RoomFlags, error) {
	state, err := s.stateRepo.GetRoomState(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return domain.RoomFlags{}, ErrRoomNotFound
		}
		return domain.RoomFlags{}, ErrInternalServer
	}
	if state.HostID != requesterID {
		return domain.RoomFlags{}, ErrPermissionDenied
	}

	flags := state.RoomFlags
	if patch.ScreenShareAllowed != nil {
		flags.ScreenShareAllowed = *patch.ScreenShareAllowed
	}
	if patch.WhiteboardAllowed != nil {
		flags.WhiteboardAllowed = *patch.WhiteboardAllowed
	}
	if patch.WaitingRoomEnabled != nil {
		flags.WaitingRoomEnabled = *patch.WaitingRoomEnabled
	}
	if err := s.stateRepo.SetRoomFlags(ctx, roomID, flags); err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return domain.RoomFlags{}, ErrRoomNotFound
		}
		return domain.RoomFlags{}, ErrInternalServer
	}
	if err := s.roomRepo.UpdateFlags(ctx, roomID, flags); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to persist room flags")
	}
	s.audit.Record(domain.AuditSettingsUpdated, uintPtr(requesterID), stringPtr(roomID), map[string]interface{}{
		"screen_share": flags.ScreenShareAllowed, "whiteboard": flags.WhiteboardAllowed, "waiting_room": flags.WaitingRoomEnabled,
	})
	return flags, nil
}

// GetRoom 返回房间信息；房间已关闭时返回持久记录的视图。
func (s *RoomService) GetRoom(ctx context.Context, idOrCode string) (*RoomInfo, error) {
	roomID, err := s.ResolveRoomID(ctx, idOrCode)
	if err != nil {
		return nil, err
	}
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, ErrInternalServer
	}
	info := &RoomInfo{
		RoomID:           room.ID,
		RoomCode:         room.Code,
		Title:            room.Title,
		HostID:           room.HostID,
		Status:           room.Status,
		MaxParticipants:  room.MaxParticipants,
		PeakParticipants: room.PeakParticipants,
		Flags:            room.Flags(),
		ScheduledAt:      room.ScheduledAt,
		StartedAt:        room.StartedAt,
		EndedAt:          room.EndedAt,
	}
	if state, err := s.stateRepo.GetRoomState(ctx, roomID); err == nil {
		info.Status = state.Status
		info.Flags = state.RoomFlags
		if n, err := s.stateRepo.CountParticipants(ctx, roomID); err == nil {
			info.ParticipantCount = n
		}
	}
	return info, nil
}

// RoomState 返回房间临时状态；网关用来判断是否启用等候室。
func (s *RoomService) RoomState(ctx context.Context, roomID string) (*domain.RoomState, error) {
	state, err := s.stateRepo.GetRoomState(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, ErrInternalServer
	}
	return state, nil
}

func (s *RoomService) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	participants, err := s.stateRepo.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, ErrInternalServer
	}
	return participants, nil
}

// GetParticipant 返回房间内的参与者；不在房间内时返回 ErrNotInRoom。
func (s *RoomService) GetParticipant(ctx context.Context, roomID string, userID uint) (*domain.Participant, error) {
	return s.requireParticipant(ctx, roomID, userID)
}

// SweepStaleRooms 修复 TTL 造成的孤儿状态：active_rooms 中临时状态已过期的房间、
// 有临时状态但已无人的 ACTIVE 房间，以及持久记录仍为 WAITING/ACTIVE 但临时状态已不存在的房间。
// 返回被关闭的房间 ID，调用方据此释放媒体资源。
func (s *RoomService) SweepStaleRooms(ctx context.Context) ([]string, error) {
	stale := make(map[string]struct{})

	ids, err := s.stateRepo.ListActiveRoomIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rooms: %w", err)
	}
	for _, id := range ids {
		state, err := s.stateRepo.GetRoomState(ctx, id)
		if errors.Is(err, repository.ErrRoomNotFound) {
			stale[id] = struct{}{}
			continue
		}
		if err != nil || state.Status != domain.RoomStatusActive {
			continue
		}
		if n, err := s.stateRepo.CountParticipants(ctx, id); err == nil && n == 0 {
			stale[id] = struct{}{}
		}
	}

	open, err := s.roomRepo.FindOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("find open rooms: %w", err)
	}
	for _, room := range open {
		if _, err := s.stateRepo.GetRoomState(ctx, room.ID); errors.Is(err, repository.ErrRoomNotFound) {
			stale[room.ID] = struct{}{}
		}
	}

	closed := make([]string, 0, len(stale))
	for id := range stale {
		if _, err := s.closeRoom(ctx, id, nil); err != nil {
			logrus.WithField("room_id", id).WithError(err).Warn("Failed to close stale room")
			continue
		}
		closed = append(closed, id)
	}
	if len(closed) > 0 {
		logrus.WithField("closed", len(closed)).Info("Stale rooms swept")
	}
	return closed, nil
}

// --- 私有辅助函数 ---

func (s *RoomService) requireParticipant(ctx context.Context, roomID string, userID uint) (*domain.Participant, error) {
	p, err := s.stateRepo.GetParticipant(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrParticipantNotFound) {
			return nil, ErrNotInRoom
		}
		return nil, ErrInternalServer
	}
	return p, nil
}

func (s *RoomService) requireModerator(ctx context.Context, roomID string, userID uint) (*domain.Participant, error) {
	p, err := s.requireParticipant(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, ErrNotInRoom) {
			return nil, ErrPermissionDenied
		}
		return nil, err
	}
	if !p.Role.IsModerator() {
		return nil, ErrPermissionDenied
	}
	return p, nil
}

func (s *RoomService) newRoom(ctx context.Context, hostID uint, title string, maxParticipants int, flags *domain.RoomFlags, status domain.RoomStatus) (*domain.Room, error) {
	if maxParticipants <= 0 {
		maxParticipants = s.cfg.DefaultMaxParticipants
	}
	if maxParticipants > s.cfg.MaxParticipantsCap {
		return nil, ErrInvalidRequest
	}
	f := domain.DefaultRoomFlags()
	if flags != nil {
		f = *flags
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Meeting"
	}

	code, err := s.generateUniqueRoomCode(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to generate unique room code")
		return nil, ErrInternalServer
	}
	return &domain.Room{
		ID:                 uuid.NewString(),
		Code:               code,
		Title:              title,
		HostID:             hostID,
		Status:             status,
		MaxParticipants:    maxParticipants,
		ScreenShareAllowed: f.ScreenShareAllowed,
		WhiteboardAllowed:  f.WhiteboardAllowed,
		WaitingRoomEnabled: f.WaitingRoomEnabled,
	}, nil
}

func (s *RoomService) initRoomState(ctx context.Context, room *domain.Room) error {
	err := s.stateRepo.CreateRoomState(ctx, &domain.RoomState{
		ID:              room.ID,
		Code:            room.Code,
		Title:           room.Title,
		HostID:          room.HostID,
		Status:          room.Status,
		MaxParticipants: room.MaxParticipants,
		CreatedAtUnix:   time.Now().UnixMilli(),
		RoomFlags:       room.Flags(),
	}, s.cfg.RoomTTL)
	if err == nil {
		s.metrics.RoomOpened()
	}
	return err
}

// abandonRoom 关闭只写入了持久记录的房间，避免留下无法加入的 WAITING 行。
func (s *RoomService) abandonRoom(ctx context.Context, roomID string) {
	if _, err := s.roomRepo.Close(ctx, roomID, nil, time.Now()); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to close abandoned room")
	}
}

// generateUniqueRoomCode 生成在活跃房间与持久记录中都未被使用的房间码。
func (s *RoomService) generateUniqueRoomCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < roomCodeMaxAttempts; attempt++ {
		code, err := randomRoomCode()
		if err != nil {
			return "", err
		}
		inUse, err := s.stateRepo.RoomCodeInUse(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check active room code: %w", err)
		}
		if inUse {
			continue
		}
		taken, err := s.roomRepo.IsCodeTaken(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check durable room code: %w", err)
		}
		if !taken {
			return code, nil
		}
		logrus.WithField("room_code", code).Warnf("Room code collision, retrying (attempt %d)", attempt+1)
	}
	return "", fmt.Errorf("failed to generate a unique room code after %d attempts", roomCodeMaxAttempts)
}

func randomRoomCode() (string, error) {
	b := make([]byte, roomCodeGroups*roomCodeGroupLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	var sb strings.Builder
	for i := range b {
		if i > 0 && i%roomCodeGroupLen == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(roomCodeAlphabet[int(b[i])%len(roomCodeAlphabet)])
	}
	return sb.String(), nil
}

// normalizeRoomCode 接受小写与不带分隔符的输入。
func normalizeRoomCode(s string) string {
	s = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if !strings.Contains(s, "-") && len(s) == roomCodeGroups*roomCodeGroupLen {
		parts := make([]string, 0, roomCodeGroups)
		for i := 0; i < len(s); i += roomCodeGroupLen {
			parts = append(parts, s[i:i+roomCodeGroupLen])
		}
		return strings.Join(parts, "-")
	}
	return s
}

func joinResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, ErrRoomClosed):
		return "closed"
	default:
		return "error"
	}
}
