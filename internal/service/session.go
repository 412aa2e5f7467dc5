package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"live-classroom/internal/domain"
	"live-classroom/internal/metrics"
	"live-classroom/internal/repository"
)

// SessionConfig 连接级别的配置。
type SessionConfig struct {
	SocketTTL       time.Duration
	RoomTTL         time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// SessionService 管理连接级别的临时状态：socket 与用户/房间的映射、每个 socket 的限流以及等候室。
// 状态全部保存在 StateRepository 中，不依赖网关进程内的 map。
type SessionService struct {
	stateRepo repository.StateRepository
	metrics   *metrics.Metrics
	cfg       SessionConfig
}

func NewSessionService(stateRepo repository.StateRepository, m *metrics.Metrics, cfg SessionConfig) *SessionService {
	if stateRepo == nil {
		panic("StateRepository cannot be nil for SessionService")
	}
	if cfg.SocketTTL <= 0 {
		cfg.SocketTTL = 2 * time.Hour
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = 24 * time.Hour
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 60
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &SessionService{stateRepo: stateRepo, metrics: m, cfg: cfg}
}

func rateLimitKey(socketID string) string { return "ratelimit:socket:" + socketID }

// BindSocket 记录认证后的 socket <-> user 映射。
func (s *SessionService) BindSocket(ctx context.Context, socketID string, userID uint) error {
	if err := s.stateRepo.BindSocket(ctx, socketID, userID, s.cfg.SocketTTL); err != nil {
		logrus.WithFields(logrus.Fields{"socket_id": socketID, "user_id": userID}).WithError(err).Error("Failed to bind socket")
		return ErrInternalServer
	}
	return nil
}

// SetSocketRoom 记录 socket 当前所在的房间；失败只记录日志。
func (s *SessionService) SetSocketRoom(ctx context.Context, socketID, roomID string) {
	if err := s.stateRepo.SetSocketRoom(ctx, socketID, roomID, s.cfg.SocketTTL); err != nil {
		logrus.WithFields(logrus.Fields{"socket_id": socketID, "room_id": roomID}).WithError(err).Warn("Failed to record socket room")
	}
}

// ReleaseSocket 断开连接时清理映射与限流计数。每一步失败都继续执行。
func (s *SessionService) ReleaseSocket(ctx context.Context, socketID string, userID uint) {
	logCtx := logrus.WithFields(logrus.Fields{"socket_id": socketID, "user_id": userID})
	if err := s.stateRepo.UnbindSocket(ctx, socketID, userID); err != nil {
		logCtx.WithError(err).Warn("Failed to unbind socket")
	}
	if err := s.stateRepo.ClearRateLimit(ctx, rateLimitKey(socketID)); err != nil {
		logCtx.WithError(err).Warn("Failed to clear socket rate limit")
	}
}

// Allow 对 socket 的修改类请求做滑动窗口限流。存储不可用时放行。
func (s *SessionService) Allow(ctx context.Context, socketID string) error {
	exceeded, err := s.stateRepo.CheckRateLimit(ctx, rateLimitKey(socketID), s.cfg.RateLimitMax, s.cfg.RateLimitWindow)
	if err != nil {
		logrus.WithField("socket_id", socketID).WithError(err).Warn("Rate limit check failed, allowing request")
		return nil
	}
	if exceeded {
		s.metrics.RateLimited()
		return ErrRateLimited
	}
	return nil
}

// EnterWaitingRoom 把用户放入房间的等候室。
func (s *SessionService) EnterWaitingRoom(ctx context.Context, roomID string, userID uint, socketID string) error {
	entry := domain.WaitingEntry{UserID: userID, SocketID: socketID, RequestedAtUnix: time.Now().UnixMilli()}
	if err := s.stateRepo.AddWaiting(ctx, roomID, entry, s.cfg.RoomTTL); err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID}).WithError(err).Error("Failed to add waiting entry")
		return ErrInternalServer
	}
	return nil
}

// TakeWaiting 从等候室移除用户并返回其条目；不在等候室时返回 ErrNotWaiting。
func (s *SessionService) TakeWaiting(ctx context.Context, roomID string, userID uint) (*domain.WaitingEntry, error) {
	entry, err := s.stateRepo.RemoveWaiting(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotWaiting
		}
		return nil, fmt.Errorf("%w: take waiting: %v", ErrInternalServer, err)
	}
	return entry, nil
}

func (s *SessionService) ListWaiting(ctx context.Context, roomID string) ([]domain.WaitingEntry, error) {
	entries, err := s.stateRepo.ListWaiting(ctx, roomID)
	if err != nil {
		return nil, ErrInternalServer
	}
	return entries, nil
}
