package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"live-classroom/internal/repository"
	"live-classroom/internal/sfu"
)

// cleanupParallelism 同时关闭的媒体对象上限。
const cleanupParallelism = 8

// ProducerRef 房间内一个可订阅的 producer。
type ProducerRef struct {
	ProducerID string `json:"producerId"`
	UserID     uint   `json:"userId"`
}

// MediaService 把信令操作翻译为 SFU 调用，并在状态存储中维护 transport/producer/consumer 归属。
// 所有 SFU 错误都包装为 *MediaError。
type MediaService struct {
	provider  sfu.Provider
	stateRepo repository.StateRepository
	ttl       time.Duration // 归属集合的过期时间，与房间状态一致

	mu      sync.Mutex
	routers map[string]string // roomID -> routerID; rooms are owned by this process
}

func NewMediaService(provider sfu.Provider, stateRepo repository.StateRepository, roomTTL time.Duration) *MediaService {
	if provider == nil || stateRepo == nil {
		panic("Provider and StateRepository cannot be nil for MediaService")
	}
	if roomTTL <= 0 {
		roomTTL = 24 * time.Hour
	}
	return &MediaService{provider: provider, stateRepo: stateRepo, ttl: roomTTL, routers: make(map[string]string)}
}

func mediaErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MediaError{Op: op, Cause: err}
}

// ensureRouter 懒创建房间的 router，并记录在房间 hash 上。
func (s *MediaService) ensureRouter(ctx context.Context, roomID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.routers[roomID]; ok {
		return id, nil
	}

	state, err := s.stateRepo.GetRoomState(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return "", ErrRoomNotFound
		}
		return "", ErrInternalServer
	}
	if state.RouterID != "" {
		if _, err := s.provider.RouterCapabilities(ctx, state.RouterID); err == nil {
			s.routers[roomID] = state.RouterID
			return state.RouterID, nil
		}
	}

	routerID, err := s.provider.CreateRouter(ctx)
	if err != nil {
		return "", mediaErr("createRouter", err)
	}
	if err := s.stateRepo.SetRoomRouter(ctx, roomID, routerID); err != nil {
		_ = s.provider.CloseRouter(ctx, routerID)
		if errors.Is(err, repository.ErrRoomNotFound) {
			return "", ErrRoomNotFound
		}
		return "", ErrInternalServer
	}
	s.routers[roomID] = routerID
	logrus.WithFields(logrus.Fields{"room_id": roomID, "router_id": routerID}).Info("Media router created")
	return routerID, nil
}

func (s *MediaService) GetRouterCapabilities(ctx context.Context, roomID string) (sfu.RTPCapabilities, error) {
	routerID, err := s.ensureRouter(ctx, roomID)
	if err != nil {
		return sfu.RTPCapabilities{}, err
	}
	caps, err := s.provider.RouterCapabilities(ctx, routerID)
	if err != nil {
		return sfu.RTPCapabilities{}, mediaErr("getRouterCapabilities", err)
	}
	return caps, nil
}

func (s *MediaService) requireMember(ctx context.Context, roomID string, userID uint) error {
	if _, err := s.stateRepo.GetParticipant(ctx, roomID, userID); err != nil {
		if errors.Is(err, repository.ErrParticipantNotFound) {
			return ErrNotInRoom
		}
		return ErrInternalServer
	}
	return nil
}

// owned 校验 id 属于调用方列出的集合。
func owned(ids []string, err error, id string) error {
	if err != nil {
		return ErrInternalServer
	}
	if !slices.Contains(ids, id) {
		return ErrPermissionDenied
	}
	return nil
}

func (s *MediaService) requireTransportOwner(ctx context.Context, roomID string, userID uint, transportID string) error {
	ids, err := s.stateRepo.ListTransports(ctx, roomID, userID)
	return owned(ids, err, transportID)
}

func (s *MediaService) requireProducerOwner(ctx context.Context, roomID string, userID uint, producerID string) error {
	ids, err := s.stateRepo.ListProducers(ctx, roomID, userID)
	return owned(ids, err, producerID)
}

func (s *MediaService) requireConsumerOwner(ctx context.Context, roomID string, userID uint, consumerID string) error {
	ids, err := s.stateRepo.ListConsumers(ctx, roomID, userID)
	return owned(ids, err, consumerID)
}

// requireRoomProducer 校验 producer 属于房间内的某个参与者。
func (s *MediaService) requireRoomProducer(ctx context.Context, roomID, producerID string) error {
	refs, err := s.GetExistingProducers(ctx, roomID, 0)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.ProducerID == producerID {
			return nil
		}
	}
	return ErrPermissionDenied
}

func (s *MediaService) CreateTransport(ctx context.Context, roomID string, userID uint, direction sfu.Direction) (*sfu.TransportInfo, error) {
	if !direction.Valid() {
		return nil, ErrInvalidRequest
	}
	if err := s.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	routerID, err := s.ensureRouter(ctx, roomID)
	if err != nil {
		return nil, err
	}
	info, err := s.provider.CreateTransport(ctx, routerID, direction)
	if err != nil {
		return nil, mediaErr("createTransport", err)
	}
	if err := s.stateRepo.AddTransport(ctx, roomID, userID, info.ID, s.ttl); err != nil {
		_ = s.provider.CloseTransport(ctx, info.ID)
		return nil, ErrInternalServer
	}
	return info, nil
}

func (s *MediaService) ConnectTransport(ctx context.Context, roomID string, userID uint, transportID string, params sfu.ConnectParams) error {
	if err := s.requireTransportOwner(ctx, roomID, userID, transportID); err != nil {
		return err
	}
	return mediaErr("connectTransport", s.provider.ConnectTransport(ctx, transportID, params))
}

func (s *MediaService) Produce(ctx context.Context, roomID string, userID uint, transportID, kind string, params sfu.ProduceParameters) (string, error) {
	if err := s.requireTransportOwner(ctx, roomID, userID, transportID); err != nil {
		return "", err
	}
	producerID, err := s.provider.Produce(ctx, transportID, kind, params)
	if err != nil {
		return "", mediaErr("produce", err)
	}
	if err := s.stateRepo.AddProducer(ctx, roomID, userID, producerID, s.ttl); err != nil {
		_ = s.provider.CloseProducer(ctx, producerID)
		return "", ErrInternalServer
	}
	return producerID, nil
}

// Consume 订阅房间内的 producer。transport 必须属于调用方，producer 必须属于同一房间。
func (s *MediaService) Consume(ctx context.Context, roomID string, userID uint, transportID, producerID string, caps sfu.RTPCapabilities) (*sfu.ConsumerInfo, error) {
	if err := s.requireTransportOwner(ctx, roomID, userID, transportID); err != nil {
		return nil, err
	}
	if err := s.requireRoomProducer(ctx, roomID, producerID); err != nil {
		return nil, err
	}
	info, err := s.provider.Consume(ctx, transportID, producerID, caps)
	if err != nil {
		return nil, mediaErr("consume", err)
	}
	if err := s.stateRepo.AddConsumer(ctx, roomID, userID, info.ID, s.ttl); err != nil {
		// consumer 保持暂停，随 transport 关闭释放
		logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "consumer_id": info.ID}).
			WithError(err).Error("Consume: failed to record consumer")
		return nil, ErrInternalServer
	}
	return info, nil
}

func (s *MediaService) ResumeConsumer(ctx context.Context, roomID string, userID uint, consumerID string) error {
	if err := s.requireConsumerOwner(ctx, roomID, userID, consumerID); err != nil {
		return err
	}
	return mediaErr("resumeConsumer", s.provider.ResumeConsumer(ctx, consumerID))
}

func (s *MediaService) PauseProducer(ctx context.Context, roomID string, userID uint, producerID string) error {
	if err := s.requireProducerOwner(ctx, roomID, userID, producerID); err != nil {
		return err
	}
	return mediaErr("pauseProducer", s.provider.PauseProducer(ctx, producerID))
}

func (s *MediaService) ResumeProducer(ctx context.Context, roomID string, userID uint, producerID string) error {
	if err := s.requireProducerOwner(ctx, roomID, userID, producerID); err != nil {
		return err
	}
	return mediaErr("resumeProducer", s.provider.ResumeProducer(ctx, producerID))
}

// CloseProducer 关闭 producer 并从参与者的 producer 集合中移除。
func (s *MediaService) CloseProducer(ctx context.Context, roomID string, userID uint, producerID string) error {
	if err := s.requireProducerOwner(ctx, roomID, userID, producerID); err != nil {
		return err
	}
	if err := s.provider.CloseProducer(ctx, producerID); err != nil {
		return mediaErr("closeProducer", err)
	}
	if err := s.stateRepo.RemoveProducer(ctx, roomID, userID, producerID); err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "producer_id": producerID}).
			WithError(err).Warn("CloseProducer: failed to remove producer from state")
	}
	return nil
}

// GetExistingProducers 列出房间内除 excludeUserID 外所有参与者的 producer。
func (s *MediaService) GetExistingProducers(ctx context.Context, roomID string, excludeUserID uint) ([]ProducerRef, error) {
	participants, err := s.stateRepo.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, ErrInternalServer
	}
	refs := make([]ProducerRef, 0)
	for _, p := range participants {
		if p.UserID == excludeUserID {
			continue
		}
		for _, pid := range p.ProducerIDs {
			refs = append(refs, ProducerRef{ProducerID: pid, UserID: p.UserID})
		}
	}
	return refs, nil
}

// CleanupUser 并行关闭用户拥有的 producer 与 transport。对已清理的状态是 no-op。
func (s *MediaService) CleanupUser(ctx context.Context, roomID string, userID uint) error {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "operation": "cleanupUser"})
	producers, err := s.stateRepo.ListProducers(ctx, roomID, userID)
	if err != nil {
		logCtx.WithError(err).Warn("List producers failed")
	}
	transports, err := s.stateRepo.ListTransports(ctx, roomID, userID)
	if err != nil {
		logCtx.WithError(err).Warn("List transports failed")
	}
	consumers, err := s.stateRepo.ListConsumers(ctx, roomID, userID)
	if err != nil {
		logCtx.WithError(err).Warn("List consumers failed")
	}
	if len(producers) == 0 && len(transports) == 0 && len(consumers) == 0 {
		return nil
	}

	p := pool.New().WithErrors().WithMaxGoroutines(cleanupParallelism)
	for _, id := range producers {
		id := id
		p.Go(func() error {
			if err := s.provider.CloseProducer(ctx, id); err != nil {
				return mediaErr("closeProducer", err)
			}
			return s.stateRepo.RemoveProducer(ctx, roomID, userID, id)
		})
	}
	for _, id := range transports {
		id := id
		p.Go(func() error {
			if err := s.provider.CloseTransport(ctx, id); err != nil {
				return mediaErr("closeTransport", err)
			}
			return s.stateRepo.RemoveTransport(ctx, roomID, userID, id)
		})
	}
	if err := p.Wait(); err != nil {
		logCtx.WithError(err).Warn("Media cleanup finished with errors")
		return err
	}
	// consumer 随所属 transport 一起被 SFU 释放，这里只清理归属记录
	for _, id := range consumers {
		if err := s.stateRepo.RemoveConsumer(ctx, roomID, userID, id); err != nil {
			logCtx.WithError(err).Warn("Remove consumer failed")
			return err
		}
	}
	logCtx.WithFields(logrus.Fields{
		"producers": len(producers), "transports": len(transports), "consumers": len(consumers),
	}).Debug("Media cleanup done")
	return nil
}

// CleanupRoom 关闭房间的 router (连带所有 transport)。重复调用是 no-op。
func (s *MediaService) CleanupRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	routerID, ok := s.routers[roomID]
	delete(s.routers, roomID)
	s.mu.Unlock()
	if !ok {
		if state, err := s.stateRepo.GetRoomState(ctx, roomID); err == nil {
			routerID = state.RouterID
		}
	}
	if routerID == "" {
		return nil
	}
	if err := s.provider.CloseRouter(ctx, routerID); err != nil {
		return mediaErr("closeRouter", err)
	}
	if err := s.stateRepo.SetRoomRouter(ctx, roomID, ""); err != nil && !errors.Is(err, repository.ErrRoomNotFound) {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to clear router id")
	}
	logrus.WithFields(logrus.Fields{"room_id": roomID, "router_id": routerID}).Info("Media router closed")
	return nil
}
