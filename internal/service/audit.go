package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"live-classroom/internal/domain"
	"live-classroom/internal/metrics"
	"live-classroom/internal/repository"
)

const auditWriteTimeout = 5 * time.Second

// AuditService 尽力写入审计事件：写入在独立 goroutine 中进行，失败只记录日志。
type AuditService struct {
	repo    repository.AuditRepository
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func NewAuditService(repo repository.AuditRepository, m *metrics.Metrics) *AuditService {
	if repo == nil {
		panic("AuditRepository cannot be nil for AuditService")
	}
	return &AuditService{repo: repo, metrics: m}
}

// Record 从不阻塞调用方，也从不返回错误。
func (s *AuditService) Record(eventType domain.AuditEventType, userID *uint, roomID *string, payload map[string]interface{}) {
	if s == nil {
		return
	}
	event := &domain.AuditEvent{
		EventID: uuid.NewString(),
		Type:    eventType,
		UserID:  userID,
		RoomID:  roomID,
	}
	if len(payload) > 0 {
		if b, err := json.Marshal(payload); err == nil {
			event.Payload = string(b)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		if err := s.repo.Create(ctx, event); err != nil {
			s.metrics.AuditFailed()
			logrus.WithFields(logrus.Fields{
				"event_type": eventType,
				"event_id":   event.EventID,
			}).WithError(err).Warn("Audit write failed")
		}
	}()
}

// Wait 等待所有进行中的写入完成 (关闭与测试时使用)。
func (s *AuditService) Wait() {
	if s != nil {
		s.wg.Wait()
	}
}

func uintPtr(v uint) *uint       { return &v }
func stringPtr(v string) *string { return &v }
