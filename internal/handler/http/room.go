package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"live-classroom/internal/domain"
	"live-classroom/internal/service"
)

// RoomHandler 封装了与房间管理相关的 HTTP 处理逻辑。
// 加入与离开只走 WebSocket，这里只提供建房、查询与主持人操作。
type RoomHandler struct {
	roomService *service.RoomService
	closer      RoomCloser
}

// RoomCloser 关闭房间并通知在线连接，由 hub.Hub 实现。
type RoomCloser interface {
	CloseRoom(ctx context.Context, roomID string, requesterID uint) error
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, closer RoomCloser) *RoomHandler {
	if roomService == nil {
		panic("RoomService cannot be nil for RoomHandler")
	}
	if closer == nil {
		panic("RoomCloser cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService, closer: closer}
}

// CreateRoomRequest 建房或预约房间；ScheduledAt 非空时创建预约房间。
type CreateRoomRequest struct {
	Title           string            `json:"title" binding:"max=255"`
	MaxParticipants int               `json:"maxParticipants" binding:"gte=0"`
	Flags           *domain.RoomFlags `json:"flags"`
	ScheduledAt     *time.Time        `json:"scheduledAt"`
}

// CreateRoom 处理创建新房间的请求
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}

	var (
		created *service.RoomCreated
		err     error
	)
	if req.ScheduledAt != nil {
		created, err = h.roomService.ScheduleRoom(c.Request.Context(), userID, req.Title, req.MaxParticipants, req.Flags, *req.ScheduledAt)
	} else {
		created, err = h.roomService.CreateRoom(c.Request.Context(), userID, req.Title, req.MaxParticipants, req.Flags)
	}
	if err != nil {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithFields(logrus.Fields{"room_id": created.RoomID, "room_code": created.RoomCode}).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusCreated, created)
}

// GetRoom 按房间 ID 或房间码查询
func (h *RoomHandler) GetRoom(c *gin.Context) {
	info, err := h.roomService.GetRoom(c.Request.Context(), c.Param("idOrCode"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, info)
}

// ListParticipants 返回房间当前的参与者；仅房间成员可见。
func (h *RoomHandler) ListParticipants(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	roomID, err := h.roomService.ResolveRoomID(c.Request.Context(), c.Param("idOrCode"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	if _, err := h.roomService.GetParticipant(c.Request.Context(), roomID, userID); err != nil {
		HandleServiceError(c, err)
		return
	}
	participants, err := h.roomService.ListParticipants(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "participants": participants})
}

// StartRoom 主持人提前开始预约房间
func (h *RoomHandler) StartRoom(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	roomID, err := h.roomService.ResolveRoomID(c.Request.Context(), c.Param("idOrCode"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	started, err := h.roomService.StartScheduledRoom(c.Request.Context(), roomID, userID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, started)
}

// CloseRoom 主持人关闭房间
func (h *RoomHandler) CloseRoom(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	roomID, err := h.roomService.ResolveRoomID(c.Request.Context(), c.Param("idOrCode"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	if err := h.closer.CloseRoom(c.Request.Context(), roomID, userID); err != nil {
		HandleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
