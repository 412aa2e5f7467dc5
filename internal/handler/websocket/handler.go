package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"live-classroom/internal/hub"
	"live-classroom/internal/service"
)

// Authenticator 校验握手中携带的 token。
type Authenticator interface {
	VerifyToken(ctx context.Context, token string) (*service.Identity, error)
}

// WebSocketHandler 负责认证、升级连接并把客户端交给 Hub。
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
	auth     Authenticator
	sessions *service.SessionService
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。allowedOrigin 为空或 "*" 时允许所有来源。
func NewWebSocketHandler(h *hub.Hub, auth Authenticator, sessions *service.SessionService, allowedOrigin string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if auth == nil {
		panic("Authenticator cannot be nil for WebSocketHandler")
	}
	if sessions == nil {
		panic("SessionService cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}

	return &WebSocketHandler{upgrader: upgrader, hub: h, auth: auth, sessions: sessions}
}

// bearerToken 依次从 Authorization 头和 token 查询参数中读取凭证。
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// HandleConnection 处理 GET /ws。认证失败时先升级，推送 error 事件后立即断开。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	logCtx := logrus.WithField("client_ip", c.ClientIP())

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写回 HTTP 错误
		logCtx.WithError(err).Warn("WS Handler: Failed to upgrade connection")
		return
	}

	identity, err := h.auth.VerifyToken(c.Request.Context(), bearerToken(c.Request))
	if err != nil {
		logCtx.WithError(err).Warn("WS Handler: Authentication failed")
		rejectConn(conn, service.ErrAuthenticationFailed)
		return
	}

	socketID := uuid.NewString()
	logCtx = logCtx.WithFields(logrus.Fields{"user_id": identity.UserID, "socket_id": socketID})

	if err := h.sessions.BindSocket(c.Request.Context(), socketID, identity.UserID); err != nil {
		logCtx.WithError(err).Error("WS Handler: Failed to bind socket")
		rejectConn(conn, err)
		return
	}

	client := hub.NewClient(h.hub, conn, socketID, identity.UserID)
	if !h.hub.Register(client) {
		logCtx.Warn("WS Handler: Hub stopped, rejecting connection")
		h.sessions.ReleaseSocket(context.Background(), socketID, identity.UserID)
		rejectConn(conn, service.ErrInternalServer)
		return
	}

	msg, _ := hub.EncodeEvent(hub.EventAuthenticated, map[string]interface{}{
		"userId":   identity.UserID,
		"socketId": socketID,
	})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		logCtx.WithError(err).Warn("WS Handler: Failed to send authenticated event")
	}

	client.Run()
	logCtx.Info("WS Handler: Client connected")
}

// rejectConn 发送 error 事件并关闭连接。
func rejectConn(conn *websocket.Conn, cause error) {
	defer conn.Close()
	payload, _ := json.Marshal(hub.Event{
		Event: hub.EventError,
		Data:  hub.AckError{Status: service.StatusOf(cause), Message: service.PublicMessage(cause)},
	})
	deadline := time.Now().Add(time.Second)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, service.PublicMessage(cause)), deadline)
}
