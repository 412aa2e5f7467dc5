package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"live-classroom/internal/metrics"
	"live-classroom/internal/service"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// SDP/RTP 参数可能较大
	maxMessageSize = 64 * 1024
)

const (
	msgRegister   = "register"
	msgUnregister = "unregister"
	msgRequest    = "request"
)

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type    string
	Client  *Client
	RawData []byte
}

// Hub 维护已认证的连接以及房间内的连接集合，并把请求分发给各个 service。
// 房间的权威状态在存储中；这里的集合只用于广播。
type Hub struct {
	messageChan chan HubMessage
	done        chan struct{}
	loopDone    chan struct{}
	started     atomic.Bool
	stopOnce    sync.Once
	wg          sync.WaitGroup

	mu      sync.RWMutex
	clients map[string]*Client          // socket id -> client
	rooms   map[string]map[*Client]bool // room id -> clients

	roomSvc  *service.RoomService
	media    *service.MediaService
	sessions *service.SessionService
	metrics  *metrics.Metrics

	routes map[string]route
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(rooms *service.RoomService, media *service.MediaService, sessions *service.SessionService, m *metrics.Metrics) *Hub {
	if rooms == nil {
		panic("RoomService cannot be nil for Hub")
	}
	if media == nil {
		panic("MediaService cannot be nil for Hub")
	}
	if sessions == nil {
		panic("SessionService cannot be nil for Hub")
	}
	h := &Hub{
		messageChan: make(chan HubMessage, 512),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[*Client]bool),
		roomSvc:     rooms,
		media:       media,
		sessions:    sessions,
		metrics:     m,
	}
	h.routes = h.buildRoutes()
	return h
}

// Run 启动 Hub 的主事件处理循环，应在单独的 goroutine 中运行。
func (h *Hub) Run() {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")
	h.started.Store(true)
	defer close(h.loopDone)

	for {
		select {
		case msg := <-h.messageChan:
			switch msg.Type {
			case msgRegister:
				h.registerClient(msg.Client)
			case msgUnregister:
				h.unregisterClient(msg.Client)
			case msgRequest:
				// 每个请求独立处理，同一房间的请求可以交错执行
				h.wg.Add(1)
				go h.handleRequest(msg.Client, msg.RawData)
			default:
				log.Warnf("Hub: Received unknown message type: %s", msg.Type)
			}
		case <-h.done:
			log.Info("Hub is shutting down...")
			return
		}
	}
}

// Stop 停止主循环，关闭所有连接，并等待正在处理的请求与断开清理完成。
// 进程内连接直接断开；房间状态由 TTL 与周期清理任务兜底。
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	if h.started.Load() {
		<-h.loopDone
	}
	h.mu.RLock()
	for _, c := range h.clients {
		c.shutdown()
	}
	h.mu.RUnlock()
	h.wg.Wait()
}

// Register 把新认证的连接交给 Hub。Hub 停止后返回 false。
func (h *Hub) Register(c *Client) bool {
	select {
	case h.messageChan <- HubMessage{Type: msgRegister, Client: c}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) registerClient(c *Client) {
	if c == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
	c.logCtx().Info("Client registered to Hub")
}

func (h *Hub) unregisterClient(c *Client) {
	if c == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return
	}
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if !ok {
		c.logCtx().Warn("Client not found during unregister")
		return
	}
	c.shutdown()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.disconnect(c)
	}()
}

// disconnect 连接断开后的级联清理。每一步失败只记录日志，后续步骤照常执行。
func (h *Hub) disconnect(c *Client) {
	ctx := context.Background()
	logCtx := c.logCtx().WithField("operation", "disconnect")

	if roomID := c.waitingRoom(); roomID != "" {
		if _, err := h.sessions.TakeWaiting(ctx, roomID, c.userID); err != nil {
			logCtx.WithError(err).Debug("Waiting entry already gone")
		}
		c.setWaiting("")
	}

	if roomID := c.RoomID(); roomID != "" {
		if _, err := h.leave(ctx, c, roomID); err != nil {
			logCtx.WithError(err).Warn("Leave on disconnect failed")
		}
	}

	h.sessions.ReleaseSocket(ctx, c.id, c.userID)
	h.metrics.ConnectionClosed()
	logCtx.Info("Client disconnected")
}

// leave 显式离开与断开共用的路径：先清理媒体，再离开房间，最后通知房间。
func (h *Hub) leave(ctx context.Context, c *Client, roomID string) (*service.LeaveResult, error) {
	logCtx := c.logCtx().WithFields(logrus.Fields{"room_id": roomID, "operation": "leave"})

	// 同一用户已经通过新连接重新加入时，媒体属于新连接，不能清理
	superseded := false
	if p, err := h.roomSvc.GetParticipant(ctx, roomID, c.userID); err == nil && p.SocketID != c.id {
		superseded = true
	}
	if !superseded {
		if err := h.media.CleanupUser(ctx, roomID, c.userID); err != nil {
			logCtx.WithError(err).Warn("Media cleanup for user failed")
		}
	}

	res, err := h.roomSvc.LeaveRoom(ctx, roomID, c.userID, c.id)
	h.detach(c, roomID)
	if err != nil {
		return nil, err
	}
	if res.Superseded {
		logCtx.Info("Stale connection left, participant kept on newer connection")
		return res, nil
	}

	if res.RoomClosed {
		h.finishClose(ctx, roomID, nil)
	} else {
		h.broadcast(roomID, EventUserLeft, map[string]interface{}{
			"userId":       c.userID,
			"participants": res.RemainingParticipants,
		}, nil)
	}
	return res, nil
}

// finishClose 在房间关闭后释放媒体资源，通知仍在房间和等候室里的连接。
func (h *Hub) finishClose(ctx context.Context, roomID string, extraSockets []string) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "operation": "finishClose"})

	if err := h.media.CleanupRoom(ctx, roomID); err != nil {
		logCtx.WithError(err).Warn("Media cleanup for room failed")
	}

	targets := h.detachRoom(roomID)
	for _, sid := range extraSockets {
		if c := h.client(sid); c != nil {
			c.clearRoom(roomID)
			targets[c] = true
		}
	}
	if waiting, err := h.sessions.ListWaiting(ctx, roomID); err == nil {
		for _, w := range waiting {
			_, _ = h.sessions.TakeWaiting(ctx, roomID, w.UserID)
			if c := h.client(w.SocketID); c != nil {
				c.setWaiting("")
				targets[c] = true
			}
		}
	}

	msg, err := EncodeEvent(EventRoomClosed, map[string]string{"roomId": roomID})
	if err != nil {
		logCtx.WithError(err).Error("Failed to marshal room closed event")
		return
	}
	for c := range targets {
		c.enqueue(msg)
	}
	logCtx.WithField("notified", len(targets)).Info("Room closed")
}

func (h *Hub) handleRequest(c *Client, raw []byte) {
	defer h.wg.Done()
	ctx := context.Background()

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Event == "" {
		h.reply(c, newAck(req.ID, nil, service.ErrInvalidRequest))
		return
	}
	logCtx := c.logCtx().WithField("event", req.Event)

	r, ok := h.routes[req.Event]
	if !ok {
		logCtx.Debug("Unknown event")
		h.metrics.Event("unknown", "error")
		h.reply(c, newAck(req.ID, nil, service.ErrInvalidRequest))
		return
	}
	if r.mutating {
		if err := h.sessions.Allow(ctx, c.id); err != nil {
			h.metrics.Event(req.Event, "rate_limited")
			h.reply(c, newAck(req.ID, nil, err))
			return
		}
	}

	data, err := r.fn(ctx, c, req.Data)
	if err != nil {
		if service.StatusOf(err) >= 500 {
			logCtx.WithError(err).Error("Event failed")
		} else {
			logCtx.WithError(err).Debug("Event rejected")
		}
		h.metrics.Event(req.Event, "error")
	} else {
		h.metrics.Event(req.Event, "ok")
	}
	h.reply(c, newAck(req.ID, data, err))
}

func (h *Hub) reply(c *Client, ack Ack) {
	b, err := json.Marshal(ack)
	if err != nil {
		c.logCtx().WithError(err).Error("Failed to marshal ack")
		b, _ = json.Marshal(newAck(ack.ID, nil, service.ErrInternalServer))
	}
	c.enqueue(b)
}

// --- 连接与房间集合 ---

func (h *Hub) client(socketID string) *Client {
	if socketID == "" {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[socketID]
}

func (h *Hub) attach(c *Client, roomID string) {
	h.mu.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][c] = true
	h.mu.Unlock()
	c.setRoom(roomID)
}

func (h *Hub) detach(c *Client, roomID string) {
	h.mu.Lock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
	c.clearRoom(roomID)
}

// detachRoom 移除房间的全部连接并返回它们。
func (h *Hub) detachRoom(roomID string) map[*Client]bool {
	h.mu.Lock()
	members := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()

	out := make(map[*Client]bool, len(members))
	for c := range members {
		c.clearRoom(roomID)
		out[c] = true
	}
	return out
}

// broadcast 将事件发送给房间内的连接，exclude 不为 nil 时跳过它。
func (h *Hub) broadcast(roomID, event string, data interface{}, exclude *Client) {
	msg, err := EncodeEvent(event, data)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "event": event}).WithError(err).Error("Failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c != exclude {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		c.enqueue(msg)
	}
}

// sendTo 向单个连接推送事件。
func (h *Hub) sendTo(c *Client, event string, data interface{}) bool {
	if c == nil {
		return false
	}
	msg, err := EncodeEvent(event, data)
	if err != nil {
		c.logCtx().WithError(err).Error("Failed to marshal event")
		return false
	}
	return c.enqueue(msg)
}

// ClientCount 返回当前已注册的连接数。
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SweepStaleRooms 关闭孤儿房间并释放其 SFU 路由，供周期任务调用。
func (h *Hub) SweepStaleRooms(ctx context.Context) (int, error) {
	closed, err := h.roomSvc.SweepStaleRooms(ctx)
	if err != nil {
		return 0, err
	}
	for _, roomID := range closed {
		h.finishClose(ctx, roomID, nil)
	}
	return len(closed), nil
}
