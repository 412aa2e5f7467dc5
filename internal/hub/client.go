package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client 代表一个已认证的 WebSocket 连接。
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string // socket id
	userID uint
	send   chan []byte

	mu            sync.RWMutex
	roomID        string
	waitingRoomID string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn, socketID string, userID uint) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		id:     socketID,
		userID: userID,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

func (c *Client) ID() string   { return c.id }
func (c *Client) UserID() uint { return c.userID }

func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Client) setRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.waitingRoomID = ""
	c.mu.Unlock()
}

func (c *Client) clearRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID != roomID {
		return false
	}
	c.roomID = ""
	return true
}

func (c *Client) waitingRoom() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waitingRoomID
}

func (c *Client) setWaiting(roomID string) {
	c.mu.Lock()
	c.waitingRoomID = roomID
	c.mu.Unlock()
}

func (c *Client) logCtx() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"socket_id": c.id, "user_id": c.userID, "room_id": c.RoomID()})
}

// enqueue 非阻塞投递，慢客户端的消息会被丢弃。
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logCtx().Warn("Client send channel full, dropping message")
		return false
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// shutdown 立即停止 WritePump，可重复调用。
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump 将消息从 WebSocket 连接泵送到 Hub 的 messageChan。
func (c *Client) ReadPump() {
	defer func() {
		// 断开清理必须送达 Hub；Hub 停止时由 Stop 统一关闭连接
		select {
		case c.hub.messageChan <- HubMessage{Type: msgUnregister, Client: c}:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.logCtx().Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logCtx().WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.logCtx().Debug("WebSocket connection closed normally or read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logCtx().Debugf("Received non-text message type: %d", messageType)
			continue
		}

		// Hub 繁忙时阻塞读取，让背压传回客户端，而不是丢弃请求
		select {
		case c.hub.messageChan <- HubMessage{Type: msgRequest, Client: c, RawData: message}:
		case <-c.hub.done:
			c.logCtx().Debug("Hub stopped, dropping client message")
			return
		}
	}
}

// WritePump 将消息从 send 通道泵送到 WebSocket 连接。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logCtx().Debug("writePump exited")
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logCtx().WithError(err).Warn("Failed to write message to websocket")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logCtx().WithError(err).Warn("Failed to send ping message")
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
