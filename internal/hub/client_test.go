package hub

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pumpHub 只有消息通道，测试直接从通道读取，模拟繁忙的主循环。
func pumpHub(capacity int) *Hub {
	return &Hub{
		messageChan: make(chan HubMessage, capacity),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
}

// dialPump 建立一条 WebSocket 连接，服务端一侧运行 ReadPump。
func dialPump(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(h, conn, "sock-1", 7)
		go c.ReadPump()
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func receive(t *testing.T, h *Hub) HubMessage {
	t.Helper()
	select {
	case msg := <-h.messageChan:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered to hub")
		return HubMessage{}
	}
}

func TestReadPump_BusyHubDoesNotDropRequests(t *testing.T) {
	h := pumpHub(1)
	conn := dialPump(t, h)

	payloads := []string{`{"id":"1"}`, `{"id":"2"}`, `{"id":"3"}`, `{"id":"4"}`}
	for _, p := range payloads {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(p)))
	}
	// 通道容量为 1，读取前让 ReadPump 阻塞一段时间
	time.Sleep(100 * time.Millisecond)

	for _, p := range payloads {
		msg := receive(t, h)
		assert.Equal(t, msgRequest, msg.Type)
		assert.Equal(t, p, string(msg.RawData))
	}
}

func TestReadPump_UnregisterWaitsForBusyHub(t *testing.T) {
	h := pumpHub(0)
	conn := dialPump(t, h)

	require.NoError(t, conn.Close())
	// 主循环忙碌超过一秒，断开消息仍要送达
	time.Sleep(1500 * time.Millisecond)

	msg := receive(t, h)
	assert.Equal(t, msgUnregister, msg.Type)
	assert.Equal(t, "sock-1", msg.Client.ID())
}

func TestReadPump_StopsWhenHubStops(t *testing.T) {
	h := pumpHub(0)
	conn := dialPump(t, h)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1"}`)))

	close(h.done)

	// ReadPump 退出后关闭连接
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "连接应被关闭而不是读超时: %v", err)
	assert.Equal(t, websocket.CloseAbnormalClosure, closeErr.Code)
}
