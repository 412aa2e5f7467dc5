package hub

import (
	"encoding/json"
	"time"

	"live-classroom/internal/service"
)

// ClientAckTimeout 客户端等待 ack 的建议超时。网关自身不会让挂起的请求超时。
const ClientAckTimeout = 10 * time.Second

// Request 客户端发起的请求帧。
type Request struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckError 失败 ack 中的错误信封。
type AckError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Ack 对某个请求的唯一应答。
type Ack struct {
	ID    string      `json:"id"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *AckError   `json:"error,omitempty"`
}

// Event 服务端主动推送的广播帧。
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func newAck(id string, data interface{}, err error) Ack {
	if err != nil {
		return Ack{ID: id, OK: false, Error: &AckError{Status: service.StatusOf(err), Message: service.PublicMessage(err)}}
	}
	return Ack{ID: id, OK: true, Data: data}
}

// EncodeEvent 序列化一个广播帧。
func EncodeEvent(event string, data interface{}) ([]byte, error) {
	return json.Marshal(Event{Event: event, Data: data})
}

// 广播事件名
const (
	EventAuthenticated      = "authenticated"
	EventError              = "error"
	EventUserJoined         = "room:userJoined"
	EventUserLeft           = "room:userLeft"
	EventUserKicked         = "room:userKicked"
	EventRoomClosed         = "room:closed"
	EventAllMuted           = "room:allMuted"
	EventRoleChanged        = "room:roleChanged"
	EventSettingsUpdated    = "room:settingsUpdated"
	EventHandRaised         = "room:handRaised"
	EventMediaStateChanged  = "room:mediaStateChanged"
	EventWaitingRoomRequest = "room:waitingRoomRequest"
	EventAdmitted           = "room:admitted"
	EventRejected           = "room:rejected"
	EventNewProducer        = "media:newProducer"
	EventProducerClosed     = "media:producerClosed"
)
