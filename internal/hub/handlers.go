package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"live-classroom/internal/domain"
	"live-classroom/internal/service"
	"live-classroom/internal/sfu"
)

type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error)

type route struct {
	fn       handlerFunc
	mutating bool // 受每连接限流约束
}

func (h *Hub) buildRoutes() map[string]route {
	return map[string]route{
		"room:create":         {h.handleCreateRoom, true},
		"room:join":           {h.handleJoinRoom, true},
		"room:leave":          {h.handleLeaveRoom, true},
		"room:close":          {h.handleCloseRoom, true},
		"room:start":          {h.handleStartRoom, true},
		"room:kick":           {h.handleKick, true},
		"room:muteAll":        {h.handleMuteAll, true},
		"room:changeRole":     {h.handleChangeRole, true},
		"room:updateSettings": {h.handleUpdateSettings, true},
		"room:raiseHand":      {h.handleRaiseHand, true},
		"room:mediaState":     {h.handleMediaState, true},
		"room:admit":          {h.handleAdmit, true},
		"room:reject":         {h.handleReject, true},
		"room:admitAll":       {h.handleAdmitAll, true},
		"room:waitingList":    {h.handleWaitingList, false},

		"media:getRouterCapabilities": {h.handleRouterCapabilities, false},
		"media:createTransport":       {h.handleCreateTransport, true},
		"media:connectTransport":      {h.handleConnectTransport, true},
		"media:produce":               {h.handleProduce, true},
		"media:consume":               {h.handleConsume, true},
		"media:resumeConsumer":        {h.handleResumeConsumer, true},
		"media:pauseProducer":         {h.handlePauseProducer, true},
		"media:resumeProducer":        {h.handleResumeProducer, true},
		"media:closeProducer":         {h.handleCloseProducer, true},
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return service.ErrInvalidRequest
	}
	return nil
}

// roomOf 请求未携带 roomId 时使用连接当前所在的房间。
func roomOf(c *Client, roomID string) (string, error) {
	if roomID = strings.TrimSpace(roomID); roomID != "" {
		return roomID, nil
	}
	if current := c.RoomID(); current != "" {
		return current, nil
	}
	return "", service.ErrNotInRoom
}

type roomRequest struct {
	RoomID string `json:"roomId"`
}

type targetRequest struct {
	RoomID       string `json:"roomId"`
	TargetUserID uint   `json:"targetUserId"`
}

var success = map[string]bool{"success": true}

// --- room events ---

func (h *Hub) handleCreateRoom(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req struct {
		Title           string            `json:"title"`
		MaxParticipants int               `json:"maxParticipants"`
		Flags           *domain.RoomFlags `json:"flags"`
		ScheduledAt     *time.Time        `json:"scheduledAt"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ScheduledAt != nil {
		return h.roomSvc.ScheduleRoom(ctx, c.userID, req.Title, req.MaxParticipants, req.Flags, *req.ScheduledAt)
	}
	return h.roomSvc.CreateRoom(ctx, c.userID, req.Title, req.MaxParticipants, req.Flags)
}

func (h *Hub) handleStartRoom(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.RoomID == "" {
		return nil, service.ErrInvalidRequest
	}
	return h.roomSvc.StartScheduledRoom(ctx, req.RoomID, c.userID)
}

type joinPayload struct {
	RoomID            string                `json:"roomId"`
	RoomCode          string                `json:"roomCode"`
	Role              domain.Role           `json:"role"`
	Participants      []domain.Participant  `json:"participants"`
	RTPCapabilities   sfu.RTPCapabilities   `json:"rtpCapabilities"`
	ExistingProducers []service.ProducerRef `json:"existingProducers"`
	AutoCreatedFrom   string                `json:"autoCreatedFrom,omitempty"`
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.RoomID) == "" {
		return nil, service.ErrInvalidRequest
	}

	// 解析失败时交给 JoinRoom 处理 (已关闭、未开始或自动创建)
	roomID, resolveErr := h.roomSvc.ResolveRoomID(ctx, req.RoomID)

	// 只有在新房间加入 (或进入等候室) 成功后才离开当前房间
	if resolveErr == nil {
		waiting, err := h.shouldWait(ctx, roomID, c.userID)
		if err != nil {
			return nil, err
		}
		if waiting {
			payload, err := h.enterWaitingRoom(ctx, c, roomID)
			if err != nil {
				return nil, err
			}
			h.leaveOther(ctx, c, roomID)
			return payload, nil
		}
	}

	res, err := h.roomSvc.JoinRoom(ctx, req.RoomID, c.userID, c.id)
	if err != nil {
		return nil, err
	}
	h.leaveOther(ctx, c, res.RoomID)
	return h.completeJoin(ctx, c, res)
}

// leaveOther 一个连接同一时间只在一个房间内。
func (h *Hub) leaveOther(ctx context.Context, c *Client, roomID string) {
	current := c.RoomID()
	if current == "" || current == roomID {
		return
	}
	if _, err := h.leave(ctx, c, current); err != nil {
		c.logCtx().WithError(err).Warn("Failed to leave previous room before join")
	}
}

// shouldWait 等候室开启时，除主持人和已在房间内的用户外都要先等待准入。
func (h *Hub) shouldWait(ctx context.Context, roomID string, userID uint) (bool, error) {
	state, err := h.roomSvc.RoomState(ctx, roomID)
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			return false, nil
		}
		return false, err
	}
	if !state.WaitingRoomEnabled || state.HostID == userID {
		return false, nil
	}
	if _, err := h.roomSvc.GetParticipant(ctx, roomID, userID); err == nil {
		return false, nil
	} else if !errors.Is(err, service.ErrNotInRoom) {
		return false, err
	}
	return true, nil
}

func (h *Hub) enterWaitingRoom(ctx context.Context, c *Client, roomID string) (interface{}, error) {
	if err := h.sessions.EnterWaitingRoom(ctx, roomID, c.userID, c.id); err != nil {
		return nil, err
	}
	c.setWaiting(roomID)
	h.notifyModerators(ctx, roomID, EventWaitingRoomRequest, domain.WaitingEntry{
		UserID:          c.userID,
		SocketID:        c.id,
		RequestedAtUnix: time.Now().UnixMilli(),
	})
	return map[string]interface{}{"roomId": roomID, "waiting": true}, nil
}

func (h *Hub) notifyModerators(ctx context.Context, roomID, event string, data interface{}) {
	participants, err := h.roomSvc.ListParticipants(ctx, roomID)
	if err != nil {
		return
	}
	for _, p := range participants {
		if p.Role.IsModerator() {
			h.sendTo(h.client(p.SocketID), event, data)
		}
	}
}

// completeJoin 把连接挂到房间上，并返回加入房间所需的媒体信息。
func (h *Hub) completeJoin(ctx context.Context, c *Client, res *service.JoinResult) (*joinPayload, error) {
	h.attach(c, res.RoomID)
	if c.closed() {
		// 连接在加入过程中断开，断开清理可能已经跑完
		_, _ = h.leave(ctx, c, res.RoomID)
		return nil, service.ErrNotInRoom
	}
	h.sessions.SetSocketRoom(ctx, c.id, res.RoomID)

	if res.PreviousSocketID != "" {
		h.supersede(ctx, c, res.RoomID, res.PreviousSocketID)
	}

	if !res.Rejoined {
		var joined *domain.Participant
		for i := range res.Participants {
			if res.Participants[i].UserID == c.userID {
				joined = &res.Participants[i]
				break
			}
		}
		h.broadcast(res.RoomID, EventUserJoined, map[string]interface{}{
			"userId":       c.userID,
			"participant":  joined,
			"participants": res.Participants,
		}, c)
	}

	// 媒体失败时用户仍在房间内，客户端可重试 join (幂等)
	caps, err := h.media.GetRouterCapabilities(ctx, res.RoomID)
	if err != nil {
		return nil, err
	}
	producers, err := h.media.GetExistingProducers(ctx, res.RoomID, c.userID)
	if err != nil {
		return nil, err
	}

	return &joinPayload{
		RoomID:            res.RoomID,
		RoomCode:          res.RoomCode,
		Role:              res.Role,
		Participants:      res.Participants,
		RTPCapabilities:   caps,
		ExistingProducers: producers,
		AutoCreatedFrom:   res.AutoCreatedFrom,
	}, nil
}

// supersede 用户从新连接重新加入：旧连接脱离房间，旧连接上的媒体随之释放。
// 新连接此时还没有创建 transport，CleanupUser 只会释放旧连接的资源。
func (h *Hub) supersede(ctx context.Context, c *Client, roomID, previousSocketID string) {
	logCtx := c.logCtx().WithFields(logrus.Fields{"room_id": roomID, "previous_socket_id": previousSocketID})
	if old := h.client(previousSocketID); old != nil {
		h.detach(old, roomID)
	}
	if err := h.media.CleanupUser(ctx, roomID, c.userID); err != nil {
		logCtx.WithError(err).Warn("Media cleanup for superseded connection failed")
	}
	logCtx.Info("Participant moved to a new connection")
}

func (h *Hub) handleLeaveRoom(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if waiting := c.waitingRoom(); waiting != "" && (req.RoomID == "" || req.RoomID == waiting) {
		_, _ = h.sessions.TakeWaiting(ctx, waiting, c.userID)
		c.setWaiting("")
		return success, nil
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if _, err := h.leave(ctx, c, roomID); err != nil {
		return nil, err
	}
	return success, nil
}

func (h *Hub) handleCloseRoom(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if err := h.CloseRoom(ctx, roomID, c.userID); err != nil {
		return nil, err
	}
	return success, nil
}

// CloseRoom 主持人关闭房间并通知所有在线连接。HTTP 接口也走这里。
func (h *Hub) CloseRoom(ctx context.Context, roomID string, requesterID uint) error {
	if err := h.roomSvc.RequireHost(ctx, roomID, requesterID); err != nil {
		return err
	}
	res, err := h.roomSvc.CloseRoom(ctx, roomID, requesterID)
	if err != nil {
		return err
	}
	if res.Closed {
		h.finishClose(ctx, roomID, res.SocketIDs)
	}
	return nil
}

func (h *Hub) handleKick(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req targetRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	target, err := h.roomSvc.AuthorizeKick(ctx, roomID, c.userID, req.TargetUserID)
	if err != nil {
		return nil, err
	}
	// 先释放目标的媒体，KickUser 会删除其 producer/transport 记录
	if err := h.media.CleanupUser(ctx, roomID, target.UserID); err != nil {
		c.logCtx().WithError(err).Warn("Media cleanup for kicked user failed")
	}
	res, err := h.roomSvc.KickUser(ctx, roomID, c.userID, req.TargetUserID)
	if err != nil {
		return nil, err
	}

	if tc := h.client(res.TargetSocketID); tc != nil {
		h.sendTo(tc, EventUserKicked, map[string]interface{}{"roomId": roomID, "kickedBy": c.userID})
		h.detach(tc, roomID)
	}
	h.broadcast(roomID, EventUserLeft, map[string]interface{}{
		"userId":       req.TargetUserID,
		"participants": res.RemainingParticipants,
	}, nil)
	return success, nil
}

func (h *Hub) handleMuteAll(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	sockets, err := h.roomSvc.MuteAll(ctx, roomID, c.userID)
	if err != nil {
		return nil, err
	}
	for _, sid := range sockets {
		h.sendTo(h.client(sid), EventAllMuted, map[string]interface{}{"roomId": roomID, "mutedBy": c.userID})
	}
	return map[string]interface{}{"success": true, "mutedCount": len(sockets)}, nil
}

func (h *Hub) handleChangeRole(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req struct {
		targetRequest
		NewRole domain.Role `json:"newRole"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if err := h.roomSvc.ChangeRole(ctx, roomID, c.userID, req.TargetUserID, req.NewRole); err != nil {
		return nil, err
	}
	h.broadcast(roomID, EventRoleChanged, map[string]interface{}{
		"userId":    req.TargetUserID,
		"newRole":   req.NewRole,
		"changedBy": c.userID,
	}, nil)
	return success, nil
}

func (h *Hub) handleUpdateSettings(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req struct {
		RoomID string `json:"roomId"`
		service.RoomFlagsPatch
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	flags, err := h.roomSvc.UpdateRoomSettings(ctx, roomID, c.userID, req.RoomFlagsPatch)
	if err != nil {
		return nil, err
	}
	h.broadcast(roomID, EventSettingsUpdated, map[string]interface{}{"roomId": roomID, "flags": flags}, nil)
	return map[string]interface{}{"success": true, "flags": flags}, nil
}

func (h *Hub) handleRaiseHand(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	raised, err := h.roomSvc.ToggleHandRaise(ctx, roomID, c.userID)
	if err != nil {
		return nil, err
	}
	h.broadcast(roomID, EventHandRaised, map[string]interface{}{"userId": c.userID, "handRaised": raised}, nil)
	return map[string]bool{"handRaised": raised}, nil
}

func (h *Hub) handleMediaState(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req struct {
		RoomID     string `json:"roomId"`
		IsMuted    *bool  `json:"isMuted"`
		IsVideoOff *bool  `json:"isVideoOff"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if err := h.roomSvc.SetMediaState(ctx, roomID, c.userID, req.IsMuted, req.IsVideoOff); err != nil {
		return nil, err
	}
	h.broadcast(roomID, EventMediaStateChanged, map[string]interface{}{
		"userId":     c.userID,
		"isMuted":    req.IsMuted,
		"isVideoOff": req.IsVideoOff,
	}, c)
	return success, nil
}

// --- waiting room ---

func (h *Hub) handleAdmit(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req targetRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if err := h.roomSvc.RequireHost(ctx, roomID, c.userID); err != nil {
		return nil, err
	}
	if err := h.admit(ctx, roomID, req.TargetUserID); err != nil {
		return nil, err
	}
	return success, nil
}

// admit 把等候中的用户按正常加入流程加入房间。
func (h *Hub) admit(ctx context.Context, roomID string, userID uint) error {
	entry, err := h.sessions.TakeWaiting(ctx, roomID, userID)
	if err != nil {
		return err
	}
	tc := h.client(entry.SocketID)
	if tc == nil {
		// 用户已断开
		return service.ErrNotWaiting
	}

	res, err := h.roomSvc.JoinRoom(ctx, roomID, entry.UserID, entry.SocketID)
	if err != nil {
		tc.setWaiting("")
		h.sendTo(tc, EventRejected, map[string]interface{}{"roomId": roomID, "reason": service.PublicMessage(err)})
		return err
	}
	payload, err := h.completeJoin(ctx, tc, res)
	if err != nil {
		return err
	}
	h.sendTo(tc, EventAdmitted, payload)
	return nil
}

func (h *Hub) handleReject(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req targetRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if err := h.roomSvc.RequireHost(ctx, roomID, c.userID); err != nil {
		return nil, err
	}
	entry, err := h.sessions.TakeWaiting(ctx, roomID, req.TargetUserID)
	if err != nil {
		return nil, err
	}
	if tc := h.client(entry.SocketID); tc != nil {
		tc.setWaiting("")
		h.sendTo(tc, EventRejected, map[string]string{"roomId": roomID})
	}
	return success, nil
}

func (h *Hub) handleAdmitAll(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if err := h.roomSvc.RequireHost(ctx, roomID, c.userID); err != nil {
		return nil, err
	}
	waiting, err := h.sessions.ListWaiting(ctx, roomID)
	if err != nil {
		return nil, err
	}
	admitted := 0
	for _, w := range waiting {
		if err := h.admit(ctx, roomID, w.UserID); err != nil {
			c.logCtx().WithError(err).WithField("target_user_id", w.UserID).Debug("Admit failed")
			continue
		}
		admitted++
	}
	return map[string]interface{}{"success": true, "admittedCount": admitted}, nil
}

func (h *Hub) handleWaitingList(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if err := h.roomSvc.RequireHost(ctx, roomID, c.userID); err != nil {
		return nil, err
	}
	waiting, err := h.sessions.ListWaiting(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"waiting": waiting}, nil
}

// --- media events ---

func (h *Hub) handleRouterCapabilities(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if _, err := h.roomSvc.GetParticipant(ctx, roomID, c.userID); err != nil {
		return nil, err
	}
	caps, err := h.media.GetRouterCapabilities(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"rtpCapabilities": caps}, nil
}

func (h *Hub) handleCreateTransport(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req struct {
		RoomID    string        `json:"roomId"`
		Direction sfu.Direction `json:"direction"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	return h.media.CreateTransport(ctx, roomID, c.userID, req.Direction)
}

func (h *Hub) handleConnectTransport(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req struct {
		RoomID      string `json:"roomId"`
		TransportID string `json:"transportId"`
		sfu.ConnectParams
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if req.TransportID == "" {
		return nil, service.ErrInvalidRequest
	}
	if err := h.media.ConnectTransport(ctx, roomID, c.userID, req.TransportID, req.ConnectParams); err != nil {
		return nil, err
	}
	return map[string]bool{"connected": true}, nil
}

func (h *Hub) handleProduce(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req struct {
		RoomID        string                `json:"roomId"`
		TransportID   string                `json:"transportId"`
		Kind          string                `json:"kind"`
		RTPParameters sfu.ProduceParameters `json:"rtpParameters"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	producerID, err := h.media.Produce(ctx, roomID, c.userID, req.TransportID, req.Kind, req.RTPParameters)
	if err != nil {
		return nil, err
	}
	h.broadcast(roomID, EventNewProducer, map[string]interface{}{
		"producerId": producerID,
		"userId":     c.userID,
		"kind":       req.Kind,
	}, c)
	return map[string]string{"producerId": producerID}, nil
}

func (h *Hub) handleConsume(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req struct {
		RoomID          string              `json:"roomId"`
		TransportID     string              `json:"transportId"`
		ProducerID      string              `json:"producerId"`
		RTPCapabilities sfu.RTPCapabilities `json:"rtpCapabilities"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	return h.media.Consume(ctx, roomID, c.userID, req.TransportID, req.ProducerID, req.RTPCapabilities)
}

func (h *Hub) handleResumeConsumer(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	var req struct {
		RoomID     string `json:"roomId"`
		ConsumerID string `json:"consumerId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ConsumerID == "" {
		return nil, service.ErrInvalidRequest
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return nil, err
	}
	if err := h.media.ResumeConsumer(ctx, roomID, c.userID, req.ConsumerID); err != nil {
		return nil, err
	}
	return map[string]bool{"resumed": true}, nil
}

type producerRequest struct {
	RoomID     string `json:"roomId"`
	ProducerID string `json:"producerId"`
}

func (h *Hub) producerCall(ctx context.Context, c *Client, data json.RawMessage,
	call func(ctx context.Context, roomID string, userID uint, producerID string) error) (string, string, error) {
	var req producerRequest
	if err := decode(data, &req); err != nil {
		return "", "", err
	}
	roomID, err := roomOf(c, req.RoomID)
	if err != nil {
		return "", "", err
	}
	if req.ProducerID == "" {
		return "", "", service.ErrInvalidRequest
	}
	return roomID, req.ProducerID, call(ctx, roomID, c.userID, req.ProducerID)
}

func (h *Hub) handlePauseProducer(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	if _, _, err := h.producerCall(ctx, c, data, h.media.PauseProducer); err != nil {
		return nil, err
	}
	return success, nil
}

func (h *Hub) handleResumeProducer(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	if _, _, err := h.producerCall(ctx, c, data, h.media.ResumeProducer); err != nil {
		return nil, err
	}
	return success, nil
}

func (h *Hub) handleCloseProducer(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error) {
	roomID, producerID, err := h.producerCall(ctx, c, data, h.media.CloseProducer)
	if err != nil {
		return nil, err
	}
	h.broadcast(roomID, EventProducerClosed, map[string]interface{}{"producerId": producerID, "userId": c.userID}, c)
	return success, nil
}
