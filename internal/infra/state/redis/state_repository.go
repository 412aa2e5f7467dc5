package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"live-classroom/internal/domain"
	"live-classroom/internal/repository"
)

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "lc:" // 默认前缀 (live classroom)
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

var _ repository.StateRepository = (*RedisStateRepository)(nil)

// --- Key Generation Helpers ---

func (r *RedisStateRepository) roomKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) participantsKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:participants", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) participantKey(roomID string, userID uint) string {
	return fmt.Sprintf("%sroom:%s:participant:%d", r.keyPrefix, roomID, userID)
}

func (r *RedisStateRepository) producersKey(roomID string, userID uint) string {
	return r.participantKey(roomID, userID) + ":producers"
}

func (r *RedisStateRepository) transportsKey(roomID string, userID uint) string {
	return r.participantKey(roomID, userID) + ":transports"
}

func (r *RedisStateRepository) consumersKey(roomID string, userID uint) string {
	return r.participantKey(roomID, userID) + ":consumers"
}

func (r *RedisStateRepository) waitingKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:waiting", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomCodeKey(code string) string {
	return fmt.Sprintf("%sroomcode:%s", r.keyPrefix, code)
}

func (r *RedisStateRepository) activeRoomsKey() string {
	return r.keyPrefix + "active_rooms"
}

func (r *RedisStateRepository) socketUserKey(socketID string) string {
	return fmt.Sprintf("%ssocket:user:%s", r.keyPrefix, socketID)
}

func (r *RedisStateRepository) userSocketKey(userID uint) string {
	return fmt.Sprintf("%suser:socket:%d", r.keyPrefix, userID)
}

func (r *RedisStateRepository) socketRoomKey(socketID string) string {
	return fmt.Sprintf("%ssocket:room:%s", r.keyPrefix, socketID)
}

// --- Lua scripts ---

// joinScript: KEYS = room hash, participants set, participant hash
// ARGV = user id, max participants, ttl seconds, socket id, role, joined_at (unix ms)
// returns {count, first_join, rejoined}; count -2 = room missing, -1 = full
var joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-2, 0, 0}
end
local rejoined = redis.call('SISMEMBER', KEYS[2], ARGV[1])
local count = redis.call('SCARD', KEYS[2])
if rejoined == 0 and count >= tonumber(ARGV[2]) then
  return {-1, 0, 0}
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
redis.call('HSET', KEYS[3], 'user_id', ARGV[1], 'socket_id', ARGV[4], 'role', ARGV[5], 'joined_at', ARGV[6],
  'is_muted', '0', 'is_video_off', '0', 'hand_raised', '0')
redis.call('EXPIRE', KEYS[3], tonumber(ARGV[3]))
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[3]))
local first = 0
if redis.call('HGET', KEYS[1], 'status') == 'WAITING' then
  redis.call('HSET', KEYS[1], 'status', 'ACTIVE')
  first = 1
end
return {redis.call('SCARD', KEYS[2]), first, rejoined}
`)

// setIfExistsScript writes one hash field only when the hash exists. Returns 0 when missing.
var setIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// flipScript toggles a "0"/"1" hash field. Returns -1 when the hash is missing, else the new value.
var flipScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local next = 1
if redis.call('HGET', KEYS[1], ARGV[1]) == '1' then
  next = 0
end
redis.call('HSET', KEYS[1], ARGV[1], tostring(next))
return next
`)

// leaveScript: KEYS = participants set, participant hash, producers, transports, consumers
// ARGV = user id, socket id ("" removes unconditionally)
// returns {remaining, removed}; remaining -1 = the entry belongs to another socket
var leaveScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[2], 'socket_id')
if ARGV[2] ~= '' and current and current ~= ARGV[2] then
  return {-1, 0}
end
local removed = redis.call('SREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2], KEYS[3], KEYS[4], KEYS[5])
return {redis.call('SCARD', KEYS[1]), removed}
`)

// unbindScript: KEYS = socket:user, socket:room, user:socket; ARGV = socket id
var unbindScript = redis.NewScript(`
redis.call('DEL', KEYS[1], KEYS[2])
if redis.call('GET', KEYS[3]) == ARGV[1] then
  redis.call('DEL', KEYS[3])
end
return 1
`)

// slidingWindowScript: KEYS = zset; ARGV = now ms, window ms, limit, member
// returns 1 when the limit is exceeded (the attempt is not recorded)
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 1
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 0
`)

// --- Room ---

// CreateRoomState 写入房间 hash 并登记索引 (MULTI/EXEC)。
func (r *RedisStateRepository) CreateRoomState(ctx context.Context, state *domain.RoomState, ttl time.Duration) error {
	key := r.roomKey(state.ID)
	fields := map[string]interface{}{
		"id":               state.ID,
		"code":             state.Code,
		"title":            state.Title,
		"host_id":          state.HostID,
		"status":           string(state.Status),
		"max_participants": state.MaxParticipants,
		"router_id":        state.RouterID,
		"screen_share":     boolArg(state.ScreenShareAllowed),
		"whiteboard":       boolArg(state.WhiteboardAllowed),
		"waiting_room":     boolArg(state.WaitingRoomEnabled),
		"created_at":       state.CreatedAtUnix,
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		pipe.SAdd(ctx, r.activeRoomsKey(), state.ID)
		if state.Code != "" {
			pipe.Set(ctx, r.roomCodeKey(state.Code), state.ID, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to create room state for room %s on %s: %w", state.ID, key, err)
	}
	return nil
}

// GetRoomState 读取房间 hash。
func (r *RedisStateRepository) GetRoomState(ctx context.Context, roomID string) (*domain.RoomState, error) {
	key := r.roomKey(roomID)
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get room state for room %s from %s: %w", roomID, key, err)
	}
	if len(m) == 0 {
		return nil, repository.ErrRoomNotFound
	}
	return parseRoomState(m), nil
}

func parseRoomState(m map[string]string) *domain.RoomState {
	hostID, _ := strconv.ParseUint(m["host_id"], 10, 64)
	maxParticipants, _ := strconv.Atoi(m["max_participants"])
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	return &domain.RoomState{
		ID:              m["id"],
		Code:            m["code"],
		Title:           m["title"],
		HostID:          uint(hostID),
		Status:          domain.RoomStatus(m["status"]),
		MaxParticipants: maxParticipants,
		RouterID:        m["router_id"],
		CreatedAtUnix:   createdAt,
		RoomFlags: domain.RoomFlags{
			ScreenShareAllowed: parseBool(m["screen_share"]),
			WhiteboardAllowed:  parseBool(m["whiteboard"]),
			WaitingRoomEnabled: parseBool(m["waiting_room"]),
		},
	}
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (r *RedisStateRepository) setRoomField(ctx context.Context, roomID, field, value string) error {
	key := r.roomKey(roomID)
	n, err := setIfExistsScript.Run(ctx, r.client, []string{key}, field, value).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to set %s for room %s: %w", field, roomID, err)
	}
	if n == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

func (r *RedisStateRepository) SetRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error {
	return r.setRoomField(ctx, roomID, "status", string(status))
}

func (r *RedisStateRepository) SetRoomRouter(ctx context.Context, roomID string, routerID string) error {
	return r.setRoomField(ctx, roomID, "router_id", routerID)
}

// SetRoomFlags 更新房间功能开关。
func (r *RedisStateRepository) SetRoomFlags(ctx context.Context, roomID string, flags domain.RoomFlags) error {
	key := r.roomKey(roomID)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis: failed to check room %s: %w", roomID, err)
	}
	if exists == 0 {
		return repository.ErrRoomNotFound
	}
	err = r.client.HSet(ctx, key,
		"screen_share", boolArg(flags.ScreenShareAllowed),
		"whiteboard", boolArg(flags.WhiteboardAllowed),
		"waiting_room", boolArg(flags.WaitingRoomEnabled),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: failed to set flags for room %s: %w", roomID, err)
	}
	return nil
}

// DeleteRoomState 删除房间的所有临时数据。
func (r *RedisStateRepository) DeleteRoomState(ctx context.Context, roomID string, code string) error {
	members, err := r.client.SMembers(ctx, r.participantsKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("redis: failed to list participants for room %s: %w", roomID, err)
	}
	keys := []string{r.roomKey(roomID), r.participantsKey(roomID), r.waitingKey(roomID)}
	for _, m := range members {
		uid, parseErr := strconv.ParseUint(m, 10, 64)
		if parseErr != nil {
			continue
		}
		keys = append(keys,
			r.participantKey(roomID, uint(uid)),
			r.producersKey(roomID, uint(uid)),
			r.transportsKey(roomID, uint(uid)),
			r.consumersKey(roomID, uint(uid)),
		)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, r.activeRoomsKey(), roomID)
		if code != "" {
			pipe.Del(ctx, r.roomCodeKey(code))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to delete room state for room %s: %w", roomID, err)
	}
	return nil
}

// ResolveRoomCode 房间码 -> 房间 ID。
func (r *RedisStateRepository) ResolveRoomCode(ctx context.Context, code string) (string, error) {
	id, err := r.client.Get(ctx, r.roomCodeKey(code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", repository.ErrRoomNotFound
		}
		return "", fmt.Errorf("redis: failed to resolve room code %s: %w", code, err)
	}
	return id, nil
}

func (r *RedisStateRepository) RoomCodeInUse(ctx context.Context, code string) (bool, error) {
	n, err := r.client.Exists(ctx, r.roomCodeKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to check room code %s: %w", code, err)
	}
	return n > 0, nil
}

func (r *RedisStateRepository) ListActiveRoomIDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.activeRoomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list active rooms: %w", err)
	}
	return ids, nil
}

// --- Participants ---

// AddParticipant 原子地检查容量并写入参与者 (Lua)。
func (r *RedisStateRepository) AddParticipant(ctx context.Context, roomID string, p *domain.Participant, maxParticipants int, ttl time.Duration) (repository.JoinResult, error) {
	keys := []string{r.roomKey(roomID), r.participantsKey(roomID), r.participantKey(roomID, p.UserID)}
	res, err := joinScript.Run(ctx, r.client, keys,
		p.UserID, maxParticipants, int64(ttl/time.Second), p.SocketID, string(p.Role), p.JoinedAtUnix,
	).Slice()
	if err != nil {
		return repository.JoinResult{}, fmt.Errorf("redis: failed to add participant %d to room %s: %w", p.UserID, roomID, err)
	}
	if len(res) != 3 {
		return repository.JoinResult{}, fmt.Errorf("redis: unexpected join script reply for room %s: %v", roomID, res)
	}
	vals := make([]int64, len(res))
	for i, v := range res {
		n, ok := v.(int64)
		if !ok {
			return repository.JoinResult{}, fmt.Errorf("redis: unexpected join script value %v (%T)", v, v)
		}
		vals[i] = n
	}
	switch vals[0] {
	case -2:
		return repository.JoinResult{}, repository.ErrRoomNotFound
	case -1:
		return repository.JoinResult{}, repository.ErrCapacityExceeded
	}
	return repository.JoinResult{
		Count:     int(vals[0]),
		FirstJoin: vals[1] == 1,
		Rejoined:  vals[2] == 1,
	}, nil
}

// RemoveParticipant 删除参与者 (Lua)，重复调用安全。
// socketID 非空时只在参与者仍绑定该连接时删除，否则返回 ErrSocketSuperseded。
func (r *RedisStateRepository) RemoveParticipant(ctx context.Context, roomID string, userID uint, socketID string) (int, bool, error) {
	keys := []string{
		r.participantsKey(roomID),
		r.participantKey(roomID, userID),
		r.producersKey(roomID, userID),
		r.transportsKey(roomID, userID),
		r.consumersKey(roomID, userID),
	}
	res, err := leaveScript.Run(ctx, r.client, keys, userID, socketID).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis: failed to remove participant %d from room %s: %w", userID, roomID, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis: unexpected leave script reply for room %s: %v", roomID, res)
	}
	if res[0] < 0 {
		return 0, false, repository.ErrSocketSuperseded
	}
	return int(res[0]), res[1] > 0, nil
}

// GetParticipant 读取参与者 hash 与其 producer 集合。
func (r *RedisStateRepository) GetParticipant(ctx context.Context, roomID string, userID uint) (*domain.Participant, error) {
	var hashCmd *redis.StringStringMapCmd
	var producersCmd *redis.StringSliceCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hashCmd = pipe.HGetAll(ctx, r.participantKey(roomID, userID))
		producersCmd = pipe.SMembers(ctx, r.producersKey(roomID, userID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get participant %d in room %s: %w", userID, roomID, err)
	}
	m := hashCmd.Val()
	if len(m) == 0 {
		return nil, repository.ErrParticipantNotFound
	}
	p := parseParticipant(m)
	p.ProducerIDs = producersCmd.Val()
	return p, nil
}

func parseParticipant(m map[string]string) *domain.Participant {
	uid, _ := strconv.ParseUint(m["user_id"], 10, 64)
	joinedAt, _ := strconv.ParseInt(m["joined_at"], 10, 64)
	return &domain.Participant{
		UserID:       uint(uid),
		SocketID:     m["socket_id"],
		Role:         domain.Role(m["role"]),
		JoinedAtUnix: joinedAt,
		ProducerIDs:  []string{},
		IsMuted:      parseBool(m["is_muted"]),
		IsVideoOff:   parseBool(m["is_video_off"]),
		HandRaised:   parseBool(m["hand_raised"]),
	}
}

// ListParticipants 返回房间所有参与者。集合中存在但 hash 已过期的成员会被跳过。
func (r *RedisStateRepository) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	members, err := r.client.SMembers(ctx, r.participantsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list participants for room %s: %w", roomID, err)
	}
	if len(members) == 0 {
		return []domain.Participant{}, nil
	}
	type pending struct {
		hash      *redis.StringStringMapCmd
		producers *redis.StringSliceCmd
	}
	cmds := make([]pending, 0, len(members))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			uid, parseErr := strconv.ParseUint(m, 10, 64)
			if parseErr != nil {
				continue
			}
			cmds = append(cmds, pending{
				hash:      pipe.HGetAll(ctx, r.participantKey(roomID, uint(uid))),
				producers: pipe.SMembers(ctx, r.producersKey(roomID, uint(uid))),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: failed to load participants for room %s: %w", roomID, err)
	}
	participants := make([]domain.Participant, 0, len(cmds))
	for _, c := range cmds {
		m := c.hash.Val()
		if len(m) == 0 {
			logrus.WithField("room_id", roomID).Warn("redis: participant set member without hash, skipping")
			continue
		}
		p := parseParticipant(m)
		p.ProducerIDs = c.producers.Val()
		participants = append(participants, *p)
	}
	return participants, nil
}

func (r *RedisStateRepository) CountParticipants(ctx context.Context, roomID string) (int, error) {
	n, err := r.client.SCard(ctx, r.participantsKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to count participants for room %s: %w", roomID, err)
	}
	return int(n), nil
}

func (r *RedisStateRepository) setParticipantField(ctx context.Context, roomID string, userID uint, field, value string) error {
	n, err := setIfExistsScript.Run(ctx, r.client, []string{r.participantKey(roomID, userID)}, field, value).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to set %s for participant %d in room %s: %w", field, userID, roomID, err)
	}
	if n == 0 {
		return repository.ErrParticipantNotFound
	}
	return nil
}

func (r *RedisStateRepository) SetParticipantRole(ctx context.Context, roomID string, userID uint, role domain.Role) error {
	return r.setParticipantField(ctx, roomID, userID, "role", string(role))
}

func (r *RedisStateRepository) SetParticipantFlag(ctx context.Context, roomID string, userID uint, flag repository.ParticipantFlag, value bool) error {
	return r.setParticipantField(ctx, roomID, userID, string(flag), boolArg(value))
}

func (r *RedisStateRepository) FlipParticipantFlag(ctx context.Context, roomID string, userID uint, flag repository.ParticipantFlag) (bool, error) {
	n, err := flipScript.Run(ctx, r.client, []string{r.participantKey(roomID, userID)}, string(flag)).Int()
	if err != nil {
		return false, fmt.Errorf("redis: failed to flip %s for participant %d in room %s: %w", flag, userID, roomID, err)
	}
	if n < 0 {
		return false, repository.ErrParticipantNotFound
	}
	return n == 1, nil
}

// --- Media ownership ---

func (r *RedisStateRepository) addMember(ctx context.Context, key, member string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, member)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to add %s to %s: %w", member, key, err)
	}
	return nil
}

func (r *RedisStateRepository) removeMember(ctx context.Context, key, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis: failed to remove %s from %s: %w", member, key, err)
	}
	return nil
}

func (r *RedisStateRepository) listMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list %s: %w", key, err)
	}
	return members, nil
}

func (r *RedisStateRepository) AddProducer(ctx context.Context, roomID string, userID uint, producerID string, ttl time.Duration) error {
	return r.addMember(ctx, r.producersKey(roomID, userID), producerID, ttl)
}

func (r *RedisStateRepository) RemoveProducer(ctx context.Context, roomID string, userID uint, producerID string) error {
	return r.removeMember(ctx, r.producersKey(roomID, userID), producerID)
}

func (r *RedisStateRepository) ListProducers(ctx context.Context, roomID string, userID uint) ([]string, error) {
	return r.listMembers(ctx, r.producersKey(roomID, userID))
}

func (r *RedisStateRepository) AddTransport(ctx context.Context, roomID string, userID uint, transportID string, ttl time.Duration) error {
	return r.addMember(ctx, r.transportsKey(roomID, userID), transportID, ttl)
}

func (r *RedisStateRepository) RemoveTransport(ctx context.Context, roomID string, userID uint, transportID string) error {
	return r.removeMember(ctx, r.transportsKey(roomID, userID), transportID)
}

func (r *RedisStateRepository) ListTransports(ctx context.Context, roomID string, userID uint) ([]string, error) {
	return r.listMembers(ctx, r.transportsKey(roomID, userID))
}

func (r *RedisStateRepository) AddConsumer(ctx context.Context, roomID string, userID uint, consumerID string, ttl time.Duration) error {
	return r.addMember(ctx, r.consumersKey(roomID, userID), consumerID, ttl)
}

func (r *RedisStateRepository) RemoveConsumer(ctx context.Context, roomID string, userID uint, consumerID string) error {
	return r.removeMember(ctx, r.consumersKey(roomID, userID), consumerID)
}

func (r *RedisStateRepository) ListConsumers(ctx context.Context, roomID string, userID uint) ([]string, error) {
	return r.listMembers(ctx, r.consumersKey(roomID, userID))
}

// --- Sockets ---

func (r *RedisStateRepository) BindSocket(ctx context.Context, socketID string, userID uint, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.socketUserKey(socketID), userID, ttl)
		pipe.Set(ctx, r.userSocketKey(userID), socketID, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to bind socket %s to user %d: %w", socketID, userID, err)
	}
	return nil
}

func (r *RedisStateRepository) SetSocketRoom(ctx context.Context, socketID string, roomID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.socketRoomKey(socketID), roomID, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set room for socket %s: %w", socketID, err)
	}
	return nil
}

func (r *RedisStateRepository) ClearSocketRoom(ctx context.Context, socketID string) error {
	if err := r.client.Del(ctx, r.socketRoomKey(socketID)).Err(); err != nil {
		return fmt.Errorf("redis: failed to clear room for socket %s: %w", socketID, err)
	}
	return nil
}

func (r *RedisStateRepository) UnbindSocket(ctx context.Context, socketID string, userID uint) error {
	keys := []string{r.socketUserKey(socketID), r.socketRoomKey(socketID), r.userSocketKey(userID)}
	if err := unbindScript.Run(ctx, r.client, keys, socketID).Err(); err != nil {
		return fmt.Errorf("redis: failed to unbind socket %s: %w", socketID, err)
	}
	return nil
}

// --- Waiting room ---

func (r *RedisStateRepository) AddWaiting(ctx context.Context, roomID string, entry domain.WaitingEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal waiting entry for user %d: %w", entry.UserID, err)
	}
	key := r.waitingKey(roomID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, strconv.FormatUint(uint64(entry.UserID), 10), string(data))
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to add user %d to waiting room %s: %w", entry.UserID, roomID, err)
	}
	return nil
}

func (r *RedisStateRepository) RemoveWaiting(ctx context.Context, roomID string, userID uint) (*domain.WaitingEntry, error) {
	key := r.waitingKey(roomID)
	field := strconv.FormatUint(uint64(userID), 10)
	var getCmd *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.HGet(ctx, key, field)
		pipe.HDel(ctx, key, field)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: failed to remove user %d from waiting room %s: %w", userID, roomID, err)
	}
	raw, getErr := getCmd.Result()
	if getErr != nil {
		if errors.Is(getErr, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("redis: failed to read waiting entry %d in room %s: %w", userID, roomID, getErr)
	}
	var entry domain.WaitingEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal waiting entry %d in room %s: %w", userID, roomID, err)
	}
	return &entry, nil
}

func (r *RedisStateRepository) ListWaiting(ctx context.Context, roomID string) ([]domain.WaitingEntry, error) {
	m, err := r.client.HGetAll(ctx, r.waitingKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list waiting room %s: %w", roomID, err)
	}
	entries := make([]domain.WaitingEntry, 0, len(m))
	for _, raw := range m {
		var entry domain.WaitingEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			logrus.WithField("room_id", roomID).WithError(err).Warn("redis: failed to unmarshal waiting entry, skipping")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// --- Rate Limiting ---

// CheckRateLimit 滑动窗口限流 (ZSET + Lua)。
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()
	exceeded, err := slidingWindowScript.Run(ctx, r.client, []string{r.keyPrefix + key},
		now, window.Milliseconds(), limit, member).Int()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit check failed on key %s: %w", key, err)
	}
	return exceeded == 1, nil
}

func (r *RedisStateRepository) ClearRateLimit(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis: failed to clear rate limit key %s: %w", key, err)
	}
	return nil
}
