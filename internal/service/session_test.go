package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisstate "live-classroom/internal/infra/state/redis"
	"live-classroom/internal/service"
)

func newSessionService(t *testing.T, cfg service.SessionConfig) (*service.SessionService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	state := redisstate.NewRedisStateRepository(client, testKeyPrefix)
	return service.NewSessionService(state, nil, cfg), mr
}

func TestSessionService_RateLimitIsPerSocketAndReleased(t *testing.T) {
	sessions, _ := newSessionService(t, service.SessionConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	ctx := context.Background()

	require.NoError(t, sessions.Allow(ctx, "sock-a"))
	require.NoError(t, sessions.Allow(ctx, "sock-a"))
	err := sessions.Allow(ctx, "sock-a")
	assert.True(t, errors.Is(err, service.ErrRateLimited))
	// 其他 socket 不受影响
	require.NoError(t, sessions.Allow(ctx, "sock-b"))

	// 断开后计数被丢弃
	sessions.ReleaseSocket(ctx, "sock-a", 1)
	require.NoError(t, sessions.Allow(ctx, "sock-a"))
}

func TestSessionService_SocketMappings(t *testing.T) {
	sessions, mr := newSessionService(t, service.SessionConfig{})
	ctx := context.Background()

	require.NoError(t, sessions.BindSocket(ctx, "sock-a", 7))
	sessions.SetSocketRoom(ctx, "sock-a", "room-1")
	room, err := mr.Get(testKeyPrefix + "socket:room:sock-a")
	require.NoError(t, err)
	assert.Equal(t, "room-1", room)
	assert.Equal(t, 2*time.Hour, mr.TTL(testKeyPrefix+"socket:user:sock-a"), "默认 socket TTL")

	sessions.ReleaseSocket(ctx, "sock-a", 7)
	assert.False(t, mr.Exists(testKeyPrefix+"socket:room:sock-a"))
	assert.False(t, mr.Exists(testKeyPrefix+"user:socket:7"))
}

func TestSessionService_WaitingRoom(t *testing.T) {
	sessions, _ := newSessionService(t, service.SessionConfig{})
	ctx := context.Background()

	require.NoError(t, sessions.EnterWaitingRoom(ctx, "room-1", 5, "sock-5"))
	entries, err := sessions.ListWaiting(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint(5), entries[0].UserID)

	entry, err := sessions.TakeWaiting(ctx, "room-1", 5)
	require.NoError(t, err)
	assert.Equal(t, "sock-5", entry.SocketID)

	_, err = sessions.TakeWaiting(ctx, "room-1", 5)
	assert.True(t, errors.Is(err, service.ErrNotWaiting))
}
