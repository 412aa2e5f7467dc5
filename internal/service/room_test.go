package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"live-classroom/internal/domain"
	gormpersistence "live-classroom/internal/infra/persistence/gorm"
	"live-classroom/internal/infra/setup"
	redisstate "live-classroom/internal/infra/state/redis"
	"live-classroom/internal/service"
	"live-classroom/internal/tasks"
)

const testKeyPrefix = "test:"

// fakeDebitQueue 记录入队的补扣任务。
type fakeDebitQueue struct {
	mu       sync.Mutex
	payloads []tasks.BillingDebitPayload
}

func (q *fakeDebitQueue) EnqueueBillingDebit(_ context.Context, p tasks.BillingDebitPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, p)
	return nil
}

type roomEnv struct {
	svc     *service.RoomService
	billing *service.BillingService
	audit   *service.AuditService
	state   *redisstate.RedisStateRepository
	mr      *miniredis.Miniredis
	db      *gorm.DB
	queue   *fakeDebitQueue
}

func newRoomEnv(t *testing.T, cfg service.RoomConfig) *roomEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, setup.MigrateDB(db))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	state := redisstate.NewRedisStateRepository(client, testKeyPrefix)
	audit := service.NewAuditService(gormpersistence.NewGormAuditRepository(db), nil)
	// 在关闭数据库之前等待审计写入完成
	t.Cleanup(audit.Wait)
	billing := service.NewBillingService(gormpersistence.NewGormWalletRepository(db), audit, nil)
	queue := &fakeDebitQueue{}
	svc := service.NewRoomService(
		state,
		gormpersistence.NewGormRoomRepository(db),
		gormpersistence.NewGormAttendanceRepository(db),
		gormpersistence.NewGormUserRepository(db),
		billing, audit, queue, nil, cfg,
	)
	return &roomEnv{svc: svc, billing: billing, audit: audit, state: state, mr: mr, db: db, queue: queue}
}

// addUser 创建用户；credits > 0 时充值。
func (e *roomEnv) addUser(t *testing.T, name string, role domain.UserRole, credits int64) uint {
	t.Helper()
	u := &domain.User{Username: name, Password: "x", Role: role}
	require.NoError(t, gormpersistence.NewGormUserRepository(e.db).Save(context.Background(), u))
	if credits > 0 {
		_, err := e.billing.AddCredits(context.Background(), u.ID, credits, "test")
		require.NoError(t, err)
	}
	return u.ID
}

// backdateAttendance 把打开的出勤记录的加入时间前移，模拟已持续的会话。
func (e *roomEnv) backdateAttendance(t *testing.T, userID uint, roomID string, d time.Duration) {
	t.Helper()
	res := e.db.Model(&domain.AttendanceRecord{}).
		Where("user_id = ? AND room_id = ? AND left_at IS NULL", userID, roomID).
		Update("joined_at", time.Now().Add(-d))
	require.NoError(t, res.Error)
	require.Equal(t, int64(1), res.RowsAffected)
}

func (e *roomEnv) attendance(t *testing.T, userID uint, roomID string) []domain.AttendanceRecord {
	t.Helper()
	var recs []domain.AttendanceRecord
	require.NoError(t, e.db.Where("user_id = ? AND room_id = ?", userID, roomID).Order("id ASC").Find(&recs).Error)
	return recs
}

func (e *roomEnv) auditCount(t *testing.T, eventType domain.AuditEventType) int64 {
	t.Helper()
	e.audit.Wait()
	var n int64
	require.NoError(t, e.db.Model(&domain.AuditEvent{}).Where("type = ?", eventType).Count(&n).Error)
	return n
}

func (e *roomEnv) durableRoom(t *testing.T, id string) *domain.Room {
	t.Helper()
	room, err := gormpersistence.NewGormRoomRepository(e.db).FindByID(context.Background(), id)
	require.NoError(t, err)
	return room
}

func TestRoomService_CapacityScenario(t *testing.T) {
	// Arrange: max=2 的房间，A 是主持人 (教师)，B、C 是有余额的学生
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	a := env.addUser(t, "alice", domain.UserRoleTeacher, 0)
	b := env.addUser(t, "bob", domain.UserRoleStudent, 100)
	c := env.addUser(t, "carol", domain.UserRoleStudent, 100)

	created, err := env.svc.CreateRoom(ctx, a, "algebra", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusWaiting, env.durableRoom(t, created.RoomID).Status)

	// Act & Assert: A 加入成为 HOST，房间变为 ACTIVE
	ja, err := env.svc.JoinRoom(ctx, created.RoomID, a, "sock-a")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, ja.Role)
	state, err := env.svc.RoomState(ctx, created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusActive, state.Status)
	assert.Equal(t, domain.RoomStatusActive, env.durableRoom(t, created.RoomID).Status)

	// B 通过房间码加入
	jb, err := env.svc.JoinRoom(ctx, created.RoomCode, b, "sock-b")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleParticipant, jb.Role)
	assert.Len(t, jb.Participants, 2)

	// C 被拒绝
	_, err = env.svc.JoinRoom(ctx, created.RoomID, c, "sock-c")
	assert.True(t, errors.Is(err, service.ErrRoomFull))

	// A 离开，房间仍有 B
	left, err := env.svc.LeaveRoom(ctx, created.RoomID, a, "sock-a")
	require.NoError(t, err)
	assert.False(t, left.RoomClosed)
	require.Len(t, left.RemainingParticipants, 1)
	assert.Equal(t, b, left.RemainingParticipants[0].UserID)

	// B 会话持续 150s 后离开，房间关闭并扣费 ceil(150/60)=3
	env.backdateAttendance(t, b, created.RoomID, 150*time.Second)
	left, err = env.svc.LeaveRoom(ctx, created.RoomID, b, "sock-b")
	require.NoError(t, err)
	assert.True(t, left.RoomClosed)

	recs := env.attendance(t, b, created.RoomID)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].LeftAt)
	require.NotNil(t, recs[0].DurationSeconds)
	assert.GreaterOrEqual(t, *recs[0].DurationSeconds, int64(150))

	balance, err := env.billing.Balance(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(97), balance)

	room := env.durableRoom(t, created.RoomID)
	assert.Equal(t, domain.RoomStatusClosed, room.Status)
	assert.Equal(t, 2, room.PeakParticipants)
	assert.NotNil(t, room.EndedAt)
	assert.NotNil(t, room.StartedAt)

	// 关闭的房间不会被重新激活
	_, err = env.svc.JoinRoom(ctx, created.RoomID, c, "sock-c")
	assert.True(t, errors.Is(err, service.ErrRoomClosed))
	assert.Equal(t, int64(1), env.auditCount(t, domain.AuditRoomClosed))
}

func TestRoomService_Join_InsufficientCredits(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	student := env.addUser(t, "broke", domain.UserRoleStudent, 0)
	created, err := env.svc.CreateRoom(ctx, host, "", 0, nil)
	require.NoError(t, err)

	_, err = env.svc.JoinRoom(ctx, created.RoomID, student, "sock-s")

	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrInsufficientCredits))
	count, err := env.state.CountParticipants(ctx, created.RoomID)
	require.NoError(t, err)
	assert.Zero(t, count, "余额不足时不应写入参与者")
	assert.Empty(t, env.attendance(t, student, created.RoomID))
}

func TestRoomService_Join_FullRoomReportedBeforeCreditGate(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	paid := env.addUser(t, "paid", domain.UserRoleStudent, 10)
	broke := env.addUser(t, "broke", domain.UserRoleStudent, 0)
	created, err := env.svc.CreateRoom(ctx, host, "", 2, nil)
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, host, "sock-h")
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, paid, "sock-p")
	require.NoError(t, err)

	_, err = env.svc.JoinRoom(ctx, created.RoomID, broke, "sock-b")

	assert.True(t, errors.Is(err, service.ErrRoomFull), "满员优先于余额不足: %v", err)
}

func TestRoomService_StaleSocketLeaveKeepsLiveSession(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	student := env.addUser(t, "student", domain.UserRoleStudent, 50)
	created, err := env.svc.CreateRoom(ctx, host, "", 0, nil)
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, host, "sock-h")
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, student, "sock-old")
	require.NoError(t, err)
	rejoin, err := env.svc.JoinRoom(ctx, created.RoomID, student, "sock-new")
	require.NoError(t, err)
	require.True(t, rejoin.Rejoined)

	// 旧连接迟到的断开
	left, err := env.svc.LeaveRoom(ctx, created.RoomID, student, "sock-old")

	require.NoError(t, err)
	assert.True(t, left.Superseded)
	assert.False(t, left.RoomClosed)
	assert.Len(t, left.RemainingParticipants, 2)
	p, err := env.svc.GetParticipant(ctx, created.RoomID, student)
	require.NoError(t, err)
	assert.Equal(t, "sock-new", p.SocketID)
	recs := env.attendance(t, student, created.RoomID)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].LeftAt, "新连接上的出勤记录保持打开")
	balance, err := env.billing.Balance(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
	assert.Zero(t, env.auditCount(t, domain.AuditUserLeft))

	// 当前连接的离开照常结算
	left, err = env.svc.LeaveRoom(ctx, created.RoomID, student, "sock-new")
	require.NoError(t, err)
	assert.False(t, left.Superseded)
	recs = env.attendance(t, student, created.RoomID)
	require.Len(t, recs, 1)
	assert.NotNil(t, recs[0].LeftAt)
}

func TestRoomService_Join_StudentHostSkipsCreditGate(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "student-host", domain.UserRoleStudent, 0)
	created, err := env.svc.CreateRoom(ctx, host, "study group", 0, nil)
	require.NoError(t, err)

	res, err := env.svc.JoinRoom(ctx, created.RoomID, host, "sock-h")

	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, res.Role)
}

func TestRoomService_ResolveRoomID_RoundTrip(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	created, err := env.svc.CreateRoom(ctx, host, "", 0, nil)
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Z2-9]{3}-[A-Z2-9]{3}-[A-Z2-9]{3}$`, created.RoomCode)

	for _, input := range []string{created.RoomID, created.RoomCode, "  " + created.RoomCode + " "} {
		id, err := env.svc.ResolveRoomID(ctx, input)
		require.NoError(t, err, input)
		assert.Equal(t, created.RoomID, id, input)
	}

	_, err = env.svc.ResolveRoomID(ctx, "no-such-room")
	assert.True(t, errors.Is(err, service.ErrRoomNotFound))
}

func TestRoomService_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	created, err := env.svc.CreateRoom(ctx, host, "", 3, nil)
	require.NoError(t, err)

	users := make([]uint, 10)
	for i := range users {
		users[i] = env.addUser(t, fmt.Sprintf("student-%d", i), domain.UserRoleStudent, 10)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, full := 0, 0
	for i, uid := range users {
		wg.Add(1)
		go func(uid uint, sock string) {
			defer wg.Done()
			_, err := env.svc.JoinRoom(ctx, created.RoomID, uid, sock)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else if errors.Is(err, service.ErrRoomFull) {
				full++
			}
		}(uid, fmt.Sprintf("sock-%d", i))
	}
	wg.Wait()

	assert.Equal(t, 3, admitted)
	assert.Equal(t, 7, full)
	count, err := env.state.CountParticipants(ctx, created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRoomService_RetriedJoinAndLeaveAreIdempotent(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	student := env.addUser(t, "student", domain.UserRoleStudent, 50)
	created, err := env.svc.CreateRoom(ctx, host, "", 0, nil)
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, host, "sock-h")
	require.NoError(t, err)

	// 重试的加入只产生一条打开的出勤记录
	_, err = env.svc.JoinRoom(ctx, created.RoomID, student, "sock-s")
	require.NoError(t, err)
	again, err := env.svc.JoinRoom(ctx, created.RoomID, student, "sock-s")
	require.NoError(t, err)
	assert.True(t, again.Rejoined)
	assert.Len(t, again.Participants, 2)
	require.Len(t, env.attendance(t, student, created.RoomID), 1)

	// 重复离开只关闭一次、只扣一次费
	env.backdateAttendance(t, student, created.RoomID, 61*time.Second)
	_, err = env.svc.LeaveRoom(ctx, created.RoomID, student, "sock-s")
	require.NoError(t, err)
	first := env.attendance(t, student, created.RoomID)[0]
	_, err = env.svc.LeaveRoom(ctx, created.RoomID, student, "sock-s")
	require.NoError(t, err)

	recs := env.attendance(t, student, created.RoomID)
	require.Len(t, recs, 1)
	assert.Equal(t, *first.DurationSeconds, *recs[0].DurationSeconds)
	assert.Equal(t, first.LeftAt.Unix(), recs[0].LeftAt.Unix())

	txns, err := env.billing.GetTransactions(ctx, student, 0)
	require.NoError(t, err)
	debits := 0
	for _, txn := range txns {
		if txn.Type == domain.TransactionDebit {
			debits++
			assert.Equal(t, int64(2), txn.Amount)
		}
	}
	assert.Equal(t, 1, debits)

	// 再次加入创建新的记录
	_, err = env.svc.JoinRoom(ctx, created.RoomID, student, "sock-s2")
	require.NoError(t, err)
	assert.Len(t, env.attendance(t, student, created.RoomID), 2)
}

func TestRoomService_LeaveDebitFailureIsSwallowed(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	student := env.addUser(t, "student", domain.UserRoleStudent, 1)
	created, err := env.svc.CreateRoom(ctx, host, "", 0, nil)
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, host, "sock-h")
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, student, "sock-s")
	require.NoError(t, err)

	// 会话 5 分钟但余额只有 1
	env.backdateAttendance(t, student, created.RoomID, 5*time.Minute)
	_, err = env.svc.LeaveRoom(ctx, created.RoomID, student, "sock-s")

	require.NoError(t, err, "扣费失败不能让离开失败")
	balance, err := env.billing.Balance(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
	assert.Equal(t, int64(1), env.auditCount(t, domain.AuditBillingDebitFailed))
	assert.Empty(t, env.queue.payloads, "余额不足不进入重试队列")
}

func TestRoomService_HostRules(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	co := env.addUser(t, "assistant", domain.UserRoleTeacher, 0)
	p1 := env.addUser(t, "student1", domain.UserRoleStudent, 10)
	p2 := env.addUser(t, "student2", domain.UserRoleStudent, 10)
	created, err := env.svc.CreateRoom(ctx, host, "", 0, nil)
	require.NoError(t, err)
	for uid, sock := range map[uint]string{host: "sock-h", co: "sock-co", p1: "sock-1", p2: "sock-2"} {
		_, err := env.svc.JoinRoom(ctx, created.RoomID, uid, sock)
		require.NoError(t, err)
	}

	// HOST 不能被授予
	err = env.svc.ChangeRole(ctx, created.RoomID, host, co, domain.RoleHost)
	assert.True(t, errors.Is(err, service.ErrPermissionDenied))
	// 非主持人不能修改角色
	err = env.svc.ChangeRole(ctx, created.RoomID, p1, co, domain.RoleCoHost)
	assert.True(t, errors.Is(err, service.ErrPermissionDenied))
	err = env.svc.ChangeRole(ctx, created.RoomID, host, co, domain.Role("OWNER"))
	assert.True(t, errors.Is(err, service.ErrInvalidRole))

	require.NoError(t, env.svc.ChangeRole(ctx, created.RoomID, host, co, domain.RoleCoHost))

	// 普通参与者不能踢人；任何人都不能踢 HOST
	_, err = env.svc.KickUser(ctx, created.RoomID, p1, p2)
	assert.True(t, errors.Is(err, service.ErrPermissionDenied))
	_, err = env.svc.KickUser(ctx, created.RoomID, co, host)
	assert.True(t, errors.Is(err, service.ErrPermissionDenied))

	kicked, err := env.svc.KickUser(ctx, created.RoomID, co, p2)
	require.NoError(t, err)
	assert.Equal(t, "sock-2", kicked.TargetSocketID)
	assert.Len(t, kicked.RemainingParticipants, 3)
	_, err = env.svc.GetParticipant(ctx, created.RoomID, p2)
	assert.True(t, errors.Is(err, service.ErrNotInRoom))

	participants, err := env.svc.ListParticipants(ctx, created.RoomID)
	require.NoError(t, err)
	hosts := 0
	for _, p := range participants {
		if p.Role == domain.RoleHost {
			hosts++
		}
	}
	assert.Equal(t, 1, hosts)
	assert.Equal(t, int64(1), env.auditCount(t, domain.AuditUserKicked))
}

func TestRoomService_MuteAll(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	p1 := env.addUser(t, "student1", domain.UserRoleStudent, 10)
	created, err := env.svc.CreateRoom(ctx, host, "", 0, nil)
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, host, "sock-h")
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, p1, "sock-1")
	require.NoError(t, err)

	_, err = env.svc.MuteAll(ctx, created.RoomID, p1)
	assert.True(t, errors.Is(err, service.ErrPermissionDenied))

	sockets, err := env.svc.MuteAll(ctx, created.RoomID, host)
	require.NoError(t, err)
	assert.Equal(t, []string{"sock-1"}, sockets)

	p, err := env.svc.GetParticipant(ctx, created.RoomID, p1)
	require.NoError(t, err)
	assert.True(t, p.IsMuted)
	h, err := env.svc.GetParticipant(ctx, created.RoomID, host)
	require.NoError(t, err)
	assert.False(t, h.IsMuted)
}

func TestRoomService_FlagsAndSettings(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	p1 := env.addUser(t, "student1", domain.UserRoleStudent, 10)
	created, err := env.svc.CreateRoom(ctx, host, "", 0, nil)
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, p1, "sock-1")
	require.NoError(t, err)

	raised, err := env.svc.ToggleHandRaise(ctx, created.RoomID, p1)
	require.NoError(t, err)
	assert.True(t, raised)
	_, err = env.svc.ToggleHandRaise(ctx, created.RoomID, host)
	assert.True(t, errors.Is(err, service.ErrNotInRoom))

	off := true
	require.NoError(t, env.svc.SetMediaState(ctx, created.RoomID, p1, nil, &off))
	p, err := env.svc.GetParticipant(ctx, created.RoomID, p1)
	require.NoError(t, err)
	assert.True(t, p.IsVideoOff)
	assert.True(t, p.HandRaised)

	enabled := true
	_, err = env.svc.UpdateRoomSettings(ctx, created.RoomID, p1, service.RoomFlagsPatch{WaitingRoomEnabled: &enabled})
	assert.True(t, errors.Is(err, service.ErrPermissionDenied))
	flags, err := env.svc.UpdateRoomSettings(ctx, created.RoomID, host, service.RoomFlagsPatch{WaitingRoomEnabled: &enabled})
	require.NoError(t, err)
	assert.True(t, flags.WaitingRoomEnabled)
	assert.True(t, flags.ScreenShareAllowed, "未修改的开关保持不变")
	assert.True(t, env.durableRoom(t, created.RoomID).WaitingRoomEnabled)
}

func TestRoomService_AutoCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		env := newRoomEnv(t, service.RoomConfig{})
		uid := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
		_, err := env.svc.JoinRoom(ctx, "unknown-room", uid, "sock")
		assert.True(t, errors.Is(err, service.ErrRoomNotFound))
	})

	t.Run("enabled", func(t *testing.T) {
		env := newRoomEnv(t, service.RoomConfig{AutoCreate: true})
		uid := env.addUser(t, "student", domain.UserRoleStudent, 0)
		res, err := env.svc.JoinRoom(ctx, "unknown-room", uid, "sock")
		require.NoError(t, err)
		assert.NotEqual(t, "unknown-room", res.RoomID)
		assert.Equal(t, "unknown-room", res.AutoCreatedFrom)
		assert.Equal(t, domain.RoleHost, res.Role)
		room := env.durableRoom(t, res.RoomID)
		require.NotNil(t, room.AutoCreatedFrom)
		assert.Equal(t, "unknown-room", *room.AutoCreatedFrom)
		assert.Equal(t, int64(1), env.auditCount(t, domain.AuditRoomAutoCreated))
	})
}

func TestRoomService_CloseRoom(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	p1 := env.addUser(t, "student1", domain.UserRoleStudent, 10)
	created, err := env.svc.CreateRoom(ctx, host, "", 0, nil)
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, host, "sock-h")
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, created.RoomID, p1, "sock-1")
	require.NoError(t, err)

	_, err = env.svc.CloseRoom(ctx, created.RoomID, p1)
	assert.True(t, errors.Is(err, service.ErrPermissionDenied))

	res, err := env.svc.CloseRoom(ctx, created.RoomID, host)
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.ElementsMatch(t, []string{"sock-h", "sock-1"}, res.SocketIDs)

	// 关闭时仍在房间内的参与者的出勤记录被结算
	recs := env.attendance(t, p1, created.RoomID)
	require.Len(t, recs, 1)
	assert.NotNil(t, recs[0].LeftAt)

	_, err = env.svc.ResolveRoomID(ctx, created.RoomCode)
	require.NoError(t, err, "房间码仍可通过持久记录解析")
	_, err = env.state.ResolveRoomCode(ctx, created.RoomCode)
	assert.Error(t, err, "临时的房间码索引已删除")

	// 重复关闭是 no-op
	res, err = env.svc.CloseRoom(ctx, created.RoomID, host)
	require.NoError(t, err)
	assert.False(t, res.Closed)
	assert.Equal(t, int64(1), env.auditCount(t, domain.AuditRoomClosed))
}

func TestRoomService_ScheduledLifecycle(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	other := env.addUser(t, "other", domain.UserRoleTeacher, 0)

	_, err := env.svc.ScheduleRoom(ctx, host, "past", 0, nil, time.Now().Add(-time.Minute))
	assert.True(t, errors.Is(err, service.ErrInvalidRequest))

	scheduled, err := env.svc.ScheduleRoom(ctx, host, "lecture", 0, nil, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusScheduled, env.durableRoom(t, scheduled.RoomID).Status)

	_, err = env.svc.JoinRoom(ctx, scheduled.RoomID, host, "sock-h")
	assert.True(t, errors.Is(err, service.ErrRoomNotStarted))

	_, err = env.svc.StartScheduledRoom(ctx, scheduled.RoomID, other)
	assert.True(t, errors.Is(err, service.ErrPermissionDenied))

	started, err := env.svc.StartScheduledRoom(ctx, scheduled.RoomID, host)
	require.NoError(t, err)
	assert.Equal(t, scheduled.RoomCode, started.RoomCode)
	assert.Equal(t, domain.RoomStatusWaiting, env.durableRoom(t, scheduled.RoomID).Status)

	_, err = env.svc.StartScheduledRoom(ctx, scheduled.RoomID, host)
	assert.True(t, errors.Is(err, service.ErrInvalidTransition))

	res, err := env.svc.JoinRoom(ctx, scheduled.RoomCode, host, "sock-h")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, res.Role)
}

func TestRoomService_ActivateDueRooms(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	soon, err := env.svc.ScheduleRoom(ctx, host, "soon", 0, nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = env.svc.ScheduleRoom(ctx, host, "later", 0, nil, time.Now().Add(48*time.Hour))
	require.NoError(t, err)

	n, err := env.svc.ActivateDueRooms(ctx, time.Now().Add(time.Hour))

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	state, err := env.svc.RoomState(ctx, soon.RoomID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusWaiting, state.Status)
}

func TestRoomService_SweepStaleRooms(t *testing.T) {
	env := newRoomEnv(t, service.RoomConfig{})
	ctx := context.Background()
	host := env.addUser(t, "teacher", domain.UserRoleTeacher, 0)
	live, err := env.svc.CreateRoom(ctx, host, "live", 0, nil)
	require.NoError(t, err)
	orphan, err := env.svc.CreateRoom(ctx, host, "orphan", 0, nil)
	require.NoError(t, err)
	_, err = env.svc.JoinRoom(ctx, orphan.RoomID, host, "sock-h")
	require.NoError(t, err)

	// 模拟临时状态过期
	env.mr.Del(testKeyPrefix + "room:" + orphan.RoomID)

	closed, err := env.svc.SweepStaleRooms(ctx)

	require.NoError(t, err)
	assert.Equal(t, []string{orphan.RoomID}, closed)
	assert.Equal(t, domain.RoomStatusClosed, env.durableRoom(t, orphan.RoomID).Status)
	assert.Equal(t, domain.RoomStatusWaiting, env.durableRoom(t, live.RoomID).Status)
	recs := env.attendance(t, host, orphan.RoomID)
	require.Len(t, recs, 1)
	assert.NotNil(t, recs[0].LeftAt, "孤儿房间的出勤记录被结算")

	active, err := env.state.ListActiveRoomIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, orphan.RoomID)
	assert.Contains(t, active, live.RoomID)
}
