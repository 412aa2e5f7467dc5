package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"live-classroom/internal/tasks"
)

// Handlers 汇总 worker 需要的业务依赖。
type Handlers struct {
	Billing   SessionDebiter
	Sweeper   RoomSweeper
	Activator MeetingActivator
}

// WorkerServer 封装了 Asynq Worker Server 的启动和关闭逻辑
type WorkerServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *logrus.Entry
}

// NewWorkerServer 创建 WorkerServer 并注册全部任务处理器。
func NewWorkerServer(redisOpt asynq.RedisClientOpt, h Handlers, concurrency int, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")
	if concurrency <= 0 {
		concurrency = 10
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskLogCtx(ctx, task).WithField("component", "worker_server").Errorf("Task failed: %v", err)
			}),
		},
	)

	return &WorkerServer{server: server, mux: NewServeMux(h), log: logEntry}
}

// NewServeMux 把任务类型映射到处理器；测试直接使用它分发任务。
func NewServeMux(h Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeBillingDebit, NewBillingDebitHandler(h.Billing))
	mux.Handle(tasks.TypeRoomSweep, NewRoomSweepHandler(h.Sweeper))
	mux.Handle(tasks.TypeMeetingsActivate, NewMeetingsActivateHandler(h.Activator))
	return mux
}

// Start 启动处理 goroutine 后立即返回，由 Shutdown 停止。
func (ws *WorkerServer) Start() error {
	ws.log.Info("Worker server starting...")
	if err := ws.server.Start(ws.mux); err != nil {
		if errors.Is(err, asynq.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("start worker server: %w", err)
	}
	return nil
}

// Shutdown 等待正在处理的任务完成后停止。
func (ws *WorkerServer) Shutdown() {
	ws.server.Shutdown()
	ws.log.Info("Worker server stopped.")
}
