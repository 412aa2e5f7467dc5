package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"live-classroom/internal/domain"
	httpHandler "live-classroom/internal/handler/http"
	wsHandler "live-classroom/internal/handler/websocket"
	"live-classroom/internal/hub"
	"live-classroom/internal/metrics"
	gormpersistence "live-classroom/internal/infra/persistence/gorm"
	"live-classroom/internal/infra/setup"
	redisstate "live-classroom/internal/infra/state/redis"
	"live-classroom/internal/middleware"
	"live-classroom/internal/service"
	"live-classroom/internal/sfu"
	"live-classroom/internal/tasks"
	"live-classroom/internal/worker"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	DBUser        string
	DBPassword    string
	DBHost        string
	DBPort        string
	DBName        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	JWTSecret      string
	JWTExpiryHours int

	ServerPort        string
	LogLevel          string
	AppEnv            string // development/production
	CORSAllowedOrigin string

	HTTPRateLimitMax    int
	HTTPRateLimitWindow time.Duration
	WSRateLimitMax      int
	WSRateLimitWindow   time.Duration

	RoomTTL                time.Duration
	SocketTTL              time.Duration
	MaxParticipantsCap     int
	DefaultMaxParticipants int
	RoomAutoCreate         bool

	SFUPublicIP       string
	SweepSchedule     string
	WorkerConcurrency int
	MetricsEnabled    bool
}

// Overrides 来自命令行，非空时覆盖环境变量。
type Overrides struct {
	EnvFile  string
	Port     string
	LogLevel string
}

// LoadConfig 从环境变量加载配置。envFile 为空时尝试加载当前目录下的 .env。
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load() // 忽略错误，允许只使用环境变量
	}

	cfg := &Config{
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBHost:            os.Getenv("DB_HOST"),
		DBPort:            os.Getenv("DB_PORT"),
		DBName:            os.Getenv("DB_NAME"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           envInt("REDIS_DB", 0),
		KeyPrefix:         envString("REDIS_KEY_PREFIX", "lc:"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTExpiryHours:    envInt("JWT_EXPIRY_HOURS", 24),
		ServerPort:        envString("SERVER_PORT", "8080"),
		LogLevel:          envString("LOG_LEVEL", "info"),
		AppEnv:            envString("APP_ENV", "development"),
		CORSAllowedOrigin: envString("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),

		HTTPRateLimitMax:    envInt("HTTP_RATE_LIMIT_MAX", 100),
		HTTPRateLimitWindow: envDuration("HTTP_RATE_LIMIT_WINDOW", time.Second),
		WSRateLimitMax:      envInt("WS_RATE_LIMIT_MAX", 60),
		WSRateLimitWindow:   envDuration("WS_RATE_LIMIT_WINDOW", time.Minute),

		RoomTTL:                envDuration("ROOM_TTL", 24*time.Hour),
		SocketTTL:              envDuration("SOCKET_TTL", 2*time.Hour),
		MaxParticipantsCap:     envInt("MAX_PARTICIPANTS_CAP", domain.MaxParticipantsLimit),
		DefaultMaxParticipants: envInt("DEFAULT_MAX_PARTICIPANTS", 100),
		RoomAutoCreate:         envBool("ROOM_AUTO_CREATE", false),

		SFUPublicIP:       os.Getenv("SFU_PUBLIC_IP"),
		SweepSchedule:     envString("SWEEP_SCHEDULE", "@every 5m"),
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 10),
		MetricsEnabled:    envBool("METRICS_ENABLED", true),
	}

	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	if cfg.HTTPRateLimitMax <= 0 || cfg.HTTPRateLimitWindow <= 0 {
		return nil, fmt.Errorf("HTTP_RATE_LIMIT_MAX and HTTP_RATE_LIMIT_WINDOW must be positive")
	}
	if cfg.MaxParticipantsCap <= 0 || cfg.MaxParticipantsCap > domain.MaxParticipantsLimit {
		return nil, fmt.Errorf("MAX_PARTICIPANTS_CAP must be between 1 and %d", domain.MaxParticipantsLimit)
	}

	// 验证日志级别
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.Warnf("Invalid %s '%s', using default %d", key, v, def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.Warnf("Invalid %s '%s', using default %s", key, v, def)
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logrus.Warnf("Invalid %s '%s', using default %t", key, v, def)
		return def
	}
	return b
}

// NewLogger 按运行环境选择格式。同时配置全局 logrus，服务层直接使用包级 logger。
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel) // cfg.LogLevel 已被 LoadConfig 验证
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)

	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(logLevel)
	logrus.SetOutput(os.Stdout)
	return log
}

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	Worker      *worker.WorkerServer
	Scheduler   *asynq.Scheduler
	Hub         *hub.Hub
	Audit       *service.AuditService
	HttpServer  *http.Server
}

// NewApp 创建并初始化应用的所有组件
func NewApp(overrides Overrides) (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig(overrides.EnvFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}
	if overrides.Port != "" {
		cfg.ServerPort = overrides.Port
	}
	if overrides.LogLevel != "" {
		if _, err := logrus.ParseLevel(overrides.LogLevel); err == nil {
			cfg.LogLevel = overrides.LogLevel
		}
	}

	// 2. 初始化 Logger
	log := NewLogger(cfg)
	log.Infof("Logger initialized (Level: %s, Env: %s)", cfg.LogLevel, cfg.AppEnv)

	// 3. 初始化基础设施
	log.Info("Initializing infrastructure...")
	db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	if err := setup.MigrateDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisClientOpt)
	m := metrics.New()
	log.Info("Infrastructure initialized successfully")

	// 4. 初始化 Repositories
	userRepo := gormpersistence.NewGormUserRepository(db)
	roomRepo := gormpersistence.NewGormRoomRepository(db)
	attendanceRepo := gormpersistence.NewGormAttendanceRepository(db)
	walletRepo := gormpersistence.NewGormWalletRepository(db)
	auditRepo := gormpersistence.NewGormAuditRepository(db)
	stateRepo := redisstate.NewRedisStateRepository(redisClient, cfg.KeyPrefix)

	// 5. 初始化 Services
	log.Info("Initializing services...")
	auditService := service.NewAuditService(auditRepo, m)
	billingService := service.NewBillingService(walletRepo, auditService, m)
	authService, err := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTExpiryHours)
	if err != nil {
		return nil, fmt.Errorf("failed to create AuthService: %w", err)
	}
	roomService := service.NewRoomService(
		stateRepo, roomRepo, attendanceRepo, userRepo,
		billingService, auditService, tasks.NewDispatcher(asynqClient), m,
		service.RoomConfig{
			RoomTTL:                cfg.RoomTTL,
			DefaultMaxParticipants: cfg.DefaultMaxParticipants,
			MaxParticipantsCap:     cfg.MaxParticipantsCap,
			AutoCreate:             cfg.RoomAutoCreate,
		},
	)
	sessionService := service.NewSessionService(stateRepo, m, service.SessionConfig{
		SocketTTL:       cfg.SocketTTL,
		RoomTTL:         cfg.RoomTTL,
		RateLimitMax:    cfg.WSRateLimitMax,
		RateLimitWindow: cfg.WSRateLimitWindow,
	})
	provider, err := sfu.NewPionProvider(sfu.PionConfig{PublicIP: cfg.SFUPublicIP})
	if err != nil {
		return nil, fmt.Errorf("failed to create SFU provider: %w", err)
	}
	mediaService := service.NewMediaService(provider, stateRepo, cfg.RoomTTL)

	// 6. 初始化 Hub
	hubInstance := hub.NewHub(roomService, mediaService, sessionService, m)

	// 7. 初始化 Handlers
	authHandler := httpHandler.NewAuthHandler(authService)
	roomHandler := httpHandler.NewRoomHandler(roomService, hubInstance)
	billingHandler := httpHandler.NewBillingHandler(billingService)
	socketHandler := wsHandler.NewWebSocketHandler(hubInstance, authService, sessionService, cfg.CORSAllowedOrigin)

	// 8. 初始化 Worker Server 与周期任务
	workerServer := worker.NewWorkerServer(redisClientOpt, worker.Handlers{
		Billing:   billingService,
		Sweeper:   hubInstance,
		Activator: roomService,
	}, cfg.WorkerConcurrency, log)
	scheduler := asynq.NewScheduler(redisClientOpt, &asynq.SchedulerOpts{Location: time.UTC})
	if err := registerPeriodicTasks(scheduler, cfg, log); err != nil {
		return nil, err
	}

	// 9. 初始化 Gin Engine 和路由
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(CORSMiddleware(cfg.CORSAllowedOrigin))

	authMW := middleware.Auth(authService)
	api := router.Group("/api")
	api.Use(middleware.RateLimit(redisClient, cfg.KeyPrefix, cfg.HTTPRateLimitMax, cfg.HTTPRateLimitWindow))
	authRoutes := api.Group("/auth")
	{
		authRoutes.POST("/register", authHandler.Register)
		authRoutes.POST("/login", authHandler.Login)
	}
	api.GET("/me", authMW, authHandler.Me)
	roomRoutes := api.Group("/rooms", authMW)
	{
		roomRoutes.POST("", roomHandler.CreateRoom)
		roomRoutes.GET("/:idOrCode", roomHandler.GetRoom)
		roomRoutes.GET("/:idOrCode/participants", roomHandler.ListParticipants)
		roomRoutes.POST("/:idOrCode/start", roomHandler.StartRoom)
		roomRoutes.POST("/:idOrCode/close", roomHandler.CloseRoom)
	}
	walletRoutes := api.Group("/wallet", authMW)
	{
		walletRoutes.GET("", billingHandler.GetWallet)
		walletRoutes.POST("/topup", billingHandler.TopUp)
		walletRoutes.GET("/transactions", billingHandler.ListTransactions)
	}
	adminRoutes := api.Group("/admin", authMW, middleware.RequireRole(domain.UserRoleAdmin))
	{
		adminRoutes.GET("/billing/stats", billingHandler.AdminStats)
		adminRoutes.POST("/wallets/:userId/credits", billingHandler.AdminTopUp)
	}
	// ws 握手自己校验 token，浏览器无法设置 Authorization 头
	router.GET("/ws", socketHandler.HandleConnection)
	if cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	// 10. 初始化 HTTP Server
	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("Application assembled successfully")
	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		RedisClient: redisClient,
		AsynqClient: asynqClient,
		Worker:      workerServer,
		Scheduler:   scheduler,
		Hub:         hubInstance,
		Audit:       auditService,
		HttpServer:  httpServer,
	}, nil
}

func registerPeriodicTasks(scheduler *asynq.Scheduler, cfg *Config, log *logrus.Logger) error {
	entryID, err := scheduler.Register(cfg.SweepSchedule, tasks.NewRoomSweepTask())
	if err != nil {
		return fmt.Errorf("register room sweep (%s): %w", cfg.SweepSchedule, err)
	}
	log.Infof("Room sweep task registered with schedule '%s' (EntryID: %s)", cfg.SweepSchedule, entryID)

	entryID, err = scheduler.Register("@every 1m", tasks.NewMeetingsActivateTask())
	if err != nil {
		return fmt.Errorf("register meetings activation: %w", err)
	}
	log.Infof("Meetings activation task registered (EntryID: %s)", entryID)
	return nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() error {
	a.Log.Info("Starting application background routines...")
	go a.Hub.Run()

	if err := a.Worker.Start(); err != nil {
		return err
	}
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
	return nil
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止接收新请求
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 断开 WebSocket 连接，等待断开清理完成
	if a.Hub != nil {
		a.Hub.Stop()
	}

	// 3. 停止周期任务与 worker
	if a.Scheduler != nil {
		a.Scheduler.Shutdown()
	}
	if a.Worker != nil {
		a.Worker.Shutdown()
	}

	// 4. 等待审计写入落库
	if a.Audit != nil {
		a.Audit.Wait()
	}

	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// CORSMiddleware 只放行配置的来源
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
		})

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
			return
		}
		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Debug("Request handled")
		}
	}
}
