package bootstrap

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	// Arrange: 只设置必填项，其余走默认值
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("JWT_SECRET", "secret")
	envFile := filepath.Join(t.TempDir(), "empty.env")
	require.NoError(t, os.WriteFile(envFile, []byte("\n"), 0o600))

	// Act
	cfg, err := LoadConfig(envFile)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "lc:", cfg.KeyPrefix)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 60, cfg.WSRateLimitMax)
	assert.Equal(t, time.Minute, cfg.WSRateLimitWindow)
	assert.Equal(t, 24*time.Hour, cfg.RoomTTL)
	assert.Equal(t, 2*time.Hour, cfg.SocketTTL)
	assert.Equal(t, 500, cfg.MaxParticipantsCap)
	assert.Equal(t, 100, cfg.DefaultMaxParticipants)
	assert.False(t, cfg.RoomAutoCreate)
	assert.Equal(t, "@every 5m", cfg.SweepSchedule)
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoadConfig_EnvFileAndValidation(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	content := "REDIS_ADDR=redis:6379\nJWT_SECRET=s\nROOM_TTL=2h\nROOM_AUTO_CREATE=true\nLOG_LEVEL=loud\nWS_RATE_LIMIT_MAX=abc\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"REDIS_ADDR", "JWT_SECRET", "ROOM_TTL", "ROOM_AUTO_CREATE", "LOG_LEVEL", "WS_RATE_LIMIT_MAX"} {
			_ = os.Unsetenv(k)
		}
	})

	cfg, err := LoadConfig(envFile)

	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2*time.Hour, cfg.RoomTTL)
	assert.True(t, cfg.RoomAutoCreate)
	assert.Equal(t, "info", cfg.LogLevel, "非法日志级别回退到 info")
	assert.Equal(t, 60, cfg.WSRateLimitMax, "无法解析的数字回退到默认值")
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("JWT_SECRET", "secret")
	envFile := filepath.Join(t.TempDir(), "empty.env")
	require.NoError(t, os.WriteFile(envFile, []byte("\n"), 0o600))

	_, err := LoadConfig(envFile)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err, "显式指定的 env 文件不存在时报错")
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware("https://class.example.com"))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://class.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
