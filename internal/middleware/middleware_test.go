package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"

	"live-classroom/internal/domain"
	"live-classroom/internal/middleware"
	"live-classroom/internal/service"
)

type stubVerifier map[string]*service.Identity

func (s stubVerifier) VerifyToken(_ context.Context, token string) (*service.Identity, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return nil, service.ErrAuthenticationFailed
}

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	verifier := stubVerifier{
		"student": {UserID: 7, Role: domain.UserRoleStudent},
		"admin":   {UserID: 1, Role: domain.UserRoleAdmin},
	}
	r := gin.New()
	r.GET("/me", middleware.Auth(verifier), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetUint("user_id")})
	})
	r.GET("/admin", middleware.Auth(verifier), middleware.RequireRole(domain.UserRoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func doRequest(r http.Handler, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth(t *testing.T) {
	r := newAuthRouter()

	testCases := []struct {
		name   string
		path   string
		auth   string
		status int
	}{
		{"缺少 Authorization 头", "/me", "", http.StatusUnauthorized},
		{"格式错误", "/me", "Token student", http.StatusUnauthorized},
		{"无效 token", "/me", "Bearer nope", http.StatusUnauthorized},
		{"有效 token", "/me", "Bearer student", http.StatusOK},
		{"学生访问管理接口", "/admin", "Bearer student", http.StatusForbidden},
		{"管理员访问管理接口", "/admin", "Bearer admin", http.StatusNoContent},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(r, tc.path, tc.auth)
			assert.Equal(t, tc.status, w.Code)
		})
	}

	w := doRequest(r, "/me", "bearer student")
	assert.JSONEq(t, `{"user_id":7}`, w.Body.String(), "Bearer 不区分大小写")
}

func TestRateLimit(t *testing.T) {
	// Arrange
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := gin.New()
	r.Use(middleware.RateLimit(client, "test:", 2, time.Minute))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Act & Assert: 窗口内前两次通过，第三次被限流
	assert.Equal(t, http.StatusOK, doRequest(r, "/ping", "").Code)
	w := doRequest(r, "/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusTooManyRequests, doRequest(r, "/ping", "").Code)

	// 窗口过期后恢复
	mr.FastForward(time.Minute + time.Second)
	assert.Equal(t, http.StatusOK, doRequest(r, "/ping", "").Code)
}
