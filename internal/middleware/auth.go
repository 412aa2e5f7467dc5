package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"live-classroom/internal/domain"
	"live-classroom/internal/service"
)

// TokenVerifier 由 service.AuthService 实现。
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*service.Identity, error)
}

// ErrMissingAuthHeader 定义一个自定义错误，用于表示缺少 Authorization 头
var ErrMissingAuthHeader = errors.New("missing Authorization header")

// Auth 返回一个 Gin 中间件，验证 Bearer token 并把 user_id 与 role 写入上下文。
func Auth(verifier TokenVerifier) gin.HandlerFunc {
	if verifier == nil {
		panic("TokenVerifier cannot be nil for Auth middleware")
	}

	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if err != nil {
			if errors.Is(err, ErrMissingAuthHeader) {
				logrus.Warn("Auth middleware: Missing Authorization header")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			} else {
				logrus.WithError(err).Warn("Auth middleware: Malformed token format")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token format"})
			}
			c.Abort()
			return
		}

		identity, err := verifier.VerifyToken(c.Request.Context(), tokenStr)
		if err != nil {
			logrus.WithError(err).Warn("Auth middleware: Invalid token")
			c.JSON(service.StatusOf(err), gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user_id", identity.UserID)
		c.Set("role", identity.Role)
		logrus.WithField("user_id", identity.UserID).Debug("Auth middleware: User authenticated via JWT")

		c.Next()
	}
}

// RequireRole 只允许指定平台角色访问，必须挂在 Auth 之后。
func RequireRole(roles ...domain.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		roleAny, _ := c.Get("role")
		role, _ := roleAny.(domain.UserRole)
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		logrus.WithFields(logrus.Fields{"role": role, "path": c.FullPath()}).Warn("RequireRole: access denied")
		c.JSON(http.StatusForbidden, gin.H{"error": service.ErrPermissionDenied.Error()})
		c.Abort()
	}
}

// extractToken 从 Gin 上下文中提取 Bearer Token
func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", jwt.ErrTokenMalformed
	}
	return parts[1], nil
}
