package http

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"live-classroom/internal/service"
)

// HandleServiceError 把服务层错误映射为 HTTP 响应，状态码与 WebSocket ack 一致。
func HandleServiceError(c *gin.Context, err error) {
	status := service.StatusOf(err)
	if status >= 500 {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("Unhandled internal server error")
	}
	ErrorResponse(c, status, service.PublicMessage(err))
}
