package service

import (
	"errors"
	"net/http"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRegistrationFailed   = errors.New("registration failed: username already exists")
	ErrRoomNotFound         = errors.New("room not found")
	ErrRoomClosed           = errors.New("room is closed")
	ErrRoomFull             = errors.New("room is full")
	ErrRoomAlreadyClosed    = errors.New("room already closed")
	ErrRoomNotStarted       = errors.New("room has not started yet")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrInvalidRole          = errors.New("invalid role")
	ErrNotInRoom            = errors.New("user is not in the room")
	ErrNotWaiting           = errors.New("user is not in the waiting room")
	ErrInvalidTransition    = errors.New("invalid room status transition")
	ErrMediaFailure         = errors.New("media operation failed")
	ErrRateLimited          = errors.New("too many requests")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInternalServer       = errors.New("internal server error")
)

// MediaError 包装 SFU 提供者返回的错误。Cause 只用于日志，不返回给客户端。
type MediaError struct {
	Op    string
	Cause error
}

func (e *MediaError) Error() string { return "media: " + e.Op + " failed" }

// Is makes errors.Is(err, ErrMediaFailure) hold for every MediaError.
func (e *MediaError) Is(target error) bool { return target == ErrMediaFailure }

func (e *MediaError) Unwrap() error { return e.Cause }

// StatusOf 将服务层错误映射为 HTTP 风格的状态码，HTTP handler 与 WebSocket ack 共用。
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrUserNotFound), errors.Is(err, ErrNotInRoom),
		errors.Is(err, ErrNotWaiting):
		return http.StatusNotFound
	case errors.Is(err, ErrRoomClosed), errors.Is(err, ErrRoomFull), errors.Is(err, ErrRoomAlreadyClosed),
		errors.Is(err, ErrRoomNotStarted), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrRegistrationFailed):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrMediaFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage 返回可以展示给客户端的错误信息；未知错误统一为 internal server error。
func PublicMessage(err error) string {
	var mediaErr *MediaError
	if errors.As(err, &mediaErr) {
		return mediaErr.Error()
	}
	if StatusOf(err) == http.StatusInternalServerError {
		return ErrInternalServer.Error()
	}
	return err.Error()
}
