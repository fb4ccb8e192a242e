package gateway

import "errors"

// Sentinel errors for the gateway domain. The error text doubles as the
// client-facing detail message, so keep it presentable.
var (
	ErrUnauthorized  = errors.New("invalid API key")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrBadRequest    = errors.New("bad request")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrQuotaExceeded = errors.New("monthly token quota exceeded")
	ErrQueueFull     = errors.New("server overloaded, queue full")
	ErrShuttingDown  = errors.New("shutting down")
	ErrTimeout       = errors.New("gateway timeout")
	ErrUpstream      = errors.New("upstream error")
)
