package pubsub

import "github.com/tokmz/qi-realtime/pkg/errors"

// 传输层错误
var (
	// ErrClosed 传输已关闭
	ErrClosed = errors.New(5031, "pubsub: transport closed")
	// ErrBreakerOpen 熔断器打开，发布被拒绝
	ErrBreakerOpen = errors.New(5032, "pubsub: circuit breaker open")
	// ErrInvalidConfig 配置错误
	ErrInvalidConfig = errors.New(5033, "pubsub: invalid config")
)
