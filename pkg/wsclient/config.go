package wsclient

import (
	"time"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Config 客户端配置
type Config struct {
	URL   string
	Token string // 以 token 查询参数携带

	// 重连配置：第 n 次重试前等待 min(BaseDelay * Multiplier^n, MaxDelay)
	AutoReconnect bool
	MaxAttempts   int
	BaseDelay     time.Duration
	Multiplier    float64
	MaxDelay      time.Duration

	Dialer Dialer
	Logger logger.Logger

	// 回调；OnStateChange 在持有客户端锁时调用，不可回调 Client 的方法
	OnStateChange func(from, to State)
	OnExhausted   func(attempts int)
	OnError       func(err error)
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		AutoReconnect: true,
		MaxAttempts:   5,
		BaseDelay:     time.Second,
		Multiplier:    2,
		MaxDelay:      30 * time.Second,
	}
}

// Option 配置选项
type Option func(*Config)

// WithToken 设置认证令牌
func WithToken(token string) Option {
	return func(c *Config) {
		c.Token = token
	}
}

// WithReconnect 设置重连参数
func WithReconnect(maxAttempts int, base time.Duration, multiplier float64, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.AutoReconnect = true
		c.MaxAttempts = maxAttempts
		c.BaseDelay = base
		c.Multiplier = multiplier
		c.MaxDelay = maxDelay
	}
}

// WithoutReconnect 关闭自动重连
func WithoutReconnect() Option {
	return func(c *Config) {
		c.AutoReconnect = false
	}
}

// WithDialer 设置拨号器
func WithDialer(d Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithLogger 设置日志
func WithLogger(log logger.Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithStateHandler 状态变化回调
func WithStateHandler(fn func(from, to State)) Option {
	return func(c *Config) {
		c.OnStateChange = fn
	}
}

// WithOnExhausted 重连耗尽回调
func WithOnExhausted(fn func(attempts int)) Option {
	return func(c *Config) {
		c.OnExhausted = fn
	}
}

// WithErrorHandler 消息处理错误回调（解码失败、未注册路由、服务端错误帧）
func WithErrorHandler(fn func(err error)) Option {
	return func(c *Config) {
		c.OnError = fn
	}
}
