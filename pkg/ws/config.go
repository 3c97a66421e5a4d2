package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Config Manager 配置
type Config struct {
	// WorkerID 当前 worker 的标识，广播信封以此做回环抑制（为空时自动生成）
	WorkerID string

	// 连接配置
	MaxConnections   int           // 本 worker 最大连接数
	HandshakeTimeout time.Duration // 握手超时时间
	MaxMessageSize   int64         // 最大消息大小

	// 心跳配置
	HeartbeatInterval time.Duration // 心跳间隔
	HeartbeatTimeout  time.Duration // 心跳超时
	WriteWait         time.Duration // 单次写超时

	// 消息配置
	MessageQueueSize int // 每个连接的发送队列大小

	// 房间配置
	RoomConfig RoomConfig

	// 不活跃清理（InactivityTimeout 为 0 时关闭）
	InactivityTimeout time.Duration
	SweepInterval     time.Duration

	// Namespace 总线频道前缀，用于多套部署共用一个 broker
	Namespace string

	// Upgrader 配置
	UpgraderConfig UpgraderConfig

	// 协作者
	Metrics      Metrics
	Logger       logger.Logger
	Auth         AuthValidator
	Lookup       UserLookup
	ErrorHandler ErrorHandler
}

// RoomConfig 房间配置
type RoomConfig struct {
	MaxRoomSize int  // 单个房间最大人数（仅约束本地连接的加入，0 表示不限）
	MultiRoom   bool // 是否允许同时加入多个房间
}

// UpgraderConfig Upgrader 配置
type UpgraderConfig struct {
	ReadBufferSize    int                      // 读缓冲区大小
	WriteBufferSize   int                      // 写缓冲区大小
	CheckOrigin       func(*http.Request) bool // Origin 检查函数
	EnableCompression bool                     // 是否启用压缩
	AllowedOrigins    []string                 // 允许的 Origin 白名单
}

// ErrorHandler 连接级错误回调（解码失败、路由缺失、未被中间件吞掉的处理器错误）
type ErrorHandler func(ctx context.Context, clientID string, err error)

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    10000,
		HandshakeTimeout:  10 * time.Second,
		MaxMessageSize:    512 * 1024, // 512KB
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		WriteWait:         10 * time.Second,
		MessageQueueSize:  256,
		RoomConfig: RoomConfig{
			MaxRoomSize: 1000,
		},
		SweepInterval: time.Minute,
		Namespace:     "realtime",
		UpgraderConfig: UpgraderConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return ErrInvalidConfig.WithError(fmt.Errorf(format, args...))
	}

	if c.MaxConnections <= 0 {
		return invalid("MaxConnections must be positive, got %d", c.MaxConnections)
	}
	if c.HandshakeTimeout <= 0 {
		return invalid("HandshakeTimeout must be positive, got %v", c.HandshakeTimeout)
	}
	if c.MaxMessageSize <= 0 {
		return invalid("MaxMessageSize must be positive, got %d", c.MaxMessageSize)
	}
	if c.HeartbeatInterval <= 0 {
		return invalid("HeartbeatInterval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return invalid("HeartbeatTimeout (%v) must be greater than HeartbeatInterval (%v)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.WriteWait <= 0 {
		return invalid("WriteWait must be positive, got %v", c.WriteWait)
	}
	if c.MessageQueueSize <= 0 {
		return invalid("MessageQueueSize must be positive, got %d", c.MessageQueueSize)
	}
	if c.RoomConfig.MaxRoomSize < 0 {
		return invalid("RoomConfig.MaxRoomSize must not be negative, got %d", c.RoomConfig.MaxRoomSize)
	}
	if c.InactivityTimeout < 0 {
		return invalid("InactivityTimeout must not be negative, got %v", c.InactivityTimeout)
	}
	if c.InactivityTimeout > 0 && c.SweepInterval <= 0 {
		return invalid("SweepInterval must be positive when InactivityTimeout is set, got %v", c.SweepInterval)
	}
	if c.UpgraderConfig.ReadBufferSize <= 0 {
		return invalid("UpgraderConfig.ReadBufferSize must be positive, got %d", c.UpgraderConfig.ReadBufferSize)
	}
	if c.UpgraderConfig.WriteBufferSize <= 0 {
		return invalid("UpgraderConfig.WriteBufferSize must be positive, got %d", c.UpgraderConfig.WriteBufferSize)
	}
	return nil
}

// Option 配置选项
type Option func(*Config)

// WithWorkerID 设置 worker 标识
func WithWorkerID(id string) Option {
	return func(c *Config) {
		c.WorkerID = id
	}
}

// WithMaxConnections 设置最大连接数
func WithMaxConnections(max int) Option {
	return func(c *Config) {
		c.MaxConnections = max
	}
}

// WithHeartbeatInterval 设置心跳间隔
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
	}
}

// WithHeartbeatTimeout 设置心跳超时
func WithHeartbeatTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatTimeout = timeout
	}
}

// WithMessageSizeLimit 设置消息大小限制
func WithMessageSizeLimit(size int64) Option {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithMessageQueueSize 设置消息队列大小
func WithMessageQueueSize(size int) Option {
	return func(c *Config) {
		c.MessageQueueSize = size
	}
}

// WithMaxRoomSize 设置单个房间最大人数
func WithMaxRoomSize(size int) Option {
	return func(c *Config) {
		c.RoomConfig.MaxRoomSize = size
	}
}

// WithMultiRoom 允许客户端同时加入多个房间
func WithMultiRoom(enable bool) Option {
	return func(c *Config) {
		c.RoomConfig.MultiRoom = enable
	}
}

// WithInactivityTimeout 设置不活跃断开阈值与扫描间隔
func WithInactivityTimeout(timeout, interval time.Duration) Option {
	return func(c *Config) {
		c.InactivityTimeout = timeout
		c.SweepInterval = interval
	}
}

// WithNamespace 设置总线频道前缀
func WithNamespace(ns string) Option {
	return func(c *Config) {
		c.Namespace = ns
	}
}

// WithCheckOrigin 设置 Origin 检查函数
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *Config) {
		c.UpgraderConfig.CheckOrigin = fn
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
// 示例：WithCheckOriginWhitelist([]string{"https://example.com", "https://app.example.com"})
func WithCheckOriginWhitelist(allowedOrigins []string) Option {
	return func(c *Config) {
		c.UpgraderConfig.AllowedOrigins = allowedOrigins
		c.UpgraderConfig.CheckOrigin = createWhitelistChecker(allowedOrigins)
	}
}

// WithAllowAllOrigins 允许所有来源（仅用于开发环境，生产环境禁用）
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.UpgraderConfig.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}

// WithEnableCompression 启用压缩
func WithEnableCompression(enable bool) Option {
	return func(c *Config) {
		c.UpgraderConfig.EnableCompression = enable
	}
}

// WithMetrics 设置监控
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithLogger 设置日志
func WithLogger(log logger.Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithAuthValidator 设置令牌校验器
func WithAuthValidator(v AuthValidator) Option {
	return func(c *Config) {
		c.Auth = v
	}
}

// WithUserLookup 设置用户查询（用于补充入房元数据）
func WithUserLookup(l UserLookup) Option {
	return func(c *Config) {
		c.Lookup = l
	}
}

// WithErrorHandler 设置连接级错误回调
func WithErrorHandler(fn ErrorHandler) Option {
	return func(c *Config) {
		c.ErrorHandler = fn
	}
}

// defaultCheckOrigin 默认 Origin 检查（同源策略）
// 生产环境建议使用 WithCheckOriginWhitelist 设置白名单
func defaultCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// 严格模式：拒绝空 Origin
		// 如需允许非浏览器客户端，使用 WithAllowAllOrigins()
		return false
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// createWhitelistChecker 创建白名单检查器
func createWhitelistChecker(allowedOrigins []string) func(*http.Request) bool {
	whitelist := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		whitelist[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		return whitelist[origin]
	}
}

// Upgrader WebSocket 升级器
type Upgrader struct {
	upgrader websocket.Upgrader
}

// NewUpgrader 创建升级器
func NewUpgrader(config UpgraderConfig, handshakeTimeout time.Duration) *Upgrader {
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		if len(config.AllowedOrigins) > 0 {
			checkOrigin = createWhitelistChecker(config.AllowedOrigins)
		} else {
			checkOrigin = defaultCheckOrigin
		}
	}

	return &Upgrader{
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  handshakeTimeout,
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			CheckOrigin:       checkOrigin,
			EnableCompression: config.EnableCompression,
		},
	}
}

// Upgrade 升级 HTTP 连接为 WebSocket
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return u.upgrader.Upgrade(w, r, nil)
}
