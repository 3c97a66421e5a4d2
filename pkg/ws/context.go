package ws

import (
	"context"
	"sync"
	"time"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Sender 帧发送方
type Sender interface {
	Send(frame []byte) error
}

// Context 一次消息处理的上下文
type Context struct {
	context.Context

	ClientID string
	Envelope *Envelope
	User     *AuthUser
	Logger   logger.Logger

	sender    Sender
	manager   *Manager
	startedAt time.Time
	aborted   bool

	mu   sync.RWMutex
	keys map[string]any
}

// NewContext 创建上下文；服务端由 Manager 创建，客户端路由同样使用
func NewContext(parent context.Context, clientID string, env *Envelope, sender Sender) *Context {
	if parent == nil {
		parent = context.Background()
	}
	return &Context{
		Context:   logger.WithClientID(parent, clientID),
		ClientID:  clientID,
		Envelope:  env,
		Logger:    logger.NewNop(),
		sender:    sender,
		startedAt: time.Now(),
	}
}

// RouteKey 当前消息的路由键
func (c *Context) RouteKey() string {
	if c.Envelope == nil {
		return ""
	}
	return c.Envelope.RouteKey()
}

// Bind 将消息数据反序列化到 v
func (c *Context) Bind(v any) error {
	if c.Envelope == nil {
		return ErrDecode.WithMessage("ws: no envelope")
	}
	return c.Envelope.Bind(v)
}

// Set 保存请求级数据
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = make(map[string]any)
	}
	c.keys[key] = value
}

// Get 读取请求级数据
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.keys[key]
	return v, ok
}

// Reply 向当前连接发送帧
func (c *Context) Reply(typ, action string, data any) error {
	if c.sender == nil {
		return ErrConnectionClosed
	}
	frame, err := EncodeFrame(typ, action, data)
	if err != nil {
		return err
	}
	return c.sender.Send(frame)
}

// ReplyError 向当前连接发送错误帧
func (c *Context) ReplyError(err error) error {
	if c.sender == nil {
		return ErrConnectionClosed
	}
	coded := asCoded(err)
	return c.sender.Send(errorFrame(errorAction(coded.Code), ErrorPayload{
		Code:    coded.Code,
		Message: coded.Message,
		Route:   c.RouteKey(),
	}))
}

// Since 处理开始至今的耗时
func (c *Context) Since() time.Duration {
	return time.Since(c.startedAt)
}

// IsAborted 是否被中间件拦截
func (c *Context) IsAborted() bool {
	return c.aborted
}

// Manager 所属管理器，客户端上下文返回 nil
func (c *Context) Manager() *Manager {
	return c.manager
}

// Service 推送门面，客户端上下文返回 nil
func (c *Context) Service() *Service {
	if c.manager == nil {
		return nil
	}
	return c.manager.service
}
