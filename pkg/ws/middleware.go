package ws

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/errors"
	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Middleware 处理器前后钩子
//
// 执行顺序：
//   - OnBefore 按列表顺序执行，任一返回 false 则跳过处理器（不是错误）
//   - 处理器成功后 OnAfter 按列表顺序执行，其错误只记录不影响结果
//   - 处理器失败后 OnError 按列表顺序执行，第一个返回 true 的吞掉错误；
//     发生 panic 的 OnError 视为未吞掉，继续执行下一个
//
// 持有按连接状态的中间件通过 Run 与 OnDisconnect 接入 Manager 生命周期：
// Run 在 Start 时以 Manager 的 ctx 启动，Shutdown 时退出；
// OnDisconnect 在本地连接断开后调用。
type Middleware struct {
	Name     string
	OnBefore func(c *Context) bool
	OnAfter  func(c *Context, result any) error
	OnError  func(c *Context, err error) bool

	Run          func(ctx context.Context)
	OnDisconnect func(clientID string)
}

// Pipeline 中间件管线
type Pipeline struct {
	log         logger.Logger
	middlewares []Middleware
}

// NewPipeline 创建管线
func NewPipeline(log logger.Logger, middlewares ...Middleware) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		log:         log.Named("pipeline"),
		middlewares: middlewares,
	}
}

// Use 追加中间件，只应在启动阶段调用
func (p *Pipeline) Use(middlewares ...Middleware) {
	p.middlewares = append(p.middlewares, middlewares...)
}

// Names 中间件名称（按执行顺序）
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.middlewares))
	for i, m := range p.middlewares {
		names[i] = m.Name
	}
	return names
}

// background 需要随 Manager 运行的后台任务
func (p *Pipeline) background() []func(ctx context.Context) {
	var runs []func(ctx context.Context)
	for _, m := range p.middlewares {
		if m.Run != nil {
			runs = append(runs, m.Run)
		}
	}
	return runs
}

// disconnected 通知中间件释放连接状态
func (p *Pipeline) disconnected(clientID string) {
	for _, m := range p.middlewares {
		if m.OnDisconnect == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("middleware disconnect hook panicked",
						zap.String("middleware", m.Name),
						zap.String("client_id", clientID),
						zap.Any("panic", r),
					)
				}
			}()
			m.OnDisconnect(clientID)
		}()
	}
}

// Execute 在管线中执行处理器
// 被 OnBefore 拦截或错误被吞掉时返回 (nil, nil)
func (p *Pipeline) Execute(c *Context, handler HandlerFunc) (any, error) {
	for _, m := range p.middlewares {
		if m.OnBefore == nil {
			continue
		}
		if !p.before(c, m) {
			c.aborted = true
			return nil, nil
		}
	}

	result, err := callHandler(c, handler)
	if err == nil {
		for _, m := range p.middlewares {
			if m.OnAfter == nil {
				continue
			}
			if afterErr := p.after(c, m, result); afterErr != nil {
				p.log.WarnContext(c, "middleware after hook failed",
					zap.String("middleware", m.Name),
					zap.String("route", c.RouteKey()),
					zap.Error(afterErr),
				)
			}
		}
		return result, nil
	}

	for _, m := range p.middlewares {
		if m.OnError == nil {
			continue
		}
		if p.onError(c, m, err) {
			return nil, nil
		}
	}
	return nil, err
}

// before 执行 OnBefore，panic 视为拦截
func (p *Pipeline) before(c *Context, m Middleware) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.ErrorContext(c, "middleware before hook panicked",
				zap.String("middleware", m.Name),
				zap.Any("panic", r),
			)
			ok = false
		}
	}()
	return m.OnBefore(c)
}

// after 执行 OnAfter，panic 转为错误
func (p *Pipeline) after(c *Context, m Middleware, result any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.OnAfter(c, result)
}

// onError 执行 OnError，panic 视为未吞掉
func (p *Pipeline) onError(c *Context, m Middleware, cause error) (suppressed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.ErrorContext(c, "middleware error hook panicked",
				zap.String("middleware", m.Name),
				zap.Any("panic", r),
			)
			suppressed = false
		}
	}()
	return m.OnError(c, cause)
}

// callHandler 执行处理器，panic 转为 ErrHandler
func callHandler(c *Context, handler HandlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = ErrHandler.WithError(fmt.Errorf("panic: %v", r))
		}
	}()
	return handler(c)
}

const startKey = "ws.started_at"

// Logging 记录每条消息的处理结果
func Logging(log logger.Logger) Middleware {
	log = log.Named("message")
	return Middleware{
		Name: "logging",
		OnBefore: func(c *Context) bool {
			c.Set(startKey, time.Now())
			return true
		},
		OnAfter: func(c *Context, _ any) error {
			log.DebugContext(c, "message handled",
				zap.String("route", c.RouteKey()),
				zap.Duration("latency", elapsed(c)),
			)
			return nil
		},
		OnError: func(c *Context, err error) bool {
			log.WarnContext(c, "message failed",
				zap.String("route", c.RouteKey()),
				zap.Int("code", errors.CodeOf(err)),
				zap.Duration("latency", elapsed(c)),
				zap.Error(err),
			)
			return false
		},
	}
}

// Timing 记录处理耗时与错误数
func Timing(metrics Metrics) Middleware {
	return Middleware{
		Name: "timing",
		OnBefore: func(c *Context) bool {
			if _, ok := c.Get(startKey); !ok {
				c.Set(startKey, time.Now())
			}
			return true
		},
		OnAfter: func(c *Context, _ any) error {
			metrics.RecordMessageLatency(c.RouteKey(), elapsed(c))
			return nil
		},
		OnError: func(c *Context, err error) bool {
			metrics.RecordMessageLatency(c.RouteKey(), elapsed(c))
			metrics.IncrementMessageErrors(c.RouteKey(), asCoded(err).Code)
			return false
		},
	}
}

// Validator 单条路由的数据校验
type Validator func(c *Context) error

// Validation 按路由键执行校验，失败时回复 ErrValidation 并拦截
func Validation(validators map[string]Validator) Middleware {
	return Middleware{
		Name: "validation",
		OnBefore: func(c *Context) bool {
			v, ok := validators[c.RouteKey()]
			if !ok {
				return true
			}
			if err := v(c); err != nil {
				if !errors.Is(err, ErrValidation) && !errors.Is(err, ErrDecode) {
					err = ErrValidation.WithError(err)
				}
				_ = c.ReplyError(err)
				return false
			}
			return true
		},
	}
}

// RequireAuth 指定路由需要已认证用户；不传路由键时对全部路由生效
// 未认证时回复 ErrAuth 并拦截，连接保持打开
func RequireAuth(routeKeys ...string) Middleware {
	keys := stringSet(routeKeys)
	return Middleware{
		Name: "require_auth",
		OnBefore: func(c *Context) bool {
			if keys != nil {
				if _, ok := keys[c.RouteKey()]; !ok {
					return true
				}
			}
			if c.User != nil {
				return true
			}
			_ = c.ReplyError(ErrAuth.WithMessage("ws: authentication required"))
			return false
		},
	}
}

func elapsed(c *Context) time.Duration {
	if v, ok := c.Get(startKey); ok {
		if t, ok := v.(time.Time); ok {
			return time.Since(t)
		}
	}
	return c.Since()
}
