package ws

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// HandlerFunc 消息处理器
// 返回的非 nil 结果以 {type, action, data: result} 回复给发送方
type HandlerFunc func(*Context) (any, error)

// Role 路由表所属端
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Route 一条路由
type Route struct {
	Type    string
	Action  string
	Handler HandlerFunc
}

// RouteTable 编译期路由表
//
//	ws.RouteTable{
//		{Type: "chat", Action: "say", Handler: say},
//	}.Apply(router)
type RouteTable []Route

// Apply 注册全部路由，遇到重复或冻结立即返回错误
func (t RouteTable) Apply(r *Router) error {
	for _, route := range t {
		if err := r.Handle(route.Type, route.Action, route.Handler); err != nil {
			return err
		}
	}
	return nil
}

// Router 路由器，route key 在同一 Role 内唯一
type Router struct {
	role Role
	log  logger.Logger

	mu     sync.RWMutex
	routes map[string]HandlerFunc
	frozen bool
}

// NewRouter 创建路由器
func NewRouter(role Role, log logger.Logger) *Router {
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{
		role:   role,
		log:    log.Named("router"),
		routes: make(map[string]HandlerFunc),
	}
}

// Role 所属端
func (r *Router) Role() Role {
	return r.role
}

// Handle 注册处理器；重复注册返回 ErrDuplicateRoute 并记录启动告警
func (r *Router) Handle(typ, action string, handler HandlerFunc) error {
	if typ == "" || action == "" || handler == nil {
		return ErrInvalidConfig.WithMessage("ws: route requires type, action and handler")
	}
	key := RouteKey(typ, action)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRouterFrozen
	}
	if _, exists := r.routes[key]; exists {
		r.log.Warn("duplicate route registration",
			zap.String("role", string(r.role)),
			zap.String("route", key),
		)
		return ErrDuplicateRoute.WithError(fmt.Errorf("%s route %q", r.role, key))
	}
	r.routes[key] = handler
	return nil
}

// Lookup 查找处理器，未注册返回 ErrRouteNotFound
func (r *Router) Lookup(typ, action string) (HandlerFunc, error) {
	key := RouteKey(typ, action)

	r.mu.RLock()
	handler, ok := r.routes[key]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrRouteNotFound.WithError(fmt.Errorf("route %q", key))
	}
	return handler, nil
}

// Freeze 冻结路由器（启动后不可修改）
func (r *Router) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Routes 已注册的路由键（排序）
func (r *Router) Routes() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.routes))
	for key := range r.routes {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Typed 将强类型处理器适配为 HandlerFunc，数据解析失败返回 ErrDecode
func Typed[Req any](fn func(c *Context, req *Req) (any, error)) HandlerFunc {
	return func(c *Context) (any, error) {
		var req Req
		if err := c.Bind(&req); err != nil {
			return nil, err
		}
		return fn(c, &req)
	}
}
