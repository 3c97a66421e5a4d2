package ws

import "github.com/tokmz/qi-realtime/pkg/errors"

// 消息处理链路错误，按错误码区分类别
var (
	// ErrDecode 帧格式错误（非法 JSON 或缺少 type/action），连接保持打开
	ErrDecode = errors.New(4000, "ws: malformed frame")
	// ErrRouteNotFound 未注册的 type:action，连接保持打开
	ErrRouteNotFound = errors.New(4004, "ws: route not found")
	// ErrAuth 令牌无效、过期或缺失，仅拒绝当前操作
	ErrAuth = errors.New(4010, "ws: unauthorized")
	// ErrValidation 请求数据校验失败
	ErrValidation = errors.New(4022, "ws: validation failed")
	// ErrRateLimited 请求过于频繁
	ErrRateLimited = errors.New(4029, "ws: rate limited")
	// ErrHandler 处理器执行失败
	ErrHandler = errors.New(5000, "ws: handler failed")
	// ErrTransport 广播总线发布/订阅失败，不自动重试
	ErrTransport = errors.New(5030, "ws: transport unavailable")
)

// 连接与房间错误
var (
	ErrTooManyConnections = errors.New(4100, "ws: too many connections")
	ErrClientIDExists     = errors.New(4101, "ws: client id already exists")
	ErrClientNotFound     = errors.New(4102, "ws: client not found")
	ErrConnectionClosed   = errors.New(4103, "ws: connection closed")
	ErrChannelFull        = errors.New(4104, "ws: send channel full")

	ErrRoomFull        = errors.New(4200, "ws: room is full")
	ErrInvalidRoomName = errors.New(4201, "ws: invalid room name")
)

// 配置错误
var (
	ErrDuplicateRoute = errors.New(1001, "ws: duplicate route")
	ErrRouterFrozen   = errors.New(1002, "ws: router is frozen")
	ErrInvalidConfig  = errors.New(1003, "ws: invalid config")
)

// asCoded 将任意错误归一为带错误码的错误，未编码的错误归入 ErrHandler
func asCoded(err error) *errors.Error {
	var e *errors.Error
	if errors.As(err, &e) {
		return e
	}
	return ErrHandler.WithError(err)
}

// errorAction 错误帧的 action，按错误码归类
func errorAction(code int) string {
	switch code {
	case ErrDecode.Code:
		return "decode"
	case ErrRouteNotFound.Code:
		return "route"
	case ErrAuth.Code:
		return "auth"
	case ErrValidation.Code:
		return "validation"
	case ErrRateLimited.Code:
		return "rate_limited"
	case ErrTransport.Code:
		return "transport"
	case ErrRoomFull.Code, ErrInvalidRoomName.Code:
		return "room"
	default:
		return "handler"
	}
}
