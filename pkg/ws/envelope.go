package ws

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// codec 与标准库行为一致的 JSON 编解码器
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope 消息信封
//
// 客户端帧只使用 type/action/data 三个字段；
// OriginWorkerID 与 ForceLocalDelivery 仅在广播总线上出现。
type Envelope struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`

	OriginWorkerID     string `json:"originWorkerId,omitempty"`
	ForceLocalDelivery bool   `json:"forceLocalDelivery,omitempty"`
}

// NewEnvelope 创建信封，data 按 JSON 序列化
func NewEnvelope(typ, action string, data any) (*Envelope, error) {
	env := &Envelope{Type: typ, Action: action}
	if data == nil {
		return env, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	raw, err := codec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("ws: encode %s:%s data: %w", typ, action, err)
	}
	env.Data = raw
	return env, nil
}

// RouteKey 路由键 type:action
func (e *Envelope) RouteKey() string {
	return RouteKey(e.Type, e.Action)
}

// RouteKey 拼接路由键
func RouteKey(typ, action string) string {
	return typ + ":" + action
}

// Frame 面向客户端的帧（不带来源字段）
func (e *Envelope) Frame() *Envelope {
	return &Envelope{Type: e.Type, Action: e.Action, Data: e.Data}
}

// Bind 将 Data 反序列化到 v
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return ErrDecode.WithMessage("ws: empty data")
	}
	if err := codec.Unmarshal(e.Data, v); err != nil {
		return ErrDecode.WithError(err)
	}
	return nil
}

// Decode 解析原始帧
// 非法 JSON、缺少 type 或 action 返回 ErrDecode
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return nil, ErrDecode.WithError(err)
	}
	if env.Type == "" || env.Action == "" {
		return nil, ErrDecode.WithMessage("ws: frame requires type and action")
	}
	return &env, nil
}

// Encode 序列化信封
func Encode(env *Envelope) ([]byte, error) {
	return codec.Marshal(env)
}

// EncodeFrame 直接序列化一个客户端帧
func EncodeFrame(typ, action string, data any) ([]byte, error) {
	env, err := NewEnvelope(typ, action, data)
	if err != nil {
		return nil, err
	}
	return Encode(env)
}

// ErrorPayload MessageError 帧的数据部分
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Route 触发错误的 type:action，解码失败时为空
	Route string `json:"route,omitempty"`
}

// 系统帧类型
const (
	TypeError  = "error"
	TypeSystem = "system"
)

// errorFrame 构造错误帧 {type:"error", action:<category>, data:{code,message,route}}
func errorFrame(action string, payload ErrorPayload) []byte {
	frame, err := EncodeFrame(TypeError, action, payload)
	if err != nil {
		// ErrorPayload 只含基础类型，不会失败
		return []byte(`{"type":"error","action":"internal"}`)
	}
	return frame
}
