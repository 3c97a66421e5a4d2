package ws

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Channel 总线频道
type Channel string

// 总线频道枚举
const (
	ChannelClientConnected    Channel = "ClientConnected"
	ChannelClientDisconnected Channel = "ClientDisconnected"
	ChannelClientJoinedRoom   Channel = "ClientJoinedRoom"
	ChannelClientLeftRoom     Channel = "ClientLeftRoom"
	ChannelDisconnectClient   Channel = "DisconnectClient"
	ChannelSendMessage        Channel = "SendMessage"
	ChannelSendMessageToAll   Channel = "SendMessageToAll"
	ChannelMessageError       Channel = "MessageError"
	ChannelCustom             Channel = "Custom"
)

// Channels 全部频道
var Channels = []Channel{
	ChannelClientConnected,
	ChannelClientDisconnected,
	ChannelClientJoinedRoom,
	ChannelClientLeftRoom,
	ChannelDisconnectClient,
	ChannelSendMessage,
	ChannelSendMessageToAll,
	ChannelMessageError,
	ChannelCustom,
}

// TypeBus 总线信封的 type
const TypeBus = "bus"

// ClientConnectedEvent 客户端连接事件
type ClientConnectedEvent struct {
	ClientID       string         `json:"clientId"`
	WorkerID       string         `json:"workerId"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	User           *AuthUser      `json:"user,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ClientDisconnectedEvent 客户端断开事件
// DisconnectedAt 用于识别乱序到达的迟到事件
type ClientDisconnectedEvent struct {
	ClientID       string    `json:"clientId"`
	WorkerID       string    `json:"workerId"`
	DisconnectedAt time.Time `json:"disconnectedAt"`
}

// RoomEvent 入房/离房事件，离开多个房间时合并为一条
// 入房事件携带入房时查到的用户资料，供其他 worker 的成员列表使用
type RoomEvent struct {
	ClientID string      `json:"clientId"`
	WorkerID string      `json:"workerId"`
	Rooms    []string    `json:"rooms"`
	At       time.Time   `json:"at"`
	Profile  *UserRecord `json:"profile,omitempty"`
}

// DisconnectClientEvent 要求持有连接的 worker 断开客户端
type DisconnectClientEvent struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason,omitempty"`
}

// SendMessageEvent 定向投递；各 worker 只写自己持有的连接
type SendMessageEvent struct {
	ClientIDs []string  `json:"clientIds,omitempty"`
	Rooms     []string  `json:"rooms,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Exclude   []string  `json:"exclude,omitempty"`
	Message   *Envelope `json:"message"`
}

// MessageErrorEvent 向指定客户端投递错误帧
type MessageErrorEvent struct {
	ClientID string       `json:"clientId"`
	Error    ErrorPayload `json:"error"`
}

// CustomEvent 业务自定义事件
type CustomEvent struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Publisher 总线发布接口
type Publisher interface {
	Publish(ctx context.Context, channel Channel, env *Envelope) error
}

// Transport 发布/订阅传输层
// 实现需要把本进程发布的消息也投递给本进程的订阅者
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
	Close() error
}

// BusHandler 总线消息回调
type BusHandler func(ctx context.Context, env *Envelope)

// BusOption 总线选项
type BusOption func(*Bus)

// WithBusNamespace 设置频道前缀
func WithBusNamespace(ns string) BusOption {
	return func(b *Bus) {
		b.namespace = ns
	}
}

// WithBusLogger 设置日志
func WithBusLogger(log logger.Logger) BusOption {
	return func(b *Bus) {
		b.log = log
	}
}

// WithBusMetrics 设置监控
func WithBusMetrics(m Metrics) BusOption {
	return func(b *Bus) {
		b.metrics = m
	}
}

// Bus 广播总线
//
// 发布时写入来源 worker；收到自己发布且未设置 ForceLocalDelivery 的消息直接丢弃。
type Bus struct {
	workerID  string
	namespace string
	transport Transport
	metrics   Metrics
	log       logger.Logger
}

// NewBus 创建广播总线
func NewBus(workerID string, transport Transport, opts ...BusOption) *Bus {
	b := &Bus{
		workerID:  workerID,
		transport: transport,
		metrics:   NoopMetrics{},
		log:       logger.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Named("bus")
	return b
}

// WorkerID 本 worker 标识
func (b *Bus) WorkerID() string {
	return b.workerID
}

// Topic 频道在传输层上的名称
func (b *Bus) Topic(channel Channel) string {
	if b.namespace == "" {
		return string(channel)
	}
	return b.namespace + "." + string(channel)
}

// Publish 发布信封，OriginWorkerID 为空时写入本 worker
// 传输层失败返回 ErrTransport，不重试
func (b *Bus) Publish(ctx context.Context, channel Channel, env *Envelope) error {
	out := *env
	if out.OriginWorkerID == "" {
		out.OriginWorkerID = b.workerID
	}
	if out.Type == "" {
		out.Type = TypeBus
	}
	if out.Action == "" {
		out.Action = string(channel)
	}

	payload, err := Encode(&out)
	if err != nil {
		return ErrDecode.WithError(err)
	}
	if err := b.transport.Publish(ctx, b.Topic(channel), payload); err != nil {
		b.metrics.IncrementBusErrors(string(channel))
		return ErrTransport.WithError(err)
	}
	b.metrics.IncrementBusPublished(string(channel))
	return nil
}

// Subscribe 订阅频道，回调前执行回环抑制
func (b *Bus) Subscribe(ctx context.Context, channel Channel, handler BusHandler) error {
	err := b.transport.Subscribe(ctx, b.Topic(channel), func(payload []byte) {
		env, err := Decode(payload)
		if err != nil {
			b.log.Warn("drop undecodable bus payload",
				zap.String("channel", string(channel)),
				zap.Error(err),
			)
			return
		}
		if !b.Accepts(env) {
			b.metrics.IncrementBusSuppressed(string(channel))
			return
		}
		b.metrics.IncrementBusReceived(string(channel))
		handler(ctx, env)
	})
	if err != nil {
		return ErrTransport.WithError(err)
	}
	return nil
}

// Accepts 回环抑制：自己发布的消息只有在强制本地投递时才处理
func (b *Bus) Accepts(env *Envelope) bool {
	return env.OriginWorkerID != b.workerID || env.ForceLocalDelivery
}

// SendToAll 发布全员广播，各 worker 写自己的全部连接
func (b *Bus) SendToAll(ctx context.Context, msg *Envelope, exclude ...string) error {
	return publishPayload(ctx, b, ChannelSendMessageToAll, SendMessageEvent{
		Exclude: exclude,
		Message: msg.Frame(),
	}, false)
}

// SendToRooms 发布房间广播，各 worker 在本地解析成员并只写自己持有的连接
func (b *Bus) SendToRooms(ctx context.Context, rooms []string, msg *Envelope, exclude ...string) error {
	return publishPayload(ctx, b, ChannelSendMessage, SendMessageEvent{
		Rooms:   rooms,
		Exclude: exclude,
		Message: msg.Frame(),
	}, false)
}

// SendToClients 发布定向消息
func (b *Bus) SendToClients(ctx context.Context, clientIDs []string, msg *Envelope) error {
	return publishPayload(ctx, b, ChannelSendMessage, SendMessageEvent{
		ClientIDs: clientIDs,
		Message:   msg.Frame(),
	}, false)
}

// SendToUser 发布按用户投递的消息（同一用户的所有连接）
func (b *Bus) SendToUser(ctx context.Context, userID string, msg *Envelope) error {
	return publishPayload(ctx, b, ChannelSendMessage, SendMessageEvent{
		UserID:  userID,
		Message: msg.Frame(),
	}, false)
}

// Close 关闭传输层
func (b *Bus) Close() error {
	return b.transport.Close()
}

// publishPayload 将 payload 包装为总线信封并发布
func publishPayload(ctx context.Context, pub Publisher, channel Channel, payload any, force bool) error {
	env, err := NewEnvelope(TypeBus, string(channel), payload)
	if err != nil {
		return ErrDecode.WithError(err)
	}
	env.ForceLocalDelivery = force
	return pub.Publish(ctx, channel, env)
}
