package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tokmz/qi-realtime/pkg/errors"
)

// Service 实时推送门面，外层（HTTP、任务队列）只通过它推送
//
// 本地连接直接写入，其余部分通过总线由各 worker 自行投递。
// 总线发布失败返回 ErrTransport，本地部分已经投递。
type Service struct {
	m *Manager
}

// Message 构造推送消息
func Message(typ, action string, data any) (*Envelope, error) {
	return NewEnvelope(typ, action, data)
}

// Broadcast 推送给全部客户端
func (s *Service) Broadcast(ctx context.Context, msg *Envelope, exclude ...string) error {
	s.m.deliverLocal(ctx, SendMessageEvent{Message: msg, Exclude: exclude}, true)
	return s.m.bus.SendToAll(ctx, msg, exclude...)
}

// SendToClients 推送给指定客户端；本地持有的直接写入，其余走总线
func (s *Service) SendToClients(ctx context.Context, clientIDs []string, msg *Envelope) error {
	var remote []string
	local := make([]string, 0, len(clientIDs))
	for _, id := range clientIDs {
		if _, ok := s.m.registry.localConn(id); ok {
			local = append(local, id)
		} else {
			remote = append(remote, id)
		}
	}
	if len(local) > 0 {
		s.m.deliverLocal(ctx, SendMessageEvent{ClientIDs: local, Message: msg}, false)
	}
	if len(remote) == 0 {
		return nil
	}
	return s.m.bus.SendToClients(ctx, remote, msg)
}

// SendToRooms 推送给房间成员，各 worker 只写自己持有的成员连接
func (s *Service) SendToRooms(ctx context.Context, rooms []string, msg *Envelope, exclude ...string) error {
	if len(rooms) == 0 {
		return nil
	}
	s.m.deliverLocal(ctx, SendMessageEvent{Rooms: rooms, Exclude: exclude, Message: msg}, false)
	return s.m.bus.SendToRooms(ctx, rooms, msg, exclude...)
}

// SendUserMessage 推送给某用户的全部连接（多设备）
func (s *Service) SendUserMessage(ctx context.Context, userID string, msg *Envelope) error {
	s.m.deliverLocal(ctx, SendMessageEvent{UserID: userID, Message: msg}, false)
	return s.m.bus.SendToUser(ctx, userID, msg)
}

// SystemMessage 系统消息数据
type SystemMessage struct {
	Text string `json:"text"`
	Data any    `json:"data,omitempty"`
	Time int64  `json:"time"`
}

// SendSystemMessage 向全部客户端推送 {type:"system", action:"message"}
func (s *Service) SendSystemMessage(ctx context.Context, text string, data any) error {
	msg, err := NewEnvelope(TypeSystem, "message", SystemMessage{
		Text: text,
		Data: data,
		Time: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.Broadcast(ctx, msg)
}

// SendErrorMessage 向指定客户端推送错误帧
func (s *Service) SendErrorMessage(ctx context.Context, clientID string, code int, message string) error {
	payload := ErrorPayload{Code: code, Message: message}
	if conn, ok := s.m.registry.localConn(clientID); ok {
		return conn.Send(errorFrame(errorAction(code), payload))
	}
	return publishPayload(ctx, s.m.bus, ChannelMessageError, MessageErrorEvent{
		ClientID: clientID,
		Error:    payload,
	}, false)
}

// DisconnectClient 断开客户端，无论它连接在哪个 worker
// 事件强制本地投递，持有连接的 worker（包括自己）执行断开
func (s *Service) DisconnectClient(ctx context.Context, clientID, reason string) error {
	err := publishPayload(ctx, s.m.bus, ChannelDisconnectClient, DisconnectClientEvent{
		ClientID: clientID,
		Reason:   reason,
	}, true)
	if err != nil && errors.Is(err, ErrTransport) {
		// 总线不可用时至少断开本地连接
		s.m.disconnect(ctx, clientID, reason)
	}
	return err
}

// PublishCustom 发布自定义事件，所有 worker（包括自己）的 OnCustom 回调都会执行
func (s *Service) PublishCustom(ctx context.Context, name string, data any) error {
	ev := CustomEvent{Name: name}
	if data != nil {
		raw, err := codec.Marshal(data)
		if err != nil {
			return ErrDecode.WithError(err)
		}
		ev.Data = json.RawMessage(raw)
	}
	return publishPayload(ctx, s.m.bus, ChannelCustom, ev, true)
}

// Online 客户端是否在线（本地或影子记录）
func (s *Service) Online(clientID string) bool {
	_, ok := s.m.registry.Get(clientID, false)
	return ok
}

// Clients 在线客户端列表
func (s *Service) Clients(opts ListOptions) []ClientRecord {
	return s.m.registry.List(opts)
}
