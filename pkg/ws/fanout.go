package ws

import (
	"context"

	"go.uber.org/zap"
)

// 总线订阅者：把其他 worker 的事件回放到本地状态，并只向本地持有的连接投递

func (m *Manager) onClientConnected(ctx context.Context, env *Envelope) {
	var ev ClientConnectedEvent
	if !m.bind(env, &ev) {
		return
	}
	if m.registry.AddShadow(ev.ClientID, ev.WorkerID, ev.LastActivityAt, ev.User, ev.Metadata) {
		m.metrics.SetConnectionCount(m.registry.LocalCount(), m.registry.ShadowCount())
	}
}

func (m *Manager) onClientDisconnected(ctx context.Context, env *Envelope) {
	var ev ClientDisconnectedEvent
	if !m.bind(env, &ev) {
		return
	}
	if _, local := m.registry.localConn(ev.ClientID); local {
		return
	}
	m.registry.markDeparted(ev.ClientID, ev.WorkerID, ev.DisconnectedAt)
	m.rooms.LeaveAll(ctx, ev.ClientID, WithBroadcast(false))
	if m.registry.removeShadow(ev.ClientID, ev.WorkerID) {
		m.metrics.SetConnectionCount(m.registry.LocalCount(), m.registry.ShadowCount())
	}
}

func (m *Manager) onClientJoinedRoom(ctx context.Context, env *Envelope) {
	var ev RoomEvent
	if !m.bind(env, &ev) {
		return
	}
	if m.registry.hasDeparted(ev.ClientID, ev.WorkerID, ev.At) {
		m.log.DebugContext(ctx, "drop join of departed client",
			zap.String("client_id", ev.ClientID),
			zap.Strings("rooms", ev.Rooms),
		)
		return
	}
	if ev.Profile != nil {
		// 上线事件尚未到达时影子记录不存在，资料只能在下一次入房时补上
		_ = m.registry.UpdateMetadata(ev.ClientID, profileKey, ev.Profile)
	}
	for _, room := range ev.Rooms {
		if err := m.rooms.Join(ctx, ev.ClientID, room, WithBroadcast(false)); err != nil {
			m.log.WarnContext(ctx, "replay remote join failed",
				zap.String("client_id", ev.ClientID),
				zap.String("room", room),
				zap.Error(err),
			)
		}
	}
	// 断开事件可能在上面的检查之后、入房之前被处理
	if m.registry.hasDeparted(ev.ClientID, ev.WorkerID, ev.At) {
		for _, room := range ev.Rooms {
			m.rooms.Leave(ctx, ev.ClientID, room, WithBroadcast(false))
		}
	}
}

func (m *Manager) onClientLeftRoom(ctx context.Context, env *Envelope) {
	var ev RoomEvent
	if !m.bind(env, &ev) {
		return
	}
	for _, room := range ev.Rooms {
		m.rooms.Leave(ctx, ev.ClientID, room, WithBroadcast(false))
	}
}

func (m *Manager) onDisconnectClient(ctx context.Context, env *Envelope) {
	var ev DisconnectClientEvent
	if !m.bind(env, &ev) {
		return
	}
	m.disconnect(ctx, ev.ClientID, ev.Reason)
}

func (m *Manager) onSendMessage(ctx context.Context, env *Envelope) {
	var ev SendMessageEvent
	if !m.bind(env, &ev) || ev.Message == nil {
		return
	}
	m.deliverLocal(ctx, ev, false)
}

func (m *Manager) onSendMessageToAll(ctx context.Context, env *Envelope) {
	var ev SendMessageEvent
	if !m.bind(env, &ev) || ev.Message == nil {
		return
	}
	m.deliverLocal(ctx, ev, true)
}

func (m *Manager) onMessageError(ctx context.Context, env *Envelope) {
	var ev MessageErrorEvent
	if !m.bind(env, &ev) {
		return
	}
	if conn, ok := m.registry.localConn(ev.ClientID); ok {
		if err := conn.Send(errorFrame(errorAction(ev.Error.Code), ev.Error)); err != nil {
			m.metrics.IncrementDroppedMessages()
		}
	}
}

func (m *Manager) onCustom(ctx context.Context, env *Envelope) {
	var ev CustomEvent
	if !m.bind(env, &ev) {
		return
	}
	m.customMu.RLock()
	handlers := m.custom[ev.Name]
	m.customMu.RUnlock()

	for _, fn := range handlers {
		m.safeCustom(ctx, fn, ev)
	}
}

func (m *Manager) safeCustom(ctx context.Context, fn CustomHandler, ev CustomEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.ErrorContext(ctx, "custom handler panicked",
				zap.String("name", ev.Name),
				zap.Any("panic", r),
			)
		}
	}()
	fn(ctx, ev)
}

// bind 解析总线事件，失败时记录并丢弃
func (m *Manager) bind(env *Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		m.log.Warn("drop malformed bus event",
			zap.String("channel", env.Action),
			zap.String("origin", env.OriginWorkerID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// deliverLocal 将消息写入本 worker 持有的目标连接，返回成功入队的数量
// Send 只入队不阻塞，单个慢连接不会拖慢其他连接
func (m *Manager) deliverLocal(ctx context.Context, ev SendMessageEvent, all bool) int {
	frame, err := Encode(ev.Message.Frame())
	if err != nil {
		m.log.WarnContext(ctx, "encode outbound frame failed", zap.Error(err))
		return 0
	}

	targets := m.resolveLocal(ev, all)
	delivered := 0
	for id, conn := range targets {
		if err := conn.Send(frame); err != nil {
			m.metrics.IncrementDroppedMessages()
			m.log.DebugContext(ctx, "drop outbound frame",
				zap.String("client_id", id),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// resolveLocal 在本地解析投递目标，只保留本 worker 持有的连接
func (m *Manager) resolveLocal(ev SendMessageEvent, all bool) map[string]Conn {
	exclude := stringSet(ev.Exclude)
	targets := make(map[string]Conn)
	add := func(id string) {
		if _, skip := exclude[id]; skip {
			return
		}
		if conn, ok := m.registry.localConn(id); ok {
			targets[id] = conn
		}
	}

	if all {
		for id, conn := range m.registry.localConns() {
			if _, skip := exclude[id]; !skip {
				targets[id] = conn
			}
		}
		return targets
	}

	for _, room := range ev.Rooms {
		for _, id := range m.rooms.MembersOf(room) {
			add(id)
		}
	}
	for _, id := range ev.ClientIDs {
		add(id)
	}
	if ev.UserID != "" {
		for _, rec := range m.registry.List(ListOptions{UserID: ev.UserID, LocalOnly: true}) {
			add(rec.ID)
		}
	}
	return targets
}
