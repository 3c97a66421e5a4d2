package ws

import (
	"time"

	"go.uber.org/zap"
)

// 内置路由
const (
	TypeRoom   = "room"
	TypeClient = "client"
)

// RoomRequest room:* 请求数据
type RoomRequest struct {
	Room string `json:"room"`
}

// ClientListRequest client:list 请求数据
type ClientListRequest struct {
	UserType string `json:"userType,omitempty"`
	Room     string `json:"room,omitempty"`
}

// ClientSummary 对外暴露的客户端信息
type ClientSummary struct {
	ClientID string         `json:"clientId"`
	WorkerID string         `json:"workerId"`
	UserID   string         `json:"userId,omitempty"`
	UserType string         `json:"userType,omitempty"`
	Rooms    []string       `json:"rooms,omitempty"`
	Profile  *UserRecord    `json:"profile,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RoomJoinResult room:join 响应
type RoomJoinResult struct {
	Room    string          `json:"room"`
	Members []ClientSummary `json:"members"`
}

const profileKey = "profile"

func summarize(rec ClientRecord) ClientSummary {
	s := ClientSummary{
		ClientID: rec.ID,
		WorkerID: rec.WorkerID,
		UserID:   rec.UserID(),
		Rooms:    rec.Rooms,
	}
	if rec.User != nil {
		s.UserType = rec.User.Type
	}
	s.Profile = profileFrom(rec.Metadata[profileKey])
	return s
}

// profileFrom 本地记录中是 *UserRecord，经总线同步的元数据是解码后的 map
func profileFrom(v any) *UserRecord {
	switch p := v.(type) {
	case nil:
		return nil
	case *UserRecord:
		return p
	case UserRecord:
		return &p
	}
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil
	}
	var out UserRecord
	if err := codec.Unmarshal(raw, &out); err != nil || out.ID == "" {
		return nil
	}
	return &out
}

// registerBuiltins 注册内置路由
func (m *Manager) registerBuiltins() error {
	return RouteTable{
		{Type: TypeRoom, Action: "join", Handler: m.handleRoomJoin},
		{Type: TypeRoom, Action: "leave", Handler: m.handleRoomLeave},
		{Type: TypeRoom, Action: "list", Handler: m.handleRoomList},
		{Type: TypeRoom, Action: "members", Handler: m.handleRoomMembers},
		{Type: TypeClient, Action: "list", Handler: m.handleClientList},
		{Type: TypeSystem, Action: "ping", Handler: m.handlePing},
	}.Apply(m.router)
}

// handleRoomJoin 加入房间；已认证用户通过 UserLookup 补充资料
func (m *Manager) handleRoomJoin(c *Context) (any, error) {
	var req RoomRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if req.Room == "" {
		return nil, ErrInvalidRoomName
	}

	if c.User != nil && m.config.Lookup != nil {
		profile, err := m.config.Lookup.FindUserByID(c, c.User.UserID)
		switch {
		case err != nil:
			m.log.WarnContext(c, "user lookup failed",
				zap.String("user_id", c.User.UserID),
				zap.Error(err),
			)
		case profile != nil:
			_ = m.registry.UpdateMetadata(c.ClientID, profileKey, profile)
		}
	}

	if err := m.rooms.Join(c, c.ClientID, req.Room); err != nil {
		return nil, err
	}
	return RoomJoinResult{Room: req.Room, Members: m.roomMembers(req.Room)}, nil
}

// handleRoomLeave 离开房间；不传 room 时离开全部
func (m *Manager) handleRoomLeave(c *Context) (any, error) {
	var req RoomRequest
	if len(c.Envelope.Data) > 0 {
		if err := c.Bind(&req); err != nil {
			return nil, err
		}
	}
	if req.Room == "" {
		return map[string]any{"rooms": m.rooms.LeaveAll(c, c.ClientID)}, nil
	}
	left := m.rooms.Leave(c, c.ClientID, req.Room)
	return map[string]any{"room": req.Room, "left": left}, nil
}

func (m *Manager) handleRoomList(*Context) (any, error) {
	return m.rooms.Rooms(), nil
}

func (m *Manager) handleRoomMembers(c *Context) (any, error) {
	var req RoomRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	return RoomJoinResult{Room: req.Room, Members: m.roomMembers(req.Room)}, nil
}

// handleClientList 在线列表（本地 + 影子记录）
func (m *Manager) handleClientList(c *Context) (any, error) {
	var req ClientListRequest
	if len(c.Envelope.Data) > 0 {
		if err := c.Bind(&req); err != nil {
			return nil, err
		}
	}
	records := m.registry.List(ListOptions{UserType: req.UserType})
	out := make([]ClientSummary, 0, len(records))
	for _, rec := range records {
		if req.Room != "" && !m.rooms.IsMember(rec.ID, req.Room) {
			continue
		}
		out = append(out, summarize(rec))
	}
	return out, nil
}

func (m *Manager) handlePing(*Context) (any, error) {
	return map[string]int64{"pong": time.Now().UnixMilli()}, nil
}

// roomMembers 房间成员信息，影子记录尚未到达的成员只返回 ID
func (m *Manager) roomMembers(room string) []ClientSummary {
	ids := m.rooms.MembersOf(room)
	out := make([]ClientSummary, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.registry.Get(id, false); ok {
			out = append(out, summarize(rec))
			continue
		}
		out = append(out, ClientSummary{ClientID: id})
	}
	return out
}
