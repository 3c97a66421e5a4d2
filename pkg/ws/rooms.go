package ws

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// RoomChangeKind 房间变更类型
type RoomChangeKind string

const (
	RoomJoined RoomChangeKind = "joined"
	RoomLeft   RoomChangeKind = "left"
)

// RoomChange 房间变更通知
type RoomChange struct {
	Kind     RoomChangeKind
	ClientID string
	Rooms    []string
}

// RoomInfo 房间概要
type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// RoomOption 入房/离房选项
type RoomOption func(*roomOptions)

type roomOptions struct {
	broadcast bool
}

// WithBroadcast 是否在总线上发布变更（默认 true）
// 总线订阅者回放远端事件时必须传 false
func WithBroadcast(broadcast bool) RoomOption {
	return func(o *roomOptions) {
		o.broadcast = broadcast
	}
}

func applyRoomOptions(opts []RoomOption) roomOptions {
	o := roomOptions{broadcast: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RoomDirectory 房间目录
//
// 本地与远端触发的成员变更都经过 Join/Leave，
// 成员集合与 clientID → 房间 的反向索引始终一起更新。
// 成员数为 0 的房间立即删除。
type RoomDirectory struct {
	workerID string
	registry *Registry
	pub      Publisher
	config   RoomConfig
	log      logger.Logger

	mu          sync.RWMutex
	rooms       map[string]map[string]struct{}
	clientRooms map[string][]string // 按加入顺序

	hookMu   sync.RWMutex
	onChange []func(context.Context, RoomChange)
}

// NewRoomDirectory 创建房间目录并绑定到注册表
func NewRoomDirectory(registry *Registry, pub Publisher, config RoomConfig, log logger.Logger) *RoomDirectory {
	if log == nil {
		log = logger.NewNop()
	}
	d := &RoomDirectory{
		registry:    registry,
		pub:         pub,
		config:      config,
		log:         log.Named("rooms"),
		rooms:       make(map[string]map[string]struct{}),
		clientRooms: make(map[string][]string),
	}
	if registry != nil {
		d.workerID = registry.WorkerID()
		registry.bindRooms(d.RoomsOf)
	}
	return d
}

// OnChange 注册变更回调，回调在锁外执行
func (d *RoomDirectory) OnChange(fn func(context.Context, RoomChange)) {
	d.hookMu.Lock()
	d.onChange = append(d.onChange, fn)
	d.hookMu.Unlock()
}

// Join 加入房间
//
// 房间不存在时创建；重复加入是空操作；
// 单房间模式下先通过同一离房路径离开原房间。
// MaxRoomSize 只约束本 worker 持有的连接。
func (d *RoomDirectory) Join(ctx context.Context, clientID, room string, opts ...RoomOption) error {
	if room == "" {
		return ErrInvalidRoomName
	}
	o := applyRoomOptions(opts)
	local := d.isLocal(clientID)

	d.mu.Lock()
	members := d.rooms[room]
	if _, ok := members[clientID]; ok {
		d.mu.Unlock()
		return nil
	}
	if local && d.config.MaxRoomSize > 0 && len(members) >= d.config.MaxRoomSize {
		d.mu.Unlock()
		return ErrRoomFull
	}

	var left []string
	if !d.config.MultiRoom {
		left = slices.Clone(d.clientRooms[clientID])
		for _, prev := range left {
			d.leaveLocked(clientID, prev)
		}
	}

	if members == nil {
		members = make(map[string]struct{})
		d.rooms[room] = members
	}
	members[clientID] = struct{}{}
	d.clientRooms[clientID] = append(d.clientRooms[clientID], room)
	d.mu.Unlock()

	if len(left) > 0 {
		d.changed(ctx, RoomChange{Kind: RoomLeft, ClientID: clientID, Rooms: left}, o.broadcast)
	}
	d.changed(ctx, RoomChange{Kind: RoomJoined, ClientID: clientID, Rooms: []string{room}}, o.broadcast)
	return nil
}

// Leave 离开房间，成员关系不存在时是空操作
func (d *RoomDirectory) Leave(ctx context.Context, clientID, room string, opts ...RoomOption) bool {
	o := applyRoomOptions(opts)

	d.mu.Lock()
	if _, ok := d.rooms[room][clientID]; !ok {
		d.mu.Unlock()
		return false
	}
	d.leaveLocked(clientID, room)
	d.mu.Unlock()

	d.changed(ctx, RoomChange{Kind: RoomLeft, ClientID: clientID, Rooms: []string{room}}, o.broadcast)
	return true
}

// LeaveAll 离开全部房间，只产生一条合并通知
func (d *RoomDirectory) LeaveAll(ctx context.Context, clientID string, opts ...RoomOption) []string {
	o := applyRoomOptions(opts)

	d.mu.Lock()
	rooms := slices.Clone(d.clientRooms[clientID])
	for _, room := range rooms {
		d.leaveLocked(clientID, room)
	}
	d.mu.Unlock()

	if len(rooms) > 0 {
		d.changed(ctx, RoomChange{Kind: RoomLeft, ClientID: clientID, Rooms: rooms}, o.broadcast)
	}
	return rooms
}

// leaveLocked 调用方持有写锁
func (d *RoomDirectory) leaveLocked(clientID, room string) {
	members := d.rooms[room]
	delete(members, clientID)
	if len(members) == 0 {
		delete(d.rooms, room)
	}

	rooms := slices.DeleteFunc(d.clientRooms[clientID], func(r string) bool { return r == room })
	if len(rooms) == 0 {
		delete(d.clientRooms, clientID)
	} else {
		d.clientRooms[clientID] = rooms
	}
}

// IsMember 是否在房间中
func (d *RoomDirectory) IsMember(clientID, room string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[room][clientID]
	return ok
}

// MembersOf 房间成员（已排序），房间不存在返回 nil
func (d *RoomDirectory) MembersOf(room string) []string {
	d.mu.RLock()
	members := d.rooms[room]
	if len(members) == 0 {
		d.mu.RUnlock()
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	d.mu.RUnlock()

	sort.Strings(out)
	return out
}

// RoomsOf 客户端所在房间（按加入顺序）
func (d *RoomDirectory) RoomsOf(clientID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.clientRooms[clientID])
}

// Rooms 全部房间概要（按名称排序）
func (d *RoomDirectory) Rooms() []RoomInfo {
	d.mu.RLock()
	out := make([]RoomInfo, 0, len(d.rooms))
	for name, members := range d.rooms {
		out = append(out, RoomInfo{Name: name, Members: len(members)})
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count 房间数量
func (d *RoomDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

func (d *RoomDirectory) isLocal(clientID string) bool {
	if d.registry == nil {
		return true
	}
	_, ok := d.registry.localConn(clientID)
	return ok
}

// changed 执行回调并按需发布总线事件
func (d *RoomDirectory) changed(ctx context.Context, change RoomChange, broadcast bool) {
	d.hookMu.RLock()
	hooks := d.onChange
	d.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, change)
	}

	if !broadcast || d.pub == nil {
		return
	}
	channel := ChannelClientJoinedRoom
	if change.Kind == RoomLeft {
		channel = ChannelClientLeftRoom
	}
	event := RoomEvent{ClientID: change.ClientID, WorkerID: d.workerID, Rooms: change.Rooms, At: time.Now()}
	if change.Kind == RoomJoined && d.registry != nil {
		event.Profile = d.registry.profile(change.ClientID)
	}
	if err := publishPayload(ctx, d.pub, channel, event, false); err != nil {
		d.log.WarnContext(ctx, "publish room event failed",
			zap.String("channel", string(channel)),
			zap.String("client_id", change.ClientID),
			zap.Error(err),
		)
	}
}
