package ws

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Conn 本 worker 持有的连接
// Send 必须是非阻塞的：慢连接只能丢弃自己的消息，不能拖慢广播
type Conn interface {
	Send(frame []byte) error
	Close() error
	RemoteAddr() string
}

// ClientRecord 客户端记录
//
// Conn 仅在接受该连接的 worker 上非空；其他 worker 上是影子记录。
// 连接归属在创建时确定，影子记录永远不会升级为本地记录。
type ClientRecord struct {
	ID             string         `json:"clientId"`
	WorkerID       string         `json:"workerId"`
	Conn           Conn           `json:"-"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	ConnectedAt    time.Time      `json:"connectedAt"`
	User           *AuthUser      `json:"user,omitempty"`
	Rooms          []string       `json:"rooms,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IsLocal 连接是否由本 worker 持有
func (r ClientRecord) IsLocal() bool {
	return r.Conn != nil
}

// Room 当前所在房间（多房间模式下返回最早加入的一个）
func (r ClientRecord) Room() string {
	if len(r.Rooms) == 0 {
		return ""
	}
	return r.Rooms[0]
}

// UserID 用户 ID，匿名连接返回空
func (r ClientRecord) UserID() string {
	if r.User == nil {
		return ""
	}
	return r.User.UserID
}

// snapshot 拷贝记录，调用方持有读锁
func (r *ClientRecord) snapshot() ClientRecord {
	out := *r
	out.Metadata = maps.Clone(r.Metadata)
	return out
}

// RecordOption 本地记录选项
type RecordOption func(*ClientRecord)

// WithUser 设置认证用户
func WithUser(user *AuthUser) RecordOption {
	return func(r *ClientRecord) {
		r.User = user
	}
}

// WithMetadata 设置元数据
func WithMetadata(key string, value any) RecordOption {
	return func(r *ClientRecord) {
		if r.Metadata == nil {
			r.Metadata = make(map[string]any)
		}
		r.Metadata[key] = value
	}
}

// departedTTL 远端断开记录的保留时间，覆盖总线上各频道间的投递延迟
const departedTTL = 2 * time.Minute

// departure 远端客户端的断开记录
type departure struct {
	workerID string
	at       time.Time // 远端 worker 的断开时间
	expires  time.Time
}

// ListOptions 列表过滤条件
type ListOptions struct {
	UserType  string // 按用户类型过滤
	UserID    string // 按用户 ID 过滤（同一用户的多个设备）
	LocalOnly bool   // 只返回本 worker 持有的连接
}

// Registry 连接注册表
//
// 保存本 worker 持有的连接以及其他 worker 连接的影子记录。
// 所有状态由一把读写锁保护，对外只返回快照；
// 总线发布在释放锁之后进行。
type Registry struct {
	workerID string
	maxConns int
	pub      Publisher
	log      logger.Logger

	mu      sync.RWMutex
	clients map[string]*ClientRecord
	local   int

	// departed 各频道独立投递，同一客户端的入房、上线事件可能晚于断开事件到达，
	// 按断开记录丢弃这些迟到事件
	departed  map[string]departure
	lastPrune time.Time

	// roomsOf 由 RoomDirectory 绑定，用于填充快照中的房间
	roomsOf func(clientID string) []string
}

// NewRegistry 创建注册表，pub 为 nil 时不发布事件
func NewRegistry(workerID string, maxConns int, pub Publisher, log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		workerID: workerID,
		maxConns: maxConns,
		pub:      pub,
		log:      log.Named("registry"),
		clients:  make(map[string]*ClientRecord),
		departed: make(map[string]departure),
	}
}

// WorkerID 本 worker 标识
func (r *Registry) WorkerID() string {
	return r.workerID
}

// AddLocal 注册本 worker 持有的连接并发布 ClientConnected
func (r *Registry) AddLocal(ctx context.Context, clientID string, conn Conn, lastActivityAt time.Time, opts ...RecordOption) error {
	if conn == nil {
		return ErrInvalidConfig.WithMessage("ws: local record requires a connection")
	}

	rec := &ClientRecord{
		ID:             clientID,
		WorkerID:       r.workerID,
		Conn:           conn,
		LastActivityAt: lastActivityAt,
		ConnectedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(rec)
	}

	r.mu.Lock()
	if existing, ok := r.clients[clientID]; ok && existing.IsLocal() {
		r.mu.Unlock()
		return ErrClientIDExists
	}
	if r.maxConns > 0 && r.local >= r.maxConns {
		r.mu.Unlock()
		return ErrTooManyConnections
	}
	// 同 ID 的影子记录被本地记录取代
	r.clients[clientID] = rec
	r.local++
	event := ClientConnectedEvent{
		ClientID:       clientID,
		WorkerID:       r.workerID,
		LastActivityAt: lastActivityAt,
		User:           rec.User,
		Metadata:       maps.Clone(rec.Metadata),
	}
	r.mu.Unlock()

	r.publish(ctx, ChannelClientConnected, event)
	return nil
}

// AddShadow 为其他 worker 上的连接创建影子记录，只由总线订阅者调用
// 重复事件覆盖元数据而不会产生重复记录；本地已持有的 ID 被忽略
// 早于同一 worker 断开时间的上线事件视为迟到事件，被丢弃
func (r *Registry) AddShadow(clientID, workerID string, lastActivityAt time.Time, user *AuthUser, metadata map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.departedLocked(clientID, workerID, lastActivityAt, time.Now()) {
		return false
	}
	delete(r.departed, clientID)

	if existing, ok := r.clients[clientID]; ok {
		if existing.IsLocal() {
			return false
		}
		existing.WorkerID = workerID
		existing.LastActivityAt = lastActivityAt
		existing.User = user
		existing.Metadata = maps.Clone(metadata)
		return true
	}

	r.clients[clientID] = &ClientRecord{
		ID:             clientID,
		WorkerID:       workerID,
		LastActivityAt: lastActivityAt,
		ConnectedAt:    time.Now(),
		User:           user,
		Metadata:       maps.Clone(metadata),
	}
	return true
}

// Remove 删除记录；本地记录会发布一次 ClientDisconnected
func (r *Registry) Remove(ctx context.Context, clientID string) (ClientRecord, bool) {
	r.mu.Lock()
	rec, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return ClientRecord{}, false
	}
	delete(r.clients, clientID)
	if rec.IsLocal() {
		r.local--
	}
	out := rec.snapshot()
	r.mu.Unlock()

	if out.IsLocal() {
		r.publish(ctx, ChannelClientDisconnected, ClientDisconnectedEvent{
			ClientID:       clientID,
			WorkerID:       r.workerID,
			DisconnectedAt: time.Now(),
		})
	}
	return out, true
}

// removeShadow 只删除属于 workerID 的影子记录
func (r *Registry) removeShadow(clientID, workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok || rec.IsLocal() {
		return false
	}
	if workerID != "" && rec.WorkerID != workerID {
		return false
	}
	delete(r.clients, clientID)
	return true
}

// markDeparted 记录远端客户端已断开，at 为零值时取当前时间
func (r *Registry) markDeparted(clientID, workerID string, at time.Time) {
	now := time.Now()
	if at.IsZero() {
		at = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastPrune) >= departedTTL {
		for id, d := range r.departed {
			if now.After(d.expires) {
				delete(r.departed, id)
			}
		}
		r.lastPrune = now
	}
	if prev, ok := r.departed[clientID]; ok && prev.workerID == workerID && prev.at.After(at) {
		return
	}
	r.departed[clientID] = departure{workerID: workerID, at: at, expires: now.Add(departedTTL)}
}

// hasDeparted 发生在 at 时刻的事件是否早于该客户端的断开
// at 为零值的事件无法排序，只要存在断开记录即视为迟到
func (r *Registry) hasDeparted(clientID, workerID string, at time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.departedLocked(clientID, workerID, at, time.Now())
}

func (r *Registry) departedLocked(clientID, workerID string, at, now time.Time) bool {
	d, ok := r.departed[clientID]
	if !ok || now.After(d.expires) {
		return false
	}
	if workerID != "" && d.workerID != workerID {
		return false
	}
	return at.IsZero() || !at.After(d.at)
}

// profile 入房时查到的用户资料
func (r *Registry) profile(clientID string) *UserRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	return profileFrom(rec.Metadata[profileKey])
}

// Get 获取记录；requireConnection 为 true 时只返回本地持有的连接
func (r *Registry) Get(clientID string, requireConnection bool) (ClientRecord, bool) {
	r.mu.RLock()
	rec, ok := r.clients[clientID]
	if !ok || (requireConnection && !rec.IsLocal()) {
		r.mu.RUnlock()
		return ClientRecord{}, false
	}
	out := rec.snapshot()
	r.mu.RUnlock()

	r.fillRooms(&out)
	return out, true
}

// List 返回本地与影子记录，按连接时间排序
func (r *Registry) List(opts ListOptions) []ClientRecord {
	r.mu.RLock()
	out := make([]ClientRecord, 0, len(r.clients))
	for _, rec := range r.clients {
		if opts.LocalOnly && !rec.IsLocal() {
			continue
		}
		if opts.UserType != "" && (rec.User == nil || rec.User.Type != opts.UserType) {
			continue
		}
		if opts.UserID != "" && (rec.User == nil || rec.User.UserID != opts.UserID) {
			continue
		}
		out = append(out, rec.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	for i := range out {
		r.fillRooms(&out[i])
	}
	return out
}

// UpdateMetadata 合并元数据，不要求持有连接
func (r *Registry) UpdateMetadata(clientID, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any)
	}
	rec.Metadata[key] = value
	return nil
}

// Touch 更新最后活跃时间
func (r *Registry) Touch(clientID string, at time.Time) {
	r.mu.Lock()
	if rec, ok := r.clients[clientID]; ok && at.After(rec.LastActivityAt) {
		rec.LastActivityAt = at
	}
	r.mu.Unlock()
}

// Stale 返回最后活跃时间早于 before 的本地连接
func (r *Registry) Stale(before time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, rec := range r.clients {
		if rec.IsLocal() && rec.LastActivityAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Range 遍历快照，fn 返回 false 时停止
func (r *Registry) Range(fn func(ClientRecord) bool) {
	for _, rec := range r.List(ListOptions{}) {
		if !fn(rec) {
			return
		}
	}
}

// Count 记录总数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// LocalCount 本地连接数
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// ShadowCount 影子记录数
func (r *Registry) ShadowCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients) - r.local
}

// localConn 返回本地连接句柄
func (r *Registry) localConn(clientID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[clientID]
	if !ok || !rec.IsLocal() {
		return nil, false
	}
	return rec.Conn, true
}

// localConns 返回全部本地连接
func (r *Registry) localConns() map[string]Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Conn, r.local)
	for id, rec := range r.clients {
		if rec.IsLocal() {
			out[id] = rec.Conn
		}
	}
	return out
}

// bindRooms 绑定房间查询
func (r *Registry) bindRooms(fn func(string) []string) {
	r.mu.Lock()
	r.roomsOf = fn
	r.mu.Unlock()
}

func (r *Registry) fillRooms(rec *ClientRecord) {
	r.mu.RLock()
	fn := r.roomsOf
	r.mu.RUnlock()
	if fn != nil {
		rec.Rooms = fn(rec.ID)
	}
}

// publish 发布注册表事件，失败只记录日志（本地状态已提交）
func (r *Registry) publish(ctx context.Context, channel Channel, payload any) {
	if r.pub == nil {
		return
	}
	if err := publishPayload(ctx, r.pub, channel, payload, false); err != nil {
		r.log.WarnContext(ctx, "publish registry event failed",
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
	}
}
