package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/errors"
	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Manager 单个 worker 的实时连接核心
//
// 组装注册表、房间目录、路由、中间件管线与广播总线；
// 总线订阅者把其他 worker 的事件回放到本地状态，并向本地连接投递消息。
type Manager struct {
	config   *Config
	workerID string
	log      logger.Logger
	metrics  Metrics

	registry *Registry
	rooms    *RoomDirectory
	router   *Router
	pipeline *Pipeline
	bus      *Bus
	service  *Service
	upgrader *Upgrader
	sweeper  *Sweeper

	customMu sync.RWMutex
	custom   map[string][]CustomHandler

	// 生命周期
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// CustomHandler Custom 频道事件回调
type CustomHandler func(ctx context.Context, event CustomEvent)

// NewManager 创建管理器
func NewManager(transport Transport, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, ErrInvalidConfig.WithMessage("ws: transport is required")
	}

	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.WorkerID == "" {
		config.WorkerID = GenerateWorkerID()
	}
	if config.Metrics == nil {
		config.Metrics = NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	log := config.Logger.Named("ws").With(zap.String("worker_id", config.WorkerID))
	ctx, cancel := context.WithCancel(logger.WithWorkerID(context.Background(), config.WorkerID))

	bus := NewBus(config.WorkerID, transport,
		WithBusNamespace(config.Namespace),
		WithBusLogger(log),
		WithBusMetrics(config.Metrics),
	)
	registry := NewRegistry(config.WorkerID, config.MaxConnections, bus, log)

	m := &Manager{
		config:   config,
		workerID: config.WorkerID,
		log:      log,
		metrics:  config.Metrics,
		registry: registry,
		rooms:    NewRoomDirectory(registry, bus, config.RoomConfig, log),
		router:   NewRouter(RoleServer, log),
		pipeline: NewPipeline(log),
		bus:      bus,
		upgrader: NewUpgrader(config.UpgraderConfig, config.HandshakeTimeout),
		custom:   make(map[string][]CustomHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.service = &Service{m: m}
	m.sweeper = NewSweeper(registry, config.InactivityTimeout, config.SweepInterval, m.disconnect, log)

	m.rooms.OnChange(func(context.Context, RoomChange) {
		m.metrics.SetRoomCount(m.rooms.Count())
	})

	if err := m.registerBuiltins(); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

// Start 订阅全部总线频道并启动不活跃清理
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	m.router.Freeze()

	handlers := map[Channel]BusHandler{
		ChannelClientConnected:    m.onClientConnected,
		ChannelClientDisconnected: m.onClientDisconnected,
		ChannelClientJoinedRoom:   m.onClientJoinedRoom,
		ChannelClientLeftRoom:     m.onClientLeftRoom,
		ChannelDisconnectClient:   m.onDisconnectClient,
		ChannelSendMessage:        m.onSendMessage,
		ChannelSendMessageToAll:   m.onSendMessageToAll,
		ChannelMessageError:       m.onMessageError,
		ChannelCustom:             m.onCustom,
	}
	for _, channel := range Channels {
		if err := m.bus.Subscribe(m.ctx, channel, handlers[channel]); err != nil {
			m.log.ErrorContext(ctx, "subscribe bus channel failed",
				zap.String("channel", string(channel)),
				zap.Error(err),
			)
			return err
		}
	}

	for _, run := range m.pipeline.background() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			run(m.ctx)
		}()
	}

	if m.config.InactivityTimeout > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.sweeper.Run(m.ctx)
		}()
	}

	m.log.InfoContext(ctx, "realtime manager started",
		zap.String("namespace", m.config.Namespace),
		zap.Strings("routes", m.router.Routes()),
		zap.Strings("middlewares", m.pipeline.Names()),
	)
	return nil
}

// Shutdown 优雅关闭：断开本地连接、等待协程退出、关闭传输层
func (m *Manager) Shutdown(ctx context.Context) error {
	for id := range m.registry.localConns() {
		m.disconnect(ctx, id, "server shutdown")
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	if err := m.bus.Close(); err != nil {
		m.log.Warn("close transport failed", zap.Error(err))
	}
	return waitErr
}

// HandleUpgrade 处理 WebSocket 升级
//
// token 来自查询参数或 Bearer 头；令牌无效时连接仍被接受，
// 但以匿名身份登记并收到一条 auth 错误帧。
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request, opts ...RecordOption) error {
	if m.registry.LocalCount() >= m.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return ErrTooManyConnections
	}

	user, authErr := m.authenticate(r.Context(), TokenFromRequest(r))

	conn, err := m.upgrader.Upgrade(w, r)
	if err != nil {
		return err
	}

	id := generateClientID()
	client := NewClient(m.ctx, id, conn, clientConfigFrom(m.config))

	recordOpts := append([]RecordOption{
		WithUser(user),
		WithMetadata("remoteAddr", client.RemoteAddr()),
	}, opts...)
	if err := m.Attach(r.Context(), id, client, recordOpts...); err != nil {
		_ = client.Send(errorFrame(errorAction(asCoded(err).Code), ErrorPayload{
			Code:    asCoded(err).Code,
			Message: asCoded(err).Message,
		}))
		_ = client.Close()
		go client.Run(func([]byte) {})
		return err
	}

	if authErr != nil {
		coded := asCoded(authErr)
		_ = client.Send(errorFrame(errorAction(coded.Code), ErrorPayload{Code: coded.Code, Message: coded.Message}))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		client.Run(func(data []byte) {
			m.HandleFrame(m.ctx, id, data)
		})
		m.disconnect(context.Background(), id, "")
	}()
	return nil
}

// authenticate 校验令牌，无校验器或无令牌时为匿名
func (m *Manager) authenticate(ctx context.Context, token string) (*AuthUser, error) {
	if m.config.Auth == nil || token == "" {
		return nil, nil
	}
	user, err := m.config.Auth.Validate(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrAuth) {
			err = ErrAuth.WithError(err)
		}
		m.log.InfoContext(ctx, "reject token, admit as anonymous", zap.Error(err))
		return nil, err
	}
	return user, nil
}

// Attach 登记一个本地连接并发送欢迎帧
// 自定义传输层或测试可直接使用，入站帧通过 HandleFrame 投递
func (m *Manager) Attach(ctx context.Context, clientID string, conn Conn, opts ...RecordOption) error {
	if err := m.registry.AddLocal(ctx, clientID, conn, time.Now(), opts...); err != nil {
		return err
	}
	m.metrics.IncrementConnections()
	m.metrics.SetConnectionCount(m.registry.LocalCount(), m.registry.ShadowCount())

	rec, _ := m.registry.Get(clientID, true)
	frame, err := EncodeFrame(TypeSystem, "connected", map[string]any{
		"clientId": clientID,
		"workerId": m.workerID,
		"user":     rec.User,
	})
	if err == nil {
		_ = conn.Send(frame)
	}

	m.log.DebugContext(ctx, "client attached",
		zap.String("client_id", clientID),
		zap.String("user_id", rec.UserID()),
	)
	return nil
}

// HandleFrame 处理一条入站帧；同一连接的帧必须顺序调用
//
// 解码失败、路由缺失与未被吞掉的处理器错误都只回复错误帧，连接保持打开。
func (m *Manager) HandleFrame(ctx context.Context, clientID string, raw []byte) {
	m.registry.Touch(clientID, time.Now())

	env, err := Decode(raw)
	if err != nil {
		m.metrics.IncrementInvalidMessages()
		m.reportError(ctx, clientID, "", err)
		return
	}

	route := env.RouteKey()
	m.metrics.IncrementMessageCount(route)

	handler, err := m.router.Lookup(env.Type, env.Action)
	if err != nil {
		m.reportError(ctx, clientID, route, err)
		return
	}

	rec, ok := m.registry.Get(clientID, true)
	if !ok {
		return
	}

	c := NewContext(ctx, clientID, env, rec.Conn)
	c.User = rec.User
	c.Logger = m.log
	c.manager = m

	result, err := m.pipeline.Execute(c, handler)
	if err != nil {
		m.reportError(ctx, clientID, route, err)
		return
	}
	if result != nil && !c.IsAborted() {
		if err := c.Reply(env.Type, env.Action, result); err != nil {
			m.metrics.IncrementDroppedMessages()
		}
	}
}

// reportError 记录错误、回调 ErrorHandler 并回复错误帧
func (m *Manager) reportError(ctx context.Context, clientID, route string, err error) {
	coded := asCoded(err)
	m.log.WarnContext(ctx, "message rejected",
		zap.String("client_id", clientID),
		zap.String("route", route),
		zap.Int("code", coded.Code),
		zap.Error(err),
	)
	if m.config.ErrorHandler != nil {
		m.config.ErrorHandler(ctx, clientID, err)
	}
	if conn, ok := m.registry.localConn(clientID); ok {
		_ = conn.Send(errorFrame(errorAction(coded.Code), ErrorPayload{
			Code:    coded.Code,
			Message: coded.Message,
			Route:   route,
		}))
	}
}

// disconnect 断开本地连接：离开全部房间、删除记录、关闭连接
// 主动断开、连接关闭与不活跃清理都走这里
func (m *Manager) disconnect(ctx context.Context, clientID, reason string) bool {
	conn, ok := m.registry.localConn(clientID)
	if !ok {
		return false
	}
	if reason != "" {
		if frame, err := EncodeFrame(TypeSystem, "disconnected", map[string]string{"reason": reason}); err == nil {
			_ = conn.Send(frame)
		}
	}

	m.rooms.LeaveAll(ctx, clientID)
	if _, removed := m.registry.Remove(ctx, clientID); !removed {
		return false
	}
	_ = conn.Close()
	m.pipeline.disconnected(clientID)

	m.metrics.DecrementConnections()
	m.metrics.SetConnectionCount(m.registry.LocalCount(), m.registry.ShadowCount())
	m.log.DebugContext(ctx, "client disconnected",
		zap.String("client_id", clientID),
		zap.String("reason", reason),
	)
	return true
}

// Handle 注册处理器
func (m *Manager) Handle(typ, action string, handler HandlerFunc) error {
	return m.router.Handle(typ, action, handler)
}

// Routes 注册路由表
func (m *Manager) Routes(table RouteTable) error {
	return table.Apply(m.router)
}

// Use 添加中间件，须在 Start 之前调用
func (m *Manager) Use(middlewares ...Middleware) {
	m.pipeline.Use(middlewares...)
}

// OnCustom 订阅 Custom 事件
func (m *Manager) OnCustom(name string, fn CustomHandler) {
	m.customMu.Lock()
	m.custom[name] = append(m.custom[name], fn)
	m.customMu.Unlock()
}

// WorkerID 本 worker 标识
func (m *Manager) WorkerID() string { return m.workerID }

// Registry 连接注册表
func (m *Manager) Registry() *Registry { return m.registry }

// Rooms 房间目录
func (m *Manager) Rooms() *RoomDirectory { return m.rooms }

// Bus 广播总线
func (m *Manager) Bus() *Bus { return m.bus }

// Service 推送门面
func (m *Manager) Service() *Service { return m.service }

// Sweeper 不活跃清理器
func (m *Manager) Sweeper() *Sweeper { return m.sweeper }

// Logger 日志
func (m *Manager) Logger() logger.Logger { return m.log }
