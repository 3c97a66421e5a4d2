// Package app 组装一个完整的 realtime worker：日志、追踪、指标、用户库、传输层与 HTTP 服务。
package app

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tokmz/qi-realtime/pkg/logger"
	"github.com/tokmz/qi-realtime/pkg/metrics"
	"github.com/tokmz/qi-realtime/pkg/pubsub"
	"github.com/tokmz/qi-realtime/pkg/store"
	"github.com/tokmz/qi-realtime/pkg/tracing"
	"github.com/tokmz/qi-realtime/pkg/ws"
)

// Option worker 选项
type Option func(*workerOptions)

type workerOptions struct {
	hub        *pubsub.Hub
	log        logger.Logger
	managerOpt []ws.Option
}

// WithHub memory 驱动共享的 Hub，同进程多个 worker 时使用
func WithHub(hub *pubsub.Hub) Option {
	return func(o *workerOptions) {
		o.hub = hub
	}
}

// WithLogger 使用外部 Logger，忽略 log 配置
func WithLogger(log logger.Logger) Option {
	return func(o *workerOptions) {
		o.log = log
	}
}

// WithManagerOptions 追加 ws.Manager 选项，覆盖由配置生成的同名选项
func WithManagerOptions(opts ...ws.Option) Option {
	return func(o *workerOptions) {
		o.managerOpt = append(o.managerOpt, opts...)
	}
}

// Worker 一个 realtime worker 进程
type Worker struct {
	settings *Settings
	log      logger.Logger

	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer
	registry *prometheus.Registry
	db       *gorm.DB
	users    *store.UserStore
	manager  *ws.Manager
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewWorker 按配置组装 worker；失败时释放已创建的资源
// settings.Worker.ID 为空时会被填入生成的 ID
func NewWorker(ctx context.Context, settings *Settings, opts ...Option) (w *Worker, err error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	o := &workerOptions{}
	for _, opt := range opts {
		opt(o)
	}

	w = &Worker{settings: settings, ready: make(chan struct{})}
	defer func() {
		if err != nil {
			w.release(context.Background())
		}
	}()

	if w.log = o.log; w.log == nil {
		if w.log, err = newLogger(settings.Log); err != nil {
			return nil, err
		}
	}

	w.tracer = noop.NewTracerProvider().Tracer("")
	if settings.Tracing.Enabled {
		if w.tp, err = tracing.NewTracerProvider(ctx, &settings.Tracing); err != nil {
			return nil, err
		}
		w.tracer = w.tp.Tracer("realtime.ws")
	}

	// 指标标签与日志需要确定的 worker ID
	if settings.Worker.ID == "" {
		settings.Worker.ID = ws.GenerateWorkerID()
	}

	managerOpts := []ws.Option{
		ws.WithWorkerID(settings.Worker.ID),
		ws.WithNamespace(settings.Worker.Namespace),
		ws.WithMaxConnections(settings.Worker.MaxConnections),
		ws.WithMessageSizeLimit(settings.Worker.MaxMessageSize),
		ws.WithMessageQueueSize(settings.Worker.MessageQueueSize),
		ws.WithHeartbeatInterval(settings.Worker.HeartbeatInterval),
		ws.WithHeartbeatTimeout(settings.Worker.HeartbeatTimeout),
		ws.WithMaxRoomSize(settings.Rooms.MaxSize),
		ws.WithMultiRoom(settings.Rooms.MultiRoom),
		ws.WithInactivityTimeout(settings.Sweep.Timeout, settings.Sweep.Interval),
		ws.WithLogger(w.log),
	}
	if len(settings.Worker.AllowedOrigins) > 0 {
		managerOpts = append(managerOpts, ws.WithCheckOriginWhitelist(settings.Worker.AllowedOrigins))
	} else {
		managerOpts = append(managerOpts, ws.WithAllowAllOrigins())
	}

	var wsMetrics ws.Metrics = ws.NoopMetrics{}
	if settings.Metrics.Enabled {
		w.registry = prometheus.NewRegistry()
		w.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		wsMetrics = metrics.NewPrometheus(w.registry, settings.Metrics.Namespace, settings.Worker.ID)
		managerOpts = append(managerOpts, ws.WithMetrics(wsMetrics))
	}

	if settings.Auth.Secret != "" {
		validator, verr := ws.NewJWTValidator(ws.JWTConfig{
			Secret:   []byte(settings.Auth.Secret),
			Issuer:   settings.Auth.Issuer,
			Audience: settings.Auth.Audience,
			Leeway:   settings.Auth.Leeway,
		})
		if verr != nil {
			return nil, verr
		}
		managerOpts = append(managerOpts, ws.WithAuthValidator(validator))
	}

	if settings.Database.Enabled {
		if w.db, err = store.Open(&settings.Database.Config, w.log); err != nil {
			return nil, err
		}
		w.users = store.NewUserStore(w.db, w.log)
		if settings.Database.AutoMigrate {
			if err = w.users.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		managerOpts = append(managerOpts, ws.WithUserLookup(w.users))
	}

	transport, err := pubsub.New(&settings.Transport, o.hub, pubsub.WithLogger(w.log))
	if err != nil {
		return nil, err
	}

	if w.manager, err = ws.NewManager(transport, append(managerOpts, o.managerOpt...)...); err != nil {
		_ = transport.Close()
		return nil, err
	}

	w.manager.Use(ws.Logging(w.log), ws.Timing(wsMetrics))
	if rl := settings.RateLimit; rl.MessagesPerSecond > 0 {
		w.manager.Use(ws.RateLimit(ws.RateLimitConfig{
			MessagesPerSecond: rl.MessagesPerSecond,
			Burst:             rl.Burst,
			BucketExpiry:      rl.BucketExpiry,
			SkipRoutes:        rl.SkipRoutes,
		}, nil))
	}

	var gatherer prometheus.Gatherer
	if w.registry != nil {
		gatherer = w.registry
	}
	w.server = &http.Server{
		Handler:     newEngine(settings.Server, settings.Metrics.Path, w.manager, gatherer, w.tracer, w.log.Named("http")),
		ReadTimeout: settings.Server.ReadTimeout,
		IdleTimeout: settings.Server.IdleTimeout,
	}
	return w, nil
}

// Manager 连接管理器，用于注册业务路由与中间件
func (w *Worker) Manager() *ws.Manager { return w.manager }

// Service 对外发送接口
func (w *Worker) Service() *ws.Service { return w.manager.Service() }

// Users 用户库，未启用数据库时为 nil
func (w *Worker) Users() *store.UserStore { return w.users }

// Logger worker 日志
func (w *Worker) Logger() logger.Logger { return w.log }

// Handler HTTP 处理器
func (w *Worker) Handler() http.Handler { return w.server.Handler }

// Handle 注册业务路由，处理器外层包裹 panic 恢复与链路追踪
func (w *Worker) Handle(typ, action string, handler ws.HandlerFunc) error {
	return w.manager.Handle(typ, action, ws.Chain(handler,
		ws.WithRecovery(w.log),
		ws.WithTracing(w.tracer),
	))
}

// Ready 开始监听后关闭
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Addr 实际监听地址，Ready 之前为空
func (w *Worker) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

// Watch 配置变更时热更新日志级别
func (w *Worker) Watch(loader *Loader) error {
	loader.OnReload(func(s *Settings) {
		level, err := logger.ParseLevel(s.Log.Level)
		if err != nil {
			return
		}
		if level != w.log.Level() {
			w.log.Info("log level changed",
				zap.String("from", w.log.Level().String()),
				zap.String("to", level.String()),
			)
			w.log.SetLevel(level)
		}
	})
	loader.OnError(func(err error) {
		w.log.Warn("reload settings failed", zap.Error(err))
	})
	return loader.Watch()
}

// Run 启动管理器与 HTTP 服务，ctx 取消后优雅关闭
func (w *Worker) Run(ctx context.Context) error {
	if err := w.manager.Start(ctx); err != nil {
		w.release(context.Background())
		return err
	}

	ln, err := net.Listen("tcp", w.settings.Server.Addr)
	if err != nil {
		w.release(context.Background())
		return err
	}
	w.mu.Lock()
	w.listener = ln
	w.mu.Unlock()
	close(w.ready)

	w.log.Info("realtime worker listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("worker_id", w.manager.WorkerID()),
		zap.String("transport", string(w.settings.Transport.Driver)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.settings.Server.ShutdownTimeout)
		defer cancel()
		return w.shutdown(shutdownCtx)
	})
	return g.Wait()
}

// shutdown 先关闭 HTTP 服务，再断开连接并释放资源
func (w *Worker) shutdown(ctx context.Context) error {
	w.log.Info("realtime worker shutting down")
	err := w.server.Shutdown(ctx)
	if rerr := w.release(ctx); err == nil {
		err = rerr
	}
	return err
}

// release 释放管理器、数据库与追踪
func (w *Worker) release(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if w.manager != nil {
		keep(w.manager.Shutdown(ctx))
	}
	if w.db != nil {
		keep(store.Close(w.db))
	}
	if w.tp != nil {
		keep(w.tp.Shutdown(ctx))
	}
	if w.log != nil {
		_ = w.log.Sync()
	}
	return first
}

// newLogger 根据配置创建日志
func newLogger(s LogSettings) (logger.Logger, error) {
	level, err := logger.ParseLevel(s.Level)
	if err != nil {
		return nil, err
	}
	cfg := &logger.Config{
		Level:      level,
		Format:     logger.Format(s.Format),
		Name:       "realtime",
		Console:    true,
		Stacktrace: true,
	}
	if s.File != "" {
		cfg.Rotate = &logger.RotateConfig{
			Filename:   s.File,
			MaxSize:    s.MaxSize,
			MaxAge:     s.MaxAge,
			MaxBackups: s.MaxBackups,
			Compress:   s.Compress,
		}
	}
	return logger.New(cfg)
}
