package logger

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 日志接口
// *Context 方法会从 ctx 中提取 trace_id、span_id、worker_id、client_id
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)

	DebugContext(ctx context.Context, msg string, fields ...zap.Field)
	InfoContext(ctx context.Context, msg string, fields ...zap.Field)
	WarnContext(ctx context.Context, msg string, fields ...zap.Field)
	ErrorContext(ctx context.Context, msg string, fields ...zap.Field)

	With(fields ...zap.Field) Logger
	WithContext(ctx context.Context) Logger
	Named(name string) Logger
	Sync() error

	// SetLevel 对所有派生的子 Logger 立即生效，配置热更新时使用
	SetLevel(level Level)
	Level() Level
}

type logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

// New 按配置创建 Logger，config 为 nil 时使用默认配置
func New(config *Config) (Logger, error) {
	if config == nil {
		config = &Config{}
	}
	config.normalize()

	level := zap.NewAtomicLevelAt(config.Level.toZapLevel())
	core := zapcore.NewCore(encoder(config.Format), output(config), level)
	if s := config.Sampling; s != nil {
		core = zapcore.NewSamplerWithOptions(core, time.Second, s.Initial, s.Thereafter)
	}

	var opts []zap.Option
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if config.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	zl := zap.New(core, opts...)
	if config.Name != "" {
		zl = zl.Named(config.Name)
	}
	return &logger{zap: zl, level: level}, nil
}

// NewWithOptions 以选项创建 Logger
func NewWithOptions(opts ...Option) (Logger, error) {
	config := &Config{}
	for _, opt := range opts {
		opt(config)
	}
	return New(config)
}

// NewDevelopment 控制台格式、Debug 级别，示例程序使用
func NewDevelopment() (Logger, error) {
	return NewWithOptions(
		WithLevel(DebugLevel),
		WithFormat(ConsoleFormat),
		WithConsole(),
		WithCaller(true),
	)
}

// NewNop 丢弃所有输出，组件未注入 Logger 时使用
func NewNop() Logger {
	return &logger{zap: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

func encoder(format Format) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == ConsoleFormat {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func output(config *Config) zapcore.WriteSyncer {
	var ws []zapcore.WriteSyncer
	if config.Console {
		ws = append(ws, zapcore.Lock(os.Stdout))
	}
	if r := config.Rotate; r != nil {
		ws = append(ws, zapcore.AddSync(&lumberjack.Logger{
			Filename:   r.Filename,
			MaxSize:    r.MaxSize,
			MaxAge:     r.MaxAge,
			MaxBackups: r.MaxBackups,
			LocalTime:  true,
			Compress:   r.Compress,
		}))
	}
	if config.Writer != nil {
		ws = append(ws, zapcore.AddSync(config.Writer))
	}
	return zapcore.NewMultiWriteSyncer(ws...)
}

func (l *logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

func (l *logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, withContext(ctx, fields)...)
}

func (l *logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, withContext(ctx, fields)...)
}

func (l *logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, withContext(ctx, fields)...)
}

func (l *logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, withContext(ctx, fields)...)
}

func (l *logger) With(fields ...zap.Field) Logger {
	return &logger{zap: l.zap.With(fields...), level: l.level}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	return l.With(withContext(ctx, nil)...)
}

func (l *logger) Named(name string) Logger {
	return &logger{zap: l.zap.Named(name), level: l.level}
}

func (l *logger) Sync() error { return l.zap.Sync() }

func (l *logger) SetLevel(level Level) { l.level.SetLevel(level.toZapLevel()) }

func (l *logger) Level() Level { return fromZapLevel(l.level.Level()) }

// withContext 把 ctx 中的关联字段放在调用方字段之前
// 未显式写入 trace_id 时使用当前 span 的 TraceID
func withContext(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	out := make([]zap.Field, 0, len(fields)+4)

	sc := trace.SpanContextFromContext(ctx)
	traceID := TraceIDFrom(ctx)
	if traceID == "" && sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if traceID != "" {
		out = append(out, zap.String("trace_id", traceID))
	}
	if sc.HasSpanID() {
		out = append(out, zap.String("span_id", sc.SpanID().String()))
	}
	if id := WorkerIDFrom(ctx); id != "" {
		out = append(out, zap.String("worker_id", id))
	}
	if id := ClientIDFrom(ctx); id != "" {
		out = append(out, zap.String("client_id", id))
	}
	return append(out, fields...)
}
