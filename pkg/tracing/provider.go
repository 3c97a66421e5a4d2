// Package tracing OpenTelemetry TracerProvider 初始化。
package tracing

import (
	"context"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Option 创建选项
type Option func(*options)

type options struct {
	writer    io.Writer
	global    bool
	processor sdktrace.SpanProcessor
}

// WithWriter stdout 导出器的输出目标
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

// WithoutGlobal 不替换全局 TracerProvider
func WithoutGlobal() Option {
	return func(o *options) {
		o.global = false
	}
}

// WithSpanProcessor 追加 SpanProcessor（测试中挂载 SpanRecorder）
func WithSpanProcessor(p sdktrace.SpanProcessor) Option {
	return func(o *options) {
		o.processor = p
	}
}

// NewTracerProvider 创建 TracerProvider，默认同时设置为全局 Provider 与 W3C 传播器
// 调用方负责 Shutdown
func NewTracerProvider(ctx context.Context, cfg *Config, opts ...Option) (*sdktrace.TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{global: true}
	for _, opt := range opts {
		opt(o)
	}

	exporter, err := newExporter(ctx, cfg, o.writer)
	if err != nil {
		return nil, ErrInvalidConfig.WithError(err)
	}
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, ErrInvalidConfig.WithError(err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(newSampler(cfg)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
		),
	}
	if o.processor != nil {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(o.processor))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	if o.global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	return tp, nil
}

func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	if env := os.Getenv("OTEL_RESOURCE_ATTRIBUTES"); env != "" {
		attrs = append(attrs, parseResourceAttributes(env)...)
	}

	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
}

// parseResourceAttributes 解析 key1=value1,key2=value2
func parseResourceAttributes(s string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		attrs = append(attrs, attribute.String(strings.TrimSpace(k), strings.TrimSpace(v)))
	}
	return attrs
}
