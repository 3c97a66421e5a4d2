package store

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const tracerName = "realtime.store"

// TracingPlugin 为每条 SQL 创建 client span
type TracingPlugin struct {
	sqlTrace bool // 记录完整 SQL，可能包含敏感数据
}

// TracingOption 追踪插件选项
type TracingOption func(*TracingPlugin)

// WithSQLTrace 记录 SQL 语句
func WithSQLTrace(enable bool) TracingOption {
	return func(p *TracingPlugin) {
		p.sqlTrace = enable
	}
}

// NewTracingPlugin 创建追踪插件
func NewTracingPlugin(opts ...TracingOption) *TracingPlugin {
	p := &TracingPlugin{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name 实现 gorm.Plugin
func (p *TracingPlugin) Name() string {
	return "realtime:tracing"
}

// Initialize 实现 gorm.Plugin
func (p *TracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	err := errors.Join(
		cb.Create().Before("gorm:create").Register("tracing:before_create", p.before("store.create")),
		cb.Create().After("gorm:create").Register("tracing:after_create", p.after()),
		cb.Query().Before("gorm:query").Register("tracing:before_query", p.before("store.query")),
		cb.Query().After("gorm:query").Register("tracing:after_query", p.after()),
		cb.Update().Before("gorm:update").Register("tracing:before_update", p.before("store.update")),
		cb.Update().After("gorm:update").Register("tracing:after_update", p.after()),
		cb.Delete().Before("gorm:delete").Register("tracing:before_delete", p.before("store.delete")),
		cb.Delete().After("gorm:delete").Register("tracing:after_delete", p.after()),
		cb.Row().Before("gorm:row").Register("tracing:before_row", p.before("store.row")),
		cb.Row().After("gorm:row").Register("tracing:after_row", p.after()),
		cb.Raw().Before("gorm:raw").Register("tracing:before_raw", p.before("store.raw")),
		cb.Raw().After("gorm:raw").Register("tracing:after_raw", p.after()),
	)
	if err != nil {
		return fmt.Errorf("register tracing callbacks: %w", err)
	}
	return nil
}

func (p *TracingPlugin) before(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		// 每次获取 tracer，Provider 晚于 Open 初始化时同样生效
		ctx, _ = otel.Tracer(tracerName).Start(ctx, operation,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", db.Dialector.Name()),
				attribute.String("db.operation", operation),
			),
		)
		db.Statement.Context = ctx
	}
}

func (p *TracingPlugin) after() func(*gorm.DB) {
	return func(db *gorm.DB) {
		span := trace.SpanFromContext(db.Statement.Context)
		if !span.IsRecording() {
			return
		}
		defer span.End()

		if p.sqlTrace {
			if sql := db.Statement.SQL.String(); sql != "" {
				span.SetAttributes(attribute.String("db.statement", sql))
			}
		}
		if db.Statement.Table != "" {
			span.SetAttributes(attribute.String("db.table", db.Statement.Table))
		}
		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			span.RecordError(db.Error)
			span.SetStatus(codes.Error, db.Error.Error())
			return
		}
		span.SetStatus(codes.Ok, "")
	}
}
