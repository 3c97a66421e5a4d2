package ws

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/errors"
	"github.com/tokmz/qi-realtime/pkg/logger"
)

// HandlerWrapper 处理器包装函数
type HandlerWrapper func(HandlerFunc) HandlerFunc

// Chain 组合包装函数，第一个在最外层
// Chain(h, WithLogging(l), WithTiming(m)) 等价于 WithLogging(l)(WithTiming(m)(h))
func Chain(h HandlerFunc, wrappers ...HandlerWrapper) HandlerFunc {
	for i := len(wrappers) - 1; i >= 0; i-- {
		h = wrappers[i](h)
	}
	return h
}

// WithRecovery 将处理器 panic 转为 ErrHandler
func WithRecovery(log logger.Logger) HandlerWrapper {
	return func(next HandlerFunc) HandlerFunc {
		return func(c *Context) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.ErrorContext(c, "handler panicked",
						zap.String("route", c.RouteKey()),
						zap.Any("panic", r),
					)
					result, err = nil, ErrHandler.WithError(fmt.Errorf("panic: %v", r))
				}
			}()
			return next(c)
		}
	}
}

// WithLogging 记录处理器调用
func WithLogging(log logger.Logger) HandlerWrapper {
	return func(next HandlerFunc) HandlerFunc {
		return func(c *Context) (any, error) {
			start := time.Now()
			result, err := next(c)
			fields := []zap.Field{
				zap.String("route", c.RouteKey()),
				zap.Duration("latency", time.Since(start)),
			}
			if err != nil {
				log.WarnContext(c, "handler returned error", append(fields, zap.Error(err))...)
			} else {
				log.DebugContext(c, "handler completed", fields...)
			}
			return result, err
		}
	}
}

// WithTiming 记录处理器耗时
func WithTiming(metrics Metrics) HandlerWrapper {
	return func(next HandlerFunc) HandlerFunc {
		return func(c *Context) (any, error) {
			start := time.Now()
			result, err := next(c)
			metrics.RecordMessageLatency(c.RouteKey(), time.Since(start))
			return result, err
		}
	}
}

// RetryConfig 处理器重试配置
type RetryConfig struct {
	MaxRetries      uint64           // 最大重试次数（默认 3，不含首次调用）
	InitialInterval time.Duration    // 初始退避（默认 100ms）
	MaxInterval     time.Duration    // 最大退避（默认 2s）
	Multiplier      float64          // 退避倍数（默认 2.0）
	Jitter          float64          // 抖动比例（默认 0.25，负数表示不抖动）
	RetryIf         func(error) bool // 是否重试，默认只重试 ErrTransport
}

// normalize 填充零值字段为默认值
func (rc *RetryConfig) normalize() {
	if rc.MaxRetries == 0 {
		rc.MaxRetries = 3
	}
	if rc.InitialInterval <= 0 {
		rc.InitialInterval = 100 * time.Millisecond
	}
	if rc.MaxInterval <= 0 {
		rc.MaxInterval = 2 * time.Second
	}
	if rc.Multiplier <= 0 {
		rc.Multiplier = 2.0
	}
	if rc.Jitter < 0 {
		rc.Jitter = 0
	} else if rc.Jitter == 0 {
		rc.Jitter = 0.25
	}
	if rc.RetryIf == nil {
		rc.RetryIf = func(err error) bool {
			return errors.Is(err, ErrTransport)
		}
	}
}

// newBackOff 按配置构造指数退避
func (rc RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.InitialInterval
	bo.MaxInterval = rc.MaxInterval
	bo.Multiplier = rc.Multiplier
	bo.RandomizationFactor = rc.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// WithRetry 按指数退避重试处理器，上下文取消时停止
// 总线发布失败不会自动重试，需要重试的路由显式套上该包装
func WithRetry(cfg RetryConfig) HandlerWrapper {
	cfg.normalize()
	return func(next HandlerFunc) HandlerFunc {
		return func(c *Context) (any, error) {
			var result any
			op := func() error {
				r, err := next(c)
				if err == nil {
					result = r
					return nil
				}
				if !cfg.RetryIf(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			bo := backoff.WithContext(backoff.WithMaxRetries(cfg.newBackOff(), cfg.MaxRetries), c)
			if err := backoff.Retry(op, bo); err != nil {
				return nil, err
			}
			return result, nil
		}
	}
}

// WithTracing 每条消息一个 span
func WithTracing(tracer trace.Tracer) HandlerWrapper {
	return func(next HandlerFunc) HandlerFunc {
		return func(c *Context) (any, error) {
			parent := c.Context
			ctx, span := tracer.Start(parent, "ws "+c.RouteKey(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("ws.route", c.RouteKey()),
					attribute.String("ws.client_id", c.ClientID),
				),
			)
			c.Context = ctx
			defer func() {
				c.Context = parent
				span.End()
			}()

			result, err := next(c)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(attribute.Int("ws.error_code", errors.CodeOf(err)))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return result, err
		}
	}
}
