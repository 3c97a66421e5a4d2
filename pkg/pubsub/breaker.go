package pubsub

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/errors"
	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Breaker 为发布加熔断的传输装饰器
// broker 持续不可用时快速失败，避免每次发布都等待超时；订阅不受影响
type Breaker struct {
	Transport
	cb  *gobreaker.CircuitBreaker
	log logger.Logger
}

// WithBreaker 包装传输
func WithBreaker(t Transport, cfg BreakerConfig, opts ...Option) *Breaker {
	o := applyOptions("breaker", opts)
	if cfg.Name == "" {
		cfg.Name = "pubsub"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	b := &Breaker{Transport: t, log: o.log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return b
}

// Publish 经熔断器发布，熔断打开时返回 ErrBreakerOpen
func (b *Breaker) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.Transport.Publish(ctx, channel, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen.WithError(err)
	}
	return err
}

// State 熔断器当前状态
func (b *Breaker) State() string {
	return b.cb.State().String()
}
