// Package pubsub 广播总线的传输层实现
//
// 所有实现都满足 ws.Transport：发布到频道、按频道订阅、关闭。
// 自己发布的消息同样投递给自己的订阅者，回环抑制由总线完成。
package pubsub

import (
	"context"

	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Transport 发布/订阅传输层
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
	Close() error
}

var (
	_ Transport = (*Memory)(nil)
	_ Transport = (*Redis)(nil)
	_ Transport = (*NATS)(nil)
	_ Transport = (*AMQP)(nil)
	_ Transport = (*Kafka)(nil)
	_ Transport = (*Breaker)(nil)
)

// Option 传输层选项
type Option func(*options)

type options struct {
	log logger.Logger
}

// WithLogger 设置日志
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

func applyOptions(name string, opts []Option) options {
	o := options{log: logger.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.Named("pubsub").With(zap.String("transport", name))
	return o
}

// deliver 执行订阅回调，回调 panic 只记录日志，不影响后续消息
func deliver(log logger.Logger, channel string, handler func([]byte), payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber panicked",
				zap.String("channel", channel),
				zap.Any("panic", r),
			)
		}
	}()
	handler(payload)
}
