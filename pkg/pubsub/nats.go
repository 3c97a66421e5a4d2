package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// DialNATS 建立 NATS 连接，断线后按配置自动重连
func DialNATS(cfg *NATSConfig) (*nats.Conn, error) {
	if cfg == nil {
		cfg = DefaultNATSConfig()
	}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: nats connect %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// NATS 基于 NATS Core 主题的传输
// 连接默认开启 echo，发布者自己的订阅同样收到消息
type NATS struct {
	conn   *nats.Conn
	log    logger.Logger
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNATS 创建传输，Close 时排空并关闭连接
func NewNATS(conn *nats.Conn, opts ...Option) *NATS {
	o := applyOptions("nats", opts)
	n := &NATS{
		conn: conn,
		log:  o.log,
		subs: make(map[*nats.Subscription]struct{}),
	}
	conn.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			n.log.Warn("nats disconnected", zap.Error(err))
		}
	})
	conn.SetReconnectHandler(func(c *nats.Conn) {
		n.log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
	})
	return n
}

// Publish 发布消息
func (n *NATS) Publish(_ context.Context, channel string, payload []byte) error {
	if n.closed.Load() {
		return ErrClosed
	}
	return n.conn.Publish(channel, payload)
}

// Subscribe 订阅主题，ctx 取消时退订
func (n *NATS) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	if n.closed.Load() {
		return ErrClosed
	}
	sub, err := n.conn.Subscribe(channel, func(msg *nats.Msg) {
		deliver(n.log, channel, handler, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("pubsub: nats subscribe %s: %w", channel, err)
	}
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("pubsub: nats flush: %w", err)
	}

	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.unsubscribe(sub)
	}()
	return nil
}

func (n *NATS) unsubscribe(sub *nats.Subscription) {
	n.mu.Lock()
	_, ok := n.subs[sub]
	delete(n.subs, sub)
	n.mu.Unlock()
	if ok && sub.IsValid() {
		if err := sub.Unsubscribe(); err != nil {
			n.log.Debug("nats unsubscribe failed", zap.Error(err))
		}
	}
}

// Close 退订并排空连接
func (n *NATS) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.mu.Lock()
	subs := make([]*nats.Subscription, 0, len(n.subs))
	for sub := range n.subs {
		subs = append(subs, sub)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		n.unsubscribe(sub)
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
