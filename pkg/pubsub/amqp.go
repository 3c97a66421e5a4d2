package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// AMQP 基于 RabbitMQ fanout exchange 的传输
//
// 每个频道对应一个同名 fanout exchange；每个订阅声明一个排他的临时队列
// 绑定到 exchange，连接断开时队列自动删除。
type AMQP struct {
	conn   *amqp.Connection
	log    logger.Logger
	closed atomic.Bool

	// amqp.Channel 不是并发安全的，发布通道由 pubMu 串行化
	pubMu    sync.Mutex
	pub      *amqp.Channel
	declared map[string]struct{}

	mu   sync.Mutex
	subs map[*amqp.Channel]struct{}
	wg   sync.WaitGroup
}

// DialAMQP 连接 RabbitMQ 并创建传输
func DialAMQP(url string, opts ...Option) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("pubsub: amqp dial: %w", err)
	}
	t, err := NewAMQP(conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

// NewAMQP 在已有连接上创建传输，Close 时关闭连接
func NewAMQP(conn *amqp.Connection, opts ...Option) (*AMQP, error) {
	o := applyOptions("amqp", opts)
	pub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("pubsub: amqp channel: %w", err)
	}
	return &AMQP{
		conn:     conn,
		log:      o.log,
		pub:      pub,
		declared: make(map[string]struct{}),
		subs:     make(map[*amqp.Channel]struct{}),
	}, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,
		amqp.ExchangeFanout,
		false, // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

// Publish 发布到频道对应的 exchange
func (a *AMQP) Publish(ctx context.Context, channel string, payload []byte) error {
	if a.closed.Load() {
		return ErrClosed
	}

	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	if _, ok := a.declared[channel]; !ok {
		if err := declareExchange(a.pub, channel); err != nil {
			return fmt.Errorf("pubsub: amqp declare %s: %w", channel, err)
		}
		a.declared[channel] = struct{}{}
	}
	return a.pub.PublishWithContext(ctx,
		channel,
		"",    // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
		},
	)
}

// Subscribe 声明临时队列并绑定到频道 exchange
func (a *AMQP) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	if a.closed.Load() {
		return ErrClosed
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("pubsub: amqp channel: %w", err)
	}
	fail := func(step string, err error) error {
		_ = ch.Close()
		return fmt.Errorf("pubsub: amqp %s %s: %w", step, channel, err)
	}

	if err := declareExchange(ch, channel); err != nil {
		return fail("declare", err)
	}
	q, err := ch.QueueDeclare(
		"",    // 由服务端生成队列名
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fail("queue", err)
	}
	if err := ch.QueueBind(q.Name, "", channel, false, nil); err != nil {
		return fail("bind", err)
	}
	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fail("consume", err)
	}

	a.mu.Lock()
	a.subs[ch] = struct{}{}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.release(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				deliver(a.log, channel, handler, d.Body)
			}
		}
	}()
	return nil
}

func (a *AMQP) release(ch *amqp.Channel) {
	a.mu.Lock()
	_, ok := a.subs[ch]
	delete(a.subs, ch)
	a.mu.Unlock()
	if ok && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			a.log.Debug("close amqp channel failed", zap.Error(err))
		}
	}
}

// Close 关闭全部通道与连接
func (a *AMQP) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.mu.Lock()
	subs := make([]*amqp.Channel, 0, len(a.subs))
	for ch := range a.subs {
		subs = append(subs, ch)
	}
	a.mu.Unlock()

	for _, ch := range subs {
		a.release(ch)
	}
	a.wg.Wait()

	a.pubMu.Lock()
	_ = a.pub.Close()
	a.pubMu.Unlock()
	return a.conn.Close()
}
