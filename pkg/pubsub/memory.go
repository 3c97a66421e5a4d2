package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// Hub 进程内 broker，多个 Memory 传输共享同一个 Hub 即可模拟多 worker
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

// NewHub 创建进程内 broker
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscription]struct{})}
}

func (h *Hub) add(channel string, s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[channel] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) remove(channel string, s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, channel)
		}
	}
}

func (h *Hub) publish(channel string, payload []byte) {
	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.subs[channel]))
	for s := range h.subs[channel] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(payload)
	}
}

// subscription 每个订阅一个投递协程，保证单订阅内的顺序
// 队列无界，发布方永远不会被慢订阅者阻塞
type subscription struct {
	channel string
	handler func([]byte)
	log     logger.Logger

	mu     sync.Mutex
	queue  [][]byte
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(channel string, handler func([]byte), log logger.Logger) *subscription {
	s := &subscription{
		channel: channel,
		handler: handler,
		log:     log,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscription) enqueue(payload []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			payload := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			deliver(s.log, s.channel, s.handler, payload)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Memory 进程内传输，自己发布的消息同样投递给自己的订阅
type Memory struct {
	hub    *Hub
	log    logger.Logger
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*subscription]string
}

// NewMemory 创建连接到 hub 的传输，hub 为 nil 时使用独立 Hub
func NewMemory(hub *Hub, opts ...Option) *Memory {
	if hub == nil {
		hub = NewHub()
	}
	o := applyOptions("memory", opts)
	return &Memory{hub: hub, log: o.log, subs: make(map[*subscription]string)}
}

// Publish 发布消息
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.hub.publish(channel, append([]byte(nil), payload...))
	return nil
}

// Subscribe 订阅频道，ctx 取消时退订
func (m *Memory) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	if m.closed.Load() {
		return ErrClosed
	}
	s := newSubscription(channel, handler, m.log)

	m.mu.Lock()
	m.subs[s] = channel
	m.mu.Unlock()
	m.hub.add(channel, s)

	go func() {
		select {
		case <-ctx.Done():
			m.unsubscribe(s)
		case <-s.done:
		}
	}()
	return nil
}

func (m *Memory) unsubscribe(s *subscription) {
	m.mu.Lock()
	channel, ok := m.subs[s]
	delete(m.subs, s)
	m.mu.Unlock()
	if ok {
		m.hub.remove(channel, s)
	}
	s.stop()
}

// Close 关闭传输并退订全部频道
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		m.unsubscribe(s)
	}
	return nil
}
