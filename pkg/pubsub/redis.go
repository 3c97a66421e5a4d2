package pubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// NewRedisClient 按模式创建 Redis 客户端并检查连通性
func NewRedisClient(cfg *RedisConfig) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: redis config is required", ErrInvalidConfig)
	}

	var client redis.UniversalClient

	switch cfg.Mode {
	case RedisStandalone, "":
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})

	case RedisCluster:
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})

	case RedisSentinel:
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})

	default:
		return nil, fmt.Errorf("%w: unsupported redis mode: %s", ErrInvalidConfig, cfg.Mode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub: redis ping: %w", err)
	}
	return client, nil
}

// Redis 基于 Redis PUBLISH/SUBSCRIBE 的传输
// Redis 会把消息投递给所有订阅连接，包括发布者自己的订阅
type Redis struct {
	client redis.UniversalClient
	log    logger.Logger
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
	wg   sync.WaitGroup
}

// NewRedis 创建传输，Close 时关闭 client
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	o := applyOptions("redis", opts)
	return &Redis{
		client: client,
		log:    o.log,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Publish 发布消息
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe 订阅频道，返回前确认订阅已生效
func (r *Redis) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	if r.closed.Load() {
		return ErrClosed
	}

	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("pubsub: redis subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	r.subs[ps] = struct{}{}
	r.mu.Unlock()

	messages := ps.Channel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(ps)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				deliver(r.log, channel, handler, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (r *Redis) release(ps *redis.PubSub) {
	r.mu.Lock()
	_, ok := r.subs[ps]
	delete(r.subs, ps)
	r.mu.Unlock()
	if ok {
		if err := ps.Close(); err != nil {
			r.log.Debug("close redis subscription failed", zap.Error(err))
		}
	}
}

// Close 关闭全部订阅与客户端
func (r *Redis) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	subs := make([]*redis.PubSub, 0, len(r.subs))
	for ps := range r.subs {
		subs = append(subs, ps)
	}
	r.mu.Unlock()

	for _, ps := range subs {
		r.release(ps)
	}
	r.wg.Wait()
	return r.client.Close()
}
