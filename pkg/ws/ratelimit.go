package ws

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig 限流中间件配置
type RateLimitConfig struct {
	// MessagesPerSecond 每秒允许的消息数（默认 20）
	MessagesPerSecond float64

	// Burst 突发容量（默认等于 MessagesPerSecond）
	Burst int

	// KeyFunc 限流 key（默认按客户端 ID）
	KeyFunc func(c *Context) string

	// SkipRoutes 不限流的路由键
	SkipRoutes []string

	// Silent 为 true 时拦截不回复错误帧
	Silent bool

	// OnLimited 被拦截时回调
	OnLimited func(c *Context)

	// BucketExpiry 桶过期时间（默认 10 分钟无访问则清理）
	BucketExpiry time.Duration
}

// tokenBucket 令牌桶
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: now,
	}
}

// allow 检查是否允许
func (t *tokenBucket) allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := now.Sub(t.lastRefill).Seconds()
	t.tokens += elapsed * t.refillRate
	if t.tokens > t.maxTokens {
		t.tokens = t.maxTokens
	}
	t.lastRefill = now

	if t.tokens >= 1 {
		t.tokens--
		return true
	}
	return false
}

// RateLimiter 按 key 的令牌桶集合
type RateLimiter struct {
	rate   float64
	burst  int
	expiry time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter 创建限流器
func NewRateLimiter(rate float64, burst int, expiry time.Duration) *RateLimiter {
	if rate <= 0 {
		rate = 20
	}
	if burst <= 0 {
		burst = int(rate)
		if burst < 1 {
			burst = 1
		}
	}
	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	return &RateLimiter{
		rate:    rate,
		burst:   burst,
		expiry:  expiry,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

// Allow 消耗一个令牌
func (l *RateLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = newTokenBucket(l.rate, l.burst, now)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	return bucket.allow(now)
}

// Forget 删除 key 的桶（连接断开时调用）
func (l *RateLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Size 当前桶数量
func (l *RateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup 清理过期的桶
func (l *RateLimiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, bucket := range l.buckets {
		bucket.mu.Lock()
		expired := now.Sub(bucket.lastRefill) > l.expiry
		bucket.mu.Unlock()
		if expired {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run 每半个过期时间清理一次，直到 ctx 取消
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.expiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// RateLimit 创建限流中间件
// 超限是过滤结果而不是错误：处理器被跳过，调用方不会收到错误。
// 通过 Manager.Use 注册后，过期桶由 Manager 定期清理，连接断开时删除其桶；
// 自定义 KeyFunc 时断开清理不生效，只依赖过期清理。
func RateLimit(cfg RateLimitConfig, limiter *RateLimiter) Middleware {
	if limiter == nil {
		limiter = NewRateLimiter(cfg.MessagesPerSecond, cfg.Burst, cfg.BucketExpiry)
	}
	byClient := cfg.KeyFunc == nil
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *Context) string {
			return c.ClientID
		}
	}
	skip := stringSet(cfg.SkipRoutes)

	mw := Middleware{
		Name: "rate_limit",
		Run:  limiter.Run,
		OnBefore: func(c *Context) bool {
			if _, ok := skip[c.RouteKey()]; ok {
				return true
			}
			if limiter.Allow(cfg.KeyFunc(c)) {
				return true
			}
			if cfg.OnLimited != nil {
				cfg.OnLimited(c)
			}
			if !cfg.Silent {
				_ = c.ReplyError(ErrRateLimited)
			}
			return false
		},
	}
	if byClient {
		mw.OnDisconnect = limiter.Forget
	}
	return mw
}
