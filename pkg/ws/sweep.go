package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
)

// DisconnectFunc 断开本地连接
type DisconnectFunc func(ctx context.Context, clientID, reason string) bool

// Sweeper 不活跃清理
// 定期比较 LastActivityAt 与阈值，超时连接通过正常断开路径移除
type Sweeper struct {
	registry   *Registry
	timeout    time.Duration
	interval   time.Duration
	disconnect DisconnectFunc
	now        func() time.Time
	log        logger.Logger
}

// NewSweeper 创建清理器
func NewSweeper(registry *Registry, timeout, interval time.Duration, disconnect DisconnectFunc, log logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewNop()
	}
	return &Sweeper{
		registry:   registry,
		timeout:    timeout,
		interval:   interval,
		disconnect: disconnect,
		now:        time.Now,
		log:        log.Named("sweeper"),
	}
}

// SweepOnce 执行一次清理，返回被断开的客户端
func (s *Sweeper) SweepOnce(ctx context.Context) []string {
	if s.timeout <= 0 {
		return nil
	}
	var swept []string
	for _, id := range s.registry.Stale(s.now().Add(-s.timeout)) {
		if s.disconnect(ctx, id, "inactive") {
			swept = append(swept, id)
		}
	}
	if len(swept) > 0 {
		s.log.InfoContext(ctx, "swept inactive clients",
			zap.Int("count", len(swept)),
			zap.Duration("timeout", s.timeout),
		)
	}
	return swept
}

// Run 周期执行，直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
