package pubsub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qi-realtime/pkg/errors"
)

// flakyTransport 发布按开关失败的传输
type flakyTransport struct {
	*Memory
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *flakyTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return assert.AnError
	}
	return f.Memory.Publish(ctx, channel, payload)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &flakyTransport{Memory: NewMemory(nil)}
	inner.fail.Store(true)
	b := WithBreaker(inner, BreakerConfig{FailureThreshold: 2, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	assert.ErrorIs(t, b.Publish(ctx, "ch", nil), assert.AnError)
	assert.ErrorIs(t, b.Publish(ctx, "ch", nil), assert.AnError)
	assert.Equal(t, "open", b.State())

	err := b.Publish(ctx, "ch", nil)
	assert.True(t, errors.Is(err, ErrBreakerOpen))
	assert.Equal(t, int32(2), inner.calls.Load(), "open breaker must not reach the broker")

	// 超时后半开，成功一次即关闭
	inner.fail.Store(false)
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, "ch", nil))
	assert.Equal(t, "closed", b.State())
}

func TestBreakerPassesSubscriptions(t *testing.T) {
	b := WithBreaker(NewMemory(nil), BreakerConfig{})
	c := &collector{}
	require.NoError(t, b.Subscribe(context.Background(), "ch", c.handle))
	require.NoError(t, b.Publish(context.Background(), "ch", []byte("x")))
	assert.Equal(t, []string{"x"}, c.waitFor(t, 1))
	require.NoError(t, b.Close())
}
