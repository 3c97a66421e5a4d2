package store

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tokmz/qi-realtime/pkg/logger"
	"github.com/tokmz/qi-realtime/pkg/ws"
)

// openMemory 单连接内存 sqlite，连接关闭即丢失数据
func openMemory(t *testing.T, mutate ...func(*Config)) *gorm.DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Type = SQLite
	cfg.DSN = ":memory:"
	cfg.MaxIdleConns = 1
	cfg.MaxOpenConns = 1
	cfg.ConnMaxLifetime = 0
	cfg.ConnMaxIdleTime = 0
	for _, fn := range mutate {
		fn(cfg)
	}

	db, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func newTestUsers(t *testing.T) *UserStore {
	t.Helper()
	users := NewUserStore(openMemory(t), nil)
	require.NoError(t, users.Migrate(context.Background()))
	return users
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) { c.DSN = "dsn" }, false},
		{"missing dsn", func(c *Config) {}, true},
		{"unknown type", func(c *Config) { c.DSN = "dsn"; c.Type = "oracle" }, true},
		{"split without sources", func(c *Config) {
			c.DSN = "dsn"
			c.ReadWriteSplit = &ReadWriteSplitConfig{Policy: "random"}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := Open(&Config{Type: "oracle", DSN: "x"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestUserStore(t *testing.T) {
	ctx := context.Background()
	users := newTestUsers(t)

	require.NoError(t, users.Save(ctx, &ws.UserRecord{
		ID:    "u1",
		Name:  "Alice",
		Type:  "staff",
		Extra: map[string]any{"level": float64(3)},
	}))

	rec, err := users.FindUserByID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Alice", rec.Name)
	assert.Equal(t, "staff", rec.Type)
	assert.Equal(t, map[string]any{"level": float64(3)}, rec.Extra)

	t.Run("missing user", func(t *testing.T) {
		rec, err := users.FindUserByID(ctx, "nobody")
		assert.NoError(t, err)
		assert.Nil(t, rec)

		rec, err = users.FindUserByID(ctx, "")
		assert.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("save overwrites", func(t *testing.T) {
		require.NoError(t, users.Save(ctx, &ws.UserRecord{ID: "u1", Name: "Alice B", Type: "staff"}))
		rec, err := users.FindUserByID(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Alice B", rec.Name)
		assert.Empty(t, rec.Extra)
	})
}

func TestFindUserByIDConcurrent(t *testing.T) {
	ctx := context.Background()
	users := newTestUsers(t)
	require.NoError(t, users.Save(ctx, &ws.UserRecord{ID: "u1", Name: "Alice", Extra: map[string]any{"k": "v"}}))

	const n = 8
	results := make([]*ws.UserRecord, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := users.FindUserByID(ctx, "u1")
			assert.NoError(t, err)
			results[i] = rec
		}()
	}
	wg.Wait()

	for _, rec := range results {
		require.NotNil(t, rec)
		assert.Equal(t, "Alice", rec.Name)
	}
	// 每个调用方拿到独立副本
	results[0].Extra["k"] = "changed"
	for _, rec := range results[1:] {
		assert.Equal(t, "v", rec.Extra["k"])
	}
}

func TestFindUserByIDQueryError(t *testing.T) {
	// 未迁移，表不存在
	users := NewUserStore(openMemory(t), nil)
	rec, err := users.FindUserByID(context.Background(), "u1")
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrQuery)
}

func TestGormLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.New(&logger.Config{Level: logger.DebugLevel, Writer: &buf})
	require.NoError(t, err)

	ctx := context.Background()
	sql := func() (string, int64) { return "SELECT 1", 1 }

	l := NewGormLogger(log, 10*time.Millisecond, gormlogger.Warn)
	l.Trace(ctx, time.Now(), sql, nil)
	assert.Empty(t, buf.String(), "fast query below info level")

	l.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	assert.Contains(t, buf.String(), "slow sql")

	buf.Reset()
	l.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String(), "record not found is not an error")

	l.Trace(ctx, time.Now(), sql, assert.AnError)
	assert.Contains(t, buf.String(), "sql error")

	buf.Reset()
	l.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), sql, assert.AnError)
	assert.Empty(t, buf.String())

	assert.Equal(t, gormlogger.Info, ParseLogLevel("INFO"))
	assert.Equal(t, gormlogger.Warn, ParseLogLevel("bogus"))
}

func TestTracingPlugin(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	db := openMemory(t, func(c *Config) { c.Tracing = true; c.SQLTrace = true })
	users := NewUserStore(db, nil)
	require.NoError(t, users.Migrate(context.Background()))

	_, err := users.FindUserByID(context.Background(), "u1")
	require.NoError(t, err)

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "store.query" {
			continue
		}
		found = true
		for _, attr := range span.Attributes() {
			if attr.Key == "db.statement" {
				assert.Contains(t, attr.Value.AsString(), "SELECT")
			}
		}
	}
	assert.True(t, found, "query span recorded")
}
