package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qi-realtime/pkg/errors"
)

const workerYAML = `
server:
  addr: ":8080"
  read_timeout: 5s
worker:
  id: w1
  allowed_origins:
    - https://a.example
    - https://b.example
rooms:
  max_size: 50
`

type serverSection struct {
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type workerSection struct {
	ID             string   `mapstructure:"id"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type testSettings struct {
	Server serverSection `mapstructure:"server"`
	Worker workerSection `mapstructure:"worker"`
	Rooms  struct {
		MaxSize int `mapstructure:"max_size"`
	} `mapstructure:"rooms"`
	Sweep struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"sweep"`
}

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadSource(t *testing.T, opts ...Option) *Source {
	t.Helper()
	path := writeFile(t, t.TempDir(), workerYAML)
	s := New(append([]Option{WithFile(path)}, opts...)...)
	require.NoError(t, s.Load())
	return s
}

func TestDecodeFile(t *testing.T) {
	s := loadSource(t)

	var cfg testSettings
	require.NoError(t, s.Decode(&cfg))
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "w1", cfg.Worker.ID)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Worker.AllowedOrigins)
	assert.Equal(t, 50, cfg.Rooms.MaxSize)
	assert.True(t, strings.HasSuffix(s.File(), "worker.yaml"))
}

func TestLayering(t *testing.T) {
	t.Setenv("RT_WORKER_ID", "from-env")
	t.Setenv("RT_SWEEP_INTERVAL", "45s")

	s := loadSource(t,
		WithEnv("RT"),
		WithDefaults(map[string]any{
			"worker.id":      "fallback",
			"server.addr":    ":9999",
			"sweep.interval": "30s",
		}),
	)

	var cfg testSettings
	require.NoError(t, s.Decode(&cfg))
	// 环境变量 > 文件 > 默认值
	assert.Equal(t, "from-env", cfg.Worker.ID)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, "from-env", s.Value("worker.id"))
}

func TestDefaultsWithoutFile(t *testing.T) {
	s := New(WithDefaults(map[string]any{"server.addr": ":7000"}))
	require.NoError(t, s.Load())

	var cfg testSettings
	require.NoError(t, s.Decode(&cfg))
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Empty(t, s.File())
}

func TestLoadErrors(t *testing.T) {
	err := New(WithFile(filepath.Join(t.TempDir(), "missing.yaml"))).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	broken := writeFile(t, t.TempDir(), "server: [unclosed\n")
	err = New(WithFile(broken)).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRead))
}

func TestDecodeError(t *testing.T) {
	s := New(WithDefaults(map[string]any{"rooms.max_size": "many"}))
	require.NoError(t, s.Load())

	var cfg testSettings
	err := s.Decode(&cfg)
	require.Error(t, err)
	assert.Equal(t, 3003, errors.CodeOf(err))
}

func TestWatchWithoutFile(t *testing.T) {
	var reported error
	s := New(WithOnError(func(err error) { reported = err }))
	require.NoError(t, s.Load())

	err := s.Watch()
	assert.True(t, errors.Is(err, ErrNoFile))
	assert.True(t, errors.Is(reported, ErrNoFile))
	assert.False(t, s.Watching())
}

func TestWatchStartStop(t *testing.T) {
	s := loadSource(t)

	require.NoError(t, s.Watch())
	require.NoError(t, s.Watch())
	assert.True(t, s.Watching())

	s.Stop()
	assert.False(t, s.Watching())
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, workerYAML)

	var fired atomic.Int32
	changed := make(chan struct{}, 8)
	s := New(
		WithFile(path),
		WithDebounce(50*time.Millisecond),
		WithOnChange(func() {
			fired.Add(1)
			changed <- struct{}{}
		}),
	)
	require.NoError(t, s.Load())
	require.NoError(t, s.Watch())
	defer s.Stop()

	writeFile(t, dir, strings.Replace(workerYAML, "id: w1", "id: w2", 1))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
	assert.Eventually(t, func() bool {
		var cfg testSettings
		return s.Decode(&cfg) == nil && cfg.Worker.ID == "w2"
	}, 2*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, fired.Load(), int32(1))
}

func TestConcurrentDecode(t *testing.T) {
	s := loadSource(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cfg testSettings
			assert.NoError(t, s.Decode(&cfg))
			_ = s.Value("server.addr")
		}()
	}
	wg.Wait()
}
