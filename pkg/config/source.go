package config

import (
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/tokmz/qi-realtime/pkg/errors"
)

const defaultDebounce = 100 * time.Millisecond

// Source 分层配置来源：默认值 < 配置文件 < 环境变量
// viper 本身不是并发安全的，所有访问经过 mu
type Source struct {
	v  *viper.Viper
	mu sync.RWMutex

	file      string
	envPrefix string
	defaults  map[string]any
	debounce  time.Duration

	onChange func()
	onError  func(error)

	watching bool
	pending  *time.Timer
}

// New 创建配置来源，调用 Load 后才可 Decode
func New(opts ...Option) *Source {
	s := &Source{
		v:        viper.New(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load 应用默认值和环境变量并读取配置文件
func (s *Source) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range s.defaults {
		s.v.SetDefault(k, v)
	}
	if s.envPrefix != "" {
		s.v.SetEnvPrefix(s.envPrefix)
		s.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		s.v.AutomaticEnv()
	}
	if s.file == "" {
		return nil
	}

	s.v.SetConfigFile(s.file)
	if err := s.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			return ErrNotFound.WithError(err)
		}
		return ErrRead.WithError(err)
	}
	return nil
}

// Decode 将当前配置解码到 out，时间间隔支持 "5s" 形式
func (s *Source) Decode(out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.v.Unmarshal(out); err != nil {
		return ErrDecode.WithError(err)
	}
	return nil
}

// Value 读取单个键，主要用于排查覆盖顺序
func (s *Source) Value(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.Get(key)
}

// File 实际使用的配置文件，未加载文件时为空
func (s *Source) File() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.ConfigFileUsed()
}

// Watch 监控配置文件，重复调用无副作用
func (s *Source) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watching {
		return nil
	}
	if s.v.ConfigFileUsed() == "" {
		if s.onError != nil {
			s.onError(ErrNoFile)
		}
		return ErrNoFile
	}
	s.v.OnConfigChange(s.changed)
	s.v.WatchConfig()
	s.watching = true
	return nil
}

// Stop 停止回调
// viper 无法关闭底层 fsnotify watcher，停止后的事件会被丢弃
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watching = false
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

// Watching 是否正在监控
func (s *Source) Watching() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watching
}

// changed 由 viper 在重新读取文件后调用
func (s *Source) changed(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.watching || s.onChange == nil {
		return
	}
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending = time.AfterFunc(s.debounce, s.fire)
}

func (s *Source) fire() {
	s.mu.Lock()
	fn := s.onChange
	active := s.watching
	s.pending = nil
	s.mu.Unlock()

	if active && fn != nil {
		fn()
	}
}
