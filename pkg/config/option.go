package config

import "time"

// Option 配置来源选项
type Option func(*Source)

// WithFile 指定配置文件，扩展名决定格式
func WithFile(path string) Option {
	return func(s *Source) {
		s.file = path
	}
}

// WithDefaults 设置默认值，只有出现在默认值中的键才能被环境变量覆盖到结构体
func WithDefaults(defaults map[string]any) Option {
	return func(s *Source) {
		s.defaults = defaults
	}
}

// WithEnv 开启环境变量覆盖，server.addr 对应 <PREFIX>_SERVER_ADDR
func WithEnv(prefix string) Option {
	return func(s *Source) {
		s.envPrefix = prefix
	}
}

// WithDebounce 文件变更后的合并窗口，编辑器一次保存常触发多个事件
func WithDebounce(d time.Duration) Option {
	return func(s *Source) {
		s.debounce = d
	}
}

// WithOnChange 文件重新读取后回调
func WithOnChange(fn func()) Option {
	return func(s *Source) {
		s.onChange = fn
	}
}

// WithOnError 监控错误回调
func WithOnError(fn func(error)) Option {
	return func(s *Source) {
		s.onError = fn
	}
}
