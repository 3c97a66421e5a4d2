package logger

import "io"

// Option Logger 选项
type Option func(*Config)

func WithLevel(level Level) Option {
	return func(c *Config) { c.Level = level }
}

func WithFormat(format Format) Option {
	return func(c *Config) { c.Format = format }
}

func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithConsole 输出到标准输出
func WithConsole() Option {
	return func(c *Config) { c.Console = true }
}

// WithRotate 输出到轮转文件
func WithRotate(rotate *RotateConfig) Option {
	return func(c *Config) { c.Rotate = rotate }
}

// WithWriter 额外输出，测试中用 bytes.Buffer 断言日志
func WithWriter(w io.Writer) Option {
	return func(c *Config) { c.Writer = w }
}

func WithSampling(sampling *SamplingConfig) Option {
	return func(c *Config) { c.Sampling = sampling }
}

func WithCaller(enable bool) Option {
	return func(c *Config) { c.Caller = enable }
}

func WithStacktrace(enable bool) Option {
	return func(c *Config) { c.Stacktrace = enable }
}
