package logger

import "io"

// Format 日志编码
type Format string

const (
	JSONFormat    Format = "json"
	ConsoleFormat Format = "console"
)

// IsValid 检查格式是否有效
func (f Format) IsValid() bool {
	return f == JSONFormat || f == ConsoleFormat
}

// Config 日志配置
// 未配置任何输出时写标准输出
type Config struct {
	Level  Level
	Format Format // 默认 json
	Name   string // 根 Logger 名称，如 "realtime"

	Console bool
	Rotate  *RotateConfig // 按大小轮转的文件输出
	Writer  io.Writer     // 测试时捕获输出

	// Sampling 每秒同一条消息前 Initial 条必记，之后每 Thereafter 条记 1 条
	// 用于高频的帧处理日志
	Sampling *SamplingConfig

	Caller     bool
	Stacktrace bool // Error 级别附带堆栈
}

// RotateConfig lumberjack 轮转配置，零值字段取默认值
type RotateConfig struct {
	Filename   string
	MaxSize    int // MB，默认 100
	MaxAge     int // 天，默认 30
	MaxBackups int // 默认 10
	Compress   bool
}

// SamplingConfig 采样配置
type SamplingConfig struct {
	Initial    int
	Thereafter int
}

func (c *Config) normalize() {
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.Rotate == nil && c.Writer == nil {
		c.Console = true
	}
	if r := c.Rotate; r != nil {
		r.MaxSize = orDefault(r.MaxSize, 100)
		r.MaxAge = orDefault(r.MaxAge, 30)
		r.MaxBackups = orDefault(r.MaxBackups, 10)
	}
	if s := c.Sampling; s != nil {
		s.Initial = orDefault(s.Initial, 100)
		s.Thereafter = orDefault(s.Thereafter, 100)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
