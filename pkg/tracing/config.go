package tracing

import (
	"fmt"
	"time"

	"github.com/tokmz/qi-realtime/pkg/errors"
)

// 导出器类型
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterStdout   = "stdout"
	ExporterNoop     = "noop"
)

// ErrInvalidConfig 配置错误
var ErrInvalidConfig = errors.New(5050, "tracing: invalid config")

// Config 链路追踪配置
type Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`

	// 导出器
	Exporter string            `mapstructure:"exporter"` // otlp-http, otlp-grpc, stdout, noop
	Endpoint string            `mapstructure:"endpoint"` // 为空时读取 OTEL_EXPORTER_OTLP_ENDPOINT
	Headers  map[string]string `mapstructure:"headers"`
	Insecure bool              `mapstructure:"insecure"`

	// 采样：always, never, ratio, parent_based
	SamplingType string  `mapstructure:"sampling_type"`
	SamplingRate float64 `mapstructure:"sampling_rate"`

	ResourceAttributes map[string]string `mapstructure:"resource_attributes"`

	// 批处理
	BatchTimeout       time.Duration `mapstructure:"batch_timeout"`
	MaxExportBatchSize int           `mapstructure:"max_export_batch_size"`
	MaxQueueSize       int           `mapstructure:"max_queue_size"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ServiceName:        "realtime-worker",
		ServiceVersion:     "1.0.0",
		Environment:        "development",
		Exporter:           ExporterStdout,
		SamplingType:       "parent_based",
		SamplingRate:       1.0,
		BatchTimeout:       5 * time.Second,
		MaxExportBatchSize: 512,
		MaxQueueSize:       2048,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return ErrInvalidConfig.WithError(fmt.Errorf("service name is required"))
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return ErrInvalidConfig.WithError(fmt.Errorf("sampling rate %v out of [0, 1]", c.SamplingRate))
	}
	switch c.Exporter {
	case ExporterOTLPHTTP, ExporterOTLPGRPC, ExporterStdout, ExporterNoop:
	default:
		return ErrInvalidConfig.WithError(fmt.Errorf("unsupported exporter %q", c.Exporter))
	}
	return nil
}
