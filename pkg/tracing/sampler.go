package tracing

import (
	"os"
	"strconv"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newSampler 环境变量 OTEL_TRACES_SAMPLER 优先于配置
func newSampler(cfg *Config) sdktrace.Sampler {
	if name := os.Getenv("OTEL_TRACES_SAMPLER"); name != "" {
		return samplerFromEnv(name)
	}

	switch cfg.SamplingType {
	case "always":
		return sdktrace.AlwaysSample()
	case "never":
		return sdktrace.NeverSample()
	case "ratio":
		return sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))
	}
}

func samplerFromEnv(name string) sdktrace.Sampler {
	switch name {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratioFromEnv())
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratioFromEnv()))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

// ratioFromEnv OTEL_TRACES_SAMPLER_ARG，非法值按 1.0 处理
func ratioFromEnv() float64 {
	ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1.0
	}
	return ratio
}
