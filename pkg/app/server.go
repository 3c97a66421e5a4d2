package app

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/qi-realtime/pkg/logger"
	"github.com/tokmz/qi-realtime/pkg/ws"
)

// HealthStatus /healthz 响应
type HealthStatus struct {
	Status   string `json:"status"`
	WorkerID string `json:"workerId"`
	Local    int    `json:"local"`
	Shadow   int    `json:"shadow"`
	Rooms    int    `json:"rooms"`
}

// newEngine 挂载 WebSocket、指标与健康检查路由
// gatherer 为 nil 时不挂载指标
func newEngine(cfg ServerSettings, metricsPath string, manager *ws.Manager, gatherer prometheus.Gatherer, tracer trace.Tracer, log logger.Logger) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard

	engine := gin.New()
	engine.Use(gin.Recovery(), httpTracing(tracer), accessLog(log, cfg.Path, "/healthz", metricsPath))
	if cfg.TrustedProxies != nil {
		if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			log.Warn("set trusted proxies failed", zap.Error(err))
		}
	}

	engine.GET(cfg.Path, func(c *gin.Context) {
		if err := manager.HandleUpgrade(c.Writer, c.Request); err != nil {
			log.Debug("upgrade rejected",
				zap.String("remote", c.ClientIP()),
				zap.Error(err),
			)
		}
	})

	engine.GET("/healthz", func(c *gin.Context) {
		reg := manager.Registry()
		c.JSON(http.StatusOK, HealthStatus{
			Status:   "ok",
			WorkerID: manager.WorkerID(),
			Local:    reg.LocalCount(),
			Shadow:   reg.ShadowCount(),
			Rooms:    manager.Rooms().Count(),
		})
	})

	if gatherer != nil {
		engine.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return engine
}
