// Package metrics 比对流水线的 Prometheus 指标
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器，nil 接收者上的方法均为空操作
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 流水线指标
	reportsTotal    *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	captureRetries  prometheus.Counter
	batchTasksTotal *prometheus.CounterVec
	itemsInFlight   prometheus.Gauge

	// AI 指标
	aiRequestsTotal   *prometheus.CounterVec
	aiRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，reg 为 nil 时使用默认注册表
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.reportsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Reports that reached a terminal status",
		},
		[]string{"status"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each comparison stage",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	c.captureRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_retries_total",
			Help:      "Screenshot capture retries",
		},
	)

	c.batchTasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_tasks_total",
			Help:      "Batch tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	c.itemsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_items_in_flight",
			Help:      "Batch items currently being processed",
		},
	)

	c.aiRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_requests_total",
			Help:      "Fix suggestion requests",
		},
		[]string{"provider", "status"},
	)

	c.aiRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_request_duration_seconds",
			Help:      "Fix suggestion request duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	return c
}

// RecordReport 记录报告终态
func (c *Collector) RecordReport(status string) {
	if c == nil {
		return
	}
	c.reportsTotal.WithLabelValues(status).Inc()
}

// ObserveStage 记录阶段耗时
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) RecordCaptureRetry() {
	if c == nil {
		return
	}
	c.captureRetries.Inc()
}

func (c *Collector) RecordBatch(status string) {
	if c == nil {
		return
	}
	c.batchTasksTotal.WithLabelValues(status).Inc()
}

// ItemStarted / ItemFinished 维护在途子项数
func (c *Collector) ItemStarted() {
	if c == nil {
		return
	}
	c.itemsInFlight.Inc()
}

func (c *Collector) ItemFinished() {
	if c == nil {
		return
	}
	c.itemsInFlight.Dec()
}

// RecordAIRequest 记录 AI 调用
func (c *Collector) RecordAIRequest(provider, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.aiRequestsTotal.WithLabelValues(provider, status).Inc()
	c.aiRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// GinMiddleware HTTP 指标中间件
func (c *Collector) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if c == nil {
			ctx.Next()
			return
		}

		start := time.Now()
		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		c.httpRequestsTotal.WithLabelValues(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpRequestDuration.WithLabelValues(ctx.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
