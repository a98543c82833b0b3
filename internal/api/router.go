package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/api/handler"
	"github.com/qs3c/ui_diff_server/internal/api/middleware"
	"github.com/qs3c/ui_diff_server/internal/metrics"
)

type Router struct {
	reportHandler    *handler.ReportHandler
	batchTaskHandler *handler.BatchTaskHandler
	uploadHandler    *handler.UploadHandler
	modelsHandler    *handler.ModelsHandler
	websocketHandler *handler.WebSocketHandler
	metrics          *metrics.Collector
	metricsHandler   http.Handler
	cfg              *config.Config
}

func NewRouter(
	reportHandler *handler.ReportHandler,
	batchTaskHandler *handler.BatchTaskHandler,
	uploadHandler *handler.UploadHandler,
	modelsHandler *handler.ModelsHandler,
	websocketHandler *handler.WebSocketHandler,
	collector *metrics.Collector,
	metricsHandler http.Handler,
	cfg *config.Config,
) *Router {
	return &Router{
		reportHandler:    reportHandler,
		batchTaskHandler: batchTaskHandler,
		uploadHandler:    uploadHandler,
		modelsHandler:    modelsHandler,
		websocketHandler: websocketHandler,
		metrics:          collector,
		metricsHandler:   metricsHandler,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(r.cfg.CORS))
	engine.Use(r.metrics.GinMiddleware())

	// 本地图片存储
	engine.Static(r.cfg.Storage.PublicPrefix, r.cfg.Storage.LocalDir)

	if r.metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(r.metricsHandler))
	}
	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	api := engine.Group("/api/v1")
	api.Use(middleware.Auth(r.cfg.JWT.Secret))
	{
		// WebSocket
		api.GET("/ws", r.websocketHandler.Handle)

		api.GET("/models", r.modelsHandler.List)

		create := middleware.QuotaCheck(r.cfg.Server.QuotaPerSecond, r.cfg.Server.QuotaBurst)

		// 设计稿
		api.POST("/designs", create, r.uploadHandler.Design)

		// 单页比对
		reports := api.Group("/reports")
		{
			reports.POST("", create, r.reportHandler.Create)
			reports.GET("", r.reportHandler.List)
			reports.GET("/:id", r.reportHandler.Get)
			reports.DELETE("/:id", r.reportHandler.Delete)
		}

		// 批量任务
		batches := api.Group("/batch-tasks")
		{
			batches.POST("", create, r.batchTaskHandler.Create)
			batches.GET("", r.batchTaskHandler.List)
			batches.GET("/:id", r.batchTaskHandler.Get)
			batches.POST("/:id/cancel", r.batchTaskHandler.Cancel)
			batches.DELETE("/:id", r.batchTaskHandler.Delete)
		}
	}

	return engine
}
