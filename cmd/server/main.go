package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/api"
	"github.com/qs3c/ui_diff_server/internal/api/handler"
	"github.com/qs3c/ui_diff_server/internal/database"
	"github.com/qs3c/ui_diff_server/internal/metrics"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/pkg/logger"
	"github.com/qs3c/ui_diff_server/internal/pkg/pubsub"
	"github.com/qs3c/ui_diff_server/internal/pkg/queue"
	"github.com/qs3c/ui_diff_server/internal/pkg/ws"
	"github.com/qs3c/ui_diff_server/internal/repository"
	"github.com/qs3c/ui_diff_server/internal/service"
)

var configPath = flag.String("config", "config.yaml", "Path to config file")

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog := logger.New(cfg.Log)
	defer zlog.Sync()

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	if cfg.JWT.Secret == "" {
		zlog.Warn("jwt secret not configured, API authentication disabled")
	}

	// 初始化数据库
	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		zlog.Fatal("failed to connect database", zap.Error(err))
	}
	zlog.Info("database connected", zap.String("driver", cfg.Database.Driver))

	// 初始化 Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		zlog.Fatal("failed to connect redis", zap.Error(err))
	}
	defer rdb.Close()
	zlog.Info("redis connected")

	jobQueue := queue.NewQueue(rdb, cfg.Queue.CompareQueue)
	images, _, _ := imagestore.FromConfig(cfg, zlog)

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(cfg.Metrics.Namespace, reg, zlog)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// WebSocket Hub，转发 worker 发布的进度事件
	hub := ws.NewHub(zlog)
	go func() {
		err := pubsub.NewSubscriber(rdb).Subscribe(ctx, func(event *pubsub.ProgressEvent) {
			_ = hub.SendToTopic(event.ID, &ws.Message{Type: event.Type, Data: event})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			zlog.Error("progress subscription stopped", zap.Error(err))
		}
	}()

	// Repository
	reportRepo := repository.NewReportRepository(db)
	batchRepo := repository.NewBatchTaskRepository(db)

	// Service
	reportService := service.NewReportService(reportRepo, jobQueue, images, cfg, zlog)
	batchService := service.NewBatchService(batchRepo, reportService, jobQueue, cfg, zlog)
	designService := service.NewDesignService(images, cfg)

	// Router
	router := api.NewRouter(
		handler.NewReportHandler(reportService),
		handler.NewBatchTaskHandler(batchService),
		handler.NewUploadHandler(designService, cfg),
		handler.NewModelsHandler(cfg),
		handler.NewWebSocketHandler(hub, zlog),
		collector,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		cfg,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server shutdown failed", zap.Error(err))
	}
	zlog.Info("server shutdown complete")
}
