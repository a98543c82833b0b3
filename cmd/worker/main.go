package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/capture"
	"github.com/qs3c/ui_diff_server/internal/database"
	"github.com/qs3c/ui_diff_server/internal/diff"
	"github.com/qs3c/ui_diff_server/internal/metrics"
	"github.com/qs3c/ui_diff_server/internal/pkg/cron"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/pkg/logger"
	"github.com/qs3c/ui_diff_server/internal/pkg/pubsub"
	"github.com/qs3c/ui_diff_server/internal/pkg/queue"
	"github.com/qs3c/ui_diff_server/internal/repository"
	"github.com/qs3c/ui_diff_server/internal/suggest"
	"github.com/qs3c/ui_diff_server/internal/worker"
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

	images, local, remote := imagestore.FromConfig(cfg, zlog)

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(cfg.Metrics.Namespace, reg, zlog)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 进度事件异步投递，在途任务结束后再停止
	broadcastCtx, stopBroadcast := context.WithCancel(context.Background())
	broadcaster := pubsub.NewAsyncBroadcaster(pubsub.NewPublisher(rdb), cfg.Batch.BroadcastBuffer, zlog)
	go broadcaster.Run(broadcastCtx)

	// 浏览器与流水线各阶段
	pool := capture.NewBrowserPool(cfg.Browser, zlog)
	defer pool.Close()
	capturer := capture.NewRetryingCapturer(capture.NewChromeCapturer(pool, cfg.Browser, zlog), cfg.Browser, collector, zlog)

	reportRepo := repository.NewReportRepository(db)
	batchRepo := repository.NewBatchTaskRepository(db)

	processor := worker.NewProcessor(worker.ProcessorDeps{
		Reports:     reportRepo,
		Sessions:    capture.NewSessionProvider(pool, cfg.Browser, zlog),
		Capturer:    capturer,
		Engine:      diff.NewEngine(cfg.Diff),
		Analyzer:    diff.NewAnalyzer(cfg.Diff),
		Suggester:   suggest.NewGenerator(cfg.AI, collector, zlog),
		Images:      images,
		Broadcaster: broadcaster,
		Metrics:     collector,
		Logger:      zlog,
	}, cfg)
	batchRunner := worker.NewBatchRunner(batchRepo, reportRepo, processor, broadcaster, collector, cfg, zlog)

	// 停滞检测与过期清理
	cronService := cron.NewService(reportRepo, batchRepo, images, batchRunner,
		cfg.Cleanup.RetainDays, cfg.Batch.StuckAfter, zlog)
	cronService.Start()
	defer cronService.Stop()

	if remote != nil {
		go worker.NewReuploader(reportRepo, local, remote, cfg.Storage.PublicPrefix, zlog).Start(ctx)
	}

	// 指标端点
	var metricsSrv *http.Server
	if cfg.Metrics.WorkerAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.WorkerAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	dispatcher := worker.NewDispatcher(
		queue.NewQueue(rdb, cfg.Queue.CompareQueue),
		processor.ProcessReport,
		batchRunner.Run,
		cfg.Queue.MaxWorkers,
		zlog,
	)

	zlog.Info("worker started",
		zap.Int("max_workers", cfg.Queue.MaxWorkers),
		zap.Int("batch_concurrency", cfg.Batch.Concurrency))

	// 阻塞到 ctx 取消且在途任务结束
	dispatcher.Run(ctx)
	zlog.Info("received shutdown signal, in-flight jobs drained")

	stopBroadcast()
	<-broadcaster.Done()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	zlog.Info("worker shutdown complete")
}
