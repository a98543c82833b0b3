package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/database"
	"github.com/qs3c/ui_diff_server/internal/pkg/cron"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/pkg/logger"
	"github.com/qs3c/ui_diff_server/internal/repository"
)

var (
	dryRun     = flag.Bool("dry-run", true, "Dry run mode, don't actually delete reports")
	retainDays = flag.Int("retain-days", 0, "Days to keep finished reports (0 uses cleanup.retain_days)")
	failStuck  = flag.Bool("fail-stuck", true, "Fail reports that made no progress within batch.stuck_after")
)

func main() {
	flag.Parse()

	log.Println("Starting cleanup task...")
	log.Printf("Mode: dry-run=%v", *dryRun)

	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	zlog := logger.New(cfg.Log)
	defer zlog.Sync()

	days := *retainDays
	if days <= 0 {
		days = cfg.Cleanup.RetainDays
	}

	images, _, _ := imagestore.FromConfig(cfg, zlog)
	svc := cron.NewService(
		repository.NewReportRepository(db),
		repository.NewBatchTaskRepository(db),
		images,
		nil,
		days,
		cfg.Batch.StuckAfter,
		zlog,
	)

	ctx := context.Background()
	before := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

	// 1. 停滞报告置为失败
	stuck := 0
	if *failStuck && !*dryRun {
		log.Printf("Failing reports with no progress for %s...", cfg.Batch.StuckAfter)
		stuck = svc.FailStuckReports(ctx)
	}

	// 2. 删除过期报告及图片
	log.Printf("Purging finished reports created before %s (%d days)...", before.Format(time.RFC3339), days)
	purged, err := svc.PurgeExpired(ctx, before, *dryRun)
	if err != nil {
		log.Printf("Purge stopped early: %v", err)
	}

	log.Println(strings.Repeat("=", 60))
	log.Println("Cleanup Summary")
	log.Println(strings.Repeat("=", 60))
	log.Printf("Stuck reports failed: %d", stuck)
	if *dryRun {
		log.Printf("Expired reports (first batch): %d", purged)
		log.Println("DRY RUN MODE - nothing was deleted")
		log.Println("   Run with -dry-run=false to actually delete reports")
	} else {
		log.Printf("Expired reports deleted: %d", purged)
		log.Println("Cleanup completed!")
	}
	log.Println(strings.Repeat("=", 60))
}
