package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/repository"
)

const purgeBatch = 100

var reportImageNames = []string{"design", "actual", "diff"}

// BatchInterrupter 结束停滞的批量任务
type BatchInterrupter interface {
	Interrupt(ctx context.Context, taskID string) error
}

type Service struct {
	reports     repository.ReportRepo
	tasks       repository.BatchTaskRepo
	images      imagestore.Store
	interrupter BatchInterrupter
	retain      time.Duration
	stuckAfter  time.Duration
	interval    time.Duration
	logger      *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewService(
	reports repository.ReportRepo,
	tasks repository.BatchTaskRepo,
	images imagestore.Store,
	interrupter BatchInterrupter,
	retainDays int,
	stuckAfter time.Duration,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		reports:     reports,
		tasks:       tasks,
		images:      images,
		interrupter: interrupter,
		retain:      time.Duration(retainDays) * 24 * time.Hour,
		stuckAfter:  stuckAfter,
		interval:    time.Hour,
		logger:      logger.With(zap.String("component", "cron")),
		stopChan:    make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	go s.runStuckCheck()
	go s.runCleanup()
	s.logger.Info("cron service started", zap.Duration("stuck_after", s.stuckAfter), zap.Duration("retain", s.retain))
}

// Stop 停止定时任务
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.logger.Info("cron service stopped")
}

// runStuckCheck 按停滞阈值的一半周期检查
func (s *Service) runStuckCheck() {
	interval := s.stuckAfter / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx := context.Background()
			s.FailStuckReports(ctx)
			s.InterruptStuckBatches(ctx)
		}
	}
}

// runCleanup 每小时清理一次过期报告
func (s *Service) runCleanup() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(context.Background(), time.Now().Add(-s.retain), false); err != nil {
				s.logger.Warn("purge expired reports failed", zap.Error(err))
			}
		}
	}
}

// FailStuckReports 长时间无进展的报告置为失败
func (s *Service) FailStuckReports(ctx context.Context) int {
	if s.stuckAfter <= 0 {
		return 0
	}
	reports, err := s.reports.ListStuck(time.Now().Add(-s.stuckAfter))
	if err != nil {
		s.logger.Warn("failed to list stuck reports", zap.Error(err))
		return 0
	}

	failed := 0
	for _, r := range reports {
		now := time.Now()
		err := s.reports.Update(r.ID, map[string]interface{}{
			"status":       model.ReportFailed,
			"error":        "no progress for " + s.stuckAfter.String(),
			"step_text":    "比对失败",
			"completed_at": &now,
		})
		switch {
		case err == nil:
			failed++
		case errors.Is(err, repository.ErrReportTerminal):
			// 检查期间已经结束
		default:
			s.logger.Warn("failed to fail stuck report", zap.String("report_id", r.ID), zap.Error(err))
		}
	}
	if failed > 0 {
		s.logger.Info("stuck reports failed", zap.Int("count", failed))
	}
	return failed
}

// InterruptStuckBatches 结束长时间无更新的批量任务
func (s *Service) InterruptStuckBatches(ctx context.Context) int {
	if s.stuckAfter <= 0 || s.interrupter == nil {
		return 0
	}
	tasks, err := s.tasks.ListStuck(time.Now().Add(-s.stuckAfter))
	if err != nil {
		s.logger.Warn("failed to list stuck batch tasks", zap.Error(err))
		return 0
	}

	done := 0
	for _, t := range tasks {
		if err := s.interrupter.Interrupt(ctx, t.ID); err != nil {
			s.logger.Warn("failed to interrupt batch task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		done++
	}
	return done
}

// PurgeExpired 删除 before 之前创建的终态报告及其图片，dryRun 时只返回首批数量
func (s *Service) PurgeExpired(ctx context.Context, before time.Time, dryRun bool) (int, error) {
	purged := 0
	for {
		reports, err := s.reports.ListOlderThan(before, purgeBatch)
		if err != nil {
			return purged, err
		}
		if dryRun {
			return len(reports), nil
		}
		if len(reports) == 0 {
			break
		}

		for _, r := range reports {
			if err := ctx.Err(); err != nil {
				return purged, err
			}
			if _, err := s.reports.DeleteByID(r.ID); err != nil {
				return purged, err
			}
			for _, name := range reportImageNames {
				if err := s.images.Delete(ctx, imagestore.ReportKey(r.ID, name)); err != nil {
					s.logger.Debug("failed to delete image", zap.String("report_id", r.ID), zap.Error(err))
				}
			}
			purged++
		}
		if len(reports) < purgeBatch {
			break
		}
	}

	if purged > 0 {
		s.logger.Info("expired reports purged", zap.Int("count", purged), zap.Time("before", before))
	}
	return purged, nil
}
