package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/metrics"
	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/model/dto"
	"github.com/qs3c/ui_diff_server/internal/pkg/pubsub"
	"github.com/qs3c/ui_diff_server/internal/repository"
)

// ItemProcessor 执行单个报告流水线
type ItemProcessor interface {
	Run(ctx context.Context, reportID string, cancelled func() bool) (*model.Report, error)
}

// itemOutcome 子项结果，只在 worker 与汇总之间传递
type itemOutcome struct {
	item   *model.BatchTaskItem
	report *model.Report
	err    error // 仅持久化失败
	reason string
}

// BatchRunner 固定大小的 worker 池执行批量任务，子项之间互不影响
type BatchRunner struct {
	tasks       repository.BatchTaskRepo
	reports     repository.ReportRepo
	processor   ItemProcessor
	broadcaster pubsub.Broadcaster
	metrics     *metrics.Collector
	cfg         *config.Config
	logger      *zap.Logger

	// 汇总写入串行化
	mu sync.Mutex
}

func NewBatchRunner(
	tasks repository.BatchTaskRepo,
	reports repository.ReportRepo,
	processor ItemProcessor,
	broadcaster pubsub.Broadcaster,
	m *metrics.Collector,
	cfg *config.Config,
	logger *zap.Logger,
) *BatchRunner {
	if broadcaster == nil {
		broadcaster = pubsub.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchRunner{
		tasks:       tasks,
		reports:     reports,
		processor:   processor,
		broadcaster: broadcaster,
		metrics:     m,
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "batch_runner")),
	}
}

// Run 执行批量任务直到所有子项终结
func (b *BatchRunner) Run(ctx context.Context, taskID string) error {
	task, err := b.tasks.FindByID(taskID)
	if err != nil {
		return fmt.Errorf("failed to get batch task %s: %w", taskID, err)
	}
	if model.IsTerminalBatchStatus(task.Status) {
		return nil
	}

	items, err := b.tasks.FindItemsByTaskID(taskID)
	if err != nil {
		return fmt.Errorf("failed to get batch items: %w", err)
	}

	now := time.Now()
	if err := b.tasks.Update(taskID, map[string]interface{}{
		"status":     model.BatchRunning,
		"total":      len(items),
		"started_at": now,
	}); err != nil {
		if errors.Is(err, repository.ErrBatchTaskTerminal) {
			return nil
		}
		return err
	}
	task.Status = model.BatchRunning
	task.Total = len(items)

	logger := b.logger.With(zap.String("task_id", taskID))
	logger.Info("batch started", zap.Int("items", len(items)), zap.Int("workers", b.workers()))

	var cancelled, settled atomic.Bool
	cancelled.Store(task.CancelRequested)
	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go b.pollCancel(pollCtx, taskID, &cancelled)

	// 任务被其他执行者结束后，剩余子项按取消处理且不再回写
	stop := func() bool { return cancelled.Load() || settled.Load() }

	work := make(chan *model.BatchTaskItem)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)
		for _, item := range items {
			if model.IsTerminalReportStatus(item.Status) {
				continue
			}
			select {
			case work <- item:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for i := 0; i < b.workers(); i++ {
		g.Go(func() error {
			for item := range work {
				out := b.runItem(gctx, task, item, stop)
				err := b.record(ctx, task, out)
				if errors.Is(err, errSettled) {
					settled.Store(true)
					continue
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("batch aborted", zap.Error(err))
		return err
	}
	stopPoll()

	if settled.Load() {
		logger.Info("batch settled elsewhere, results discarded")
		return nil
	}
	reason := errCancelled.Error()
	if ctx.Err() != nil {
		reason = errInterrupted
	}
	return b.finish(ctx, task, reason)
}

// Interrupt 结束长时间无进展的任务，未终结的子项按中断失败
func (b *BatchRunner) Interrupt(ctx context.Context, taskID string) error {
	task, err := b.tasks.FindByID(taskID)
	if err != nil {
		return fmt.Errorf("failed to get batch task %s: %w", taskID, err)
	}
	if model.IsTerminalBatchStatus(task.Status) {
		return nil
	}
	b.logger.Warn("interrupting stalled batch", zap.String("task_id", taskID))
	return b.finish(ctx, task, errInterrupted)
}

func (b *BatchRunner) workers() int {
	n := b.cfg.Batch.Concurrency
	if n < 1 {
		n = 1
	}
	return n
}

// pollCancel 定期检查取消标记
func (b *BatchRunner) pollCancel(ctx context.Context, taskID string, cancelled *atomic.Bool) {
	interval := b.cfg.Batch.CancelPoll
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := b.tasks.FindByID(taskID)
			if err != nil {
				b.logger.Warn("failed to poll cancel flag", zap.String("task_id", taskID), zap.Error(err))
				continue
			}
			if task.CancelRequested && !cancelled.Swap(true) {
				b.logger.Info("batch cancel requested", zap.String("task_id", taskID))
			}
		}
	}
}

// runItem 为子项创建报告并执行流水线；未开始的子项在取消后直接失败
func (b *BatchRunner) runItem(ctx context.Context, task *model.BatchTask, item *model.BatchTaskItem, cancelled func() bool) itemOutcome {
	if cancelled() {
		return itemOutcome{item: item, reason: errCancelled.Error()}
	}

	report := item.ReportID
	if report == "" {
		r := &model.Report{
			ID:           uuid.New().String(),
			URL:          item.URL,
			DesignSource: item.DesignSource,
			AuthProfile:  task.ScriptRef,
			ModelName:    task.CompareConfig.AIModel,
			BatchTaskID:  task.ID,
			Options:      task.CompareConfig,
			Status:       model.ReportPending,
			StepText:     "等待处理",
		}
		if err := b.reports.Create(r); err != nil {
			return itemOutcome{item: item, err: err}
		}
		report = r.ID
	}

	if err := b.tasks.UpdateItem(task.ID, item.URL, map[string]interface{}{
		"status":    model.ReportProcessing,
		"report_id": report,
	}); err != nil {
		if errors.Is(err, repository.ErrBatchItemTerminal) && item.ReportID == "" {
			// 子项已被结束，新建的报告不会再执行
			_ = b.reports.Update(report, map[string]interface{}{
				"status": model.ReportFailed,
				"error":  errInterrupted,
			})
		}
		return itemOutcome{item: item, err: err}
	}
	item.ReportID = report

	b.metrics.ItemStarted()
	defer b.metrics.ItemFinished()

	final, err := b.processor.Run(ctx, report, cancelled)
	return itemOutcome{item: item, report: final, err: err}
}

// errSettled 任务或子项已到终态，本次结果丢弃
var errSettled = errors.New("batch already settled")

func settledErr(err error) bool {
	return errors.Is(err, repository.ErrBatchTaskTerminal) || errors.Is(err, repository.ErrBatchItemTerminal)
}

// record 回写子项并从子项状态重新汇总任务统计；任务已结束时返回 errSettled
func (b *BatchRunner) record(ctx context.Context, task *model.BatchTask, out itemOutcome) error {
	if settledErr(out.err) {
		return errSettled
	}
	if out.err != nil {
		return out.err
	}

	fields := map[string]interface{}{}
	switch {
	case out.report == nil:
		fields["status"] = model.ReportFailed
		fields["error"] = out.reason
	case out.report.Status == model.ReportCompleted:
		fields["status"] = model.ReportCompleted
		fields["error"] = ""
		fields["similarity"] = out.report.Similarity
		if out.report.DiffPixelCount != nil {
			fields["diff_pixel_count"] = *out.report.DiffPixelCount
		}
	default:
		// 报告未到终态（例如持久化被拒）按失败处理，避免子项悬挂
		fields["status"] = model.ReportFailed
		fields["error"] = out.report.Error
		if out.report.Error == "" {
			fields["error"] = "report did not complete"
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.tasks.UpdateItem(task.ID, out.item.URL, fields); err != nil {
		if settledErr(err) {
			return errSettled
		}
		return err
	}
	totals, err := b.aggregate(task.ID)
	if settledErr(err) {
		return errSettled
	}
	if err != nil {
		return err
	}

	status, _ := fields["status"].(string)
	b.broadcastTask(ctx, task.ID, pubsub.EventBatchProgress, dto.BatchProgressData{
		Status:        model.BatchRunning,
		Totals:        totals.BatchTotals,
		AvgSimilarity: totals.avgSimilarity,
		ItemURL:       out.item.URL,
		ItemStatus:    status,
		ReportID:      out.item.ReportID,
	})
	return nil
}

type batchTotals struct {
	dto.BatchTotals
	avgSimilarity float64
	totalDiff     int64
	pending       []*model.BatchTaskItem
}

// aggregate 以子项为准重新计算统计并写回任务
func (b *BatchRunner) aggregate(taskID string) (*batchTotals, error) {
	items, err := b.tasks.FindItemsByTaskID(taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch items: %w", err)
	}

	t := summarize(items)
	if err := b.tasks.Update(taskID, map[string]interface{}{
		"success":          t.Success,
		"failed":           t.Failed,
		"avg_similarity":   t.avgSimilarity,
		"total_diff_count": t.totalDiff,
	}); err != nil {
		return nil, err
	}
	return t, nil
}

func summarize(items []*model.BatchTaskItem) *batchTotals {
	t := &batchTotals{}
	t.Total = len(items)

	var simSum float64
	var simCount int
	for _, item := range items {
		switch item.Status {
		case model.ReportCompleted:
			t.Success++
			t.totalDiff += item.DiffPixelCount
			if item.Similarity != nil {
				simSum += *item.Similarity
				simCount++
			}
		case model.ReportFailed:
			t.Failed++
		default:
			t.pending = append(t.pending, item)
		}
	}
	if simCount > 0 {
		t.avgSimilarity = simSum / float64(simCount)
	}
	return t
}

// terminalStatus 全部成功 completed，全部失败 failed，否则 partial
func terminalStatus(success, failed int) string {
	switch {
	case failed == 0:
		return model.BatchCompleted
	case success == 0:
		return model.BatchFailed
	default:
		return model.BatchPartial
	}
}

// finish 所有子项终结后写入任务终态；遗留的子项以 reason 失败
func (b *BatchRunner) finish(ctx context.Context, task *model.BatchTask, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.tasks.FindByID(task.ID)
	if err != nil {
		return fmt.Errorf("failed to get batch task %s: %w", task.ID, err)
	}
	if model.IsTerminalBatchStatus(current.Status) {
		task.Status = current.Status
		return nil
	}

	items, err := b.tasks.FindItemsByTaskID(task.ID)
	if err != nil {
		return fmt.Errorf("failed to get batch items: %w", err)
	}
	for _, item := range summarize(items).pending {
		err := b.tasks.UpdateItem(task.ID, item.URL, map[string]interface{}{
			"status": model.ReportFailed,
			"error":  reason,
		})
		if err != nil && !errors.Is(err, repository.ErrBatchItemTerminal) {
			return err
		}
	}

	totals, err := b.aggregate(task.ID)
	if errors.Is(err, repository.ErrBatchTaskTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	status := terminalStatus(totals.Success, totals.Failed)

	now := time.Now()
	err = b.tasks.Update(task.ID, map[string]interface{}{
		"status":       status,
		"completed_at": now,
	})
	if errors.Is(err, repository.ErrBatchTaskTerminal) {
		// 其他执行者先一步写入了终态
		return nil
	}
	if err != nil {
		return err
	}
	task.Status = status

	b.broadcastTask(ctx, task.ID, pubsub.EventBatchDone, dto.BatchProgressData{
		Status:        status,
		Totals:        totals.BatchTotals,
		AvgSimilarity: totals.avgSimilarity,
	})
	b.metrics.RecordBatch(status)

	b.logger.Info("batch finished",
		zap.String("task_id", task.ID),
		zap.String("status", status),
		zap.Int("success", totals.Success),
		zap.Int("failed", totals.Failed))
	return nil
}

func (b *BatchRunner) broadcastTask(ctx context.Context, taskID, eventType string, data dto.BatchProgressData) {
	event, err := pubsub.NewEvent(taskID, eventType, data)
	if err != nil {
		b.logger.Warn("failed to build batch event", zap.Error(err))
		return
	}
	if err := b.broadcaster.Broadcast(context.WithoutCancel(ctx), event); err != nil {
		b.logger.Debug("batch broadcast dropped", zap.Error(err))
	}
}
