package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qs3c/ui_diff_server/internal/pkg/queue"
)

// JobSource 任务队列
type JobSource interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.JobMessage, error)
}

// ReportJob / BatchJob 按任务类型分发的处理函数
type (
	ReportJob func(ctx context.Context, id string) error
	BatchJob  func(ctx context.Context, id string) error
)

// Dispatcher 从队列取任务并分发
type Dispatcher struct {
	source  JobSource
	reports ReportJob
	batches BatchJob
	workers int
	logger  *zap.Logger
}

func NewDispatcher(source JobSource, reports ReportJob, batches BatchJob, workers int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source:  source,
		reports: reports,
		batches: batches,
		workers: workers,
		logger:  logger.With(zap.String("component", "dispatcher")),
	}
}

// Run 启动 worker 循环，ctx 取消后等待在途任务结束
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			d.loop(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, workerID int) {
	logger := d.logger.With(zap.Int("worker", workerID))
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return
		default:
		}

		msg, err := d.source.Pop(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to pop job", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue // 超时，继续等待
		}

		d.dispatch(ctx, logger, msg)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, logger *zap.Logger, msg *queue.JobMessage) {
	logger = logger.With(zap.String("kind", msg.Kind), zap.String("id", msg.ID))
	start := time.Now()

	var err error
	switch msg.Kind {
	case queue.KindReport:
		err = d.reports(ctx, msg.ID)
	case queue.KindBatch:
		err = d.batches(ctx, msg.ID)
	default:
		logger.Warn("unknown job kind")
		return
	}
	if err != nil {
		logger.Error("job failed", zap.Error(err))
		return
	}
	logger.Info("job done", zap.Duration("took", time.Since(start)))
}
