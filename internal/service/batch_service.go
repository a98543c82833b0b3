package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/model/dto"
	"github.com/qs3c/ui_diff_server/internal/pkg/queue"
	"github.com/qs3c/ui_diff_server/internal/repository"
)

type BatchService struct {
	tasks   repository.BatchTaskRepo
	reports *ReportService
	queue   Enqueuer
	cfg     *config.Config
	logger  *zap.Logger
}

func NewBatchService(
	tasks repository.BatchTaskRepo,
	reports *ReportService,
	queue Enqueuer,
	cfg *config.Config,
	logger *zap.Logger,
) *BatchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchService{
		tasks:   tasks,
		reports: reports,
		queue:   queue,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "batch_service")),
	}
}

// Create 创建批量任务并入队
func (s *BatchService) Create(ctx context.Context, req *dto.CreateBatchTaskRequest) (*dto.CreateBatchTaskResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("name", "任务名称不能为空")
	}
	if len(req.Targets) == 0 {
		return nil, invalid("targets", "至少需要一个目标")
	}
	if len(req.Targets) > s.cfg.Batch.MaxURLs {
		return nil, invalid("targets", "目标数量不能超过 %d", s.cfg.Batch.MaxURLs)
	}

	seen := make(map[string]bool, len(req.Targets))
	for i, t := range req.Targets {
		if err := validateURL(fmt.Sprintf("targets[%d].url", i), t.URL); err != nil {
			return nil, err
		}
		if err := validateDesignSource(fmt.Sprintf("targets[%d].design", i), t.Design); err != nil {
			return nil, err
		}
		if seen[t.URL] {
			return nil, invalid(fmt.Sprintf("targets[%d].url", i), "URL 重复: %s", t.URL)
		}
		seen[t.URL] = true
	}

	if err := validateAuthProfile(s.cfg, "script_ref", req.ScriptRef); err != nil {
		return nil, err
	}
	modelName, err := resolveModel(s.cfg, req.AIModel)
	if err != nil {
		return nil, err
	}
	cc, err := buildCompareConfig(s.cfg, req.Engine, modelName, req.Options)
	if err != nil {
		return nil, err
	}

	task := &model.BatchTask{
		ID:            uuid.New().String(),
		Name:          name,
		Status:        model.BatchPending,
		Total:         len(req.Targets),
		CompareConfig: cc,
		ScriptRef:     req.ScriptRef,
	}
	for i, t := range req.Targets {
		task.URLs = append(task.URLs, t.URL)
		task.Items = append(task.Items, model.BatchTaskItem{
			Position:     i,
			URL:          t.URL,
			DesignSource: t.Design,
			Status:       model.BatchPending,
		})
	}

	if _, err := s.tasks.Create(task); err != nil {
		return nil, err
	}

	if err := s.queue.Push(ctx, &queue.JobMessage{Kind: queue.KindBatch, ID: task.ID}); err != nil {
		s.logger.Error("failed to enqueue batch task", zap.String("task_id", task.ID), zap.Error(err))
		s.failUnqueued(task, err)
		return nil, ErrEnqueueFailed
	}

	return &dto.CreateBatchTaskResponse{TaskID: task.ID, Total: task.Total}, nil
}

// failUnqueued 入队失败时任务与子项全部置为失败
func (s *BatchService) failUnqueued(task *model.BatchTask, cause error) {
	reason := "enqueue failed: " + cause.Error()
	for _, item := range task.Items {
		if err := s.tasks.UpdateItem(task.ID, item.URL, map[string]interface{}{
			"status": model.ReportFailed,
			"error":  reason,
		}); err != nil {
			s.logger.Warn("failed to mark item failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	now := time.Now()
	if err := s.tasks.Update(task.ID, map[string]interface{}{
		"status":       model.BatchFailed,
		"failed":       task.Total,
		"completed_at": &now,
	}); err != nil {
		s.logger.Warn("failed to mark task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// Get 获取任务详情及子项
func (s *BatchService) Get(id string) (*dto.BatchTaskDTO, error) {
	task, err := s.find(id)
	if err != nil {
		return nil, err
	}
	items, err := s.tasks.FindItemsByTaskID(id)
	if err != nil {
		return nil, err
	}

	out := toBatchTaskDTO(task)
	out.Items = make([]*dto.BatchTaskItemDTO, len(items))
	for i, item := range items {
		out.Items[i] = &dto.BatchTaskItemDTO{
			URL:      item.URL,
			Design:   item.DesignSource,
			Status:   item.Status,
			ReportID: item.ReportID,
			Error:    item.Error,
		}
	}
	return out, nil
}

// List 分页获取任务列表
func (s *BatchService) List(page, pageSize int, status string) (*dto.BatchTaskListResponse, error) {
	switch status {
	case "", model.BatchPending, model.BatchRunning, model.BatchCompleted, model.BatchFailed, model.BatchPartial:
	default:
		return nil, invalid("status", "未知状态 %s", status)
	}
	page, pageSize = normalizePage(page, pageSize)

	tasks, err := s.tasks.FindAll(pageSize, (page-1)*pageSize, status)
	if err != nil {
		return nil, err
	}
	total, err := s.tasks.GetCount(status)
	if err != nil {
		return nil, err
	}

	list := make([]*dto.BatchTaskDTO, len(tasks))
	for i, t := range tasks {
		list[i] = toBatchTaskDTO(t)
	}
	return &dto.BatchTaskListResponse{
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Tasks:    list,
	}, nil
}

// Cancel 请求取消，执行中的子项在当前阶段结束后失败
func (s *BatchService) Cancel(id string) error {
	task, err := s.find(id)
	if err != nil {
		return err
	}
	if model.IsTerminalBatchStatus(task.Status) {
		return ErrBatchTaskFinished
	}
	err = s.tasks.Update(id, map[string]interface{}{"cancel_requested": true})
	if errors.Is(err, repository.ErrBatchTaskTerminal) {
		return ErrBatchTaskFinished
	}
	return err
}

// Delete 删除任务及子项；purge 时一并删除关联报告
func (s *BatchService) Delete(ctx context.Context, id string, purge bool) error {
	task, err := s.find(id)
	if err != nil {
		return err
	}
	if task.Status == model.BatchRunning {
		return ErrBatchTaskRunning
	}

	if purge {
		items, err := s.tasks.FindItemsByTaskID(id)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.ReportID == "" {
				continue
			}
			if err := s.reports.Delete(ctx, item.ReportID); err != nil && !errors.Is(err, ErrReportNotFound) {
				return err
			}
		}
	}

	deleted, err := s.tasks.DeleteByID(id)
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrBatchTaskNotFound
	}
	return nil
}

func (s *BatchService) find(id string) (*model.BatchTask, error) {
	task, err := s.tasks.FindByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func toBatchTaskDTO(t *model.BatchTask) *dto.BatchTaskDTO {
	out := &dto.BatchTaskDTO{
		ID:     t.ID,
		Name:   t.Name,
		Status: t.Status,
		Totals: dto.BatchTotals{
			Total:   t.Total,
			Success: t.Success,
			Failed:  t.Failed,
		},
		AvgSimilarity:   t.AvgSimilarity,
		TotalDiffCount:  t.TotalDiffCount,
		Engine:          t.CompareConfig.Engine,
		AIModel:         t.CompareConfig.AIModel,
		ScriptRef:       t.ScriptRef,
		CancelRequested: t.CancelRequested,
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
	if t.CompletedAt != nil {
		out.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return out
}
