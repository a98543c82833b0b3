package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/model/dto"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/pkg/queue"
	"github.com/qs3c/ui_diff_server/internal/repository"
)

var reportImageNames = []string{"design", "actual", "diff"}

type ReportService struct {
	reports repository.ReportRepo
	queue   Enqueuer
	images  imagestore.Store
	cfg     *config.Config
	logger  *zap.Logger
}

func NewReportService(
	reports repository.ReportRepo,
	queue Enqueuer,
	images imagestore.Store,
	cfg *config.Config,
	logger *zap.Logger,
) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{
		reports: reports,
		queue:   queue,
		images:  images,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "report_service")),
	}
}

// Create 创建单页比对并入队
func (s *ReportService) Create(ctx context.Context, req *dto.CreateReportRequest) (*dto.CreateReportResponse, error) {
	if err := validateURL("url", req.URL); err != nil {
		return nil, err
	}
	if err := validateDesignSource("design_source", req.DesignSource); err != nil {
		return nil, err
	}
	if err := validateAuthProfile(s.cfg, "auth_profile", req.AuthProfile); err != nil {
		return nil, err
	}
	modelName, err := resolveModel(s.cfg, req.AIModel)
	if err != nil {
		return nil, err
	}
	opts, err := buildCompareConfig(s.cfg, model.EnginePixel, modelName, req.Options)
	if err != nil {
		return nil, err
	}

	report := &model.Report{
		ID:           uuid.New().String(),
		URL:          req.URL,
		DesignSource: req.DesignSource,
		AuthProfile:  req.AuthProfile,
		ModelName:    modelName,
		Options:      opts,
		Status:       model.ReportPending,
		StepText:     "等待处理",
	}
	if err := s.reports.Create(report); err != nil {
		return nil, err
	}

	if err := s.queue.Push(ctx, &queue.JobMessage{Kind: queue.KindReport, ID: report.ID}); err != nil {
		s.logger.Error("failed to enqueue report", zap.String("report_id", report.ID), zap.Error(err))
		now := time.Now()
		// 入队失败的报告直接失败，避免永远停在 pending
		_ = s.reports.Update(report.ID, map[string]interface{}{
			"status":       model.ReportFailed,
			"error":        "enqueue failed: " + err.Error(),
			"step_text":    "比对失败",
			"completed_at": &now,
		})
		return nil, ErrEnqueueFailed
	}

	return &dto.CreateReportResponse{ReportID: report.ID}, nil
}

// Get 获取报告快照
func (s *ReportService) Get(id string) (*dto.ReportSnapshot, error) {
	report, err := s.reports.FindByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}
	return dto.NewReportSnapshot(report), nil
}

// List 分页获取报告列表
func (s *ReportService) List(page, pageSize int) (*dto.ReportListResponse, error) {
	page, pageSize = normalizePage(page, pageSize)

	reports, err := s.reports.FindAll(pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	total, err := s.reports.Count()
	if err != nil {
		return nil, err
	}

	items := make([]*dto.ReportListItem, len(reports))
	for i, r := range reports {
		items[i] = &dto.ReportListItem{
			ID:          r.ID,
			URL:         r.URL,
			Status:      r.Status,
			Similarity:  r.Similarity,
			RegionCount: len(r.DiffRegions),
			BatchTaskID: r.BatchTaskID,
			Progress:    r.Progress,
			CreatedAt:   r.CreatedAt.Format(time.RFC3339),
		}
	}

	return &dto.ReportListResponse{
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Reports:  items,
	}, nil
}

// Delete 删除报告及其图片
func (s *ReportService) Delete(ctx context.Context, id string) error {
	deleted, err := s.reports.DeleteByID(id)
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrReportNotFound
	}
	s.deleteImages(ctx, id)
	return nil
}

// deleteImages 图片删除失败只记录日志
func (s *ReportService) deleteImages(ctx context.Context, id string) {
	for _, name := range reportImageNames {
		if err := s.images.Delete(ctx, imagestore.ReportKey(id, name)); err != nil {
			s.logger.Warn("failed to delete report image",
				zap.String("report_id", id),
				zap.String("image", name),
				zap.Error(err),
			)
		}
	}
}
