package worker

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/repository"
)

const (
	reuploadInterval = 5 * time.Minute
	reuploadBatch    = 50
)

// Reuploader 后台将 OSS 故障期间落在本地的报告图片迁回 OSS
type Reuploader struct {
	reports     repository.ReportRepo
	local       imagestore.Store
	remote      imagestore.Store
	localPrefix string
	logger      *zap.Logger
}

// NewReuploader 创建重传器，localPrefix 为本地图片的 web 路径前缀
func NewReuploader(
	reports repository.ReportRepo,
	local imagestore.Store,
	remote imagestore.Store,
	localPrefix string,
	logger *zap.Logger,
) *Reuploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reuploader{
		reports:     reports,
		local:       local,
		remote:      remote,
		localPrefix: strings.TrimRight(localPrefix, "/"),
		logger:      logger.With(zap.String("component", "reuploader")),
	}
}

// Start 启动后台重传循环
func (r *Reuploader) Start(ctx context.Context) {
	// 启动后先执行一次
	r.RunOnce(ctx)

	ticker := time.NewTicker(reuploadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reuploader stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮迁移，返回迁移成功的报告数
func (r *Reuploader) RunOnce(ctx context.Context) int {
	reports, err := r.reports.ListLocalImages(r.localPrefix, reuploadBatch)
	if err != nil {
		r.logger.Warn("failed to query local images", zap.Error(err))
		return 0
	}
	if len(reports) == 0 {
		return 0
	}

	r.logger.Info("re-uploading local images", zap.Int("reports", len(reports)))

	moved := 0
	for _, rep := range reports {
		if ctx.Err() != nil {
			break
		}

		fields := map[string]interface{}{}
		var uploaded []string
		ok := true
		for column, path := range map[string]string{
			"design_image": rep.DesignImage,
			"actual_image": rep.ActualImage,
			"diff_image":   rep.DiffImage,
		} {
			if !strings.HasPrefix(path, r.localPrefix+"/") {
				continue
			}
			url, err := r.move(ctx, path)
			if err != nil {
				r.logger.Warn("failed to re-upload image",
					zap.String("report_id", rep.ID),
					zap.String("path", path),
					zap.Error(err))
				ok = false
				break
			}
			fields[column] = url
			uploaded = append(uploaded, path)
		}
		if !ok || len(fields) == 0 {
			continue
		}

		if err := r.reports.UpdateImages(rep.ID, fields); err != nil {
			r.logger.Warn("failed to update report images", zap.String("report_id", rep.ID), zap.Error(err))
			continue
		}

		// 数据库指向 OSS 后再删除本地文件
		for _, path := range uploaded {
			if err := r.local.Delete(ctx, path); err != nil {
				r.logger.Debug("failed to delete local image", zap.String("path", path), zap.Error(err))
			}
		}
		moved++
	}
	return moved
}

func (r *Reuploader) move(ctx context.Context, path string) (string, error) {
	data, err := r.local.Load(ctx, path)
	if err != nil {
		return "", err
	}
	return r.remote.Save(ctx, strings.TrimPrefix(path, r.localPrefix+"/"), data)
}
