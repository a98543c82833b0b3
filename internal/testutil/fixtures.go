package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qs3c/ui_diff_server/internal/model"
)

// TestReport 创建测试报告
func TestReport(t *testing.T, db *gorm.DB, opts ...func(*model.Report)) *model.Report {
	t.Helper()

	report := &model.Report{
		ID:           uuid.NewString(),
		URL:          fmt.Sprintf("https://example.com/page-%d", time.Now().UnixNano()%100000),
		DesignSource: "https://cdn.example.com/design.png",
		Options: model.CompareConfig{
			Engine:             model.EnginePixel,
			IgnoreAntialiasing: true,
			Tolerance:          10,
		},
		Status:      model.ReportPending,
		DiffRegions: model.DiffRegionList{},
		Fixes:       model.CSSFixList{},
	}

	for _, opt := range opts {
		opt(report)
	}

	if err := db.Create(report).Error; err != nil {
		t.Fatalf("Failed to create test report: %v", err)
	}

	return report
}

// WithReportStatus 设置报告状态
func WithReportStatus(status string) func(*model.Report) {
	return func(r *model.Report) {
		r.Status = status
	}
}

// WithReportURL 设置报告 URL
func WithReportURL(url string) func(*model.Report) {
	return func(r *model.Report) {
		r.URL = url
	}
}

// WithReportBatch 关联批量任务
func WithReportBatch(taskID string) func(*model.Report) {
	return func(r *model.Report) {
		r.BatchTaskID = taskID
	}
}

// WithReportCreatedAt 设置创建时间
func WithReportCreatedAt(at time.Time) func(*model.Report) {
	return func(r *model.Report) {
		r.CreatedAt = at
		r.UpdatedAt = at
	}
}

// TestBatchTask 创建测试批量任务，每个 URL 生成一个子项
func TestBatchTask(t *testing.T, db *gorm.DB, urls []string, opts ...func(*model.BatchTask)) *model.BatchTask {
	t.Helper()

	task := &model.BatchTask{
		ID:     uuid.NewString(),
		Name:   fmt.Sprintf("batch_%d", time.Now().UnixNano()%10000),
		URLs:   model.StringArray(urls),
		Status: model.BatchPending,
		Total:  len(urls),
		CompareConfig: model.CompareConfig{
			Engine:             model.EnginePixel,
			IgnoreAntialiasing: true,
			Tolerance:          10,
		},
	}
	for i, u := range urls {
		task.Items = append(task.Items, model.BatchTaskItem{
			Position:     i,
			URL:          u,
			DesignSource: "https://cdn.example.com/design.png",
			Status:       model.BatchPending,
		})
	}

	for _, opt := range opts {
		opt(task)
	}

	if err := db.Create(task).Error; err != nil {
		t.Fatalf("Failed to create test batch task: %v", err)
	}

	return task
}

// WithBatchStatus 设置任务状态
func WithBatchStatus(status string) func(*model.BatchTask) {
	return func(b *model.BatchTask) {
		b.Status = status
	}
}

// WithBatchModel 设置 AI 模型
func WithBatchModel(name string) func(*model.BatchTask) {
	return func(b *model.BatchTask) {
		b.CompareConfig.AIModel = name
	}
}
