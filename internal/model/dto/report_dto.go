package dto

import (
	"time"

	"github.com/qs3c/ui_diff_server/internal/model"
)

// BoundingBoxRequest 忽略区域
type BoundingBoxRequest struct {
	X      int `json:"x" binding:"min=0"`
	Y      int `json:"y" binding:"min=0"`
	Width  int `json:"width" binding:"min=1"`
	Height int `json:"height" binding:"min=1"`
}

// CompareOptions 比对参数，未填写的字段使用服务端默认值
type CompareOptions struct {
	IgnoreAntialiasing *bool                `json:"ignore_antialiasing,omitempty"`
	Tolerance          *float64             `json:"tolerance,omitempty" binding:"omitempty,min=0,max=100"`
	ViewportWidth      int                  `json:"viewport_width,omitempty" binding:"omitempty,min=320,max=3840"`
	ViewportHeight     int                  `json:"viewport_height,omitempty" binding:"omitempty,min=240,max=4320"`
	FullPage           *bool                `json:"full_page,omitempty"`
	WaitUntil          string               `json:"wait_until,omitempty" binding:"omitempty,oneof=load domcontentloaded networkidle"`
	IgnoreRegions      []BoundingBoxRequest `json:"ignore_regions,omitempty" binding:"omitempty,max=50,dive"`
}

// CreateReportRequest 创建单页比对
type CreateReportRequest struct {
	URL          string         `json:"url" binding:"required,url,max=1000"`
	DesignSource string         `json:"design_source" binding:"required,max=1000"`
	AIModel      string         `json:"ai_model,omitempty" binding:"omitempty,max=100"`
	AuthProfile  string         `json:"auth_profile,omitempty" binding:"omitempty,max=100"`
	Options      CompareOptions `json:"options"`
}

// CreateReportResponse 创建比对响应
type CreateReportResponse struct {
	ReportID string `json:"report_id"`
}

// ReportImages 报告图片（web 相对路径）
type ReportImages struct {
	Design string `json:"design,omitempty"`
	Actual string `json:"actual,omitempty"`
	Diff   string `json:"diff,omitempty"`
}

// ReportSnapshot 对外暴露的报告快照，也用作进度事件数据
type ReportSnapshot struct {
	ID           string             `json:"id"`
	Timestamp    string             `json:"timestamp"`
	URL          string             `json:"url"`
	DesignSource string             `json:"design_source"`
	BatchTaskID  string             `json:"batch_task_id,omitempty"`
	Status       string             `json:"status"`
	Similarity   *float64           `json:"similarity,omitempty"`
	DiffPixels   *int64             `json:"diff_pixels,omitempty"`
	TotalPixels  *int64             `json:"total_pixels,omitempty"`
	Images       ReportImages       `json:"images"`
	DiffRegions  []model.DiffRegion `json:"diff_regions"`
	Fixes        []model.CSSFix     `json:"fixes"`
	Error        string             `json:"error,omitempty"`
	Warning      string             `json:"warning,omitempty"`
	Progress     int                `json:"progress"`
	StepText     string             `json:"step_text"`
}

// NewReportSnapshot 由模型构造快照
func NewReportSnapshot(r *model.Report) *ReportSnapshot {
	s := &ReportSnapshot{
		ID:           r.ID,
		Timestamp:    r.CreatedAt.Format(time.RFC3339),
		URL:          r.URL,
		DesignSource: r.DesignSource,
		BatchTaskID:  r.BatchTaskID,
		Status:       r.Status,
		Similarity:   r.Similarity,
		DiffPixels:   r.DiffPixelCount,
		TotalPixels:  r.TotalPixelCount,
		Images: ReportImages{
			Design: r.DesignImage,
			Actual: r.ActualImage,
			Diff:   r.DiffImage,
		},
		DiffRegions: r.DiffRegions,
		Fixes:       r.Fixes,
		Error:       r.Error,
		Warning:     r.Warning,
		Progress:    r.Progress,
		StepText:    r.StepText,
	}
	if s.DiffRegions == nil {
		s.DiffRegions = []model.DiffRegion{}
	}
	if s.Fixes == nil {
		s.Fixes = []model.CSSFix{}
	}
	return s
}

// ReportListItem 报告列表项
type ReportListItem struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Status      string   `json:"status"`
	Similarity  *float64 `json:"similarity,omitempty"`
	RegionCount int      `json:"region_count"`
	BatchTaskID string   `json:"batch_task_id,omitempty"`
	Progress    int      `json:"progress"`
	CreatedAt   string   `json:"created_at"`
}

// ReportListResponse 报告列表响应
type ReportListResponse struct {
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Reports  []*ReportListItem `json:"reports"`
}

// DesignUploadResponse 设计稿上传响应
type DesignUploadResponse struct {
	DesignSource string `json:"design_source"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
}
