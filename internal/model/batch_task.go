package model

import (
	"time"
)

// BatchTask 状态
const (
	BatchPending   = "pending"
	BatchRunning   = "running"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
	BatchPartial   = "partial"
)

// 比对引擎
const (
	EnginePixel = "pixel"
)

// IsTerminalBatchStatus 判断批量任务是否终态
func IsTerminalBatchStatus(status string) bool {
	return status == BatchCompleted || status == BatchFailed || status == BatchPartial
}

// CompareConfig 比对参数
type CompareConfig struct {
	Engine             string  `gorm:"size:20" json:"engine"`
	AIModel            string  `gorm:"size:100" json:"ai_model,omitempty"`
	IgnoreAntialiasing bool    `json:"ignore_antialiasing"`
	Tolerance          float64 `json:"tolerance"`
	ViewportWidth      int     `json:"viewport_width,omitempty"`
	ViewportHeight     int     `json:"viewport_height,omitempty"`
	FullPage           bool    `json:"full_page"`
	WaitUntil          string  `gorm:"size:20" json:"wait_until,omitempty"`
	IgnoreRegions      string  `gorm:"type:text" json:"ignore_regions,omitempty"` // JSON 编码的 []BoundingBox
}

// BatchTask 批量比对任务
type BatchTask struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	Name            string          `gorm:"size:200;not null" json:"name"`
	URLs            StringArray     `gorm:"type:text" json:"urls"`
	Status          string          `gorm:"size:20;default:pending;index" json:"status"`
	Total           int             `json:"total"`
	Success         int             `json:"success"`
	Failed          int             `json:"failed"`
	AvgSimilarity   float64         `json:"avg_similarity"`
	TotalDiffCount  int64           `json:"total_diff_count"`
	CompareConfig   CompareConfig   `gorm:"embedded;embeddedPrefix:cfg_" json:"compare_config"`
	ScriptRef       string          `gorm:"size:100" json:"script_ref,omitempty"` // 登录配置名
	CancelRequested bool            `gorm:"default:false" json:"cancel_requested"`
	CreatedAt       time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Items           []BatchTaskItem `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

func (BatchTask) TableName() string {
	return "batch_tasks"
}

// BatchTaskItem 批量任务中的单个 URL
type BatchTaskItem struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	TaskID       string    `gorm:"size:36;not null;uniqueIndex:idx_task_url" json:"task_id"`
	Position     int       `gorm:"not null" json:"position"`
	URL          string    `gorm:"size:768;not null;uniqueIndex:idx_task_url" json:"url"`
	DesignSource string    `gorm:"size:1000" json:"design_source"`
	Status       string    `gorm:"size:20;default:pending" json:"status"`
	ReportID     string    `gorm:"size:36" json:"report_id,omitempty"`
	Error        string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// 子项完成时从报告复制，用于汇总统计
	Similarity     *float64 `json:"similarity,omitempty"`
	DiffPixelCount int64    `json:"diff_pixel_count"`
}

func (BatchTaskItem) TableName() string {
	return "batch_task_items"
}
