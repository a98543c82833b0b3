package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Report 状态
const (
	ReportPending    = "pending"
	ReportProcessing = "processing"
	ReportCompleted  = "completed"
	ReportFailed     = "failed"
)

// 区域类型
const (
	RegionLayout = "layout"
	RegionMajor  = "major"
	RegionMedium = "medium"
	RegionMinor  = "minor"
)

// 优先级
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// CSS 修复类型
const (
	FixColor   = "color"
	FixFont    = "font"
	FixSpacing = "spacing"
	FixLayout  = "layout"
)

// IsTerminalReportStatus 判断是否终态
func IsTerminalReportStatus(status string) bool {
	return status == ReportCompleted || status == ReportFailed
}

// BoundingBox 矩形区域
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area 面积
func (b BoundingBox) Area() int {
	return b.Width * b.Height
}

// DiffRegion 差异区域
type DiffRegion struct {
	ID          int         `json:"id"`
	BoundingBox BoundingBox `json:"bounding_box"`
	PixelCount  int         `json:"pixel_count"`
	Type        string      `json:"type"`
	Priority    string      `json:"priority"`
	Score       float64     `json:"score"`
	Description string      `json:"description"`
}

// CSSFix AI 给出的 CSS 修复建议
type CSSFix struct {
	Priority     string `json:"priority"`
	Type         string `json:"type"`
	Selector     string `json:"selector"`
	CurrentCSS   string `json:"current_css,omitempty"`
	SuggestedCSS string `json:"suggested_css"`
	Description  string `json:"description,omitempty"`
	Impact       string `json:"impact,omitempty"`
	RegionID     *int   `json:"region_id,omitempty"`
}

// DiffRegionList 用于 JSON 字段
type DiffRegionList []DiffRegion

func (l DiffRegionList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *DiffRegionList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// CSSFixList 用于 JSON 字段
type CSSFixList []CSSFix

func (l CSSFixList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *CSSFixList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// StringArray 用于 JSON 数组字段
type StringArray []string

func (s StringArray) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *StringArray) Scan(value interface{}) error {
	return scanJSON(value, s)
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// Report 单次页面与设计稿的比对结果
type Report struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	URL             string         `gorm:"size:1000;not null" json:"url"`
	DesignSource    string         `gorm:"size:1000" json:"design_source"`
	AuthProfile     string         `gorm:"size:100" json:"auth_profile,omitempty"`
	ModelName       string         `gorm:"size:100" json:"model_name,omitempty"`
	BatchTaskID     string         `gorm:"size:36;index" json:"batch_task_id,omitempty"`
	Options         CompareConfig  `gorm:"embedded;embeddedPrefix:opt_" json:"options"`
	Status          string         `gorm:"size:20;default:pending;index" json:"status"`
	Similarity      *float64       `json:"similarity,omitempty"`
	DiffPixelCount  *int64         `json:"diff_pixel_count,omitempty"`
	TotalPixelCount *int64         `json:"total_pixel_count,omitempty"`
	DesignImage     string         `gorm:"size:500" json:"design_image,omitempty"`
	ActualImage     string         `gorm:"size:500" json:"actual_image,omitempty"`
	DiffImage       string         `gorm:"size:500" json:"diff_image,omitempty"`
	DiffRegions     DiffRegionList `gorm:"type:text" json:"diff_regions"`
	Fixes           CSSFixList     `gorm:"type:text" json:"fixes"`
	Error           string         `gorm:"type:text" json:"error,omitempty"`
	Warning         string         `gorm:"type:text" json:"warning,omitempty"`
	Progress        int            `gorm:"default:0" json:"progress"`
	StepText        string         `gorm:"size:100" json:"step_text"`
	CreatedAt       time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

func (Report) TableName() string {
	return "reports"
}

// IsTerminal 是否已到终态
func (r *Report) IsTerminal() bool {
	return IsTerminalReportStatus(r.Status)
}
