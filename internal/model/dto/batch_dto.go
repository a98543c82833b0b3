package dto

// BatchTarget 批量任务中的单个目标
type BatchTarget struct {
	URL    string `json:"url" binding:"required,url,max=768"`
	Design string `json:"design" binding:"required,max=1000"`
}

// CreateBatchTaskRequest 创建批量任务
type CreateBatchTaskRequest struct {
	Name      string         `json:"name" binding:"required,max=200"`
	Targets   []BatchTarget  `json:"targets" binding:"required,min=1,dive"`
	Engine    string         `json:"engine,omitempty" binding:"omitempty,oneof=pixel"`
	AIModel   string         `json:"ai_model,omitempty" binding:"omitempty,max=100"`
	ScriptRef string         `json:"script_ref,omitempty" binding:"omitempty,max=100"`
	Options   CompareOptions `json:"options"`
}

// CreateBatchTaskResponse 创建批量任务响应
type CreateBatchTaskResponse struct {
	TaskID string `json:"task_id"`
	Total  int    `json:"total"`
}

// BatchTotals 批量任务计数
type BatchTotals struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// BatchTaskItemDTO 子项状态
type BatchTaskItemDTO struct {
	URL      string `json:"url"`
	Design   string `json:"design"`
	Status   string `json:"status"`
	ReportID string `json:"report_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchTaskDTO 批量任务
type BatchTaskDTO struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Status          string              `json:"status"`
	Totals          BatchTotals         `json:"totals"`
	AvgSimilarity   float64             `json:"avg_similarity"`
	TotalDiffCount  int64               `json:"total_diff_count"`
	Engine          string              `json:"engine"`
	AIModel         string              `json:"ai_model,omitempty"`
	ScriptRef       string              `json:"script_ref,omitempty"`
	CancelRequested bool                `json:"cancel_requested"`
	CreatedAt       string              `json:"created_at"`
	CompletedAt     string              `json:"completed_at,omitempty"`
	Items           []*BatchTaskItemDTO `json:"items,omitempty"`
}

// BatchTaskListResponse 批量任务列表
type BatchTaskListResponse struct {
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Tasks    []*BatchTaskDTO `json:"tasks"`
}

// BatchProgressData 批量任务进度事件数据
type BatchProgressData struct {
	Status        string      `json:"status"`
	Totals        BatchTotals `json:"totals"`
	AvgSimilarity float64     `json:"avg_similarity"`
	ItemURL       string      `json:"item_url,omitempty"`
	ItemStatus    string      `json:"item_status,omitempty"`
	ReportID      string      `json:"report_id,omitempty"`
}
