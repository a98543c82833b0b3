package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/ui_diff_server/internal/model/dto"
	"github.com/qs3c/ui_diff_server/internal/pkg/response"
	"github.com/qs3c/ui_diff_server/internal/service"
)

type BatchTaskHandler struct {
	batchService *service.BatchService
}

func NewBatchTaskHandler(batchService *service.BatchService) *BatchTaskHandler {
	return &BatchTaskHandler{
		batchService: batchService,
	}
}

// Create 创建批量任务
// POST /api/v1/batch-tasks
func (h *BatchTaskHandler) Create(c *gin.Context) {
	var req dto.CreateBatchTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	resp, err := h.batchService.Create(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "创建成功", resp)
}

// List 获取批量任务列表
// GET /api/v1/batch-tasks?status=
func (h *BatchTaskHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	resp, err := h.batchService.List(page, pageSize, c.Query("status"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.SuccessPage(c, resp.Total, resp.Page, resp.PageSize, resp.Tasks)
}

// Get 获取批量任务详情
// GET /api/v1/batch-tasks/:id
func (h *BatchTaskHandler) Get(c *gin.Context) {
	task, err := h.batchService.Get(c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, task)
}

// Cancel 取消批量任务
// POST /api/v1/batch-tasks/:id/cancel
func (h *BatchTaskHandler) Cancel(c *gin.Context) {
	if err := h.batchService.Cancel(c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "已请求取消", nil)
}

// Delete 删除批量任务，purge=true 时同时删除报告
// DELETE /api/v1/batch-tasks/:id
func (h *BatchTaskHandler) Delete(c *gin.Context) {
	purge, _ := strconv.ParseBool(c.DefaultQuery("purge", "false"))

	if err := h.batchService.Delete(c.Request.Context(), c.Param("id"), purge); err != nil {
		writeServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "删除成功", nil)
}
