package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/ui_diff_server/internal/model/dto"
	"github.com/qs3c/ui_diff_server/internal/pkg/response"
	"github.com/qs3c/ui_diff_server/internal/service"
)

type ReportHandler struct {
	reportService *service.ReportService
}

func NewReportHandler(reportService *service.ReportService) *ReportHandler {
	return &ReportHandler{
		reportService: reportService,
	}
}

// Create 创建单页比对
// POST /api/v1/reports
func (h *ReportHandler) Create(c *gin.Context) {
	var req dto.CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	resp, err := h.reportService.Create(c.Request.Context(), &req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "创建成功", resp)
}

// List 获取报告列表
// GET /api/v1/reports
func (h *ReportHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	resp, err := h.reportService.List(page, pageSize)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.SuccessPage(c, resp.Total, resp.Page, resp.PageSize, resp.Reports)
}

// Get 获取报告详情
// GET /api/v1/reports/:id
func (h *ReportHandler) Get(c *gin.Context) {
	snapshot, err := h.reportService.Get(c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, snapshot)
}

// Delete 删除报告
// DELETE /api/v1/reports/:id
func (h *ReportHandler) Delete(c *gin.Context) {
	if err := h.reportService.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "删除成功", nil)
}

// writeServiceError 业务错误映射到统一响应码
func writeServiceError(c *gin.Context, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		response.ParamError(c, ve.Error())
	case errors.Is(err, service.ErrReportNotFound), errors.Is(err, service.ErrBatchTaskNotFound):
		response.NotFoundError(c, err.Error())
	case errors.Is(err, service.ErrBatchTaskFinished), errors.Is(err, service.ErrBatchTaskRunning):
		response.ConflictError(c, err.Error())
	case errors.Is(err, service.ErrDesignFormat), errors.Is(err, service.ErrDesignTooLarge),
		errors.Is(err, service.ErrDesignUnreadable), errors.Is(err, service.ErrDesignEmpty):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrEnqueueFailed):
		response.ServerError(c, err.Error())
	default:
		response.ServerError(c, "")
	}
}
