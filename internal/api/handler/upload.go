package handler

import (
	"io"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/pkg/response"
	"github.com/qs3c/ui_diff_server/internal/service"
)

type UploadHandler struct {
	designService *service.DesignService
	cfg           *config.Config
}

func NewUploadHandler(designService *service.DesignService, cfg *config.Config) *UploadHandler {
	return &UploadHandler{
		designService: designService,
		cfg:           cfg,
	}
}

// Design 上传设计稿
// POST /api/v1/designs
func (h *UploadHandler) Design(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.ParamError(c, "请上传文件")
		return
	}
	defer file.Close()

	if header.Size > h.cfg.Upload.MaxSize {
		response.ParamError(c, service.ErrDesignTooLarge.Error())
		return
	}

	// 多读一个字节用于判断超限
	data, err := io.ReadAll(io.LimitReader(file, h.cfg.Upload.MaxSize+1))
	if err != nil {
		response.ServerError(c, "文件读取失败")
		return
	}

	resp, err := h.designService.Upload(c.Request.Context(), header.Filename, data)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.SuccessWithMessage(c, "上传成功", resp)
}
