package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/pkg/response"
)

type ModelsHandler struct {
	cfg *config.Config
}

func NewModelsHandler(cfg *config.Config) *ModelsHandler {
	return &ModelsHandler{cfg: cfg}
}

// List 获取模型及登录配置列表
// GET /api/v1/models
func (h *ModelsHandler) List(c *gin.Context) {
	models := make([]map[string]interface{}, len(h.cfg.Models))

	for i, m := range h.cfg.Models {
		models[i] = map[string]interface{}{
			"name":         m.Name,
			"display_name": m.DisplayName,
			"provider":     m.APIProvider,
			"description":  m.Description,
			"available":    m.APIKey != "",
			"default":      m.Name == h.cfg.AI.DefaultModel,
		}
	}

	// 只暴露名称，凭据不出服务端
	profiles := make([]string, len(h.cfg.AuthProfiles))
	for i, p := range h.cfg.AuthProfiles {
		profiles[i] = p.Name
	}

	response.Success(c, gin.H{
		"models":        models,
		"auth_profiles": profiles,
	})
}
