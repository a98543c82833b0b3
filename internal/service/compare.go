package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/capture"
	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/model/dto"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/pkg/queue"
)

// Enqueuer 任务队列
type Enqueuer interface {
	Push(ctx context.Context, msg *queue.JobMessage) error
}

func validateURL(field, raw string) error {
	if err := capture.ValidateURL(raw); err != nil {
		return invalid(field, "需为 http(s) 地址")
	}
	return nil
}

// validateDesignSource 设计稿可以是 http(s) 地址或上传引用
func validateDesignSource(field, src string) error {
	if strings.HasPrefix(src, imagestore.UploadScheme) {
		key := strings.TrimPrefix(src, imagestore.UploadScheme)
		if key == "" || strings.Contains(key, "..") {
			return invalid(field, "无效的设计稿引用")
		}
		return nil
	}
	if err := capture.ValidateURL(src); err != nil {
		return invalid(field, "需为 http(s) 地址或 %s 引用", imagestore.UploadScheme)
	}
	return nil
}

// resolveModel 未指定时使用默认模型，结果为空表示跳过 AI 分析
func resolveModel(cfg *config.Config, name string) (string, error) {
	if name == "" {
		name = cfg.AI.DefaultModel
	}
	if name == "" {
		return "", nil
	}
	mc, ok := cfg.FindModel(name)
	if !ok {
		return "", invalid("ai_model", "未知模型 %s", name)
	}
	if mc.APIKey == "" {
		return "", invalid("ai_model", "模型 %s 暂不可用", name)
	}
	return mc.Name, nil
}

func validateAuthProfile(cfg *config.Config, field, name string) error {
	if name == "" {
		return nil
	}
	if _, ok := cfg.FindAuthProfile(name); !ok {
		return invalid(field, "未知登录配置 %s", name)
	}
	return nil
}

// buildCompareConfig 合并请求参数与服务端默认值
func buildCompareConfig(cfg *config.Config, engine, aiModel string, opts dto.CompareOptions) (model.CompareConfig, error) {
	if engine == "" {
		engine = model.EnginePixel
	}
	if engine != model.EnginePixel {
		return model.CompareConfig{}, invalid("engine", "不支持的比对引擎 %s", engine)
	}

	cc := model.CompareConfig{
		Engine:             engine,
		AIModel:            aiModel,
		IgnoreAntialiasing: cfg.Diff.IgnoreAntialiasing,
		Tolerance:          cfg.Diff.Tolerance,
		ViewportWidth:      opts.ViewportWidth,
		ViewportHeight:     opts.ViewportHeight,
		FullPage:           cfg.Browser.FullPage,
		WaitUntil:          opts.WaitUntil,
	}
	if opts.IgnoreAntialiasing != nil {
		cc.IgnoreAntialiasing = *opts.IgnoreAntialiasing
	}
	if opts.Tolerance != nil {
		if *opts.Tolerance < 0 || *opts.Tolerance > 100 {
			return model.CompareConfig{}, invalid("tolerance", "取值范围 0-100")
		}
		cc.Tolerance = *opts.Tolerance
	}
	if opts.FullPage != nil {
		cc.FullPage = *opts.FullPage
	}
	switch cc.WaitUntil {
	case "", capture.WaitLoad, capture.WaitDOMContentLoaded, capture.WaitNetworkIdle:
	default:
		return model.CompareConfig{}, invalid("wait_until", "不支持的等待条件 %s", cc.WaitUntil)
	}

	if len(opts.IgnoreRegions) > 0 {
		boxes := make([]model.BoundingBox, 0, len(opts.IgnoreRegions))
		for _, b := range opts.IgnoreRegions {
			if b.Width <= 0 || b.Height <= 0 || b.X < 0 || b.Y < 0 {
				return model.CompareConfig{}, invalid("ignore_regions", "区域尺寸无效")
			}
			boxes = append(boxes, model.BoundingBox{X: b.X, Y: b.Y, Width: b.Width, Height: b.Height})
		}
		data, err := json.Marshal(boxes)
		if err != nil {
			return model.CompareConfig{}, err
		}
		cc.IgnoreRegions = string(data)
	}
	return cc, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
