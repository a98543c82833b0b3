// Package suggest 调用视觉模型生成 CSS 修复建议
package suggest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/model"
)

// 支持的 API 提供方
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Request 一次修复建议请求
type Request struct {
	DesignPNG []byte
	ActualPNG []byte
	Regions   []model.DiffRegion
	Prompt    string
	MaxTokens int
}

// Provider 视觉模型适配器，不同提供方对外契约一致
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// ProviderError 提供方返回的错误，StatusCode 为 0 表示传输层失败
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// attemptTimeout 单次调用超过 AI 超时而上层 ctx 仍然有效
type attemptTimeout struct {
	err error
}

func (e *attemptTimeout) Error() string {
	return "ai request attempt timed out: " + e.err.Error()
}

func (e *attemptTimeout) Unwrap() error {
	return e.err
}

// transient 传输失败、单次超时、限流和服务端错误可重试，鉴权失败不重试
func transient(err error) bool {
	var at *attemptTimeout
	if errors.As(err, &at) {
		return true
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	switch {
	case pe.StatusCode == 0:
		return !errors.Is(pe.Err, context.Canceled) && !errors.Is(pe.Err, context.DeadlineExceeded)
	case pe.StatusCode == http.StatusTooManyRequests:
		return true
	case pe.StatusCode >= 500:
		return true
	}
	return false
}

// NewProvider 按模型配置创建适配器
func NewProvider(mc config.ModelConfig) (Provider, error) {
	switch mc.APIProvider {
	case ProviderAnthropic:
		return NewAnthropicProvider(mc), nil
	case ProviderOpenAI, "":
		return NewLangChainProvider(mc)
	default:
		return nil, fmt.Errorf("unsupported api provider %q for model %s", mc.APIProvider, mc.Name)
	}
}
