package suggest

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/qs3c/ui_diff_server/config"
)

// AnthropicProvider 通过 Anthropic Messages API 发送图片与提示词
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

func NewAnthropicProvider(mc config.ModelConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(mc.APIKey)}
	if mc.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(mc.Endpoint))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  mc.Name,
	}
}

func (p *AnthropicProvider) Name() string {
	return ProviderAnthropic
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(req.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock("设计稿："),
				anthropic.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(req.DesignPNG)),
				anthropic.NewTextBlock("实际页面截图："),
				anthropic.NewImageBlockBase64("image/png", base64.StdEncoding.EncodeToString(req.ActualPNG)),
				anthropic.NewTextBlock(req.Prompt),
			),
		},
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &ProviderError{Provider: p.Name(), StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", &ProviderError{Provider: p.Name(), Err: err}
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(text.String()), nil
}
