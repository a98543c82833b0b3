package suggest

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/qs3c/ui_diff_server/config"
)

var statusPattern = regexp.MustCompile(`status code:? (\d{3})`)

// LangChainProvider OpenAI 兼容接口（含自建网关）
type LangChainProvider struct {
	llm llms.Model
}

func NewLangChainProvider(mc config.ModelConfig) (*LangChainProvider, error) {
	opts := []openai.Option{
		openai.WithToken(mc.APIKey),
		openai.WithModel(mc.Name),
	}
	if mc.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(mc.Endpoint))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s llm: %w", mc.Name, err)
	}
	return &LangChainProvider{llm: llm}, nil
}

func (p *LangChainProvider) Name() string {
	return ProviderOpenAI
}

func (p *LangChainProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextContent{Text: "设计稿："},
				llms.BinaryPart("image/png", req.DesignPNG),
				llms.TextContent{Text: "实际页面截图："},
				llms.BinaryPart("image/png", req.ActualPNG),
				llms.TextContent{Text: req.Prompt},
			},
		},
	}

	resp, err := p.llm.GenerateContent(ctx, messages, llms.WithMaxTokens(req.MaxTokens))
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), StatusCode: statusFromMessage(err.Error()), Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Content, nil
}

// statusFromMessage langchaingo 只在错误文本里带 HTTP 状态码
func statusFromMessage(msg string) int {
	m := statusPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}
