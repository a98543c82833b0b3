package suggest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/metrics"
	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/pkg/retry"
)

// AIError 修复建议生成失败；Soft 表示模型有返回但解析不出任何有效建议
type AIError struct {
	Provider string
	Cause    error
	Soft     bool
}

func (e *AIError) Error() string {
	if e.Soft {
		return fmt.Sprintf("ai provider %s returned no usable fixes: %v", e.Provider, e.Cause)
	}
	return fmt.Sprintf("ai provider %s failed: %v", e.Provider, e.Cause)
}

func (e *AIError) Unwrap() error {
	return e.Cause
}

// IsSoft 判断是否为可吸收的软失败
func IsSoft(err error) bool {
	var aiErr *AIError
	return errors.As(err, &aiErr) && aiErr.Soft
}

// Generator 选择提供方、限流、重试并解析模型输出
type Generator struct {
	cfg         config.AIConfig
	limiter     *rate.Limiter
	retryer     *retry.Retryer
	newProvider func(config.ModelConfig) (Provider, error)
	mu          sync.Mutex
	providers   map[string]Provider
	metrics     *metrics.Collector
	logger      *zap.Logger
}

func NewGenerator(cfg config.AIConfig, m *metrics.Collector, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "suggest"))

	limit := rate.Inf
	if cfg.RequestsPerS > 0 {
		limit = rate.Limit(cfg.RequestsPerS)
	}
	burst := int(cfg.RequestsPerS)
	if burst < 1 {
		burst = 1
	}

	return &Generator{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		// 只对传输错误重试一次，解析失败不重试
		retryer: retry.New(retry.Policy{
			MaxRetries:   1,
			InitialDelay: time.Second,
			Retryable:    transient,
		}, logger),
		newProvider: NewProvider,
		providers:   make(map[string]Provider),
		metrics:     m,
		logger:      logger,
	}
}

func (g *Generator) provider(mc config.ModelConfig) (Provider, error) {
	key := mc.APIProvider + "|" + mc.Name + "|" + mc.Endpoint

	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.providers[key]; ok {
		return p, nil
	}
	p, err := g.newProvider(mc)
	if err != nil {
		return nil, err
	}
	g.providers[key] = p
	return p, nil
}

// SuggestFixes 把两张图与前 N 个差异区域发送给模型，返回校验通过的修复建议
func (g *Generator) SuggestFixes(ctx context.Context, design, actual []byte, regions []model.DiffRegion, mc config.ModelConfig) ([]model.CSSFix, error) {
	if len(regions) == 0 {
		return []model.CSSFix{}, nil
	}

	p, err := g.provider(mc)
	if err != nil {
		return nil, &AIError{Provider: mc.APIProvider, Cause: err}
	}

	top := topRegions(regions, g.cfg.TopRegions)
	req := Request{
		DesignPNG: design,
		ActualPNG: actual,
		Regions:   top,
		Prompt:    buildPrompt(top),
		MaxTokens: g.cfg.MaxTokens,
	}

	start := time.Now()
	var text string
	err = g.retryer.Do(ctx, func(int) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx := ctx
		if g.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
		}

		var err error
		text, err = p.Complete(callCtx, req)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return &attemptTimeout{err: err}
		}
		return err
	})
	if err != nil {
		g.metrics.RecordAIRequest(p.Name(), "error", time.Since(start))
		return nil, &AIError{Provider: p.Name(), Cause: err}
	}

	fixes, dropped, err := parseFixes(text)
	if err == nil && len(fixes) == 0 {
		err = errors.New("no valid fix entries")
	}
	if err != nil {
		g.metrics.RecordAIRequest(p.Name(), "unparseable", time.Since(start))
		g.logger.Warn("ai response unusable",
			zap.String("provider", p.Name()),
			zap.String("model", mc.Name),
			zap.Int("dropped", dropped),
			zap.Error(err))
		return []model.CSSFix{}, &AIError{Provider: p.Name(), Cause: err, Soft: true}
	}

	g.metrics.RecordAIRequest(p.Name(), "ok", time.Since(start))
	if dropped > 0 {
		g.logger.Debug("discarded malformed fixes",
			zap.String("model", mc.Name),
			zap.Int("dropped", dropped),
			zap.Int("kept", len(fixes)))
	}
	return fixes, nil
}
