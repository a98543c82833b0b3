package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/capture"
	"github.com/qs3c/ui_diff_server/internal/diff"
	"github.com/qs3c/ui_diff_server/internal/metrics"
	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/model/dto"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/pkg/pubsub"
	"github.com/qs3c/ui_diff_server/internal/repository"
	"github.com/qs3c/ui_diff_server/internal/suggest"
)

var errCancelled = errors.New("cancelled")

const errInterrupted = "interrupted before completion"

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// SessionSource 获取登录会话
type SessionSource interface {
	Acquire(ctx context.Context, profile *config.AuthProfileConfig) (*capture.Session, error)
}

// FixSuggester 生成修复建议
type FixSuggester interface {
	SuggestFixes(ctx context.Context, design, actual []byte, regions []model.DiffRegion, mc config.ModelConfig) ([]model.CSSFix, error)
}

// ProcessorDeps 处理器依赖
type ProcessorDeps struct {
	Reports     repository.ReportRepo
	Sessions    SessionSource
	Capturer    capture.Capturer
	Engine      *diff.Engine
	Analyzer    *diff.Analyzer
	Suggester   FixSuggester
	Images      imagestore.Store
	Broadcaster pubsub.Broadcaster
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Processor 单个报告的比对流水线
type Processor struct {
	ProcessorDeps
	cfg *config.Config
}

// NewProcessor 创建任务处理器
func NewProcessor(deps ProcessorDeps, cfg *config.Config) *Processor {
	if deps.Broadcaster == nil {
		deps.Broadcaster = pubsub.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.With(zap.String("component", "processor"))
	return &Processor{ProcessorDeps: deps, cfg: cfg}
}

// ProcessReport 队列入口
func (p *Processor) ProcessReport(ctx context.Context, id string) error {
	_, err := p.Run(ctx, id, nil)
	return err
}

// Run 执行完整流水线。阶段内的失败转为 failed 报告，只有持久化失败作为 error 返回。
// cancelled 在阶段之间检查，返回 true 时报告以 cancelled 失败
func (p *Processor) Run(ctx context.Context, id string, cancelled func() bool) (*model.Report, error) {
	report, err := p.Reports.FindByID(id)
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", id, err)
	}
	if report.IsTerminal() {
		return report, nil
	}

	if p.cfg.Batch.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Batch.ItemTimeout)
		defer cancel()
	}

	r := &reportRun{
		p:         p,
		report:    report,
		cancelled: cancelled,
		logger:    p.Logger.With(zap.String("report_id", id)),
	}
	if err := r.execute(ctx); err != nil {
		if errors.Is(err, repository.ErrReportTerminal) {
			// 已被其他流程终结（例如超时清理），以库中状态为准
			r.logger.Warn("report terminated elsewhere", zap.Error(err))
			return p.Reports.FindByID(id)
		}
		return r.report, err
	}
	return r.report, nil
}

// reportRun 一次流水线执行的状态
type reportRun struct {
	p          *Processor
	report     *model.Report
	cancelled  func() bool
	step       string
	stageStart time.Time
	logger     *zap.Logger
}

func (r *reportRun) execute(ctx context.Context) error {
	p := r.p
	rep := r.report

	now := time.Now()
	rep.Status = model.ReportProcessing
	rep.StartedAt = &now
	if err := r.advance(ctx, pubsub.StepCapturing, map[string]interface{}{
		"status":     model.ReportProcessing,
		"started_at": now,
	}); err != nil {
		return err
	}

	var profile *config.AuthProfileConfig
	if rep.AuthProfile != "" {
		ap, ok := p.cfg.FindAuthProfile(rep.AuthProfile)
		if !ok {
			return r.fail(ctx, fmt.Errorf("auth profile %q is not configured", rep.AuthProfile))
		}
		profile = ap
	}
	session, err := p.Sessions.Acquire(ctx, profile)
	if err != nil {
		return r.fail(ctx, err)
	}

	design, err := r.loadDesign(ctx)
	if err != nil {
		return r.fail(ctx, err)
	}
	actual, err := p.Capturer.Capture(ctx, r.captureRequest(rep.URL, session))
	if err != nil {
		return r.fail(ctx, err)
	}
	if r.isCancelled() {
		return r.fail(ctx, errCancelled)
	}

	// 像素比对
	if err := r.advance(ctx, pubsub.StepComparing, nil); err != nil {
		return err
	}
	opts, err := diffOptions(rep.Options)
	if err != nil {
		return r.fail(ctx, err)
	}
	diffCtx := ctx
	if p.cfg.Diff.Timeout > 0 {
		var cancel context.CancelFunc
		diffCtx, cancel = context.WithTimeout(ctx, p.cfg.Diff.Timeout)
		defer cancel()
	}
	result, err := p.Engine.CompareBytes(diffCtx, design, actual, opts)
	if err != nil {
		return r.fail(ctx, err)
	}
	if r.isCancelled() {
		return r.fail(ctx, errCancelled)
	}

	// 区域聚类
	if err := r.advance(ctx, pubsub.StepAnalyzing, nil); err != nil {
		return err
	}
	regions := p.Analyzer.Analyze(result.Mask, result.Width, result.Height)
	if r.isCancelled() {
		return r.fail(ctx, errCancelled)
	}

	fixes := []model.CSSFix{}
	var warning string
	if len(regions) > 0 && rep.ModelName != "" {
		if err := r.advance(ctx, pubsub.StepAIAnalyzing, nil); err != nil {
			return err
		}
		mc, ok := p.cfg.FindModel(rep.ModelName)
		if !ok {
			warning = fmt.Sprintf("model %q is no longer configured, fixes skipped", rep.ModelName)
		} else {
			suggested, err := p.Suggester.SuggestFixes(ctx, design, actual, regions, *mc)
			switch {
			case err == nil:
				fixes = suggested
			case suggest.IsSoft(err):
				warning = err.Error()
			default:
				return r.fail(ctx, err)
			}
		}
		if r.isCancelled() {
			return r.fail(ctx, errCancelled)
		}
	}

	images, err := r.saveImages(ctx, design, actual, result)
	if err != nil {
		return r.fail(ctx, err)
	}

	return r.complete(ctx, result, regions, fixes, warning, images)
}

// advance 进入新阶段：单次写入进度与阶段文本，随后广播快照
func (r *reportRun) advance(ctx context.Context, step string, extra map[string]interface{}) error {
	r.observeStage()

	fields := map[string]interface{}{
		"progress":  pubsub.StepProgress[step],
		"step_text": pubsub.StepMessages[step],
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := r.p.Reports.Update(r.report.ID, fields); err != nil {
		return err
	}

	r.step = step
	r.stageStart = time.Now()
	r.report.Progress = pubsub.StepProgress[step]
	r.report.StepText = pubsub.StepMessages[step]
	r.broadcast(ctx)
	return nil
}

func (r *reportRun) observeStage() {
	if r.step != "" {
		r.p.Metrics.ObserveStage(r.step, time.Since(r.stageStart))
	}
}

// fail 把阶段错误写成 failed 终态；返回值只反映持久化结果
func (r *reportRun) fail(ctx context.Context, cause error) error {
	r.observeStage()

	msg := cause.Error()
	now := time.Now()
	err := r.p.Reports.Update(r.report.ID, map[string]interface{}{
		"status":       model.ReportFailed,
		"error":        msg,
		"step_text":    "比对失败",
		"completed_at": now,
	})
	if err != nil {
		return err
	}

	r.report.Status = model.ReportFailed
	r.report.Error = msg
	r.report.StepText = "比对失败"
	r.report.CompletedAt = &now
	r.broadcast(ctx)
	r.p.Metrics.RecordReport(model.ReportFailed)

	r.logger.Warn("report failed", zap.String("step", r.step), zap.Error(cause))
	return nil
}

type reportImages struct {
	design, actual, diff string
}

func (r *reportRun) complete(ctx context.Context, res *diff.Result, regions []model.DiffRegion, fixes []model.CSSFix, warning string, images reportImages) error {
	r.observeStage()

	now := time.Now()
	similarity := res.Similarity
	diffCount := res.DiffPixelCount
	total := res.TotalPixelCount

	err := r.p.Reports.Update(r.report.ID, map[string]interface{}{
		"status":            model.ReportCompleted,
		"progress":          pubsub.StepProgress[pubsub.StepDone],
		"step_text":         pubsub.StepMessages[pubsub.StepDone],
		"similarity":        similarity,
		"diff_pixel_count":  diffCount,
		"total_pixel_count": total,
		"design_image":      images.design,
		"actual_image":      images.actual,
		"diff_image":        images.diff,
		"diff_regions":      model.DiffRegionList(regions),
		"fixes":             model.CSSFixList(fixes),
		"warning":           warning,
		"completed_at":      now,
	})
	if err != nil {
		return err
	}

	rep := r.report
	rep.Status = model.ReportCompleted
	rep.Progress = pubsub.StepProgress[pubsub.StepDone]
	rep.StepText = pubsub.StepMessages[pubsub.StepDone]
	rep.Similarity = &similarity
	rep.DiffPixelCount = &diffCount
	rep.TotalPixelCount = &total
	rep.DesignImage, rep.ActualImage, rep.DiffImage = images.design, images.actual, images.diff
	rep.DiffRegions = regions
	rep.Fixes = fixes
	rep.Warning = warning
	rep.CompletedAt = &now
	r.broadcast(ctx)
	r.p.Metrics.RecordReport(model.ReportCompleted)

	r.logger.Info("report completed",
		zap.Float64("similarity", similarity),
		zap.Int64("diff_pixels", diffCount),
		zap.Int("regions", len(regions)),
		zap.Int("fixes", len(fixes)))
	return nil
}

// broadcast 尽力推送，失败只记日志
func (r *reportRun) broadcast(ctx context.Context) {
	event, err := pubsub.NewEvent(r.report.ID, pubsub.EventReportProgress, dto.NewReportSnapshot(r.report))
	if err != nil {
		r.logger.Warn("failed to build progress event", zap.Error(err))
		return
	}
	if err := r.p.Broadcaster.Broadcast(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Debug("progress broadcast dropped", zap.Error(err))
	}
}

func (r *reportRun) isCancelled() bool {
	return r.cancelled != nil && r.cancelled()
}

// loadDesign 上传的设计稿读取后统一转为 png，否则按 URL 匿名截图。
// 比对、AI 请求和存档都使用返回的 png
func (r *reportRun) loadDesign(ctx context.Context) ([]byte, error) {
	src := r.report.DesignSource
	if strings.HasPrefix(src, imagestore.UploadScheme) {
		data, err := r.p.Images.Load(ctx, strings.TrimPrefix(src, imagestore.UploadScheme))
		if err != nil {
			return nil, fmt.Errorf("failed to load design %s: %w", src, err)
		}
		png, err := asPNG(data)
		if err != nil {
			return nil, &diff.ComputeError{Input: "design", Err: err}
		}
		return png, nil
	}
	return r.p.Capturer.Capture(ctx, r.captureRequest(src, capture.Anonymous))
}

func (r *reportRun) captureRequest(url string, session *capture.Session) capture.Request {
	opts := r.report.Options
	return capture.Request{
		URL:      url,
		Viewport: capture.Viewport{Width: opts.ViewportWidth, Height: opts.ViewportHeight},
		Session:  session,
		Options: capture.Options{
			FullPage:  opts.FullPage,
			WaitUntil: opts.WaitUntil,
		},
	}
}

func (r *reportRun) saveImages(ctx context.Context, design, actual []byte, res *diff.Result) (reportImages, error) {
	var out reportImages

	diffPNG, err := diff.EncodePNG(res.Image)
	if err != nil {
		return out, &diff.ComputeError{Err: err}
	}

	id := r.report.ID
	if out.design, err = r.p.Images.Save(ctx, imagestore.ReportKey(id, "design"), design); err != nil {
		return out, fmt.Errorf("failed to save design image: %w", err)
	}
	if out.actual, err = r.p.Images.Save(ctx, imagestore.ReportKey(id, "actual"), actual); err != nil {
		return out, fmt.Errorf("failed to save actual image: %w", err)
	}
	if out.diff, err = r.p.Images.Save(ctx, imagestore.ReportKey(id, "diff"), diffPNG); err != nil {
		return out, fmt.Errorf("failed to save diff image: %w", err)
	}
	return out, nil
}

// asPNG 上传的 jpeg 设计稿转存为 png
func asPNG(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, pngSignature) {
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return diff.EncodePNG(img)
}

func diffOptions(cfg model.CompareConfig) (diff.Options, error) {
	opts := diff.Options{
		IgnoreAntialiasing: cfg.IgnoreAntialiasing,
		Tolerance:          cfg.Tolerance,
	}
	if cfg.IgnoreRegions != "" {
		if err := json.Unmarshal([]byte(cfg.IgnoreRegions), &opts.IgnoreRegions); err != nil {
			return opts, fmt.Errorf("invalid ignore regions: %w", err)
		}
	}
	return opts, nil
}
