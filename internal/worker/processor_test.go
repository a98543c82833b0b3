package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/ui_diff_server/internal/capture"
	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/pkg/pubsub"
	"github.com/qs3c/ui_diff_server/internal/repository"
	"github.com/qs3c/ui_diff_server/internal/suggest"
	"github.com/qs3c/ui_diff_server/internal/testutil"
)

func TestProcessor_IdenticalImages(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db)

	err := h.processor.ProcessReport(context.Background(), report.ID)
	require.NoError(t, err)

	got, err := h.reports.FindByID(report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Similarity)
	assert.Equal(t, 100.0, *got.Similarity)
	assert.Equal(t, int64(0), *got.DiffPixelCount)
	assert.Equal(t, int64(10000), *got.TotalPixelCount)
	assert.Empty(t, got.DiffRegions)
	assert.NotNil(t, got.Fixes)
	assert.Empty(t, got.Fixes)
	assert.Empty(t, got.Error)
	assert.NotNil(t, got.CompletedAt)

	// 只暴露 web 相对路径
	for _, p := range []string{got.DesignImage, got.ActualImage, got.DiffImage} {
		assert.True(t, strings.HasPrefix(p, "/static/reports/"+report.ID+"/"), p)
	}
	assert.Equal(t, int32(0), h.suggester.calls)
}

func TestProcessor_RedSquare(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db, func(r *model.Report) { r.ModelName = "vision" })
	h.capturer.images[report.URL] = pageWithSquares(t, image.Pt(5, 5))
	h.suggester.fixes = []model.CSSFix{{Priority: "high", Type: "color", Selector: ".hero", SuggestedCSS: "background:#fff"}}

	require.NoError(t, h.processor.ProcessReport(context.Background(), report.ID))

	got, err := h.reports.FindByID(report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportCompleted, got.Status)
	assert.Equal(t, int64(100), *got.DiffPixelCount)
	assert.Less(t, *got.Similarity, 100.0)
	require.Len(t, got.DiffRegions, 1)
	assert.Equal(t, model.BoundingBox{X: 5, Y: 5, Width: 10, Height: 10}, got.DiffRegions[0].BoundingBox)
	assert.Equal(t, 0, got.DiffRegions[0].ID)
	require.Len(t, got.Fixes, 1)
	assert.Equal(t, ".hero", got.Fixes[0].Selector)
	assert.Equal(t, int32(1), h.suggester.calls)
}

func TestProcessor_SoftAIFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db, func(r *model.Report) { r.ModelName = "vision" })
	h.capturer.images[report.URL] = pageWithSquares(t, image.Pt(5, 5), image.Pt(60, 60))
	h.suggester.err = &suggest.AIError{Provider: "anthropic", Cause: errors.New("no valid fix entries"), Soft: true}

	require.NoError(t, h.processor.ProcessReport(context.Background(), report.ID))

	got, err := h.reports.FindByID(report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportCompleted, got.Status)
	assert.NotNil(t, got.Fixes)
	assert.Empty(t, got.Fixes)
	assert.NotEmpty(t, got.Warning)
	assert.Empty(t, got.Error)
	assert.Len(t, got.DiffRegions, 2)
	assert.Equal(t, int64(200), *got.DiffPixelCount)
	require.NotNil(t, got.Similarity)
}

func TestProcessor_HardAIFailureFailsReport(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db, func(r *model.Report) { r.ModelName = "vision" })
	h.capturer.images[report.URL] = pageWithSquares(t, image.Pt(5, 5))
	h.suggester.err = &suggest.AIError{Provider: "anthropic", Cause: errors.New("status 401")}

	require.NoError(t, h.processor.ProcessReport(context.Background(), report.ID))

	got, err := h.reports.FindByID(report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, got.Status)
	assert.Contains(t, got.Error, "status 401")
}

func TestProcessor_CaptureFailure(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db)
	h.capturer.errs[report.URL] = timeoutError(report.URL)

	require.NoError(t, h.processor.ProcessReport(context.Background(), report.ID))

	got, err := h.reports.FindByID(report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")
	assert.Contains(t, got.Error, report.URL)
	// 失败时进度冻结在失败前的阶段
	assert.Equal(t, pubsub.StepProgress[pubsub.StepCapturing], got.Progress)
	assert.Nil(t, got.Similarity)
}

func TestProcessor_AuthFailure(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db)
	h.sessions.err = &capture.AuthError{Profile: "admin", Reason: "login timed out"}

	require.NoError(t, h.processor.ProcessReport(context.Background(), report.ID))

	got, err := h.reports.FindByID(report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, got.Status)
	assert.Contains(t, got.Error, "login timed out")
}

func TestProcessor_UnknownAuthProfile(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db, func(r *model.Report) { r.AuthProfile = "ghost" })

	require.NoError(t, h.processor.ProcessReport(context.Background(), report.ID))

	got, _ := h.reports.FindByID(report.ID)
	assert.Equal(t, model.ReportFailed, got.Status)
	assert.Contains(t, got.Error, "ghost")
}

func TestProcessor_UnreadableImage(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db)
	h.capturer.images[report.URL] = []byte("not an image")

	require.NoError(t, h.processor.ProcessReport(context.Background(), report.ID))

	got, _ := h.reports.FindByID(report.ID)
	assert.Equal(t, model.ReportFailed, got.Status)
	assert.Contains(t, got.Error, "actual image")
}

func TestProcessor_TerminalReportIsNotReprocessed(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db, testutil.WithReportStatus(model.ReportCompleted))

	got, err := h.processor.Run(context.Background(), report.ID, nil)

	require.NoError(t, err)
	assert.Equal(t, model.ReportCompleted, got.Status)
	assert.Equal(t, 0, h.capturer.callCount())
}

func TestProcessor_ProgressIsMonotonic(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db, func(r *model.Report) { r.ModelName = "vision" })
	h.capturer.images[report.URL] = pageWithSquares(t, image.Pt(30, 30))
	h.suggester.fixes = []model.CSSFix{{Priority: "low", Type: "spacing", Selector: "p", SuggestedCSS: "margin:0"}}

	require.NoError(t, h.processor.ProcessReport(context.Background(), report.ID))

	events := h.events.byID(report.ID)
	require.Len(t, events, 5)
	var progress []int
	for _, e := range events {
		assert.Equal(t, pubsub.EventReportProgress, e.Type)
		progress = append(progress, h.events.progressOf(t, e))
	}
	assert.Equal(t, []int{10, 40, 55, 70, 100}, progress)
}

func TestProcessor_UploadedDesignSkipsDesignCapture(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Save(context.Background(), imagestore.DesignKey("mock", ".png"), h.capturer.fallback)
	require.NoError(t, err)
	report := testutil.TestReport(t, h.db, func(r *model.Report) {
		r.DesignSource = imagestore.UploadScheme + imagestore.DesignKey("mock", ".png")
	})

	require.NoError(t, h.processor.ProcessReport(context.Background(), report.ID))

	got, _ := h.reports.FindByID(report.ID)
	assert.Equal(t, model.ReportCompleted, got.Status)
	assert.Equal(t, 1, h.capturer.callCount())
}

func TestProcessor_JPEGDesignIsNormalized(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testutil.SolidImage(100, 100, white), &jpeg.Options{Quality: 100}))
	key := imagestore.DesignKey("mock", ".jpg")
	_, err := h.store.Save(context.Background(), key, buf.Bytes())
	require.NoError(t, err)

	report := testutil.TestReport(t, h.db, func(r *model.Report) {
		r.DesignSource = imagestore.UploadScheme + key
		r.ModelName = "vision"
	})
	h.capturer.images[report.URL] = pageWithSquares(t, image.Pt(40, 40))
	h.suggester.fixes = []model.CSSFix{{Priority: "high", Type: "color", Selector: ".card", SuggestedCSS: "background:#fff"}}

	require.NoError(t, h.processor.ProcessReport(context.Background(), report.ID))

	got, err := h.reports.FindByID(report.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportCompleted, got.Status)
	assert.NotEmpty(t, got.DiffRegions)
	require.Equal(t, int32(1), h.suggester.calls)
	assert.True(t, bytes.HasPrefix(h.suggester.design, pngSignature), "AI request must carry png bytes")

	stored, err := h.store.Load(context.Background(), imagestore.ReportKey(report.ID, "design"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(stored, pngSignature))
	assert.Equal(t, 1, h.capturer.callCount())
}

func TestProcessor_CancelledBetweenStages(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db)

	got, err := h.processor.Run(context.Background(), report.ID, func() bool { return true })

	require.NoError(t, err)
	assert.Equal(t, model.ReportFailed, got.Status)
	assert.Equal(t, "cancelled", got.Error)
	// 当前阶段（截图）已完成
	assert.Equal(t, 2, h.capturer.callCount())
}

func TestProcessor_MissingReport(t *testing.T) {
	h := newHarness(t)

	err := h.processor.ProcessReport(context.Background(), "nope")
	assert.Error(t, err)
}

func TestProcessor_WriteAfterTerminalRejected(t *testing.T) {
	h := newHarness(t)
	report := testutil.TestReport(t, h.db, testutil.WithReportStatus(model.ReportFailed))

	err := h.reports.Update(report.ID, map[string]interface{}{"progress": 100})
	assert.ErrorIs(t, err, repository.ErrReportTerminal)
}
