package worker

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/capture"
	"github.com/qs3c/ui_diff_server/internal/diff"
	"github.com/qs3c/ui_diff_server/internal/model"
	"github.com/qs3c/ui_diff_server/internal/pkg/imagestore"
	"github.com/qs3c/ui_diff_server/internal/pkg/pubsub"
	"github.com/qs3c/ui_diff_server/internal/repository"
	"github.com/qs3c/ui_diff_server/internal/testutil"
)

const designURL = "https://cdn.example.com/design.png"

var (
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	red   = color.RGBA{R: 255, A: 255}
)

type fakeCapturer struct {
	mu       sync.Mutex
	images   map[string][]byte
	errs     map[string]error
	fallback []byte
	calls    []string
	delay    time.Duration

	inflight    int32
	maxInflight int32
}

func (f *fakeCapturer) Capture(ctx context.Context, req capture.Request) ([]byte, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInflight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInflight, max, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if err := f.errs[req.URL]; err != nil {
		return nil, err
	}
	if img, ok := f.images[req.URL]; ok {
		return img, nil
	}
	return f.fallback, nil
}

func (f *fakeCapturer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSessions struct {
	err error
}

func (f *fakeSessions) Acquire(context.Context, *config.AuthProfileConfig) (*capture.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return capture.Anonymous, nil
}

type fakeSuggester struct {
	fixes []model.CSSFix
	err   error
	calls int32

	mu     sync.Mutex
	design []byte
}

func (f *fakeSuggester) SuggestFixes(_ context.Context, design, _ []byte, _ []model.DiffRegion, _ config.ModelConfig) ([]model.CSSFix, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.design = design
	f.mu.Unlock()
	if f.err != nil {
		return []model.CSSFix{}, f.err
	}
	return f.fixes, nil
}

type recorder struct {
	mu     sync.Mutex
	events []*pubsub.ProgressEvent
}

func (r *recorder) Broadcast(_ context.Context, e *pubsub.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) byID(id string) []*pubsub.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*pubsub.ProgressEvent
	for _, e := range r.events {
		if e.ID == id {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) progressOf(t *testing.T, e *pubsub.ProgressEvent) int {
	t.Helper()
	var data struct {
		Progress int `json:"progress"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatalf("bad event data: %v", err)
	}
	return data.Progress
}

type harness struct {
	db        *gorm.DB
	reports   *repository.ReportRepository
	tasks     *repository.BatchTaskRepository
	capturer  *fakeCapturer
	sessions  *fakeSessions
	suggester *fakeSuggester
	events    *recorder
	store     *imagestore.LocalStore
	cfg       *config.Config
	processor *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	cfg := &config.Config{
		Models: []config.ModelConfig{{Name: "vision", APIProvider: "anthropic", APIKey: "k"}},
		Batch:  config.BatchConfig{Concurrency: 2, CancelPoll: 10 * time.Millisecond},
	}
	config.ApplyDefaults(cfg)

	base := testutil.EncodePNG(t, testutil.SolidImage(100, 100, white))
	h := &harness{
		db:      db,
		reports: repository.NewReportRepository(db),
		tasks:   repository.NewBatchTaskRepository(db),
		capturer: &fakeCapturer{
			images:   map[string][]byte{designURL: base},
			errs:     map[string]error{},
			fallback: base,
		},
		sessions:  &fakeSessions{},
		suggester: &fakeSuggester{},
		events:    &recorder{},
		store:     imagestore.NewLocalStore(t.TempDir(), "/static"),
		cfg:       cfg,
	}
	h.processor = NewProcessor(ProcessorDeps{
		Reports:     h.reports,
		Sessions:    h.sessions,
		Capturer:    h.capturer,
		Engine:      diff.NewEngine(cfg.Diff),
		Analyzer:    diff.NewAnalyzer(cfg.Diff),
		Suggester:   h.suggester,
		Images:      h.store,
		Broadcaster: h.events,
	}, cfg)
	return h
}

// pageWithSquares 白底页面，在给定位置画 10x10 红块
func pageWithSquares(t *testing.T, points ...image.Point) []byte {
	img := testutil.SolidImage(100, 100, white)
	for _, p := range points {
		testutil.FillRect(img, image.Rect(p.X, p.Y, p.X+10, p.Y+10), red)
	}
	return testutil.EncodePNG(t, img)
}

func timeoutError(url string) error {
	return &capture.CaptureError{URL: url, Reason: "capture timed out after 30s", Timeout: true}
}
