package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/qs3c/ui_diff_server/config"
	"github.com/qs3c/ui_diff_server/internal/metrics"
	"github.com/qs3c/ui_diff_server/internal/pkg/retry"
)

// 页面就绪条件
const (
	WaitLoad             = "load"
	WaitDOMContentLoaded = "domcontentloaded"
	WaitNetworkIdle      = "networkidle"
)

const networkIdleQuiet = 500 * time.Millisecond

// Viewport 视口尺寸
type Viewport struct {
	Width  int
	Height int
}

// Options 单次截图参数
type Options struct {
	FullPage  bool
	WaitUntil string
	Timeout   time.Duration
}

// Request 截图请求
type Request struct {
	URL      string
	Viewport Viewport
	Session  *Session
	Options  Options
}

// Capturer 把页面渲染成 PNG
type Capturer interface {
	Capture(ctx context.Context, req Request) ([]byte, error)
}

// ValidateURL 只接受 http/https 绝对地址
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", errInvalidURL, raw)
	}
	return nil
}

// ChromeCapturer 基于 chromedp 的截图实现，每次调用单次尝试
type ChromeCapturer struct {
	pool   *BrowserPool
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewChromeCapturer 创建截图器
func NewChromeCapturer(pool *BrowserPool, cfg config.BrowserConfig, logger *zap.Logger) *ChromeCapturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeCapturer{pool: pool, cfg: cfg, logger: logger.With(zap.String("component", "capturer"))}
}

// withDefaults 用配置补齐请求中未指定的参数
func (c *ChromeCapturer) withDefaults(req Request) Request {
	if req.Viewport.Width <= 0 {
		req.Viewport.Width = c.cfg.ViewportWidth
	}
	if req.Viewport.Height <= 0 {
		req.Viewport.Height = c.cfg.ViewportHeight
	}
	if req.Options.WaitUntil == "" {
		req.Options.WaitUntil = c.cfg.WaitUntil
	}
	if req.Options.Timeout <= 0 {
		req.Options.Timeout = c.cfg.CaptureTimeout
	}
	return req
}

func (c *ChromeCapturer) Capture(ctx context.Context, req Request) ([]byte, error) {
	if err := ValidateURL(req.URL); err != nil {
		return nil, &CaptureError{URL: req.URL, Reason: "invalid url", Err: err}
	}
	req = c.withDefaults(req)

	browser, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, &CaptureError{URL: req.URL, Reason: "no browser available", Err: err}
	}
	defer c.pool.Release(browser)

	captureCtx, cancelTimeout := context.WithTimeout(ctx, req.Options.Timeout)
	defer cancelTimeout()

	tabCtx, cancel := browser.NewTab()
	defer cancel()
	stop := context.AfterFunc(captureCtx, cancel)
	defer stop()

	tracker := newLoadTracker()
	chromedp.ListenTarget(tabCtx, tracker.handle)

	start := time.Now()
	var buf []byte
	err = chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.EmulateViewport(int64(req.Viewport.Width), int64(req.Viewport.Height)),
		applySession(req.URL, req.Session),
		navigate(req.URL),
		tracker.wait(req.Options.WaitUntil),
		screenshot(&buf, req.Options.FullPage),
	)
	if err != nil {
		if captureCtx.Err() == context.DeadlineExceeded {
			return nil, &CaptureError{
				URL:     req.URL,
				Reason:  fmt.Sprintf("capture timed out after %s", req.Options.Timeout),
				Timeout: true,
				Err:     err,
			}
		}
		if ctx.Err() != nil {
			return nil, &CaptureError{URL: req.URL, Reason: "capture cancelled", Err: ctx.Err()}
		}
		return nil, &CaptureError{URL: req.URL, Reason: "render failed", Err: err}
	}
	if len(buf) == 0 {
		return nil, &CaptureError{URL: req.URL, Reason: "empty screenshot"}
	}

	c.logger.Debug("page captured",
		zap.String("url", req.URL),
		zap.Bool("authenticated", !req.Session.IsAnonymous()),
		zap.Int("bytes", len(buf)),
		zap.Duration("took", time.Since(start)))
	return buf, nil
}

// applySession 注入 cookie，localStorage 仅在同源页面上写入
func applySession(target string, s *Session) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if s.IsAnonymous() {
			return nil
		}
		if len(s.Cookies) > 0 {
			if err := network.SetCookies(s.Cookies).Do(ctx); err != nil {
				return fmt.Errorf("set cookies: %w", err)
			}
		}
		if len(s.LocalStorage) == 0 || s.Origin == "" {
			return nil
		}
		u, err := url.Parse(target)
		if err != nil || u.Scheme+"://"+u.Host != s.Origin {
			return nil
		}
		data, err := json.Marshal(s.LocalStorage)
		if err != nil {
			return err
		}
		script := fmt.Sprintf(`(function(){if(location.origin!==%q)return;var d=%s;for(var k in d){localStorage.setItem(k,d[k]);}})();`,
			s.Origin, data)
		_, err = page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	})
}

// navigate 发起导航但不等待 load，由 loadTracker 决定就绪时机
func navigate(target string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(target), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return fmt.Errorf("navigation failed: %s", res.ErrorText)
		}
		return nil
	})
}

func screenshot(buf *[]byte, fullPage bool) chromedp.Action {
	if fullPage {
		return chromedp.FullScreenshot(buf, 100)
	}
	return chromedp.CaptureScreenshot(buf)
}

// loadTracker 记录页面生命周期事件与在途请求数
type loadTracker struct {
	mu         sync.Mutex
	domReady   chan struct{}
	loaded     chan struct{}
	domOnce    sync.Once
	loadOnce   sync.Once
	inflight   map[network.RequestID]struct{}
	lastChange time.Time
}

func newLoadTracker() *loadTracker {
	return &loadTracker{
		domReady:   make(chan struct{}),
		loaded:     make(chan struct{}),
		inflight:   make(map[network.RequestID]struct{}),
		lastChange: time.Now(),
	}
}

func (t *loadTracker) handle(ev interface{}) {
	switch e := ev.(type) {
	case *page.EventDomContentEventFired:
		t.domOnce.Do(func() { close(t.domReady) })
	case *page.EventLoadEventFired:
		t.loadOnce.Do(func() { close(t.loaded) })
	case *network.EventRequestWillBeSent:
		t.mu.Lock()
		t.inflight[e.RequestID] = struct{}{}
		t.lastChange = time.Now()
		t.mu.Unlock()
	case *network.EventLoadingFinished:
		t.done(e.RequestID)
	case *network.EventLoadingFailed:
		t.done(e.RequestID)
	}
}

func (t *loadTracker) done(id network.RequestID) {
	t.mu.Lock()
	if _, ok := t.inflight[id]; ok {
		delete(t.inflight, id)
		t.lastChange = time.Now()
	}
	t.mu.Unlock()
}

func (t *loadTracker) idleFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inflight) > 0 {
		return 0
	}
	return time.Since(t.lastChange)
}

func (t *loadTracker) wait(until string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ready := t.loaded
		if until == WaitDOMContentLoaded {
			ready = t.domReady
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if until != WaitNetworkIdle {
			return nil
		}

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for t.idleFor() < networkIdleQuiet {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		return nil
	})
}

// RetryingCapturer 对可重试的截图失败按退避策略重试
type RetryingCapturer struct {
	next    Capturer
	retryer *retry.Retryer
}

// NewRetryingCapturer 包装截图器，最多额外重试 cfg.MaxRetries 次
func NewRetryingCapturer(next Capturer, cfg config.BrowserConfig, m *metrics.Collector, logger *zap.Logger) *RetryingCapturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := retry.Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryDelay,
		MaxDelay:     cfg.RetryDelay * 8,
		Multiplier:   2,
		Jitter:       true,
		Retryable:    retryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			m.RecordCaptureRetry()
			logger.Warn("capture failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}
	return &RetryingCapturer{next: next, retryer: retry.New(policy, logger)}
}

func (r *RetryingCapturer) Capture(ctx context.Context, req Request) ([]byte, error) {
	var data []byte
	err := r.retryer.Do(ctx, func(int) error {
		var err error
		data, err = r.next.Capture(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
