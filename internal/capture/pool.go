package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/qs3c/ui_diff_server/config"
)

// Browser 一个 Chrome 进程
type Browser struct {
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewTab 在独立的浏览器上下文中打开标签页，cancel 时关闭标签页并丢弃其 cookie
func (b *Browser) NewTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
}

func (b *Browser) close() {
	b.cancel()
	b.allocCancel()
}

func launchBrowser(cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	// 启动浏览器
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &Browser{allocCancel: allocCancel, ctx: ctx, cancel: cancel}, nil
}

// BrowserPool 浏览器实例池，实例按需启动，上限为 pool_size
type BrowserPool struct {
	cfg     config.BrowserConfig
	pool    chan *Browser
	active  map[*Browser]bool
	maxSize int
	launch  func() (*Browser, error)
	logger  *zap.Logger
	mu      sync.Mutex
	once    sync.Once
	closed  bool
}

// NewBrowserPool 创建浏览器池
func NewBrowserPool(cfg config.BrowserConfig, logger *zap.Logger) *BrowserPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 2
	}

	p := &BrowserPool{
		cfg:     cfg,
		pool:    make(chan *Browser, size),
		active:  make(map[*Browser]bool),
		maxSize: size,
		logger:  logger.With(zap.String("component", "browser_pool")),
	}
	p.launch = func() (*Browser, error) {
		return launchBrowser(cfg, p.logger)
	}
	return p
}

// Acquire 获取一个浏览器实例，池满时等待归还
func (p *BrowserPool) Acquire(ctx context.Context) (*Browser, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("browser pool is closed")
	}
	p.mu.Unlock()

	select {
	case b, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("browser pool is closed")
		}
		return p.markActive(b), nil
	default:
	}

	p.mu.Lock()
	if len(p.active)+len(p.pool) >= p.maxSize {
		p.mu.Unlock()
		p.logger.Debug("pool exhausted, waiting for available browser")
		select {
		case b, ok := <-p.pool:
			if !ok {
				return nil, fmt.Errorf("browser pool is closed")
			}
			return p.markActive(b), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// 先占位，避免并发超发
	placeholder := &Browser{}
	p.active[placeholder] = true
	p.mu.Unlock()

	b, err := p.launch()

	p.mu.Lock()
	delete(p.active, placeholder)
	if err == nil {
		p.active[b] = true
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	p.logger.Debug("launched new browser instance")
	return b, nil
}

func (p *BrowserPool) markActive(b *Browser) *Browser {
	p.mu.Lock()
	p.active[b] = true
	p.mu.Unlock()
	return b
}

// Release 归还浏览器实例
func (p *BrowserPool) Release(b *Browser) {
	p.mu.Lock()
	delete(p.active, b)

	if p.closed {
		p.mu.Unlock()
		b.close()
		return
	}

	select {
	case p.pool <- b:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		b.close()
	}
}

// Close 关闭所有实例
func (p *BrowserPool) Close() {
	p.mu.Lock()
	p.closed = true
	for b := range p.active {
		if b.cancel != nil {
			b.close()
		}
	}
	p.active = make(map[*Browser]bool)
	p.once.Do(func() { close(p.pool) })
	p.mu.Unlock()

	for b := range p.pool {
		b.close()
	}
	p.logger.Info("browser pool closed")
}

// Stats 返回池统计信息
func (p *BrowserPool) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pool), len(p.active)
}
