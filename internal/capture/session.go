package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/qs3c/ui_diff_server/config"
)

// Session 可复用的浏览上下文状态，获取后只读
type Session struct {
	Profile      string
	Origin       string
	Cookies      []*network.CookieParam
	LocalStorage map[string]string
	CreatedAt    time.Time
}

// Anonymous 未登录上下文
var Anonymous = &Session{}

// IsAnonymous 是否匿名
func (s *Session) IsAnonymous() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.LocalStorage) == 0)
}

type loginFunc func(ctx context.Context, profile *config.AuthProfileConfig) (*Session, error)

type cachedSession struct {
	session   *Session
	expiresAt time.Time
}

// SessionProvider 登录一次，缓存会话供多个截图复用
type SessionProvider struct {
	ttl     time.Duration
	timeout time.Duration
	login   loginFunc
	group   singleflight.Group
	mu      sync.RWMutex
	cache   map[string]cachedSession
	logger  *zap.Logger
}

// NewSessionProvider 创建会话提供者
func NewSessionProvider(pool *BrowserPool, cfg config.BrowserConfig, logger *zap.Logger) *SessionProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &SessionProvider{
		ttl:     cfg.SessionTTL,
		timeout: cfg.LoginTimeout,
		cache:   make(map[string]cachedSession),
		logger:  logger.With(zap.String("component", "session_provider")),
	}
	p.login = func(ctx context.Context, profile *config.AuthProfileConfig) (*Session, error) {
		return chromeLogin(ctx, pool, cfg, profile)
	}
	return p
}

// Acquire profile 为 nil 返回匿名会话，否则返回缓存或新登录的会话
func (p *SessionProvider) Acquire(ctx context.Context, profile *config.AuthProfileConfig) (*Session, error) {
	if profile == nil {
		return Anonymous, nil
	}

	key := profile.Name + "|" + profile.Username
	if s, ok := p.cached(key); ok {
		return s, nil
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if s, ok := p.cached(key); ok {
			return s, nil
		}

		loginCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			loginCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}

		start := time.Now()
		s, err := p.login(loginCtx, profile)
		if err != nil {
			if _, ok := err.(*AuthError); !ok {
				err = &AuthError{Profile: profile.Name, Reason: "login failed", Err: err}
			}
			p.logger.Warn("login failed", zap.String("profile", profile.Name), zap.Error(err))
			return nil, err
		}

		p.mu.Lock()
		p.cache[key] = cachedSession{session: s, expiresAt: time.Now().Add(p.ttl)}
		p.mu.Unlock()

		p.logger.Info("login succeeded",
			zap.String("profile", profile.Name),
			zap.Int("cookies", len(s.Cookies)),
			zap.Duration("took", time.Since(start)))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Invalidate 丢弃缓存的会话
func (p *SessionProvider) Invalidate(profile *config.AuthProfileConfig) {
	if profile == nil {
		return
	}
	p.mu.Lock()
	delete(p.cache, profile.Name+"|"+profile.Username)
	p.mu.Unlock()
}

func (p *SessionProvider) cached(key string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.cache[key]
	if !ok || (p.ttl > 0 && time.Now().After(c.expiresAt)) {
		return nil, false
	}
	return c.session, true
}

// chromeLogin 在隔离的浏览器上下文中提交登录表单并收集 cookie 与 localStorage
func chromeLogin(ctx context.Context, pool *BrowserPool, cfg config.BrowserConfig, profile *config.AuthProfileConfig) (*Session, error) {
	loginURL, err := url.Parse(profile.LoginURL)
	if err != nil || loginURL.Host == "" {
		return nil, &AuthError{Profile: profile.Name, Reason: "invalid login url", Err: err}
	}

	browser, err := pool.Acquire(ctx)
	if err != nil {
		return nil, &AuthError{Profile: profile.Name, Reason: "no browser available", Err: err}
	}
	defer pool.Release(browser)

	tabCtx, cancel := browser.NewTab()
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var cookies []*network.Cookie
	var storage string
	err = chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)),
		chromedp.Navigate(profile.LoginURL),
		chromedp.WaitVisible(profile.UsernameSelector, chromedp.ByQuery),
		chromedp.SendKeys(profile.UsernameSelector, profile.Username, chromedp.ByQuery),
		chromedp.SendKeys(profile.PasswordSelector, profile.Password, chromedp.ByQuery),
		chromedp.Click(profile.SubmitSelector, chromedp.ByQuery),
		waitLoggedIn(profile),
		chromedp.ActionFunc(func(ctx context.Context) error {
			c, err := network.GetCookies().Do(ctx)
			cookies = c
			return err
		}),
		chromedp.Evaluate(`JSON.stringify(Object.assign({}, window.localStorage))`, &storage),
	)
	if err != nil {
		reason := "login did not complete"
		if ctx.Err() != nil {
			reason = "login timed out"
		}
		return nil, &AuthError{Profile: profile.Name, Reason: reason, Err: err}
	}

	session := &Session{
		Profile:   profile.Name,
		Origin:    loginURL.Scheme + "://" + loginURL.Host,
		CreatedAt: time.Now(),
	}
	for _, c := range cookies {
		session.Cookies = append(session.Cookies, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite,
		})
	}
	if storage != "" && storage != "{}" {
		if err := json.Unmarshal([]byte(storage), &session.LocalStorage); err != nil {
			return nil, &AuthError{Profile: profile.Name, Reason: "unreadable localStorage", Err: err}
		}
	}
	return session, nil
}

// waitLoggedIn 按配置等待登录后标志：选择器可见、URL 命中或离开登录页
func waitLoggedIn(profile *config.AuthProfileConfig) chromedp.Action {
	if profile.SuccessSelector != "" {
		return chromedp.WaitVisible(profile.SuccessSelector, chromedp.ByQuery)
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			var loc string
			if err := chromedp.Location(&loc).Do(ctx); err != nil {
				return err
			}
			if profile.SuccessURL != "" && strings.Contains(loc, profile.SuccessURL) {
				return nil
			}
			if profile.SuccessURL == "" && loc != profile.LoginURL {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("still on %s: %w", loc, ctx.Err())
			case <-ticker.C:
			}
		}
	})
}
