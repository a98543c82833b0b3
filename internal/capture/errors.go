package capture

import (
	"errors"
	"fmt"
)

var errInvalidURL = errors.New("invalid url")

// AuthError 登录流程未在超时内到达登录后状态
type AuthError struct {
	Profile string
	Reason  string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth profile %q: %s: %v", e.Profile, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth profile %q: %s", e.Profile, e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// CaptureError 导航、渲染或超时失败
type CaptureError struct {
	URL     string
	Reason  string
	Timeout bool
	Err     error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %s", e.URL, e.Reason)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// retryable 超时与导航失败可重试，非法 URL 不重试
func retryable(err error) bool {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return !errors.Is(ce.Err, errInvalidURL)
	}
	return true
}
