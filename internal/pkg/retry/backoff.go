package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy 重试策略
type Policy struct {
	MaxRetries   int           // 最大重试次数（0 表示不重试）
	InitialDelay time.Duration // 初始延迟
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// Retryable 为空时所有错误均重试
	Retryable func(err error) bool
	OnRetry   func(attempt int, err error, delay time.Duration)
}

// Retryer 指数退避重试器
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New 创建重试器
func New(policy Policy, logger *zap.Logger) *Retryer {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 10 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger}
}

// Do 执行 fn，失败时按策略重试；返回最后一次错误
func (r *Retryer) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", lastErr)
			case <-timer.C:
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if r.policy.Retryable != nil && !r.policy.Retryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}

	// ±25% 抖动
	if r.policy.Jitter {
		d += (rand.Float64()*2 - 1) * d * 0.25
	}
	if d < float64(r.policy.InitialDelay) {
		d = float64(r.policy.InitialDelay)
	}
	return time.Duration(d)
}
