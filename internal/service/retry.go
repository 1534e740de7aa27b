package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatsync/internal/store"
)

// RetryPolicy 控制会话投影更新的有限次重试。
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var DefaultRetry = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

func (p RetryPolicy) wait(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt-1)) * p.BaseDelay
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// retryable 排除上下文取消与记录不存在，其余存储错误视为暂时性故障。
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, store.ErrNotFound)
}

// do 执行 fn，失败时按指数退避重试，返回最后一次错误与尝试次数。
func (p RetryPolicy) do(ctx context.Context, fn func() error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.wait(ctx, attempt); err != nil {
				return attempt, err
			}
		}
		if lastErr = fn(); lastErr == nil {
			return attempt + 1, nil
		}
		if !retryable(lastErr) {
			return attempt + 1, lastErr
		}
	}
	return attempts, lastErr
}
