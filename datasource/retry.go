package datasource

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/backo/logx"
)

const (
	defaultRetries   = 3
	defaultBaseDelay = 200 * time.Millisecond
)

// withRetry 网络型适配器的指数退避重试，基础间隔逐次翻倍
// 重试对调用方静默，只在次数耗尽后返回最后一次错误
func withRetry(ctx context.Context, log logx.Logger, retries int, op func() error) error {
	if retries <= 0 {
		retries = defaultRetries
	}

	var err error
	delay := defaultBaseDelay
	for attempt := 1; attempt <= retries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		var pe *permanentError
		if stderrors.As(err, &pe) {
			return pe.error
		}
		if attempt == retries {
			break
		}
		log.Debug("retrying after failure", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.WithMessage(ctx.Err(), "retry aborted")
		}
		delay *= 2
	}
	return errors.WithMessagef(err, "retries exhausted after %d attempts", retries)
}
