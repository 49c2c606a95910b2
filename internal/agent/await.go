package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a bounded wait runs out.
var ErrTimeout = errors.New("timed out waiting for page")

// AwaitCondition polls until poll reports ok, the timeout passes, or ctx
// ends. Poll errors count as "not yet": pages re-render under us. The
// timeout error wraps ErrTimeout and mentions the last poll error.
func AwaitCondition[T any](ctx context.Context, poll func(context.Context) (T, bool, error), timeout, interval time.Duration) (T, error) {
	var zero T
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		v, ok, err := poll(ctx)
		if err == nil && ok {
			return v, nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return zero, fmt.Errorf("%w after %s (last error: %v)", ErrTimeout, timeout, lastErr)
			}
			return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
