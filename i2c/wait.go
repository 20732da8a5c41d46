package i2c

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/mklimuk/i2cmem"
)

// WaitFunc blocks until ready reports true or ctx is done.
type WaitFunc func(ctx context.Context, ready func() bool) error

// spinCheck is the number of polls between two context checks.
const spinCheck = 64

// Spin busy-polls ready, yielding the processor between polls.
func Spin(ctx context.Context, ready func() bool) error {
	for i := 0; !ready(); i++ {
		if i%spinCheck == 0 {
			if err := ctx.Err(); err != nil {
				return waitErr(err)
			}
		}
		runtime.Gosched()
	}
	return nil
}

// Poll returns a WaitFunc checking ready every interval.
func Poll(interval time.Duration) WaitFunc {
	return func(ctx context.Context, ready func() bool) error {
		if ready() {
			return nil
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ready() {
					return nil
				}
			case <-ctx.Done():
				return waitErr(ctx.Err())
			}
		}
	}
}

// WithDeadline bounds every single wait of w by d.
func WithDeadline(w WaitFunc, d time.Duration) WaitFunc {
	return func(ctx context.Context, ready func() bool) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return w(ctx, ready)
	}
}

func waitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", i2cmem.ErrTimeout, err)
	}
	return err
}
