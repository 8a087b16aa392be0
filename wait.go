package quotapool

import (
	"context"
	"time"
)

// Waiter suspends the caller until the current minute window closes.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// WaitFunc adapts an ordinary function to the Waiter interface.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Wait calls f(ctx, d).
func (f WaitFunc) Wait(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// BlockingWaiter sleeps for the full duration and ignores ctx.
// Use it when the limiter is driven from a dedicated worker goroutine
// that must not give up a wait once entered.
var BlockingWaiter Waiter = WaitFunc(func(_ context.Context, d time.Duration) error {
	time.Sleep(d)
	return nil
})

// CooperativeWaiter parks the calling goroutine on a timer. It returns
// ctx.Err() if ctx is done before the timer fires.
var CooperativeWaiter Waiter = WaitFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
})
