package scheduler

import (
	"context"
	"time"
)

// Waker interrupts a loop's wait. Wakeups do not queue up: any number of
// Wake calls before the next Wait count once.
type Waker struct {
	ch chan struct{}
}

func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{}, 1)}
}

// Wake makes the current or next Wait return.
func (w *Waker) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C is the channel a pending wakeup is delivered on.
func (w *Waker) C() <-chan struct{} { return w.ch }

// Wait blocks until Wake, d elapsing or ctx ending. d <= 0 waits without
// a timeout. It reports whether it was woken.
func (w *Waker) Wait(ctx context.Context, d time.Duration) (bool, error) {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-w.ch:
		return true, nil
	case <-timeout:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
