package tracker

import (
	"context"
	"sync/atomic"
	"time"
)

// Scheduler runs deferred callbacks. It enforces request timeouts.
type Scheduler interface {
	// AfterFunc runs f once d has elapsed. The returned stop function cancels
	// the callback and reports whether it did so before f ran.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

var DefaultScheduler Scheduler = timerScheduler{}

// race runs fetch under a timeout and delivers exactly one value on the
// returned channel. Whichever of the timer and fetch claims the result first
// wins: the timer aborts fetch by cancelling its context, while a finished
// fetch hands its outcome to process. The loser is dropped, so process and
// timedOut never both run.
func race[R, T any](
	parent context.Context,
	scheduler Scheduler,
	timeout time.Duration,
	fetch func(ctx context.Context) (R, error),
	process func(resp R, err error) T,
	timedOut func() T,
) <-chan T {
	out := make(chan T, 1)
	ctx, cancel := context.WithCancel(parent)

	var claimed atomic.Bool
	deliver := func(build func() T) bool {
		if !claimed.CompareAndSwap(false, true) {
			return false
		}
		out <- build()
		close(out)
		return true
	}

	stop := scheduler.AfterFunc(timeout, func() {
		if deliver(timedOut) {
			cancel()
		}
	})

	go func() {
		defer cancel()
		resp, err := fetch(ctx)
		stop()
		deliver(func() T { return process(resp, err) })
	}()

	return out
}

// done returns a channel already holding v.
func done[T any](v T) <-chan T {
	out := make(chan T, 1)
	out <- v
	close(out)
	return out
}
