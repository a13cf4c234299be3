package onewire

import (
	"context"
	"time"
)

// Clock is the time source used by bit-banged masters and by the device
// layer busy-waits.
type Clock interface {
	// Now returns a monotonic time since an arbitrary epoch.
	Now() time.Duration
	// Delay blocks the caller for at least d without yielding to a timer.
	Delay(d time.Duration)
}

// SystemClock spins on the runtime monotonic clock.
type SystemClock struct {
	epoch time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

func (c *SystemClock) Now() time.Duration {
	return time.Since(c.epoch)
}

func (c *SystemClock) Delay(d time.Duration) {
	start := time.Now()
	for time.Since(start) < d {
	}
}

const busyWaitStep = time.Millisecond

// BusyWait blocks for at least d as measured by clock. The context is checked
// between steps so a caller can bound the wait; with a background context the
// wait always runs to completion.
func BusyWait(ctx context.Context, clock Clock, d time.Duration) error {
	start := clock.Now()
	for {
		elapsed := clock.Now() - start
		if elapsed >= d {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		step := d - elapsed
		if step > busyWaitStep {
			step = busyWaitStep
		}
		clock.Delay(step)
	}
}
