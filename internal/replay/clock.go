package replay

import (
	"context"
	"time"
)

// Clock is the time source used to pace the replay.
type Clock interface {
	// Now returns the time elapsed since an arbitrary fixed point.
	Now() time.Duration
	// Calibrate blocks for the duration d, warming up the clock before the
	// replay starts.
	Calibrate(ctx context.Context, d time.Duration) error
}

// MonotonicClock returns a Clock reading the monotonic clock of the host.
func MonotonicClock() Clock {
	return &monotonicClock{epoch: time.Now()}
}

type monotonicClock struct {
	epoch time.Time
}

func (c *monotonicClock) Now() time.Duration { return time.Since(c.epoch) }

func (c *monotonicClock) Calibrate(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// FakeClock is a Clock which only advances when read or told to. Each call to
// Now moves the clock forward by Step, so that busy waits terminate.
type FakeClock struct {
	Step time.Duration
	now  time.Duration
}

func (c *FakeClock) Now() time.Duration {
	now := c.now
	c.now += c.Step
	return now
}

func (c *FakeClock) Calibrate(ctx context.Context, d time.Duration) error {
	c.now += d
	return ctx.Err()
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) { c.now += d }

// Elapsed returns the current time of the clock without advancing it.
func (c *FakeClock) Elapsed() time.Duration { return c.now }
