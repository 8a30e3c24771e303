package measurement

import (
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// MonotonicClock reads CLOCK_MONOTONIC.
type MonotonicClock struct{}

func (MonotonicClock) Now() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}

// WallTime converts a monotonic timestamp to wall clock time.
func WallTime(mono uint64) time.Time {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	offset := time.Now().UnixNano() - ts.Nano()
	return time.Unix(0, int64(mono)+offset)
}

// ManualClock is a clock for tests; it only moves when told to.
type ManualClock struct {
	now atomic.Uint64
}

func NewManualClock(start uint64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

func (c *ManualClock) Now() uint64 { return c.now.Load() }

func (c *ManualClock) Set(t uint64) { c.now.Store(t) }

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d uint64) uint64 { return c.now.Add(d) }
