package rhizome

import "time"

// Clock supplies monotonic milliseconds, the only time source used for
// timeouts and cache expiries throughout the engine. Tests supply a fake
// Clock to make timeout and expiry behaviour deterministic; production
// callers should use NewSystemClock, or the equivalent time source already
// driving their Poller implementation.
type Clock interface {
	// NowMS returns the current monotonic time, in milliseconds. It need
	// not correspond to wall-clock time; it must only be non-decreasing.
	NowMS() int64
}

// systemClock implements Clock using time.Now's monotonic reading.
type systemClock struct{ epoch time.Time }

// NewSystemClock returns a Clock backed by the real wall clock.
func NewSystemClock() Clock {
	return &systemClock{epoch: time.Now()}
}

func (c *systemClock) NowMS() int64 {
	return time.Since(c.epoch).Milliseconds()
}

// fakeClock is a manually-advanced Clock, used by tests.
type fakeClock struct{ now int64 }

func newFakeClock(start int64) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) NowMS() int64 { return c.now }

func (c *fakeClock) Advance(ms int64) { c.now += ms }

func (c *fakeClock) Set(ms int64) { c.now = ms }
