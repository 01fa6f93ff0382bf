package rhizome

// IOEvent is a bitmask of I/O readiness conditions, mirroring the
// event kinds this package's Poller implementations report.
type IOEvent uint32

const (
	// EventRead indicates a descriptor is ready for reading.
	EventRead IOEvent = 1 << iota
	// EventWrite indicates a descriptor is ready for writing (including a
	// deferred connect's completion).
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// TimerHandle identifies a scheduled alarm, returned by Poller.Schedule and
// consumed by Poller.Unschedule.
type TimerHandle uint64

// Poller is the engine's sole I/O and timing dependency: readiness
// notification for descriptors, and a priority queue of timers. Production
// deployments are expected to supply an adapter over their own event loop;
// DefaultPoller (poller_linux.go / poller_darwin.go / poller_other.go) is a
// self-contained implementation suitable for standalone use and tests.
//
// Every slot has at most one pending alarm at a time; re-arming a timer
// always unschedules the prior one before scheduling the next (see
// fetchSlot.armIdleTimer). No descriptor is watched by more than one slot.
type Poller interface {
	// Watch registers fd for the given events, invoking cb on readiness.
	// Only one callback may be registered per fd at a time.
	Watch(fd int, events IOEvent, cb func(IOEvent)) error
	// Unwatch deregisters fd. Idempotent: unwatching an already-unwatched
	// fd is not an error.
	Unwatch(fd int) error
	// Schedule arms a one-shot alarm at the given deadline (in the same
	// units as NowMS), invoking cb when it fires.
	Schedule(deadlineMS int64, cb func()) TimerHandle
	// Unschedule cancels a pending alarm. Idempotent.
	Unschedule(handle TimerHandle)
	// NowMS returns the current monotonic time, in milliseconds.
	NowMS() int64
}
