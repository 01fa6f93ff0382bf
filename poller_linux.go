//go:build linux

package rhizome

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultPoller is an epoll-backed Poller, adapted from this author's event
// loop's fast poller for rhizome's narrower needs: a handful of concurrently
// watched stream sockets plus a timer heap, run from a single call to Poll
// per engine tick.
type DefaultPoller struct {
	mu      sync.Mutex
	epfd    int
	watched map[int]func(IOEvent)
	timers  *timerQueue
	clock   Clock
	closed  bool
}

// NewDefaultPoller creates an epoll instance. clock supplies NowMS; pass
// NewSystemClock() in production.
func NewDefaultPoller(clock Clock) (*DefaultPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("rhizome: poller: epoll_create1: %w", err)
	}
	return &DefaultPoller{epfd: epfd, watched: make(map[int]func(IOEvent)), timers: newTimerQueue(), clock: clock}, nil
}

func (p *DefaultPoller) NowMS() int64 { return p.clock.NowMS() }

func toEpollEvents(events IOEvent) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpollEvents(e uint32) IOEvent {
	var events IOEvent
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&(unix.EPOLLERR) != 0 {
		events |= EventError
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	return events
}

func (p *DefaultPoller) Watch(fd int, events IOEvent, cb func(IOEvent)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrEngineClosed
	}
	ev := &unix.EpollEvent{Events: toEpollEvents(events)}
	op := unix.EPOLL_CTL_ADD
	if _, exists := p.watched[fd]; exists {
		op = unix.EPOLL_CTL_MOD
	}
	// EpollEvent.Fd doubles as the user-data slot; store fd there so Poll can
	// recover which descriptor fired without a second map lookup per event.
	ev.Fd = int32(fd)
	if err := unix.EpollCtl(p.epfd, op, fd, ev); err != nil {
		return fmt.Errorf("rhizome: poller: epoll_ctl: %w", err)
	}
	p.watched[fd] = cb
	return nil
}

func (p *DefaultPoller) Unwatch(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[fd]; !ok {
		return nil
	}
	delete(p.watched, fd)
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (p *DefaultPoller) Schedule(deadlineMS int64, cb func()) TimerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timers.schedule(deadlineMS, cb)
}

func (p *DefaultPoller) Unschedule(handle TimerHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timers.unschedule(handle)
}

// Poll blocks for at most one iteration's worth of readiness or timer work:
// it waits until the earliest pending timer is due (or indefinitely, if
// there are none and wait is true), then dispatches whatever fired. Callers
// drive the engine by calling Poll in a loop until ctx is done.
func (p *DefaultPoller) Poll(wait bool) error {
	p.mu.Lock()
	deadline, haveTimer := p.timers.nextDeadline()
	p.mu.Unlock()

	timeoutMS := 0
	switch {
	case !wait:
		timeoutMS = 0
	case haveTimer:
		now := p.clock.NowMS()
		if deadline > now {
			timeoutMS = int(deadline - now)
		}
	default:
		timeoutMS = -1
	}

	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("rhizome: poller: epoll_wait: %w", err)
	}

	p.mu.Lock()
	fired := make([]func(IOEvent), 0, n)
	args := make([]IOEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if cb, ok := p.watched[fd]; ok {
			fired = append(fired, cb)
			args = append(args, fromEpollEvents(events[i].Events))
		}
	}
	p.mu.Unlock()
	for i, cb := range fired {
		cb(args[i])
	}

	p.mu.Lock()
	now := p.clock.NowMS()
	p.timers.fireDue(now)
	p.mu.Unlock()
	return nil
}

// Close releases the epoll descriptor. Not safe to call concurrently with
// Poll.
func (p *DefaultPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}
