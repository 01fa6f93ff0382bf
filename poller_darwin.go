//go:build darwin

package rhizome

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultPoller is a kqueue-backed Poller, the BSD counterpart of the
// epoll implementation, adapted from this author's event loop's darwin
// poller.
type DefaultPoller struct {
	mu      sync.Mutex
	kq      int
	watched map[int]func(IOEvent)
	timers  *timerQueue
	clock   Clock
	closed  bool
}

// NewDefaultPoller creates a kqueue instance. clock supplies NowMS; pass
// NewSystemClock() in production.
func NewDefaultPoller(clock Clock) (*DefaultPoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("rhizome: poller: kqueue: %w", err)
	}
	return &DefaultPoller{kq: kq, watched: make(map[int]func(IOEvent)), timers: newTimerQueue(), clock: clock}, nil
}

func (p *DefaultPoller) NowMS() int64 { return p.clock.NowMS() }

func (p *DefaultPoller) Watch(fd int, events IOEvent, cb func(IOEvent)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrEngineClosed
	}
	var changes []unix.Kevent_t
	if events&EventRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
	}
	if events&EventWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return fmt.Errorf("rhizome: poller: kevent register: %w", err)
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
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, _ = unix.Kevent(p.kq, changes, nil, nil)
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

// Poll blocks for at most one iteration's worth of readiness or timer work,
// identically to the epoll variant's contract.
func (p *DefaultPoller) Poll(wait bool) error {
	p.mu.Lock()
	deadline, haveTimer := p.timers.nextDeadline()
	p.mu.Unlock()

	var ts unix.Timespec
	tsp := &ts
	switch {
	case !wait:
		ts = unix.NsecToTimespec(0)
	case haveTimer:
		now := p.clock.NowMS()
		remain := deadline - now
		if remain < 0 {
			remain = 0
		}
		ts = unix.NsecToTimespec(remain * int64(1_000_000))
	default:
		tsp = nil
	}

	var events [64]unix.Kevent_t
	n, err := unix.Kevent(p.kq, nil, events[:], tsp)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("rhizome: poller: kevent wait: %w", err)
	}

	p.mu.Lock()
	fired := make([]func(IOEvent), 0, n)
	args := make([]IOEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(events[i].Ident)
		cb, ok := p.watched[fd]
		if !ok {
			continue
		}
		var e IOEvent
		switch events[i].Filter {
		case unix.EVFILT_READ:
			e = EventRead
		case unix.EVFILT_WRITE:
			e = EventWrite
		}
		if events[i].Flags&unix.EV_EOF != 0 {
			e |= EventHangup
		}
		if events[i].Flags&unix.EV_ERROR != 0 {
			e |= EventError
		}
		fired = append(fired, cb)
		args = append(args, e)
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

// Close releases the kqueue descriptor. Not safe to call concurrently with
// Poll.
func (p *DefaultPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.kq)
}
