package rhizome

import "container/heap"

// timerEntry is one scheduled alarm. Ordered by deadline, with insertion
// sequence as a tiebreaker so ties fire in scheduling order, mirroring this
// author's event loop's timer heap.
type timerEntry struct {
	deadline int64
	seq      uint64
	handle   TimerHandle
	cb       func()
	canceled bool
	index    int
}

// timerHeap is a container/heap.Interface over pending alarms, used by
// DefaultPoller to implement Schedule/Unschedule without a dependency on any
// particular I/O multiplexer.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerQueue wraps timerHeap with handle lookup, the bookkeeping shared by
// every DefaultPoller variant.
type timerQueue struct {
	heap    timerHeap
	byHandle map[TimerHandle]*timerEntry
	nextSeq  uint64
	nextID   uint64
}

func newTimerQueue() *timerQueue {
	return &timerQueue{byHandle: make(map[TimerHandle]*timerEntry)}
}

func (q *timerQueue) schedule(deadlineMS int64, cb func()) TimerHandle {
	q.nextID++
	q.nextSeq++
	e := &timerEntry{deadline: deadlineMS, seq: q.nextSeq, handle: TimerHandle(q.nextID), cb: cb}
	heap.Push(&q.heap, e)
	q.byHandle[e.handle] = e
	return e.handle
}

func (q *timerQueue) unschedule(handle TimerHandle) {
	e, ok := q.byHandle[handle]
	if !ok {
		return
	}
	e.canceled = true
	delete(q.byHandle, handle)
}

// nextDeadline reports the deadline of the earliest live (non-canceled)
// timer, discarding canceled entries from the heap's head as it goes.
func (q *timerQueue) nextDeadline() (deadline int64, ok bool) {
	for q.heap.Len() > 0 {
		top := q.heap[0]
		if top.canceled {
			heap.Pop(&q.heap)
			continue
		}
		return top.deadline, true
	}
	return 0, false
}

// fireDue pops and invokes every live timer whose deadline is <= now.
func (q *timerQueue) fireDue(now int64) {
	for q.heap.Len() > 0 {
		top := q.heap[0]
		if top.canceled {
			heap.Pop(&q.heap)
			continue
		}
		if top.deadline > now {
			return
		}
		heap.Pop(&q.heap)
		delete(q.byHandle, top.handle)
		top.cb()
	}
}
