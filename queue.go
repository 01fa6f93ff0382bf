package rhizome

// candidateQueue is a fixed-capacity, threshold-bounded sequence of pending
// fetches. Candidates are kept sorted by ascending Priority (lower values
// are more important), so that "the first available insertion index" and
// "a priority-lower candidate may be displaced" (§4.7) reduce to a single
// sorted-insert primitive: find the first existing candidate whose Priority
// is strictly worse than the incoming one, and insert there, which shifts
// every subsequent candidate down by one and -- if the queue was already at
// capacity -- discards the new tail (the single worst candidate), exactly
// as the component's own array-shift insert/unqueue primitives specify.
//
// Defaults to no queues at all if zero-valued; always construct via
// newCandidateQueue.
type candidateQueue struct {
	// threshold is the payload-length upper bound this queue accepts.
	// QueueUnbounded for the last queue.
	threshold uint64

	// items holds up to cap(items) candidates. A nil trailing run denotes
	// the unused suffix; the used prefix is always contiguous.
	items []*Candidate
}

func newCandidateQueue(spec QueueSpec) *candidateQueue {
	if spec.Capacity <= 0 {
		panic("rhizome: queue: capacity must be positive")
	}
	return &candidateQueue{threshold: spec.Threshold, items: make([]*Candidate, spec.Capacity)}
}

// len returns the length of the used (contiguous) prefix.
func (q *candidateQueue) len() int {
	for i, c := range q.items {
		if c == nil {
			return i
		}
	}
	return len(q.items)
}

func (q *candidateQueue) cap() int { return len(q.items) }

func (q *candidateQueue) at(i int) *Candidate { return q.items[i] }

// indexOfManifestID returns the index of the (at most one) queued candidate
// with the given manifest id, or -1.
func (q *candidateQueue) indexOfManifestID(id [32]byte) int {
	n := q.len()
	for i := 0; i < n; i++ {
		if q.items[i].Manifest.ID == id {
			return i
		}
	}
	return -1
}

// insertionIndex locates where a candidate of the given priority should be
// inserted, returning ok=false (QueueFull) when the queue is at capacity and
// no existing candidate has a strictly worse (greater) priority to displace.
func (q *candidateQueue) insertionIndex(priority int) (idx int, ok bool) {
	n := q.len()
	pos := n
	for i := 0; i < n; i++ {
		if q.items[i].Priority > priority {
			pos = i
			break
		}
	}
	if n < len(q.items) || pos < n {
		return pos, true
	}
	return 0, false
}

// insert places cand at index i, shifting [i, end) right by one. If the
// queue was already full, the discarded tail candidate's manifest is passed
// to onEvicted (if non-nil) so the caller can release it exactly once.
func (q *candidateQueue) insert(i int, cand *Candidate, onEvicted func(*Manifest)) {
	last := len(q.items) - 1
	evicted := q.items[last]
	copy(q.items[i+1:], q.items[i:last])
	q.items[i] = cand
	if evicted != nil && onEvicted != nil {
		onEvicted(evicted.Manifest)
	}
}

// unqueue removes the candidate at index i, releasing its manifest via
// onReleased (if non-nil), and shifts [i+1, end) left by one, preserving the
// contiguous-prefix invariant.
func (q *candidateQueue) unqueue(i int, onReleased func(*Manifest)) {
	removed := q.items[i]
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = nil
	if removed != nil && onReleased != nil {
		onReleased(removed.Manifest)
	}
}

// QueueSet owns the size-classed candidate queues, in ascending-threshold
// order, and the policy for choosing between them.
type QueueSet struct {
	queues []*candidateQueue
}

func newQueueSet(specs []QueueSpec) *QueueSet {
	qs := &QueueSet{queues: make([]*candidateQueue, len(specs))}
	for i, s := range specs {
		qs.queues[i] = newCandidateQueue(s)
	}
	return qs
}

// findQueue returns the lowest-threshold queue whose threshold exceeds
// size, or the last (unbounded) queue.
func (qs *QueueSet) findQueue(size uint64) *candidateQueue {
	for _, q := range qs.queues {
		if size < q.threshold {
			return q
		}
	}
	return qs.queues[len(qs.queues)-1]
}

// indexOfQueue returns the position of q within qs.queues.
func (qs *QueueSet) indexOfQueue(q *candidateQueue) int {
	for i, c := range qs.queues {
		if c == q {
			return i
		}
	}
	return -1
}
