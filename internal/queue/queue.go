// Package queue provides the candidate priority queues used during graph
// traversal. Value-based storage, no pointer indirection, reusable via
// Reset so search pools can recycle them.
package queue

// Candidate is one scored node in a traversal frontier.
type Candidate struct {
	Node     uint32
	Distance float32
}

// Queue is a binary heap of candidates. Equal distances order by ascending
// node id so traversal order is deterministic.
type Queue struct {
	max   bool
	items []Candidate
}

// NewMin initializes a min-heap (closest candidate on top).
func NewMin(capacity int) *Queue {
	return &Queue{items: make([]Candidate, 0, capacity)}
}

// NewMax initializes a max-heap (farthest candidate on top).
func NewMax(capacity int) *Queue {
	return &Queue{max: true, items: make([]Candidate, 0, capacity)}
}

// Len returns the number of queued candidates.
func (q *Queue) Len() int { return len(q.items) }

// Top returns the root of the heap without removing it.
func (q *Queue) Top() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	return q.items[0], true
}

// Push inserts a candidate while maintaining the heap invariant.
func (q *Queue) Push(c Candidate) {
	q.items = append(q.items, c)
	q.siftUp(len(q.items) - 1)
}

// Pop removes and returns the root while maintaining the heap invariant.
func (q *Queue) Pop() (Candidate, bool) {
	n := len(q.items)
	if n == 0 {
		return Candidate{}, false
	}
	root := q.items[0]
	last := q.items[n-1]
	q.items[n-1] = Candidate{}
	q.items = q.items[:n-1]
	if n-1 > 0 {
		q.items[0] = last
		q.siftDown(0)
	}
	return root, true
}

// Items exposes the backing slice in heap order. Callers must not mutate.
func (q *Queue) Items() []Candidate { return q.items }

// Reset clears the queue for reuse without releasing capacity.
func (q *Queue) Reset() {
	q.items = q.items[:0]
}

func (q *Queue) less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Distance == b.Distance {
		if q.max {
			return a.Node > b.Node
		}
		return a.Node < b.Node
	}
	if q.max {
		return a.Distance > b.Distance
	}
	return a.Distance < b.Distance
}

func (q *Queue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.less(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *Queue) siftDown(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.less(r, l) {
			best = r
		}
		if !q.less(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
