package ratelimit

import "container/heap"

// waiter is one pending task in the limiter queue.
type waiter struct {
	priority int
	seq      uint64 // FIFO tiebreak within a priority
	index    int    // heap index, -1 once removed

	started chan struct{} // closed when the waiter may run
	dropped chan error    // receives the drop/overflow error
}

// waiterQueue implements heap.Interface. Higher priority pops first; ties
// break in enqueue order.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil // avoid memory leak
	w.index = -1
	*q = old[0 : n-1]
	return w
}

// lowest returns the waiter that would be evicted on overflow: the minimum
// priority, newest enqueue among equals.
func (q waiterQueue) lowest() *waiter {
	var low *waiter
	for _, w := range q {
		if low == nil || w.priority < low.priority ||
			(w.priority == low.priority && w.seq > low.seq) {
			low = w
		}
	}
	return low
}

// remove detaches w from the heap if it is still queued.
func (q *waiterQueue) remove(w *waiter) bool {
	if w.index < 0 {
		return false
	}
	heap.Remove(q, w.index)
	return true
}
