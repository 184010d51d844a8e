package engine

// PendingQueue holds requests waiting for the in-flight one to finish, in
// arrival order.
type PendingQueue struct {
	items []*Request
}

func (q *PendingQueue) Push(r *Request) {
	q.items = append(q.items, r)
}

// Pop removes and returns the head.
func (q *PendingQueue) Pop() (*Request, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r, true
}

func (q *PendingQueue) Len() int {
	return len(q.items)
}

// Drain empties the queue and returns what it held.
func (q *PendingQueue) Drain() []*Request {
	items := q.items
	q.items = nil
	return items
}

// HasBusy reports whether any queued request has class b.
func (q *PendingQueue) HasBusy(b Busy) bool {
	for _, r := range q.items {
		if r.Busy == b {
			return true
		}
	}
	return false
}
