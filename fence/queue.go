package fence

import "sort"

type entry[T any] struct {
	sig Signal
	val T
}

// Queue holds values tagged with the signal they wait on, ordered by signal.
// Values with equal signals keep their push order.
type Queue[T any] struct {
	entries []entry[T]
}

// Push enqueues v behind every entry whose signal is <= sig.
func (q *Queue[T]) Push(sig Signal, v T) {
	n := len(q.entries)
	// Signals almost always arrive in order, so appending is the common case.
	if n == 0 || q.entries[n-1].sig <= sig {
		q.entries = append(q.entries, entry[T]{sig: sig, val: v})
		return
	}
	i := sort.Search(n, func(i int) bool { return q.entries[i].sig > sig })
	q.entries = append(q.entries, entry[T]{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = entry[T]{sig: sig, val: v}
}

// Drain removes every entry with signal <= upTo, oldest first, calling fn on
// each. It returns the number of entries removed. fn may Push; entries pushed
// during the drain are not visited by it.
func (q *Queue[T]) Drain(upTo Signal, fn func(T)) int {
	n := 0
	for n < len(q.entries) && q.entries[n].sig <= upTo {
		n++
	}
	if n == 0 {
		return 0
	}
	ready := make([]entry[T], n)
	copy(ready, q.entries[:n])
	q.entries = append(q.entries[:0], q.entries[n:]...)
	for _, e := range ready {
		if fn != nil {
			fn(e.val)
		}
	}
	return n
}

// Discard drops every entry without visiting it and returns how many were dropped.
func (q *Queue[T]) Discard() int {
	n := len(q.entries)
	q.entries = nil
	return n
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	return len(q.entries)
}

// Oldest returns the smallest queued signal.
func (q *Queue[T]) Oldest() (Signal, bool) {
	if len(q.entries) == 0 {
		return 0, false
	}
	return q.entries[0].sig, true
}
