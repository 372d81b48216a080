// Package ttlheap provides a small expiry queue for registry sweepers.
//
// Entries are keyed on identity: re-inserting the same external key after a
// delete produces a distinct entry, so a stale deadline can never evict a
// fresh entry that happens to reuse the key.
package ttlheap

import (
	"container/heap"
	"time"
)

type entry[T any] struct {
	value    T
	deadline time.Time
	index    int
}

// Queue is a min-heap of values ordered by deadline. Not safe for concurrent
// use; callers hold their own lock.
type Queue[T any] struct {
	items []*entry[T]
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	heap.Init((*impl[T])(q))
	return q
}

type impl[T any] Queue[T]

func (q impl[T]) Len() int { return len(q.items) }

func (q impl[T]) Less(i, j int) bool {
	return q.items[i].deadline.Before(q.items[j].deadline)
}

func (q impl[T]) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *impl[T]) Push(x any) {
	it := x.(*entry[T])
	it.index = len(q.items)
	q.items = append(q.items, it)
}

func (q *impl[T]) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	return it
}

// Add schedules value for expiry at deadline.
func (q *Queue[T]) Add(value T, deadline time.Time) {
	heap.Push((*impl[T])(q), &entry[T]{value: value, deadline: deadline})
}

// Next reports the earliest deadline, if any entry is queued.
func (q *Queue[T]) Next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].deadline, true
}

// PopExpired removes and returns every value whose deadline is at or before
// now, in deadline order.
func (q *Queue[T]) PopExpired(now time.Time) []T {
	var out []T
	for len(q.items) > 0 && !q.items[0].deadline.After(now) {
		it := heap.Pop((*impl[T])(q)).(*entry[T])
		out = append(out, it.value)
	}
	return out
}

func (q *Queue[T]) Len() int { return len(q.items) }
