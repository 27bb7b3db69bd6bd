package queue

import "fmt"

// PriorityQueue holds items in a fixed number of ranks. Items of a lower
// rank are dequeued first; items of the same rank in insertion order.
type PriorityQueue[T any] struct {
	ranks [][]T
	size  int
}

// NewPriorityQueue returns an empty queue with the given number of ranks.
func NewPriorityQueue[T any](ranks int) *PriorityQueue[T] {
	return &PriorityQueue[T]{ranks: make([][]T, ranks)}
}

// Len returns the number of queued items.
func (q *PriorityQueue[T]) Len() int { return q.size }

// IsEmpty reports whether the queue holds no items.
func (q *PriorityQueue[T]) IsEmpty() bool { return q.size == 0 }

// Insert appends item to the given rank. It panics if the rank is invalid.
func (q *PriorityQueue[T]) Insert(item T, rank int) {
	if rank < 0 || rank >= len(q.ranks) {
		panic(fmt.Sprintf("invalid queue priority rank: %d", rank))
	}
	q.ranks[rank] = append(q.ranks[rank], item)
	q.size++
}

// Next removes and returns the oldest item of the lowest non-empty rank.
func (q *PriorityQueue[T]) Next() (T, bool) {
	for i, items := range q.ranks {
		if len(items) == 0 {
			continue
		}
		item := items[0]
		var zero T
		items[0] = zero
		q.ranks[i] = items[1:]
		q.size--
		return item, true
	}
	var zero T
	return zero, false
}

// Remove drops every item for which test returns true and returns them in
// queue order.
func (q *PriorityQueue[T]) Remove(test func(T) bool) []T {
	var removed []T
	for i, items := range q.ranks {
		kept := items[:0:0]
		for _, it := range items {
			if test(it) {
				removed = append(removed, it)
			} else {
				kept = append(kept, it)
			}
		}
		q.ranks[i] = kept
	}
	q.size -= len(removed)
	return removed
}

// Items returns the queued items in dequeue order.
func (q *PriorityQueue[T]) Items() []T {
	out := make([]T, 0, q.size)
	for _, items := range q.ranks {
		out = append(out, items...)
	}
	return out
}
