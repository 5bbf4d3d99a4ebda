package work

import "container/heap"

// Queue is a priority queue ordered by Before. It is unbounded.
type Queue struct {
	h itemHeap
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Len() int { return len(q.h) }

func (q *Queue) Push(it *Item) {
	heap.Push(&q.h, it)
}

// Pop removes and returns the next item, or nil when empty.
func (q *Queue) Pop() *Item {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Item)
}

func (q *Queue) Peek() *Item {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// CountByPriority returns queued item counts indexed by Priority.
func (q *Queue) CountByPriority() [4]int {
	var out [4]int
	for _, it := range q.h {
		if int(it.Priority) < len(out) {
			out[it.Priority]++
		}
	}
	return out
}

type itemHeap []*Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return Before(h[i], h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
