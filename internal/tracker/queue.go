package tracker

import "container/heap"

// PriorityQueue is a max-heap of string keys ordered by a float score.
// Pushing an existing key replaces its score. Used to rank recovery
// candidates so the most promising hedge is attempted first.
type PriorityQueue struct {
	items *itemHeap
	index map[string]*queueItem
}

type queueItem struct {
	key      string
	priority float64
	pos      int
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	h := &itemHeap{}
	heap.Init(h)
	return &PriorityQueue{items: h, index: make(map[string]*queueItem)}
}

// Push inserts or reprioritizes a key.
func (q *PriorityQueue) Push(key string, priority float64) {
	if item, ok := q.index[key]; ok {
		item.priority = priority
		heap.Fix(q.items, item.pos)
		return
	}
	item := &queueItem{key: key, priority: priority}
	q.index[key] = item
	heap.Push(q.items, item)
}

// Pop removes and returns the highest-priority key, or "" and false when
// the queue is empty.
func (q *PriorityQueue) Pop() (string, float64, bool) {
	if q.items.Len() == 0 {
		return "", 0, false
	}
	item := heap.Pop(q.items).(*queueItem)
	delete(q.index, item.key)
	return item.key, item.priority, true
}

// Remove drops a key if present.
func (q *PriorityQueue) Remove(key string) {
	if item, ok := q.index[key]; ok {
		heap.Remove(q.items, item.pos)
		delete(q.index, key)
	}
}

// Len returns the number of queued keys.
func (q *PriorityQueue) Len() int { return q.items.Len() }

type itemHeap []*queueItem

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].priority > h[j].priority }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].pos = i; h[j].pos = j }
func (h *itemHeap) Push(x interface{}) { item := x.(*queueItem); item.pos = len(*h); *h = append(*h, item) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
