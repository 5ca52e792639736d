package orchestrator

import (
	"container/heap"
	"sort"
)

// queueHeap orders queueItems by (-priority, submittedAt): higher
// Priority value runs first, ties broken by earlier SubmittedAt,
// matching spec.md §4.6's queue ordering key and core.Priority's
// "higher numeric value sorts first" contract. scanQueue does not pop
// strictly in this order (see Orchestrator.scanQueue's work-conserving
// skip-over), so the heap also tracks each item's slice index to
// support O(log n) removal from the middle.
type queueHeap struct {
	items []*queueItem
	index map[*queueItem]int
}

func (h *queueHeap) Len() int { return len(h.items) }

func (h *queueHeap) Less(i, j int) bool {
	a, b := h.items[i].test, h.items[j].test
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.SubmittedAt.Before(b.SubmittedAt)
}

func (h *queueHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	if h.index != nil {
		h.index[h.items[i]] = i
		h.index[h.items[j]] = j
	}
}

func (h *queueHeap) Push(x interface{}) {
	item := x.(*queueItem)
	if h.index == nil {
		h.index = make(map[*queueItem]int)
	}
	h.index[item] = len(h.items)
	h.items = append(h.items, item)
}

func (h *queueHeap) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	delete(h.index, item)
	return item
}

// push inserts item into the queue.
func (h *queueHeap) push(item *queueItem) {
	heap.Push(h, item)
}

// remove deletes item from the queue, wherever it currently sits.
func (h *queueHeap) remove(item *queueItem) {
	if h.index == nil {
		return
	}
	i, ok := h.index[item]
	if !ok {
		return
	}
	heap.Remove(h, i)
}

// ordered returns every queued item sorted by admission priority,
// without mutating the heap.
func (h *queueHeap) ordered() []*queueItem {
	out := make([]*queueItem, len(h.items))
	copy(out, h.items)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].test, out[j].test
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.SubmittedAt.Before(b.SubmittedAt)
	})
	return out
}

// positionOf returns item's 1-based position in priority order.
func (h *queueHeap) positionOf(item *queueItem) int {
	for i, it := range h.ordered() {
		if it == item {
			return i + 1
		}
	}
	return 0
}
