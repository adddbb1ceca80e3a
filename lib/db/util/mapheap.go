package util

import (
	"container/heap"
)

/*
MapHeap is a min-heap of keys ordered by a uint64 priority, combined with a
map for key based access:

  - O(log n) AddItem, RemoveByKey, PopMin
  - O(1) Peek, Contains, GetByKey

Lower priorities are popped first. Callers that use an insertion sequence or
timestamp as priority get oldest-first (FIFO) eviction; updating the priority
of an existing key moves it.

MapHeap is not safe for concurrent use.
*/
type MapHeap[K comparable] struct {
	items    []*Entry[K]
	itemsMap map[K]*Entry[K]
}

// Entry is one key in a MapHeap.
type Entry[K comparable] struct {
	Key      K
	Priority uint64
	index    int
}

// NewMapHeap creates an empty heap.
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make([]*Entry[K], 0),
		itemsMap: make(map[K]*Entry[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface (use the methods below instead)
// --------------------------------------------------------------------------

func (h *MapHeap[K]) Len() int { return len(h.items) }

func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap[K]) Push(x any) {
	e := x.(*Entry[K])
	e.index = len(h.items)
	h.items = append(h.items, e)
	h.itemsMap[e.Key] = e
}

func (h *MapHeap[K]) Pop() any {
	n := len(h.items)
	e := h.items[n-1]
	h.items[n-1] = nil
	e.index = -1
	h.items = h.items[:n-1]
	delete(h.itemsMap, e.Key)
	return e
}

// --------------------------------------------------------------------------
// Key Based Access
// --------------------------------------------------------------------------

// AddItem adds key with the given priority or updates the priority of an existing key.
func (h *MapHeap[K]) AddItem(key K, priority uint64) {
	if e, exists := h.itemsMap[key]; exists {
		e.Priority = priority
		heap.Fix(h, e.index)
		return
	}
	heap.Push(h, &Entry[K]{Key: key, Priority: priority})
}

// RemoveByKey removes key and returns its priority.
func (h *MapHeap[K]) RemoveByKey(key K) (uint64, bool) {
	e, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, e.index)
	return e.Priority, true
}

// Peek returns the entry with the lowest priority without removing it.
func (h *MapHeap[K]) Peek() (Entry[K], bool) {
	if len(h.items) == 0 {
		return Entry[K]{}, false
	}
	return *h.items[0], true
}

// PopMin removes and returns the entry with the lowest priority.
func (h *MapHeap[K]) PopMin() (Entry[K], bool) {
	if len(h.items) == 0 {
		return Entry[K]{}, false
	}
	return *heap.Pop(h).(*Entry[K]), true
}

// Contains checks if key is in the heap.
func (h *MapHeap[K]) Contains(key K) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetByKey returns the entry for key without removing it.
func (h *MapHeap[K]) GetByKey(key K) (Entry[K], bool) {
	e, exists := h.itemsMap[key]
	if !exists {
		return Entry[K]{}, false
	}
	return *e, true
}

// Reset removes all entries.
func (h *MapHeap[K]) Reset() {
	h.items = make([]*Entry[K], 0)
	h.itemsMap = make(map[K]*Entry[K])
}
