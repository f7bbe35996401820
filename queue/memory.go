package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	admission "github.com/goliatone/go-admission"
)

// MemoryQueue is a process-local Execution Queue backed by a binary heap.
type MemoryQueue struct {
	mu    sync.Mutex
	items entryHeap
	byID  map[string]*heapItem
	seq   int64
	now   func() time.Time
}

type MemoryOption func(*MemoryQueue)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		byID: make(map[string]*heapItem),
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, run *admission.Run, delay time.Duration, priority int, affinity string) (string, error) {
	entry, err := newEntry(run, delay, priority, affinity, q.now())
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	entry.Seq = q.seq
	if existing, ok := q.byID[entry.ID]; ok {
		heap.Remove(&q.items, existing.index)
	}
	item := &heapItem{entry: entry}
	heap.Push(&q.items, item)
	q.byID[entry.ID] = item
	return entry.ID, nil
}

func (q *MemoryQueue) PopNext(_ context.Context) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	head := q.items[0]
	if !head.entry.Eligible(q.now()) {
		return nil, nil
	}
	heap.Pop(&q.items)
	delete(q.byID, head.entry.ID)
	return head.entry, nil
}

func (q *MemoryQueue) Remove(_ context.Context, runID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[runID]
	if !ok {
		return false, nil
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, runID)
	return true, nil
}

func (q *MemoryQueue) Contains(_ context.Context, runID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[runID]
	return ok, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

type heapItem struct {
	entry *Entry
	index int
}

type entryHeap []*heapItem

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return Less(h[i].entry, h[j].entry) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
