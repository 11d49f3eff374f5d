// Package retry re-enqueues envelopes that failed transiently, after a
// per-envelope exponential backoff delay.
//
// Core design:
//   - Scan of a pending table WHERE due <= now  → O(N), slower as retries grow.
//   - Min-Heap peek                             → O(1), constant.
//   - Min-Heap insert                           → O(log N).
//
// The scheduler goroutine peeks at the heap root (the soonest-due retry),
// sleeps until that point, then pops and fires the readyFn callback. A
// buffered notify channel lets Schedule interrupt the sleep early whenever a
// newly added retry is due sooner than the current root.
package retry

import (
	"container/heap"

	"github.com/snehjoshi/envelopeq/internal/types"
)

// item is one entry in the retry Min-Heap.
type item struct {
	env   types.Envelope
	dueAt int64 // UTC milliseconds — sort key

	// heapIdx is the item's current position in the heap slice.
	// Maintained by minHeap.Swap.
	heapIdx int
}

// minHeap is a slice of *item that satisfies heap.Interface.
// The smallest dueAt sits at index 0 (Min-Heap).
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	return h[i].dueAt < h[j].dueAt
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil  // allow GC
	it.heapIdx = -1 // mark as not in heap
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*minHeap)(nil)
