// SPDX-License-Identifier: MIT

package scheduler

import "container/heap"

// item is one queued job. seq preserves insertion order inside a priority
// band, so jobs are never reordered once enqueued.
type item struct {
	jobID    string
	priority int
	seq      uint64
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*jobHeap)(nil)
