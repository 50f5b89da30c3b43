package topo

import "container/heap"

// eligibleQueue holds zero-in-degree nodes, popping priority-descending
// then Seq-ascending so that §4.2's tie-break rule governs which of
// several simultaneously eligible nodes is emitted next.
type eligibleQueue struct {
	h nodeHeap
}

func newEligibleQueue() *eligibleQueue {
	q := &eligibleQueue{}
	heap.Init(&q.h)
	return q
}

func (q *eligibleQueue) push(n Node) { heap.Push(&q.h, n) }

func (q *eligibleQueue) pop() Node { return heap.Pop(&q.h).(Node) }

func (q *eligibleQueue) len() int { return q.h.Len() }

type nodeHeap []Node

func (h nodeHeap) Len() int { return len(h) }

func (h nodeHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority // descending
	}
	return h[i].Seq < h[j].Seq // ascending
}

func (h nodeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *nodeHeap) Push(x any) { *h = append(*h, x.(Node)) }

func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
