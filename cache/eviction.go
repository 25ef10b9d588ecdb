package cache

import (
	"container/heap"

	"github.com/saiset-co/sai-market/types"
)

// rankFunc reports whether a must be evicted before b.
type rankFunc[V any] func(a, b *node[V]) bool

func rankFor[V any](strategy types.EvictionStrategy) rankFunc[V] {
	switch strategy {
	case types.StrategyLRU:
		return byPriorityRecency[V]
	case types.StrategyLFU:
		return byFrequency[V]
	case types.StrategyFIFO:
		return byAge[V]
	default:
		return byPriorityHits[V]
	}
}

func byPriorityHits[V any](a, b *node[V]) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.hitCount != b.hitCount {
		return a.hitCount < b.hitCount
	}
	return olderThan(a, b)
}

func byPriorityRecency[V any](a, b *node[V]) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.lastAccessAt.Equal(b.lastAccessAt) {
		return a.lastAccessAt.Before(b.lastAccessAt)
	}
	return olderThan(a, b)
}

func byFrequency[V any](a, b *node[V]) bool {
	if a.hitCount != b.hitCount {
		return a.hitCount < b.hitCount
	}
	return olderThan(a, b)
}

func byAge[V any](a, b *node[V]) bool {
	return olderThan(a, b)
}

// olderThan breaks timestamp ties with the insertion sequence so ordering
// stays total under a coarse or frozen clock.
func olderThan[V any](a, b *node[V]) bool {
	if !a.insertedAt.Equal(b.insertedAt) {
		return a.insertedAt.Before(b.insertedAt)
	}
	return a.seq < b.seq
}

// victimQueue is a min-heap of nodes, the root being the next eviction victim.
type victimQueue[V any] struct {
	nodes []*node[V]
	less  rankFunc[V]
}

var _ heap.Interface = (*victimQueue[int])(nil)

func (q *victimQueue[V]) Len() int { return len(q.nodes) }

func (q *victimQueue[V]) Less(i, j int) bool { return q.less(q.nodes[i], q.nodes[j]) }

func (q *victimQueue[V]) Swap(i, j int) {
	q.nodes[i], q.nodes[j] = q.nodes[j], q.nodes[i]
	q.nodes[i].index = i
	q.nodes[j].index = j
}

func (q *victimQueue[V]) Push(x any) {
	n := x.(*node[V])
	n.index = len(q.nodes)
	q.nodes = append(q.nodes, n)
}

func (q *victimQueue[V]) Pop() any {
	old := q.nodes
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	n.index = -1
	q.nodes = old[:last]
	return n
}

func (q *victimQueue[V]) peek() *node[V] {
	if len(q.nodes) == 0 {
		return nil
	}
	return q.nodes[0]
}

func (q *victimQueue[V]) reset() {
	for i := range q.nodes {
		q.nodes[i] = nil
	}
	q.nodes = q.nodes[:0]
}
