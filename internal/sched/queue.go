package sched

import "github.com/google/btree"

const queueDegree = 32

// queueItem is what the ordered map stores for a key: the slot handle and
// the capability to delete it.
type queueItem struct {
	key    ScheduleKey
	handle Handle
	ref    DeleteRef
}

// priorityQueue is an ordered map ScheduleKey -> slot. Guarded by the engine lock.
type priorityQueue struct {
	tree *btree.BTreeG[queueItem]
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{
		tree: btree.NewG[queueItem](queueDegree, func(a, b queueItem) bool { return a.key.Less(b.key) }),
	}
}

// insert adds it and reports false if the key is already present.
func (q *priorityQueue) insert(it queueItem) bool {
	if q.tree.Has(it) {
		return false
	}
	q.tree.ReplaceOrInsert(it)
	return true
}

func (q *priorityQueue) get(k ScheduleKey) (queueItem, bool) {
	return q.tree.Get(queueItem{key: k})
}

func (q *priorityQueue) has(k ScheduleKey) bool {
	return q.tree.Has(queueItem{key: k})
}

func (q *priorityQueue) remove(k ScheduleKey) (queueItem, bool) {
	return q.tree.Delete(queueItem{key: k})
}

func (q *priorityQueue) len() int { return q.tree.Len() }

// ascend visits items from the smallest key until fn returns false.
func (q *priorityQueue) ascend(fn func(queueItem) bool) {
	q.tree.Ascend(fn)
}
