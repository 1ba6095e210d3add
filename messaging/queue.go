package messaging

import (
	"container/heap"
	"time"

	"github.com/fieldsim/courier-go/contracts"
)

// priorityQueue groups freshly accepted envelopes by priority, FIFO within
// each level. It is not safe for concurrent use; the sender guards it with
// its own mutex.
type priorityQueue struct {
	levels map[contracts.Priority][]*contracts.MessageEnvelope
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{
		levels: make(map[contracts.Priority][]*contracts.MessageEnvelope),
	}
}

func (q *priorityQueue) push(env *contracts.MessageEnvelope) {
	q.levels[env.Priority] = append(q.levels[env.Priority], env)
}

// popBatch removes up to max envelopes from the given priority level in
// arrival order. max <= 0 means no limit.
func (q *priorityQueue) popBatch(p contracts.Priority, max int) []*contracts.MessageEnvelope {
	level := q.levels[p]
	if len(level) == 0 {
		return nil
	}

	n := len(level)
	if max > 0 && max < n {
		n = max
	}

	batch := make([]*contracts.MessageEnvelope, n)
	copy(batch, level[:n])

	rest := level[n:]
	if len(rest) == 0 {
		delete(q.levels, p)
	} else {
		q.levels[p] = append(level[:0], rest...)
	}
	return batch
}

// remove pulls a specific envelope out of its level, reporting whether it was
// still queued.
func (q *priorityQueue) remove(env *contracts.MessageEnvelope) bool {
	level := q.levels[env.Priority]
	for i, queued := range level {
		if queued.ID == env.ID {
			q.levels[env.Priority] = append(level[:i], level[i+1:]...)
			if len(q.levels[env.Priority]) == 0 {
				delete(q.levels, env.Priority)
			}
			return true
		}
	}
	return false
}

func (q *priorityQueue) len() int {
	total := 0
	for _, level := range q.levels {
		total += len(level)
	}
	return total
}

// retrySchedule is a time-sorted queue of envelopes awaiting their next
// attempt, backed by a min-heap on due time. A sequence number breaks ties so
// envelopes scheduled for the same instant dispatch in scheduling order. Not
// safe for concurrent use.
type retrySchedule struct {
	items retryHeap
	seq   uint64
}

type retryItem struct {
	envelope *contracts.MessageEnvelope
	dueAt    time.Time
	seq      uint64
}

func newRetrySchedule() *retrySchedule {
	return &retrySchedule{}
}

func (s *retrySchedule) schedule(env *contracts.MessageEnvelope, delay time.Duration) {
	s.seq++
	heap.Push(&s.items, &retryItem{
		envelope: env,
		dueAt:    time.Now().Add(delay),
		seq:      s.seq,
	})
}

// popDue removes up to max envelopes whose due time has passed, earliest
// first. max <= 0 means no limit.
func (s *retrySchedule) popDue(now time.Time, max int) []*contracts.MessageEnvelope {
	var due []*contracts.MessageEnvelope
	for len(s.items) > 0 && !s.items[0].dueAt.After(now) {
		if max > 0 && len(due) >= max {
			break
		}
		item := heap.Pop(&s.items).(*retryItem)
		due = append(due, item.envelope)
	}
	return due
}

func (s *retrySchedule) len() int {
	return len(s.items)
}

type retryHeap []*retryItem

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x interface{}) {
	*h = append(*h, x.(*retryItem))
}

func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
