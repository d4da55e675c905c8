package eventloop

import (
	"container/list"
	"context"
	"sync"

	"github.com/riftdb/tsengine/internal/query"
)

// Priority reuses the ordering internal/query already defines for
// EnqueueExtentRead, so handing a query-originated task to the loop
// needs no translation (spec.md §4.6 "CRITICAL < HIGH < NORMAL < LOW <
// BEST_EFFORT").
type Priority = query.Priority

const (
	Critical   = query.Critical
	High       = query.High
	Normal     = query.Normal
	Low        = query.Low
	BestEffort = query.BestEffort
)

const numPriorities = int(BestEffort) + 1

// Task is one opcode instance on the queue. Run executes the opcode's
// effect and returns any follow-up tasks to cascade (spec.md §4.6
// "after_work ... cascade opcodes"); it is called on a worker goroutine
// when Op.RunsOnWorker(), otherwise inline on the loop thread.
type Task struct {
	Op       Opcode
	Priority Priority
	Tier     string // empty for tier-independent opcodes
	Run      func(ctx context.Context) ([]*Task, error)
}

// priorityQueue holds pending tasks in per-priority FIFO lists (spec.md
// §4.6 "per-priority doubly-linked lists"). Push is O(1); pop scans
// priority levels in order, O(levels).
type priorityQueue struct {
	mu     sync.Mutex
	levels [numPriorities]list.List
	size   int
}

func (q *priorityQueue) push(t *Task) {
	q.mu.Lock()
	q.levels[int(t.Priority)].PushBack(t)
	q.size++
	q.mu.Unlock()
}

func (q *priorityQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// pop dequeues respecting priority order. Every 50th call counted by
// dequeueCount instead checks for and yields the oldest task waiting
// at the lowest non-empty priority level — starvation avoidance
// (spec.md §4.6 rule 2).
func (q *priorityQueue) pop(dequeueCount *uint64) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil, false
	}

	*dequeueCount++
	if *dequeueCount%50 == 0 {
		if t := q.popLowestLocked(); t != nil {
			return t, true
		}
	}

	for lvl := range q.levels {
		if e := q.levels[lvl].Front(); e != nil {
			q.levels[lvl].Remove(e)
			q.size--
			return e.Value.(*Task), true
		}
	}
	return nil, false
}

// popCriticalOnly dequeues only from the CRITICAL level, used while
// the worker pool is saturated (spec.md §4.6 rule 1).
func (q *priorityQueue) popCriticalOnly() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.levels[int(Critical)].Front(); e != nil {
		q.levels[int(Critical)].Remove(e)
		q.size--
		return e.Value.(*Task), true
	}
	return nil, false
}

func (q *priorityQueue) popLowestLocked() *Task {
	for lvl := len(q.levels) - 1; lvl >= 0; lvl-- {
		if e := q.levels[lvl].Front(); e != nil {
			q.levels[lvl].Remove(e)
			q.size--
			return e.Value.(*Task)
		}
	}
	return nil
}
