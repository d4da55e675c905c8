package eventloop

import (
	"context"
	"sync"
	"time"
)

// Hooks wires the loop's timer duties to the concrete engine state
// (pagecache, datafile tiers, the v2 handle cache) without eventloop
// importing any of those packages, keeping the dependency arrow
// pointing from internal/engine down to internal/eventloop only.
type Hooks struct {
	// FlushInit/EvictInit build the FLUSH_INIT/EVICT_INIT task emitted
	// every second; either may return nil to skip emission this tick.
	FlushInit func() *Task
	EvictInit func() *Task
	// UnmapIdle runs every 10s to release idle v2 journal mmaps.
	UnmapIdle func()
	// PublishGauges receives the per-second load snapshot.
	PublishGauges func(Gauges)
}

// Loop is the single-threaded opcode dispatcher (spec.md §4.6
// "exactly one event-loop thread per engine instance").
type Loop struct {
	queue   priorityQueue
	workers *workerPool
	pools   *PoolSet
	tiers   *tierStates
	hooks   Hooks

	wake       chan struct{}
	completion chan completionMsg

	dequeueCount uint64
	ticks        uint64

	wg   sync.WaitGroup
	done chan struct{}
}

type completionMsg struct {
	followups []*Task
}

// NewLoop builds a loop with a worker pool of the given size. pools may
// be nil if the caller doesn't need object-pool trimming wired yet.
func NewLoop(workerCount int, pools *PoolSet, hooks Hooks) *Loop {
	return &Loop{
		workers:    newWorkerPool(workerCount),
		pools:      pools,
		tiers:      newTierStates(),
		hooks:      hooks,
		wake:       make(chan struct{}, 1),
		completion: make(chan completionMsg, 64),
		done:       make(chan struct{}),
	}
}

// Enqueue implements query.Enqueuer: wraps work in an EXTENT_READ task
// at priority and places it on the queue, tier-independent.
func (l *Loop) Enqueue(priority Priority, work func() error) {
	l.Submit(&Task{
		Op:       OpExtentRead,
		Priority: priority,
		Run: func(ctx context.Context) ([]*Task, error) {
			return nil, work()
		},
	})
}

// Submit places a fully-formed Task on the queue, honoring per-tier
// quiesce/shutdown gating: once a tier leaves NORMAL, only its
// CTX_SHUTDOWN opcode is still accepted (spec.md §4.6 "New non-critical
// opcodes for the quiesced tier are dropped" + §5 "post-quiesce
// opcodes for that tier are rejected except CTX_SHUTDOWN"). Returns
// false if the task was dropped.
func (l *Loop) Submit(t *Task) bool {
	if t.Tier != "" && t.Op != OpCtxShutdown {
		if l.tiers.get(t.Tier) != TierNormal {
			return false
		}
	}
	l.queue.push(t)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// QuiesceTier moves tier from NORMAL to QUIESCE: subsequent Submit
// calls for that tier are rejected except CTX_SHUTDOWN. Callers still
// enqueue the CTX_QUIESCE task themselves so it runs through the
// normal worker-dispatch path.
func (l *Loop) QuiesceTier(tier string) { l.tiers.set(tier, TierQuiesce) }

// ShutdownTier moves tier to its terminal SHUTDOWN state.
func (l *Loop) ShutdownTier(tier string) { l.tiers.set(tier, TierShutdown) }

// TierState reports a tier's current cancellation stage.
func (l *Loop) TierState(tier string) TierState { return l.tiers.get(tier) }

// Run drives the loop until ctx is cancelled, then drains in-flight
// worker completions before returning (spec.md §4.6 "In-flight opcodes
// run to completion").
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case <-l.wake:
		case msg := <-l.completion:
			for _, f := range msg.followups {
				l.Submit(f)
			}
		case <-ticker.C:
			l.ticks++
			l.timerTick(ctx)
		}
		l.dispatchAll(ctx)
	}
}

// Done returns a channel closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) timerTick(ctx context.Context) {
	if l.hooks.FlushInit != nil {
		if t := l.hooks.FlushInit(); t != nil {
			l.Submit(t)
		}
	}
	if l.hooks.EvictInit != nil {
		if t := l.hooks.EvictInit(); t != nil {
			l.Submit(t)
		}
	}
	if l.pools != nil {
		l.pools.TrimAll()
	}
	if l.ticks%10 == 0 && l.hooks.UnmapIdle != nil {
		l.hooks.UnmapIdle()
	}
	if l.hooks.PublishGauges != nil {
		l.hooks.PublishGauges(l.Snapshot())
	}
}

// dispatchAll drains the queue as far as the worker pool and the
// saturation rule allow, then returns control to Run's select.
func (l *Loop) dispatchAll(ctx context.Context) {
	for l.dispatchOne(ctx) {
	}
}

func (l *Loop) dispatchOne(ctx context.Context) bool {
	var task *Task
	var ok bool
	if l.workers.saturated() {
		task, ok = l.queue.popCriticalOnly()
	} else {
		task, ok = l.queue.pop(&l.dequeueCount)
	}
	if !ok {
		return false
	}

	if !task.Op.RunsOnWorker() {
		followups, _ := task.Run(ctx)
		for _, f := range followups {
			l.Submit(f)
		}
		return true
	}

	if !l.workers.trySubmit() {
		l.queue.push(task)
		return false
	}
	l.wg.Add(1)
	go func(t *Task) {
		defer l.wg.Done()
		defer l.workers.release()
		followups, _ := t.Run(ctx)
		l.completion <- completionMsg{followups: followups}
	}(task)
	return true
}

// drain dispatches any remaining CRITICAL work and waits for
// in-flight workers, but does not start new non-critical work once
// cancelled.
func (l *Loop) drain() {
	for {
		task, ok := l.queue.popCriticalOnly()
		if !ok {
			break
		}
		if !task.Op.RunsOnWorker() {
			task.Run(context.Background())
			continue
		}
		if !l.workers.trySubmit() {
			break
		}
		l.wg.Add(1)
		go func(t *Task) {
			defer l.wg.Done()
			defer l.workers.release()
			t.Run(context.Background())
		}(task)
	}
	l.wg.Wait()
}
