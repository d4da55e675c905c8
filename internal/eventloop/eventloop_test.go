package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/riftdb/tsengine/internal/query"
)

var _ query.Enqueuer = (*Loop)(nil)

func TestOpcodeRunsOnWorker(t *testing.T) {
	if OpFlushPages.RunsOnWorker() {
		t.Fatal("FLUSH_PAGES must run inline on the loop thread")
	}
	if OpNoop.RunsOnWorker() {
		t.Fatal("NOOP must run inline")
	}
	if !OpExtentRead.RunsOnWorker() {
		t.Fatal("EXTENT_READ must be dispatched to a worker")
	}
}

func TestPriorityQueueOrdersByPriority(t *testing.T) {
	q := &priorityQueue{}
	q.push(&Task{Op: OpNoop, Priority: Low})
	q.push(&Task{Op: OpNoop, Priority: Critical})
	q.push(&Task{Op: OpNoop, Priority: Normal})

	var dq uint64
	first, ok := q.pop(&dq)
	if !ok || first.Priority != Critical {
		t.Fatalf("expected CRITICAL first, got %+v", first)
	}
	second, _ := q.pop(&dq)
	if second.Priority != Normal {
		t.Fatalf("expected NORMAL second, got %+v", second)
	}
	third, _ := q.pop(&dq)
	if third.Priority != Low {
		t.Fatalf("expected LOW third, got %+v", third)
	}
}

func TestPriorityQueueStarvationAvoidance(t *testing.T) {
	q := &priorityQueue{}
	q.push(&Task{Op: OpNoop, Priority: BestEffort, Tier: "starved"})
	for i := 0; i < 200; i++ {
		q.push(&Task{Op: OpNoop, Priority: High})
	}

	var dq uint64
	sawStarved := false
	for i := 0; i < 50; i++ {
		task, ok := q.pop(&dq)
		if !ok {
			break
		}
		if task.Tier == "starved" {
			sawStarved = true
			break
		}
	}
	if !sawStarved {
		t.Fatal("expected the 50th dequeue to yield the starved low-priority task")
	}
}

func TestObjectPoolGetPutTrim(t *testing.T) {
	n := 0
	p := NewObjectPool(func() any { n++; return n }, 2)
	a := p.Get()
	if a != 1 {
		t.Fatalf("expected fresh allocation 1, got %v", a)
	}
	p.Put(a)
	p.Put(2)
	p.Put(3)
	if p.Len() != 3 {
		t.Fatalf("expected free list len 3, got %d", p.Len())
	}
	p.Trim()
	if p.Len() != 2 {
		t.Fatalf("expected trim down to low-water mark 2, got %d", p.Len())
	}
}

func TestWorkerPoolSaturation(t *testing.T) {
	wp := newWorkerPool(2)
	if !wp.trySubmit() || !wp.trySubmit() {
		t.Fatal("expected two slots to be acquirable")
	}
	if wp.trySubmit() {
		t.Fatal("expected pool of size 2 to reject a third submission")
	}
	if !wp.saturated() {
		t.Fatal("expected pool to report saturated")
	}
	wp.release()
	if wp.saturated() {
		t.Fatal("expected pool to report non-saturated after release")
	}
}

func TestLoopDispatchesSubmittedTask(t *testing.T) {
	l := NewLoop(2, nil, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	ran := false
	done := make(chan struct{})
	l.Submit(&Task{
		Op:       OpExtentRead,
		Priority: Normal,
		Run: func(ctx context.Context) ([]*Task, error) {
			mu.Lock()
			ran = true
			mu.Unlock()
			close(done)
			return nil, nil
		},
	})

	go l.Run(ctx)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task to run")
	}
	cancel()
	<-l.Done()

	mu.Lock()
	defer mu.Unlock()
	if !ran {
		t.Fatal("expected task to have run")
	}
}

func TestLoopQuiesceDropsNonShutdownOpcodes(t *testing.T) {
	l := NewLoop(1, nil, Hooks{})
	l.QuiesceTier("tierA")

	if l.Submit(&Task{Op: OpFlushInit, Priority: Normal, Tier: "tierA"}) {
		t.Fatal("expected non-shutdown opcode for a quiesced tier to be dropped")
	}
	if !l.Submit(&Task{Op: OpCtxShutdown, Priority: Critical, Tier: "tierA"}) {
		t.Fatal("expected CTX_SHUTDOWN to still be accepted while quiesced")
	}
	if !l.Submit(&Task{Op: OpFlushInit, Priority: Normal, Tier: "tierB"}) {
		t.Fatal("expected an unrelated tier's opcode to still be accepted")
	}
}

func TestLoopImplementsEnqueuerForAsyncExtentReads(t *testing.T) {
	l := NewLoop(2, nil, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	done := make(chan error, 1)
	l.Enqueue(High, func() error {
		done <- nil
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for enqueued work to run")
	}
}

func TestTimerTickInvokesHooksAndTrimsPools(t *testing.T) {
	flushed := false
	unmapped := false
	var gaugeSeen Gauges

	pools := NewPoolSet(1,
		func() any { return 0 }, func() any { return 0 }, func() any { return 0 },
		func() any { return 0 }, func() any { return 0 }, func() any { return 0 }, func() any { return 0 })
	pools.Cmd.Put(1)
	pools.Cmd.Put(2)
	pools.Cmd.Put(3)

	l := NewLoop(1, pools, Hooks{
		FlushInit: func() *Task {
			flushed = true
			return nil
		},
		UnmapIdle: func() { unmapped = true },
		PublishGauges: func(g Gauges) {
			gaugeSeen = g
		},
	})
	l.ticks = 10 // simulate having just reached the 10th tick
	l.timerTick(context.Background())

	if !flushed {
		t.Fatal("expected FlushInit hook to run")
	}
	if !unmapped {
		t.Fatal("expected UnmapIdle hook to run on the 10th tick")
	}
	if pools.Cmd.Len() != 1 {
		t.Fatalf("expected cmd pool trimmed to low-water mark 1, got %d", pools.Cmd.Len())
	}
	if gaugeSeen.WorkerPoolSize != 1 {
		t.Fatalf("expected published gauge to reflect worker pool size 1, got %d", gaugeSeen.WorkerPoolSize)
	}
}
