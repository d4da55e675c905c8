package eventloop

import "sync/atomic"

// workerPool is a semaphore-bounded dispatcher, grounded on the
// teacher's ConcurrencyManager.WorkerPool (semaphore channel sized to
// the pool, never blocking the caller beyond the acquire). Its size is
// the worker count passed to NewLoop, used as given (minimum 1); no
// slots are held back as a reservation for CRITICAL bursts.
type workerPool struct {
	sem       chan struct{}
	executing atomic.Int64
	completed atomic.Uint64
}

func newWorkerPool(size int) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{sem: make(chan struct{}, size)}
}

// trySubmit acquires a slot without blocking. Returns false if the
// pool is saturated.
func (wp *workerPool) trySubmit() bool {
	select {
	case wp.sem <- struct{}{}:
		wp.executing.Add(1)
		return true
	default:
		return false
	}
}

func (wp *workerPool) release() {
	<-wp.sem
	wp.executing.Add(-1)
	wp.completed.Add(1)
}

func (wp *workerPool) saturated() bool {
	return len(wp.sem) == cap(wp.sem)
}

func (wp *workerPool) size() int { return cap(wp.sem) }
