package eventloop

import "sync"

// ObjectPool is a free list with a retained low-water mark: Get/Put
// are O(1) under a mutex, and Trim releases excess entries back down
// to minRetained on the timer tick (spec.md §4.6 "Object pools" —
// "allocation counter, a spinlock-protected free list, and a minimum
// retained count"). A plain sync.Mutex stands in for the spinlock: no
// pack example reaches for a real spinlock primitive, and contention
// here is microseconds-short.
type ObjectPool struct {
	mu          sync.Mutex
	free        []any
	newFn       func() any
	minRetained int
	allocated   uint64
}

// NewObjectPool builds a pool whose Get calls newFn on a miss and whose
// Trim never shrinks the free list below minRetained.
func NewObjectPool(newFn func() any, minRetained int) *ObjectPool {
	return &ObjectPool{newFn: newFn, minRetained: minRetained}
}

// Get returns a free item, allocating a new one if the free list is empty.
func (p *ObjectPool) Get() any {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		p.allocated++ // advisory only; races here cost nothing but precision
		return p.newFn()
	}
	v := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return v
}

// Put returns an item to the free list.
func (p *ObjectPool) Put(v any) {
	p.mu.Lock()
	p.free = append(p.free, v)
	p.mu.Unlock()
}

// Trim releases free-list entries down to minRetained.
func (p *ObjectPool) Trim() {
	p.mu.Lock()
	if len(p.free) > p.minRetained {
		p.free = p.free[:p.minRetained]
	}
	p.mu.Unlock()
}

// Len reports the current free-list size.
func (p *ObjectPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// PoolSet is the named collection of object pools the timer trims
// every second (spec.md §4.6 "cmd, work, page_descriptor, extent_io,
// query_handle, WAL, PDC, …").
type PoolSet struct {
	Cmd            *ObjectPool
	Work           *ObjectPool
	PageDescriptor *ObjectPool
	ExtentIO       *ObjectPool
	QueryHandle    *ObjectPool
	WAL            *ObjectPool
	PDC            *ObjectPool
}

// NewPoolSet constructs the standard pool set with a shared low-water
// mark; each pool's newFn is supplied by the caller since the concrete
// payload types live in other packages (query.Handle, journal page
// descriptors, extent I/O buffers, …).
func NewPoolSet(lowWater int, newCmd, newWork, newPageDescriptor, newExtentIO, newQueryHandle, newWAL, newPDC func() any) *PoolSet {
	return &PoolSet{
		Cmd:            NewObjectPool(newCmd, lowWater),
		Work:           NewObjectPool(newWork, lowWater),
		PageDescriptor: NewObjectPool(newPageDescriptor, lowWater),
		ExtentIO:       NewObjectPool(newExtentIO, lowWater),
		QueryHandle:    NewObjectPool(newQueryHandle, lowWater),
		WAL:            NewObjectPool(newWAL, lowWater),
		PDC:            NewObjectPool(newPDC, lowWater),
	}
}

// TrimAll runs Trim on every pool in the set (timer duty, spec.md §4.6).
func (ps *PoolSet) TrimAll() {
	for _, p := range []*ObjectPool{ps.Cmd, ps.Work, ps.PageDescriptor, ps.ExtentIO, ps.QueryHandle, ps.WAL, ps.PDC} {
		p.Trim()
	}
}
