// Package registry implements MRG, the metric registry: it interns
// metric UUIDs (scoped by tier section) and tracks each metric's time
// envelope (first_time/last_time). Every page in the page cache
// references a metric by the handle this package hands out.
package registry

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/pagecache"
)

// entry is one interned metric descriptor.
type entry struct {
	uuid    uuid.UUID
	section pagecache.Section

	firstTime atomic.Int64
	lastTime  atomic.Int64

	refcount atomic.Int32
}

// Registry interns (uuid, section) pairs into stable MetricID handles.
// Sharded the same way as pagecache for lock-contention parity.
type Registry struct {
	shards []*mrgShard
}

type mrgShard struct {
	mu       sync.RWMutex
	byUUID   map[key]pagecache.MetricID
	byHandle map[pagecache.MetricID]*entry
	nextID   atomic.Uint64
}

type key struct {
	uuid    uuid.UUID
	section pagecache.Section
}

// New constructs a Registry with the given shard count (0 = logical
// CPU count, matching pagecache's default).
func New(shards int) *Registry {
	if shards <= 0 {
		shards = runtime.NumCPU()
	}
	r := &Registry{shards: make([]*mrgShard, shards)}
	for i := range r.shards {
		r.shards[i] = &mrgShard{
			byUUID:   make(map[key]pagecache.MetricID),
			byHandle: make(map[pagecache.MetricID]*entry),
		}
	}
	return r
}

func (r *Registry) shardOf(u uuid.UUID) *mrgShard {
	h := uint64(0)
	for _, b := range u {
		h = h*31 + uint64(b)
	}
	h ^= h >> 33
	return r.shards[h%uint64(len(r.shards))]
}

// GetAndAcquire interns u (creating it on first sight) and returns a
// handle with an incremented reference count.
func (r *Registry) GetAndAcquire(u uuid.UUID, section pagecache.Section) pagecache.MetricID {
	sh := r.shardOf(u)
	k := key{uuid: u, section: section}

	sh.mu.RLock()
	if id, ok := sh.byUUID[k]; ok {
		e := sh.byHandle[id]
		sh.mu.RUnlock()
		e.refcount.Add(1)
		return id
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if id, ok := sh.byUUID[k]; ok {
		sh.byHandle[id].refcount.Add(1)
		return id
	}
	id := pagecache.MetricID(sh.nextID.Add(1))
	e := &entry{uuid: u, section: section}
	e.refcount.Store(1)
	sh.byUUID[k] = id
	sh.byHandle[id] = e
	return id
}

// Get returns the handle for (u, section) without creating it, or
// false if the metric has not been seen.
func (r *Registry) Get(u uuid.UUID, section pagecache.Section) (pagecache.MetricID, bool) {
	sh := r.shardOf(u)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	id, ok := sh.byUUID[key{uuid: u, section: section}]
	return id, ok
}

// Release decrements the metric's reference count. The entry is not
// removed: §3 says destruction additionally requires no live page,
// which only the page cache can observe. Registry has no removal
// operation, so an interned entry stays for the Registry's lifetime.
func (r *Registry) Release(id pagecache.MetricID) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		e, ok := sh.byHandle[id]
		sh.mu.RUnlock()
		if ok {
			e.refcount.Add(-1)
			return
		}
	}
}

// UUID returns the UUID a handle was interned from.
func (r *Registry) UUID(id pagecache.MetricID) (uuid.UUID, bool) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		e, ok := sh.byHandle[id]
		sh.mu.RUnlock()
		if ok {
			return e.uuid, true
		}
	}
	return uuid.UUID{}, false
}

// SetFirstTime accumulates the metric's earliest sample time to the
// minimum of the current value and t (0 means "unset").
func (r *Registry) SetFirstTime(id pagecache.MetricID, t int64) {
	e := r.entryFor(id)
	if e == nil {
		return
	}
	for {
		cur := e.firstTime.Load()
		if cur != 0 && cur <= t {
			return
		}
		if e.firstTime.CompareAndSwap(cur, t) {
			return
		}
	}
}

// SetLatestTime accumulates the metric's latest sample time to the
// maximum of the current value and t, as ordinary ingest does.
func (r *Registry) SetLatestTime(id pagecache.MetricID, t int64) {
	e := r.entryFor(id)
	if e == nil {
		return
	}
	for {
		cur := e.lastTime.Load()
		if cur >= t {
			return
		}
		if e.lastTime.CompareAndSwap(cur, t) {
			return
		}
	}
}

// ShrinkFirstTime sets first_time unconditionally to t. Only the
// retention recalculation path (internal/retention) is allowed to
// shrink the envelope this way; ordinary ingest must use SetFirstTime.
func (r *Registry) ShrinkFirstTime(id pagecache.MetricID, t int64) {
	e := r.entryFor(id)
	if e == nil {
		return
	}
	e.firstTime.Store(t)
}

// Envelope returns the metric's current [first_time, last_time] window.
func (r *Registry) Envelope(id pagecache.MetricID) (first, last int64) {
	e := r.entryFor(id)
	if e == nil {
		return 0, 0
	}
	return e.firstTime.Load(), e.lastTime.Load()
}

// Each calls fn once per currently interned metric, in shard order.
// Used by retention's first_time recalculation pass after a datafile
// is deleted; fn must not call back into the Registry.
func (r *Registry) Each(fn func(id pagecache.MetricID, u uuid.UUID, section pagecache.Section)) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id, e := range sh.byHandle {
			fn(id, e.uuid, e.section)
		}
		sh.mu.RUnlock()
	}
}

func (r *Registry) entryFor(id pagecache.MetricID) *entry {
	for _, sh := range r.shards {
		sh.mu.RLock()
		e, ok := sh.byHandle[id]
		sh.mu.RUnlock()
		if ok {
			return e
		}
	}
	return nil
}
