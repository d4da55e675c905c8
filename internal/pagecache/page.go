// Package pagecache implements PGC, the in-memory store of time-series
// pages shared by ingest and query. Pages move one-way through a
// HOT -> DIRTY -> CLEAN -> evicted lifecycle (or HOT -> CLEAN-empty, or
// entry -> CLEAN -> evicted for pages loaded from disk).
package pagecache

import (
	"sync/atomic"
)

// State is the page lifecycle state. Exactly one holds at any moment.
type State uint8

const (
	// HOT pages are currently being extended by a collector.
	HOT State = iota
	// DIRTY pages no longer advance and are pending persistence.
	DIRTY
	// CLEAN pages are identical to their on-disk extent and are
	// eligible for LRU eviction once unreferenced.
	CLEAN
)

func (s State) String() string {
	switch s {
	case HOT:
		return "HOT"
	case DIRTY:
		return "DIRTY"
	case CLEAN:
		return "CLEAN"
	default:
		return "UNKNOWN"
	}
}

// deleting is the refcount sentinel a page is CAS'd into while it is
// being evicted/freed. A page with this refcount may not be acquired.
const deleting = -1

// Section identifies a tier context. Pages, the registry, and the
// datafile manager are all partitioned by section.
type Section uint64

// MetricID is the interned handle a registry hands back for a metric
// UUID within a section (see internal/registry).
type MetricID uint64

// Key is the unique triple that identifies a live page.
type Key struct {
	Section   Section
	MetricID  MetricID
	StartTime int64 // microseconds since epoch
}

// Page is a fixed-footprint cache entry. Fields below StartTime/EndTime
// follow the invariants in spec.md §3: start_time <= end_time always;
// end_time may only advance while the page is HOT; no other field
// changes after creation.
type Page struct {
	key Key

	endTime     atomic.Int64
	updateEvery int64 // sampling interval, microseconds
	pageType    uint8

	refcount atomic.Int32
	state    atomic.Uint32 // State, accessed atomically for fast reads

	// data is opaque to the cache: either a raw payload buffer (HOT/DIRTY)
	// or a *datafile.Datafile handle (CLEAN, loaded from or flushed to disk).
	// The cache never interprets it beyond pointer-equality comparisons
	// (see EvictOfDatafile).
	data any

	// Custom is optional per-cache side payload (e.g. per-page compression
	// state). Nil unless a caller sets it via SetCustom.
	Custom []byte

	// accessCount is bumped on every get_and_acquire hit; used only for
	// diagnostics, not as part of the eviction algorithm itself.
	accessCount atomic.Uint64

	// list linkage for whichever of HOT/DIRTY/CLEAN list currently owns
	// this page. Guarded by that list's spinlock, not by any field above.
	prev, next *Page

	beingSaved atomic.Bool
}

// NewPage constructs a page in the given initial state (HOT for pages
// being ingested, CLEAN for pages just loaded from disk). The caller
// owns the single initial reference (refcount starts at 1).
func NewPage(key Key, startState State, endTime int64, updateEvery int64, pageType uint8, data any) *Page {
	p := &Page{key: key, updateEvery: updateEvery, pageType: pageType, data: data}
	p.endTime.Store(endTime)
	p.state.Store(uint32(startState))
	p.refcount.Store(1)
	return p
}

// Key returns the page's index triple.
func (p *Page) Key() Key { return p.key }

// StartTime returns the page's immutable start time.
func (p *Page) StartTime() int64 { return p.key.StartTime }

// EndTime returns the page's current end time (monotonically advancing
// while HOT).
func (p *Page) EndTime() int64 { return p.endTime.Load() }

// UpdateEvery returns the page's sampling interval.
func (p *Page) UpdateEvery() int64 { return p.updateEvery }

// Type returns the page's payload type tag (collector-defined).
func (p *Page) Type() uint8 { return p.pageType }

// State returns the page's current lifecycle state.
func (p *Page) State() State { return State(p.state.Load()) }

// Data returns the opaque owning pointer (payload buffer or datafile
// handle). Callers outside this package should type-assert defensively.
func (p *Page) Data() any { return p.data }

// SetCustom attaches optional per-page side bytes.
func (p *Page) SetCustom(b []byte) { p.Custom = b }

// SetData replaces the opaque owning pointer. Used by the save-dirty
// callback to swap a HOT/DIRTY page's raw payload buffer for the
// owning datafile handle once the payload has been durably written,
// matching the CLEAN-page convention (data == *datafile.Datafile) that
// EvictOfDatafile's pointer-equality sweep relies on.
func (p *Page) SetData(d any) { p.data = d }

// Refcount returns the current reference count, or the deleting
// sentinel value if the page is mid-eviction.
func (p *Page) Refcount() int32 { return p.refcount.Load() }

// acquire bumps the refcount, refusing if the page is being deleted.
// Returns false if the page was already bid for deletion.
func (p *Page) acquire() bool {
	for {
		cur := p.refcount.Load()
		if cur == deleting {
			return false
		}
		if p.refcount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// release decrements the refcount. Returns the count after release.
func (p *Page) release() int32 {
	return p.refcount.Add(-1)
}

// bidForDeletion attempts to CAS refcount 0 -> deleting. Returns false
// if the page is currently referenced (or already being deleted).
func (p *Page) bidForDeletion() bool {
	return p.refcount.CompareAndSwap(0, deleting)
}

// extendEndTime advances end_time monotonically; no-op if called with a
// value that would move it backwards, and a no-op entirely if the page
// is not HOT (caller is expected to have checked, this is belt-and-braces).
func (p *Page) extendEndTime(t int64) {
	if p.State() != HOT {
		return
	}
	for {
		cur := p.endTime.Load()
		if t <= cur {
			return
		}
		if p.endTime.CompareAndSwap(cur, t) {
			return
		}
	}
}

func (p *Page) setState(s State) { p.state.Store(uint32(s)) }

func (p *Page) bumpAccess() { p.accessCount.Add(1) }

// AccessCount returns the diagnostic access counter.
func (p *Page) AccessCount() uint64 { return p.accessCount.Load() }
