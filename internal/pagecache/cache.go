package pagecache

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Mode selects lookup semantics for GetAndAcquire.
type Mode uint8

const (
	ExactMatch Mode = iota
	ClosestLE       // greatest start_time <= requested time
	ClosestGE       // least start_time >= requested time
)

// Thresholds are per-mille (0..1000) pressure levels that gate eviction
// aggressiveness (spec.md §4.1 "Sizing and autoscaling").
type Thresholds struct {
	SeverePressure    int // default 1000
	AggressiveEvict   int // default 995
	Healthy           int // default 990
	EvictLowThreshold int // default 970
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{SeverePressure: 1000, AggressiveEvict: 995, Healthy: 990, EvictLowThreshold: 970}
}

// SaveDirtyFunc persists a batch of DIRTY pages (same section) to an
// extent. Returning an error leaves the pages DIRTY for retry on the
// next flush cycle (spec.md §4.1 "Failure semantics").
type SaveDirtyFunc func(section Section, pages []*Page) error

// Config configures a Cache.
type Config struct {
	Shards            int   // default: logical CPU count
	CleanSizeBytes    int64 // lower bound of "wanted" size
	Autoscale         bool
	HotMaxBytes       int64
	DirtyMaxBytes     int64
	MaxDirtyPerCall   int // pages flushed per section per flush call
	Thresholds        Thresholds
	SizeOf            func(*Page) int64 // payload size estimator
	SaveDirty         SaveDirtyFunc
}

func (c *Config) setDefaults() {
	if c.Shards <= 0 {
		c.Shards = shardCount(0)
	}
	if c.MaxDirtyPerCall <= 0 {
		c.MaxDirtyPerCall = 128
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.SizeOf == nil {
		c.SizeOf = func(p *Page) int64 {
			if b, ok := p.Data().([]byte); ok {
				return int64(len(b))
			}
			return 64
		}
	}
}

// Cache is PGC: the sole in-memory store of time-series pages.
type Cache struct {
	cfg    Config
	shards []*shard

	hot   pageList
	dirty pageList
	clean pageList

	skipWarn rateLimiter

	closed atomic.Bool
}

// New constructs a Cache with the given configuration.
func New(cfg Config) *Cache {
	cfg.setDefaults()
	c := &Cache{cfg: cfg, shards: make([]*shard, cfg.Shards)}
	for i := range c.shards {
		c.shards[i] = newShard()
	}
	c.skipWarn = newRateLimiter(30 * time.Second)
	return c
}

func (c *Cache) shardOf(id MetricID) *shard {
	return c.shards[shardFor(id, len(c.shards))]
}

// AddAndAcquire inserts a new page (or finds the one already present)
// and returns a handle with an incremented reference count. added=false
// means an existing page was returned and the caller's page argument was
// never linked into the cache — in that case it should be discarded.
// This operation never fails: on a rare concurrent-insert race it
// re-reads after a short sleep.
func (c *Cache) AddAndAcquire(p *Page) (result *Page, added bool) {
	sh := c.shardOf(p.Key().MetricID)
	for {
		existing, inserted := sh.insertIfAbsent(p)
		if inserted {
			c.linkInitial(p)
			return p, true
		}
		if existing.acquire() {
			return existing, false
		}
		// Existing page is mid-eviction; let it finish and retry.
		time.Sleep(50 * time.Microsecond)
	}
}

func (c *Cache) linkInitial(p *Page) {
	size := c.cfg.SizeOf(p)
	switch p.State() {
	case HOT:
		c.hot.pushFront(p, size)
	case DIRTY:
		c.dirty.pushFront(p, size)
	case CLEAN:
		c.clean.pushFront(p, size)
	}
}

// GetAndAcquire looks up a page by (section, metric, time) and mode,
// acquiring a reference on a hit. CLEAN hits are re-appended to the MRU
// end of the clean list.
func (c *Cache) GetAndAcquire(section Section, metric MetricID, t int64, mode Mode) *Page {
	sh := c.shardOf(metric)
	k := Key{Section: section, MetricID: metric, StartTime: t}
	var p *Page
	if mode == ExactMatch {
		p = sh.lookupExact(k)
	} else {
		p = sh.lookupClosest(k, mode)
	}
	if p == nil {
		return nil
	}
	if !p.acquire() {
		return nil
	}
	p.bumpAccess()
	if p.State() == CLEAN {
		c.clean.moveToFront(p)
	}
	return p
}

// RangeAndAcquire returns every resident page for (section, metric)
// overlapping [start, end], each with an incremented reference count.
// Used by query preparation to merge HOT/CLEAN pages not yet folded
// into the v2 index (spec.md §4.5 step 2).
func (c *Cache) RangeAndAcquire(section Section, metric MetricID, start, end int64) []*Page {
	sh := c.shardOf(metric)
	candidates := sh.rangeOverlap(section, metric, start, end)
	out := make([]*Page, 0, len(candidates))
	for _, p := range candidates {
		if p.acquire() {
			p.bumpAccess()
			out = append(out, p)
		}
	}
	return out
}

// Dup acquires another reference on an already-held page.
func (c *Cache) Dup(p *Page) *Page {
	if !p.acquire() {
		panic("pagecache: Dup of page with zero holders")
	}
	return p
}

// Release decrements a page's reference count. If the cache is under
// pressure and the count drops to zero, an inline eviction attempt is
// made opportunistically (spec.md §5 "Backpressure").
func (c *Cache) Release(p *Page) {
	n := p.release()
	if n < 0 {
		panic(fmt.Sprintf("pagecache: over-release of page %+v", p.Key()))
	}
	if n == 0 && p.State() == CLEAN && c.UsagePerMille() >= c.cfg.Thresholds.AggressiveEvict {
		c.EvictPages(64, 64, false, nil)
	}
}

// HotSetEndTime extends a HOT page's end_time. Silently a no-op on
// non-HOT pages.
func (c *Cache) HotSetEndTime(p *Page, t int64) {
	p.extendEndTime(t)
}

// HotToDirtyAndRelease transitions a HOT page to DIRTY and releases the
// caller's reference. It returns true when dirty residency now exceeds
// hot residency (spec.md §5 backpressure: "flush critical"); it does not
// flush or schedule a flush itself.
func (c *Cache) HotToDirtyAndRelease(p *Page) (flushCritical bool) {
	size := c.cfg.SizeOf(p)
	c.hot.remove(p, size)
	p.setState(DIRTY)
	c.dirty.pushFront(p, size)
	c.Release(p)

	_, dirtyBytes := c.dirty.size()
	_, hotBytes := c.hot.size()
	return dirtyBytes > hotBytes
}

// HotToCleanEmptyAndRelease handles a HOT page that accumulated no
// samples: if this is the last reference it is deleted immediately,
// otherwise it is marked CLEAN (empty) for later eviction.
func (c *Cache) HotToCleanEmptyAndRelease(p *Page) {
	size := c.cfg.SizeOf(p)
	c.hot.remove(p, size)
	p.setState(CLEAN)
	n := p.release()
	if n == 0 && p.bidForDeletion() {
		c.shardOf(p.Key().MetricID).remove(p.Key())
		return
	}
	c.clean.pushFront(p, size)
}

// FlushPages moves up to maxFlushes*MaxDirtyPerCall DIRTY pages to
// CLEAN via the configured SaveDirty callback, grouped per section.
// Pages whose transition lock cannot be acquired non-blocking are
// skipped for this round (spec.md §4.1 "Flush algorithm"). Since this
// package models the transition lock as the page's membership in the
// DIRTY list (removed under the list lock before the callback runs),
// "non-blocking acquisition" here is simply a try-lock on the list.
func (c *Cache) FlushPages(maxFlushes int) int {
	if c.cfg.SaveDirty == nil {
		return 0
	}
	flushed := 0
	failed := false
	budget := maxFlushes * c.cfg.MaxDirtyPerCall
	for flushed < budget && !failed {
		batch, bySection := c.drainDirtyBatch(c.cfg.MaxDirtyPerCall)
		if len(batch) == 0 {
			break
		}
		for section, pages := range bySection {
			for _, p := range pages {
				p.beingSaved.Store(true)
			}
			err := c.cfg.SaveDirty(section, pages)
			if err != nil {
				// Disk errors do not destabilize the cache: pages go
				// back to DIRTY for the next cycle.
				log.Printf("pagecache: flush section %d failed, %d pages remain dirty: %v", section, len(pages), err)
				for _, p := range pages {
					p.beingSaved.Store(false)
					c.dirty.pushFront(p, c.cfg.SizeOf(p))
				}
				failed = true
				continue
			}
			for _, p := range pages {
				size := c.cfg.SizeOf(p)
				p.setState(CLEAN)
				p.beingSaved.Store(false)
				c.clean.pushFront(p, size)
			}
			flushed += len(pages)
		}
	}
	return flushed
}

func (c *Cache) drainDirtyBatch(max int) ([]*Page, map[Section][]*Page) {
	if !c.dirty.tryLock() {
		return nil, nil
	}
	defer c.dirty.unlock()

	var out []*Page
	bySection := make(map[Section][]*Page)
	node := c.dirty.tail
	for node != nil && len(out) < max {
		prev := node.prev
		if !node.beingSaved.Load() {
			c.dirty.unlinkLocked(node)
			c.dirty.count--
			c.dirty.bytes -= c.cfg.SizeOf(node)
			out = append(out, node)
			bySection[node.Key().Section] = append(bySection[node.Key().Section], node)
		}
		node = prev
	}
	return out, bySection
}

// EvictPages drops CLEAN pages matching an optional filter, bounded by
// skip/evict counts. wait=true acquires the clean-list lock (blocking);
// wait=false uses a try-lock. Under severe pressure, the skip/evict
// limits passed by the caller are ignored (spec.md §4.1 step 1-5).
func (c *Cache) EvictPages(maxSkip, maxEvict int, wait bool, filter func(*Page) bool) (evicted, skipped int) {
	severe := c.UsagePerMille() >= c.cfg.Thresholds.SeverePressure
	if severe {
		maxSkip, maxEvict = 1<<30, 1<<30
	}

	for {
		n, s := c.evictPass(maxSkip, maxEvict, wait, filter)
		evicted += n
		skipped += s
		if n == 0 {
			break
		}
		if !severe {
			break
		}
		if c.UsagePerMille() < c.cfg.Thresholds.Healthy {
			break
		}
	}
	if skipped > 0 && evicted == 0 {
		c.skipWarn.Do(func() {
			log.Printf("pagecache: eviction pass skipped all %d candidates (all referenced)", skipped)
		})
	}
	return evicted, skipped
}

func (c *Cache) evictPass(maxSkip, maxEvict int, wait bool, filter func(*Page) bool) (evicted, skipped int) {
	if wait {
		c.clean.lock()
	} else if !c.clean.tryLock() {
		return 0, 0
	}
	defer c.clean.unlock()

	var toFree []*Page
	node := c.clean.tail
	for node != nil && evicted < maxEvict && skipped < maxSkip {
		prev := node.prev
		if filter != nil && !filter(node) {
			node = prev
			continue
		}
		if node.bidForDeletion() {
			c.clean.unlinkLocked(node)
			c.clean.count--
			c.clean.bytes -= c.cfg.SizeOf(node)
			toFree = append(toFree, node)
			evicted++
		} else {
			skipped++
		}
		node = prev
	}
	for _, p := range toFree {
		c.shardOf(p.Key().MetricID).remove(p.Key())
	}
	return evicted, skipped
}

// EvictOfDatafile forces eviction of every CLEAN page whose Data()
// pointer equals df, used before a datafile is deleted.
func (c *Cache) EvictOfDatafile(df any) int {
	return c.evictFilteredBlocking(func(p *Page) bool { return p.Data() == df })
}

func (c *Cache) evictFilteredBlocking(filter func(*Page) bool) int {
	total := 0
	for {
		n, _ := c.EvictPages(1<<30, 1<<30, true, filter)
		total += n
		if n == 0 {
			return total
		}
	}
}

// MigrationCallback receives the intermediate built from a datafile's
// HOT pages during v1->v2 journal migration (see OpenCacheToJournalV2).
type MigrationCallback func(section Section, entries []MigrationEntry)

// MigrationEntry is one metric's page list contribution to a v2 journal.
type MigrationEntry struct {
	MetricID MetricID
	Pages    []*Page
}

// OpenCacheToJournalV2 enumerates HOT pages belonging to a datafile,
// groups them per metric, invokes cb with the intermediate, then
// transitions those pages HOT->DIRTY->CLEAN (spec.md §4.1).
func (c *Cache) OpenCacheToJournalV2(section Section, datafile any, cb MigrationCallback) {
	byMetric := make(map[MetricID][]*Page)
	for _, sh := range c.shards {
		sh.forEachInDatafile(section, datafile, func(p *Page) {
			if p.State() == HOT {
				byMetric[p.Key().MetricID] = append(byMetric[p.Key().MetricID], p)
			}
		})
	}
	if len(byMetric) == 0 {
		return
	}
	entries := make([]MigrationEntry, 0, len(byMetric))
	for mid, pages := range byMetric {
		entries = append(entries, MigrationEntry{MetricID: mid, Pages: pages})
	}
	cb(section, entries)

	for _, e := range entries {
		for _, p := range e.Pages {
			size := c.cfg.SizeOf(p)
			c.hot.remove(p, size)
			p.setState(DIRTY)
			c.dirty.pushFront(p, size)
		}
	}
	c.FlushPages(len(entries) + 1)
}

// ── Sizing / pressure ──────────────────────────────────────────────────

// CurrentSize returns total resident bytes across HOT+DIRTY+CLEAN.
func (c *Cache) CurrentSize() int64 {
	_, h := c.hot.size()
	_, d := c.dirty.size()
	_, cl := c.clean.size()
	return h + d + cl
}

// WantedSize implements the autoscaling formula from spec.md §4.1:
//
//	wanted = min(2*max(hot, hot_max), hot_max + max(hot_max/2, 2*dirty_max))
//	clamped to at least hot+dirty+clean_size
func (c *Cache) WantedSize() int64 {
	_, hot := c.hot.size()
	_, dirty := c.dirty.size()
	if !c.cfg.Autoscale {
		wanted := c.cfg.CleanSizeBytes + hot + dirty
		return wanted
	}
	hotMax := c.cfg.HotMaxBytes
	dirtyMax := c.cfg.DirtyMaxBytes
	a := 2 * max64(hot, hotMax)
	b := hotMax + max64(hotMax/2, 2*dirtyMax)
	wanted := min64(a, b)
	floor := hot + dirty + c.cfg.CleanSizeBytes
	return max64(wanted, floor)
}

// UsagePerMille returns current_size*1000/wanted, the pressure gauge
// from spec.md §4.1.
func (c *Cache) UsagePerMille() int {
	wanted := c.WantedSize()
	if wanted <= 0 {
		return 0
	}
	return int(c.CurrentSize() * 1000 / wanted)
}

// Sizes reports the current count/bytes of each state list, used by
// tests and the retention controller.
type Sizes struct {
	HotCount, DirtyCount, CleanCount       int
	HotBytes, DirtyBytes, CleanBytes       int64
}

func (c *Cache) Sizes() Sizes {
	var s Sizes
	s.HotCount, s.HotBytes = c.hot.size()
	s.DirtyCount, s.DirtyBytes = c.dirty.size()
	s.CleanCount, s.CleanBytes = c.clean.size()
	return s
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// rateLimiter gates a callback to at most once per window, used for the
// "skipped all" warning (spec.md §9 original has PGC_REFERENCED_PAGES_*
// rate-limited warnings).
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time
}

func newRateLimiter(window time.Duration) rateLimiter {
	return rateLimiter{window: window}
}

func (r *rateLimiter) Do(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.last) < r.window {
		return
	}
	r.last = time.Now()
	fn()
}
