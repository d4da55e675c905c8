package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/pagecache"
)

// StoreHandle is a bound writer for one metric, returned by StoreInit
// (spec.md §6 "store_init(metric_uuid, tier) -> handle").
type StoreHandle struct {
	e        *Engine
	metricID pagecache.MetricID
	section  pagecache.Section

	mu   sync.Mutex
	page *pagecache.Page
	buf  []byte
}

// StoreInit binds a writer to metricUUID within tier, interning the
// metric in the registry if this is the first time it's seen.
func (e *Engine) StoreInit(metricUUID uuid.UUID, tier uint8) (*StoreHandle, error) {
	if _, err := e.tier(tier); err != nil {
		return nil, err
	}
	section := pagecache.Section(tier)
	metricID := e.registry.GetAndAcquire(metricUUID, section)
	return &StoreHandle{e: e, metricID: metricID, section: section}, nil
}

// StoreNext appends one sample, creating or extending the handle's
// current HOT page; a rollover to a fresh page happens automatically
// once the current page reaches its configured size cap (spec.md §6
// "periodic rollover creates a new page when the current page reaches
// its size cap").
func (h *StoreHandle) StoreNext(pointInTimeUsec int64, value float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.page != nil && len(h.buf) >= h.e.cfg.PageSizeCap {
		h.rolloverLocked()
	}
	if h.page == nil {
		key := pagecache.Key{Section: h.section, MetricID: h.metricID, StartTime: pointInTimeUsec}
		p := pagecache.NewPage(key, pagecache.HOT, pointInTimeUsec, 0, 0, nil)
		got, _ := h.e.cache.AddAndAcquire(p)
		h.page = got
		h.buf = nil
		h.e.registry.SetFirstTime(h.metricID, pointInTimeUsec)
		h.e.stats.pagesIngested.Add(1)
	}

	h.buf = appendSample(h.buf, pointInTimeUsec, value)
	h.e.cache.HotSetEndTime(h.page, pointInTimeUsec)
	h.e.registry.SetLatestTime(h.metricID, pointInTimeUsec)
	h.e.stats.samplesIngested.Add(1)
	return nil
}

// StoreFlush promotes the handle's current HOT page to DIRTY without
// waiting for it to fill (spec.md §6 "store_flush ... promote current
// HOT page to DIRTY"). The next StoreNext starts a fresh page.
func (h *StoreHandle) StoreFlush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rolloverLocked()
}

// StoreFinalize releases the writer and detaches it from the registry
// (spec.md §6 "store_finalize ... release writer; detaches from MRG").
// A handle must not be used after StoreFinalize returns.
func (h *StoreHandle) StoreFinalize() {
	h.mu.Lock()
	h.rolloverLocked()
	h.mu.Unlock()
	h.e.registry.Release(h.metricID)
}

// rolloverLocked finalizes h.page (if any): an empty page (no samples
// ever appended) is dropped via
// hot_to_clean_empty_and_release; otherwise its accumulated bytes
// become its final payload and it transitions HOT->DIRTY. Must be
// called with h.mu held.
func (h *StoreHandle) rolloverLocked() {
	if h.page == nil {
		return
	}
	if len(h.buf) == 0 {
		h.e.cache.HotToCleanEmptyAndRelease(h.page)
	} else {
		h.page.SetData(h.buf)
		h.e.cache.HotToDirtyAndRelease(h.page)
	}
	h.page = nil
	h.buf = nil
}
