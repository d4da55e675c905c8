package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/pagecache"
	"github.com/riftdb/tsengine/internal/query"
)

// LoadHandle is a chronological reader over one metric's [start, end]
// range (both ends inclusive) within a tier, returned by LoadInit (spec.md §6
// "load_init(metric_uuid, tier, start, end) -> handle").
type LoadHandle struct {
	e        *Engine
	metricID pagecache.MetricID
	section  pagecache.Section

	pdc    *query.PDC
	cursor *query.Handle
}

// LoadInit resolves metricUUID to its registry handle, builds its PDC
// for [start, end], and synchronously satisfies every disk-resident
// detail so LoadNext never blocks on I/O (spec.md §4.5 "Synchronous"
// mode used for the handle's own preparation pipeline).
func (e *Engine) LoadInit(metricUUID uuid.UUID, tier uint8, start, end int64) (*LoadHandle, error) {
	tierCtx, err := e.tier(tier)
	if err != nil {
		return nil, err
	}
	section := pagecache.Section(tier)
	metricID, ok := e.registry.Get(metricUUID, section)
	if !ok {
		return nil, fmt.Errorf("engine: unknown metric %s", metricUUID)
	}

	pdc := query.Build(tierCtx, e.handles, e.cache, section, metricID, metricUUID, start, end)
	for _, epdl := range pdc.ToEPDLs() {
		if err := query.ExecuteSync(e.cache, section, metricID, epdl); err != nil {
			e.log.Warnf("tier %d metric %s: extent read failed: %v", tier, metricUUID, err)
		}
	}

	return &LoadHandle{e: e, metricID: metricID, section: section, pdc: pdc, cursor: pdc.NewHandle()}, nil
}

// LoadNext returns the first sample at or after pointInTimeUsec,
// advancing the handle's cursor to the page detail that contains it
// (spec.md §4.5 "Contract"). ok is false once the range is exhausted
// or the covering detail could not be read.
func (h *LoadHandle) LoadNext(pointInTimeUsec int64) (value float64, ok bool) {
	for {
		d, found := h.cursor.LookupNext(pointInTimeUsec)
		if !found {
			return 0, false
		}
		if d.Unreadable || d.CachePage == nil {
			pointInTimeUsec = d.EndTime + 1
			continue
		}
		t, v, ok := firstSampleAtOrAfter(pageBytes(d.CachePage), pointInTimeUsec)
		if !ok {
			pointInTimeUsec = d.EndTime + 1
			continue
		}
		_ = t
		return v, true
	}
}

// LoadFinalize releases every cache reference the handle's PDC holds.
// A handle must not be used after LoadFinalize returns.
func (h *LoadHandle) LoadFinalize() {
	h.pdc.Release(h.e.cache)
}

// pageBytes returns a page's raw sample bytes regardless of which
// convention currently owns Data(): HOT/DIRTY pages keep their payload
// directly in Data(), flushed and disk-loaded CLEAN pages keep it in
// Custom while Data() points at the owning datafile (see saveDirty and
// query.execute).
func pageBytes(p *pagecache.Page) []byte {
	if b, ok := p.Data().([]byte); ok {
		return b
	}
	return p.Custom
}
