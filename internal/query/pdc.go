// Package query implements the query planner: building a Page Details
// Collection (PDC) for a metric's time range from the v2 on-disk index
// and the in-memory page cache, routing it through extent reads, and
// serving callers a chronological cursor over the result (spec.md §4.5).
package query

import (
	"sort"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/datafile"
	"github.com/riftdb/tsengine/internal/journal"
	"github.com/riftdb/tsengine/internal/pagecache"
)

// PageDetail is one page's location, known either from the v2 index
// (needs an extent read) or from a live cache page (already resident).
type PageDetail struct {
	StartTime    int64
	EndTime      int64
	Datafile     *datafile.Datafile
	ExtentOffset uint64
	PageOffset   uint32
	Length       uint32

	CachePage *pagecache.Page // non-nil: already resident, no read needed.

	Unreadable bool // set if the extent read that would satisfy this failed.
}

// PDC is the ordered collection of page details for one (metric,
// range) query, keyed by absolute start_time (spec.md §4.5 "Page
// Details Collection").
type PDC struct {
	Details []*PageDetail // sorted ascending by StartTime
}

// Build walks every datafile in the tier (oldest to newest) looking up
// metricUUID's v2 index entries overlapping [start, end], then merges
// in any HOT/CLEAN pages for the metric still resident in cache
// (spec.md §4.5 "Preparation pipeline" steps 1-3).
func Build(tier *datafile.TierContext, handles *journal.HandleCache, cache *pagecache.Cache, section pagecache.Section, metricID pagecache.MetricID, metricUUID uuid.UUID, start, end int64) *PDC {
	byStart := make(map[int64]*PageDetail)

	for _, df := range tier.List() {
		v2Path := tier.Dir() + "/" + datafile.JournalV2Name(tier.Tier(), df.Fileno())
		reader, err := handles.Get(v2Path)
		if err != nil {
			continue // not yet migrated to v2; its pages are only in v1/cache
		}
		for _, e := range reader.Lookup(metricUUID, uint8(section), start, end) {
			byStart[e.StartTime] = &PageDetail{
				StartTime:    e.StartTime,
				EndTime:      e.EndTime,
				Datafile:     df,
				ExtentOffset: e.ExtentOffset,
				PageOffset:   e.PageOffset,
				Length:       e.PageLength,
			}
		}
	}

	for _, p := range cache.RangeAndAcquire(section, metricID, start, end) {
		byStart[p.StartTime()] = &PageDetail{
			StartTime: p.StartTime(),
			EndTime:   p.EndTime(),
			CachePage: p,
		}
	}

	details := make([]*PageDetail, 0, len(byStart))
	for _, d := range byStart {
		details = append(details, d)
	}
	sort.Slice(details, func(i, j int) bool { return details[i].StartTime < details[j].StartTime })
	return &PDC{Details: details}
}

// Release drops the cache reference held by every detail served
// directly from a live page (spec.md "load_finalize ... release PDC").
func (pdc *PDC) Release(cache *pagecache.Cache) {
	for _, d := range pdc.Details {
		if d.CachePage != nil {
			cache.Release(d.CachePage)
		}
	}
}

// EPDL (Extent Page Detail List) groups page details that share one
// extent, since a single extent read can satisfy all of them at once
// (spec.md §4.5 "PDC->EPDL router").
type EPDL struct {
	Datafile     *datafile.Datafile
	ExtentOffset uint64
	Details      []*PageDetail
}

// ToEPDLs groups every disk-resident detail (CachePage == nil) by
// (datafile, extent offset). Cache-resident details need no read and
// are not included.
func (pdc *PDC) ToEPDLs() []*EPDL {
	type key struct {
		df  *datafile.Datafile
		off uint64
	}
	groups := make(map[key]*EPDL)
	var order []key
	for _, d := range pdc.Details {
		if d.CachePage != nil {
			continue
		}
		k := key{df: d.Datafile, off: d.ExtentOffset}
		g, ok := groups[k]
		if !ok {
			g = &EPDL{Datafile: d.Datafile, ExtentOffset: d.ExtentOffset}
			groups[k] = g
			order = append(order, k)
		}
		g.Details = append(g.Details, d)
	}
	out := make([]*EPDL, len(order))
	for i, k := range order {
		out[i] = groups[k]
	}
	return out
}

// Handle is a chronological cursor over a PDC (spec.md §4.5 "Contract").
type Handle struct {
	pdc *PDC
	idx int
}

// NewHandle returns a cursor positioned before the first detail.
func (pdc *PDC) NewHandle() *Handle { return &Handle{pdc: pdc, idx: 0} }

// LookupNext returns the next page detail whose range contains
// currentTime, or the immediate successor if none does, skipping
// entries already marked Unreadable. Returns ok=false once the PDC is
// exhausted.
func (h *Handle) LookupNext(currentTime int64) (*PageDetail, bool) {
	for h.idx < len(h.pdc.Details) {
		d := h.pdc.Details[h.idx]
		if d.Unreadable {
			h.idx++
			continue
		}
		if d.EndTime < currentTime {
			h.idx++
			continue
		}
		return d, true
	}
	return nil, false
}
