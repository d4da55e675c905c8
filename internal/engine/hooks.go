package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/eventloop"
	"github.com/riftdb/tsengine/internal/extent"
	"github.com/riftdb/tsengine/internal/pagecache"
)

// saveDirty is the page cache's SaveDirtyFunc: it groups a batch of
// same-section DIRTY pages into one or more extents (respecting
// pages-per-extent), writes them to the section's active datafile, and
// swaps each page's Data to its owning datafile so a later retention
// sweep can find it via EvictOfDatafile, keeping the payload bytes in
// Custom so the still-cached page stays readable (spec.md §4.1 "Flush
// algorithm", §4.3 "Write path").
func (e *Engine) saveDirty(section pagecache.Section, pages []*pagecache.Page) error {
	tier := uint8(section)
	tierCtx, err := e.tier(tier)
	if err != nil {
		return err
	}
	codec := e.codecs[tier]

	for start := 0; start < len(pages); {
		df, err := tierCtx.EnsureWritable()
		if err != nil {
			return err
		}
		batch := extent.NewBatchWithLimit(e.cfg.PagesPerExtent)
		added := make([]*pagecache.Page, 0, e.cfg.PagesPerExtent)
		for start < len(pages) && batch.Add(extent.PendingPage{Page: pages[start], MetricUUID: e.metricUUID(pages[start])}) {
			added = append(added, pages[start])
			start++
		}

		sizeBefore := df.Pos()
		if _, err := extent.Write(df, section, codec, batch); err != nil {
			return err
		}
		tierCtx.AddDiskSpace(df.Pos() - sizeBefore)

		for _, p := range added {
			if b, ok := p.Data().([]byte); ok {
				p.SetCustom(b)
			}
			p.SetData(df)
		}
		e.stats.pagesFlushed.Add(uint64(len(added)))
	}
	return nil
}

func (e *Engine) metricUUID(p *pagecache.Page) uuid.UUID {
	u, _ := e.registry.UUID(p.Key().MetricID)
	return u
}

// flushInitTask builds the FLUSH_PAGES task the timer submits every
// second (spec.md §4.6 "FLUSH_INIT ... emits FLUSH_PAGES"). FLUSH_PAGES
// runs inline on the loop thread since it serializes extent writes.
func (e *Engine) flushInitTask() *eventloop.Task {
	return &eventloop.Task{
		Op:       eventloop.OpFlushPages,
		Priority: eventloop.High,
		Run: func(ctx context.Context) ([]*eventloop.Task, error) {
			e.cache.FlushPages(4)
			return nil, nil
		},
	}
}

// evictInitTask builds the EVICT_PAGES-equivalent worker task, and
// opportunistically checks every tier's rotation predicate, submitting
// a DATABASE_ROTATE task for any tier that is due (spec.md §4.7
// "checked on the same cadence as EVICT_INIT").
func (e *Engine) evictInitTask() *eventloop.Task {
	for _, c := range e.controllers {
		if t, ok := c.MaybeRotate(); ok {
			e.loop.Submit(t)
		}
	}
	return &eventloop.Task{
		Op:       eventloop.OpEvictInit,
		Priority: eventloop.Normal,
		Run: func(ctx context.Context) ([]*eventloop.Task, error) {
			evicted, _ := e.cache.EvictPages(64, 64, false, nil)
			e.stats.pagesEvicted.Add(uint64(evicted))
			return nil, nil
		},
	}
}

func (e *Engine) publishGauges(g eventloop.Gauges) {
	// Gauges are read on demand via Engine.Stats(); nothing to push here,
	// but the hook point exists for a future metrics exporter.
	_ = g
}

// maintenanceSweep is the low-frequency cron job layered over the 1 Hz
// timer: it retries migrating every tier's non-active, not-yet-migrated
// datafiles to the v2 indexed journal. Idle v2 mmaps are not closed
// here; the handle cache's own TTL expiry closes them (spec.md §4.3
// "v1 -> v2 migration", supplemented feature's original_source
// cron-over-ticker shape from internal/storage/scheduler.go).
func (e *Engine) maintenanceSweep() {
	e.handles.Len()
	for tier, tierCtx := range e.tiers {
		active := tierCtx.Newest()
		for _, df := range tierCtx.List() {
			if df == active || df.Populated() {
				continue // still being written; its v1 log isn't final yet
			}
			if err := e.migrateToV2(tier, tierCtx, df); err != nil {
				e.log.Warnf("tier %d datafile %d: v2 migration retry failed: %v", tier, df.Fileno(), err)
			}
		}
	}
}
