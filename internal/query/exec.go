package query

import (
	"fmt"
	"sync/atomic"

	"github.com/riftdb/tsengine/internal/datafile"
	"github.com/riftdb/tsengine/internal/extent"
	"github.com/riftdb/tsengine/internal/pagecache"
)

// Priority orders opcodes the query planner hands to the event loop
// (spec.md §4.6 "CRITICAL < HIGH < NORMAL < LOW < BEST_EFFORT"). Defined
// here rather than in internal/eventloop so that package can import
// internal/query without a cycle.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	BestEffort
)

// Enqueuer schedules work at a priority without blocking the caller.
// internal/eventloop implements this by wrapping work in an
// EXTENT_READ opcode Task and placing it on the loop's priority queue,
// letting query hand off async execution without importing eventloop.
type Enqueuer interface {
	Enqueue(priority Priority, work func() error)
}

var extentReadErrors atomic.Uint64

// ExtentReadErrors reports the cumulative count of failed extent reads
// across all queries (spec.md §4.5 "the cache counter
// extent_read_errors increments").
func ExtentReadErrors() uint64 { return extentReadErrors.Load() }

// ExecuteSync runs an EPDL's extent read inline on the calling
// goroutine, used for replication/backfill paths (spec.md §4.5
// "Synchronous" mode).
func ExecuteSync(cache *pagecache.Cache, section pagecache.Section, metricID pagecache.MetricID, epdl *EPDL) error {
	return execute(cache, section, metricID, epdl)
}

// ExecuteAsync hands the EPDL to enq for out-of-line execution by a
// worker, invoking done with the result once it completes (spec.md
// §4.5 "Asynchronous" mode, "waiting callers are signalled").
func ExecuteAsync(enq Enqueuer, cache *pagecache.Cache, section pagecache.Section, metricID pagecache.MetricID, epdl *EPDL, priority Priority, done func(error)) {
	enq.Enqueue(priority, func() error {
		err := execute(cache, section, metricID, epdl)
		if done != nil {
			done(err)
		}
		return err
	})
}

func execute(cache *pagecache.Cache, section pagecache.Section, metricID pagecache.MetricID, epdl *EPDL) error {
	if !epdl.Datafile.Acquire(datafile.PageDetails) {
		extentReadErrors.Add(1)
		for _, d := range epdl.Details {
			d.Unreadable = true
		}
		return fmt.Errorf("query: datafile %d is being deleted", epdl.Datafile.Fileno())
	}
	defer epdl.Datafile.Release(datafile.PageDetails)

	pages, err := extent.Read(epdl.Datafile, epdl.ExtentOffset)
	if err != nil {
		extentReadErrors.Add(1)
		for _, d := range epdl.Details {
			d.Unreadable = true
		}
		return err
	}

	byStart := make(map[int64]extent.Page, len(pages))
	for _, p := range pages {
		byStart[int64(p.Descriptor.StartTime)] = p
	}

	for _, d := range epdl.Details {
		ep, ok := byStart[d.StartTime]
		if !ok {
			d.Unreadable = true
			continue
		}
		// Data holds the owning datafile, not the payload: a disk-loaded
		// page is tracked in the cache so EvictOfDatafile can sweep it
		// when retention deletes that datafile; its bytes live in Custom
		// for as long as the page stays cached. The reference acquired
		// here is kept by the detail and dropped by PDC.Release.
		p := pagecache.NewPage(
			pagecache.Key{Section: section, MetricID: metricID, StartTime: d.StartTime},
			pagecache.CLEAN, d.EndTime, 0, ep.Descriptor.Type, epdl.Datafile,
		)

		got, added := cache.AddAndAcquire(p)
		if added {
			buf := make([]byte, len(ep.Data))
			copy(buf, ep.Data)
			got.SetCustom(buf)
		}
		d.CachePage = got
	}
	return nil
}
