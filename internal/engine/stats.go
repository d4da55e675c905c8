package engine

import (
	"sync/atomic"

	"github.com/riftdb/tsengine/internal/eventloop"
)

// Stats is a flat snapshot of per-component counters aggregated into a
// single periodic structure, matching daemon/global_statistics.c's
// design of one global_statistics snapshot populated by every
// subsystem (supplemented feature #3).
type Stats struct {
	PagesIngested   uint64
	SamplesIngested uint64
	PagesFlushed    uint64
	PagesEvicted    uint64
	ExtentReadErrors uint64
	IOErrors        uint64
	FSErrors        uint64

	OpcodesWaiting uint64
	WorksExecuting uint64
	WorksCompleted uint64
	WorkerPoolSize uint64
}

type statCounters struct {
	pagesIngested   atomic.Uint64
	samplesIngested atomic.Uint64
	pagesFlushed    atomic.Uint64
	pagesEvicted    atomic.Uint64
}

func (c *statCounters) snapshot(g eventloop.Gauges, extentReadErrors, ioErrors, fsErrors uint64) Stats {
	return Stats{
		PagesIngested:    c.pagesIngested.Load(),
		SamplesIngested:  c.samplesIngested.Load(),
		PagesFlushed:     c.pagesFlushed.Load(),
		PagesEvicted:     c.pagesEvicted.Load(),
		ExtentReadErrors: extentReadErrors,
		IOErrors:         ioErrors,
		FSErrors:         fsErrors,
		OpcodesWaiting:   uint64(g.OpcodesWaiting),
		WorksExecuting:   uint64(g.WorksExecuting),
		WorksCompleted:   g.WorksCompleted,
		WorkerPoolSize:   uint64(g.WorkerPoolSize),
	}
}
