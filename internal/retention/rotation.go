package retention

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/datafile"
	"github.com/riftdb/tsengine/internal/eventloop"
	"github.com/riftdb/tsengine/internal/journal"
	"github.com/riftdb/tsengine/internal/pagecache"
	"github.com/riftdb/tsengine/internal/registry"
)

// Controller drives one tier's rotation and oldest-datafile deletion
// (spec.md §4.7). It holds no state of its own beyond the tunables: the
// tier's datafile list, disk budget and single-inflight-rotation guard
// all live on datafile.TierContext.
type Controller struct {
	Tier     *datafile.TierContext
	Registry *registry.Registry
	Cache    *pagecache.Cache
	Handles  *journal.HandleCache

	// AcquireAttempts bounds the spin-wait for a reader-free datafile;
	// AcquireBackoff is the sleep between attempts (spec.md §4.7
	// "spin-wait up to bounded attempts ... sleeping 1s between").
	AcquireAttempts int
	AcquireBackoff  time.Duration
}

// DefaultAcquireAttempts/DefaultAcquireBackoff match the spec's "1s
// between attempts" with a generous ceiling so a slow reader doesn't
// wedge rotation forever without eventually giving up and retrying on
// the next tick.
const (
	DefaultAcquireAttempts = 30
	DefaultAcquireBackoff  = time.Second
)

// MaybeRotate checks the rotation predicate and, if due, returns a
// DATABASE_ROTATE task ready to Submit to the event loop. ok is false
// if rotation isn't warranted or one is already in flight (spec.md
// §4.7 "A single inflight rotation at a time, guarded by a
// now_deleting_files flag").
func (c *Controller) MaybeRotate() (task *eventloop.Task, ok bool) {
	if !ExceededDiskQuota(c.Tier) {
		return nil, false
	}
	// "≥ 2 datafiles besides the active one" means Count() >= 3.
	if c.Tier.Count() < 3 {
		return nil, false
	}
	if !c.Tier.BeginRotation() {
		return nil, false
	}
	return &eventloop.Task{
		Op:       eventloop.OpDatabaseRotate,
		Priority: eventloop.Low,
		Run:      c.runRotation,
	}, true
}

func (c *Controller) runRotation(ctx context.Context) ([]*eventloop.Task, error) {
	defer c.Tier.EndRotation()
	if err := c.deleteOldest(ctx); err != nil {
		return nil, err
	}
	if t, ok := c.MaybeRotate(); ok {
		return []*eventloop.Task{t}, nil
	}
	return nil, nil
}

// deleteOldest runs the full deletion sequence: (a) find the oldest
// datafile, (b) spin-wait to acquire it for exclusive deletion, (c)
// recompute every surviving metric's first_time, (d) delete v2, then
// v1, then the datafile, (e) reclaim its bytes from the tier (spec.md
// §4.7 "Deletion sequence").
func (c *Controller) deleteOldest(ctx context.Context) error {
	df := c.Tier.Oldest()
	if df == nil {
		return nil
	}

	if !c.acquireForDeletion(df) {
		return fmt.Errorf("retention: datafile %d still referenced after %d attempts", df.Fileno(), c.AcquireAttempts)
	}

	c.recalculateFirstTimes(df)

	dir := c.Tier.Dir()
	v2Path := dir + "/" + datafile.JournalV2Name(c.Tier.Tier(), df.Fileno())
	v1Path := dir + "/" + datafile.JournalV1Name(c.Tier.Tier(), df.Fileno())

	if c.Handles != nil {
		c.Handles.Evict(v2Path)
	}
	if err := os.Remove(v2Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retention: remove v2 %s: %w", v2Path, err)
	}
	if err := os.Remove(v1Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retention: remove v1 %s: %w", v1Path, err)
	}
	if err := df.Remove(dir); err != nil {
		return fmt.Errorf("retention: remove datafile %s: %w", df.Path(), err)
	}

	if c.Cache != nil {
		c.Cache.EvictOfDatafile(df)
	}
	c.Tier.RemoveOldest(df)
	return nil
}

func (c *Controller) acquireForDeletion(df *datafile.Datafile) bool {
	attempts := c.AcquireAttempts
	if attempts <= 0 {
		attempts = DefaultAcquireAttempts
	}
	backoff := c.AcquireBackoff
	if backoff <= 0 {
		backoff = DefaultAcquireBackoff
	}
	for i := 0; i < attempts; i++ {
		if df.AcquireForDeletion() {
			return true
		}
		time.Sleep(backoff)
	}
	return false
}

// recalculateFirstTimes scans every interned metric and, for each one,
// finds the earliest sample still reachable once df is gone — across
// the tier's remaining datafiles' v2 indices and the live cache — then
// shrinks the metric's first_time to that value (spec.md §4.7 "compute
// per-metric recalculated first_time by scanning remaining datafiles'
// v2 indices and the open cache for the closest surviving pages").
func (c *Controller) recalculateFirstTimes(deleting *datafile.Datafile) {
	if c.Registry == nil {
		return
	}
	remaining := make([]*datafile.Datafile, 0)
	for _, other := range c.Tier.List() {
		if other != deleting {
			remaining = append(remaining, other)
		}
	}

	const fullRangeEnd = int64(1) << 62

	// Each forbids calling back into the Registry, so the new first times
	// are collected here and applied after the walk.
	updates := make(map[pagecache.MetricID]int64)
	c.Registry.Each(func(id pagecache.MetricID, u uuid.UUID, section pagecache.Section) {
		var earliest int64
		found := false

		for _, other := range remaining {
			v2Path := c.Tier.Dir() + "/" + datafile.JournalV2Name(c.Tier.Tier(), other.Fileno())
			reader, err := c.Handles.Get(v2Path)
			if err != nil {
				continue
			}
			for _, e := range reader.Lookup(u, uint8(section), 0, fullRangeEnd) {
				if !found || e.StartTime < earliest {
					earliest = e.StartTime
					found = true
				}
			}
		}

		if c.Cache != nil {
			for _, p := range c.Cache.RangeAndAcquire(section, id, 0, fullRangeEnd) {
				if !found || p.StartTime() < earliest {
					earliest = p.StartTime()
					found = true
				}
				c.Cache.Release(p)
			}
		}

		if found {
			updates[id] = earliest
		} else {
			updates[id] = 0
		}
	})
	for id, first := range updates {
		c.Registry.ShrinkFirstTime(id, first)
	}
}
