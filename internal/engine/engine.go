// Package engine wires pagecache, registry, datafile, journal, extent,
// query, eventloop and retention into the top-level producer/consumer
// API (spec.md §6), the way internal/storage/db.go's DB wires
// pager.Pager, catalog and WAL into one façade.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/riftdb/tsengine/internal/datafile"
	"github.com/riftdb/tsengine/internal/eventloop"
	"github.com/riftdb/tsengine/internal/extent"
	"github.com/riftdb/tsengine/internal/journal"
	"github.com/riftdb/tsengine/internal/pagecache"
	"github.com/riftdb/tsengine/internal/query"
	"github.com/riftdb/tsengine/internal/registry"
	"github.com/riftdb/tsengine/internal/retention"
)

// Engine is the single runtime value holding every engine instance's
// state; there are no package-level globals, so a process can host more
// than one (spec.md §3 "process-wide section word" is scoped to an
// Engine, not a global).
type Engine struct {
	cfg Config
	log *logger

	cache    *pagecache.Cache
	registry *registry.Registry
	handles  *journal.HandleCache
	loop     *eventloop.Loop
	cron     *cron.Cron

	tiers       map[uint8]*datafile.TierContext
	controllers map[uint8]*retention.Controller
	codecs      map[uint8]extent.CompressionAlgorithm

	stats statCounters

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
}

// New builds an Engine from cfg: it creates/validates the on-disk
// layout for every configured tier, wires the page cache's save-dirty
// callback to the extent writer, and builds (without starting) the
// event loop and per-tier retention controllers.
func New(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("engine: Config.Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("engine: mkdir %s: %w", cfg.Dir, err)
	}

	e := &Engine{
		cfg:         cfg,
		log:         newLogger(),
		registry:    registry.New(0),
		handles:     journal.NewHandleCache(256, 10*time.Second),
		tiers:       make(map[uint8]*datafile.TierContext),
		controllers: make(map[uint8]*retention.Controller),
		codecs:      make(map[uint8]extent.CompressionAlgorithm),
	}

	for _, tc := range cfg.Tiers {
		dir := fmt.Sprintf("%s/tier%d", cfg.Dir, tc.Tier)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("engine: mkdir %s: %w", dir, err)
		}
		algo, err := extent.ByTag(compressionTag(tc.Compression))
		if err != nil {
			return nil, fmt.Errorf("engine: tier %d: %w", tc.Tier, err)
		}
		e.codecs[tc.Tier] = algo

		tierCtx := datafile.NewTierContext(datafile.TierConfig{
			Dir:                dir,
			Tier:               tc.Tier,
			MaxDiskSpace:       tc.RetentionSize,
			MaxRetentionTime:   tc.RetentionTime,
			DefaultCompression: uint8(compressionTag(tc.Compression)),
		})
		if err := tierCtx.Init(); err != nil {
			return nil, fmt.Errorf("engine: tier %d init: %w", tc.Tier, err)
		}
		e.tiers[tc.Tier] = tierCtx
		e.controllers[tc.Tier] = &retention.Controller{
			Tier:     tierCtx,
			Registry: e.registry,
			Handles:  e.handles,
		}
	}

	e.cache = pagecache.New(pagecache.Config{
		CleanSizeBytes: cfg.PageCacheSize,
		Thresholds: pagecache.Thresholds{
			SeverePressure:    cfg.SeverePressure,
			AggressiveEvict:   cfg.AggressiveEvict,
			Healthy:           cfg.Healthy,
			EvictLowThreshold: cfg.EvictLowThreshold,
		},
		SaveDirty: e.saveDirty,
	})
	for _, c := range e.controllers {
		c.Cache = e.cache
	}

	workers := cfg.WorkerPoolSize
	e.loop = eventloop.NewLoop(workers, nil, eventloop.Hooks{
		FlushInit:     e.flushInitTask,
		EvictInit:     e.evictInitTask,
		UnmapIdle:     func() { e.handles.Len() },
		PublishGauges: e.publishGauges,
	})

	return e, nil
}

func compressionTag(name string) extent.Algorithm {
	switch name {
	case "zstd":
		return extent.AlgoZstd
	case "s2":
		return extent.AlgoS2
	default:
		return extent.AlgoNone
	}
}

// Start launches the event loop and the maintenance cron sweep. Call
// Close to stop both.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		e.loop.Run(ctx)
	}()

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.cfg.MaintenanceCron, e.maintenanceSweep); err != nil {
		cancel()
		e.loopWG.Wait()
		return fmt.Errorf("engine: invalid maintenance_cron %q: %w", e.cfg.MaintenanceCron, err)
	}
	e.cron.Start()

	e.running = true
	return nil
}

// Close stops the event loop and cron scheduler and closes every tier's
// open datafiles.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.cancel()
	e.loopWG.Wait()
	e.running = false

	var firstErr error
	for _, tc := range e.tiers {
		for _, df := range tc.List() {
			if err := df.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stats returns a point-in-time snapshot of engine-wide counters
// (supplemented feature #3, daemon/global_statistics.c).
func (e *Engine) Stats() Stats {
	var ioErrors, fsErrors uint64
	for _, tc := range e.tiers {
		ioErrors += tc.IOErrors()
		fsErrors += tc.FSErrors()
	}
	return e.stats.snapshot(e.loop.Snapshot(), query.ExtentReadErrors(), ioErrors, fsErrors)
}

func (e *Engine) tier(tier uint8) (*datafile.TierContext, error) {
	tc, ok := e.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("engine: unconfigured tier %d", tier)
	}
	return tc, nil
}
