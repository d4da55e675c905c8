package pagecache

import (
	"sync"
	"testing"
)

func testConfig() Config {
	return Config{
		Shards:         4,
		CleanSizeBytes: 1 << 20,
	}
}

func TestAddAndAcquireInsertsOnce(t *testing.T) {
	c := New(testConfig())
	key := Key{Section: 1, MetricID: 1, StartTime: 1000}
	p1 := NewPage(key, HOT, 1000, 1, 0, make([]byte, 64))

	got, added := c.AddAndAcquire(p1)
	if !added {
		t.Fatal("expected first insert to be added")
	}
	if got != p1 {
		t.Fatal("expected returned page to be the inserted page")
	}

	p2 := NewPage(key, HOT, 1000, 1, 0, make([]byte, 64))
	got2, added2 := c.AddAndAcquire(p2)
	if added2 {
		t.Fatal("expected second insert with same key to be rejected")
	}
	if got2 != p1 {
		t.Fatal("expected duplicate insert to return the original page")
	}
	if got2.Refcount() != 2 {
		t.Fatalf("expected refcount 2 after duplicate insert acquire, got %d", got2.Refcount())
	}
}

func TestGetAndAcquireModes(t *testing.T) {
	c := New(testConfig())
	for _, st := range []int64{1000, 2000, 3000} {
		p := NewPage(Key{Section: 1, MetricID: 7, StartTime: st}, CLEAN, st+10, 1, 0, make([]byte, 8))
		c.AddAndAcquire(p)
		c.Release(p)
	}

	if p := c.GetAndAcquire(1, 7, 2000, ExactMatch); p == nil || p.StartTime() != 2000 {
		t.Fatalf("exact match failed: %+v", p)
	} else {
		c.Release(p)
	}

	if p := c.GetAndAcquire(1, 7, 2500, ClosestLE); p == nil || p.StartTime() != 2000 {
		t.Fatalf("closest-LE expected 2000, got %+v", p)
	} else {
		c.Release(p)
	}

	if p := c.GetAndAcquire(1, 7, 2500, ClosestGE); p == nil || p.StartTime() != 3000 {
		t.Fatalf("closest-GE expected 3000, got %+v", p)
	} else {
		c.Release(p)
	}

	if p := c.GetAndAcquire(1, 7, 9999, ExactMatch); p != nil {
		t.Fatalf("expected no exact match, got %+v", p)
	}
}

func TestHotToDirtyToCleanLifecycle(t *testing.T) {
	c := New(testConfig())
	p := NewPage(Key{Section: 1, MetricID: 1, StartTime: 1000}, HOT, 1000, 1, 0, make([]byte, 16))
	c.AddAndAcquire(p)

	c.HotSetEndTime(p, 2000)
	if p.EndTime() != 2000 {
		t.Fatalf("expected end_time 2000, got %d", p.EndTime())
	}

	c.HotToDirtyAndRelease(p)
	if p.State() != DIRTY {
		t.Fatalf("expected DIRTY, got %s", p.State())
	}

	saved := false
	c2 := New(Config{
		Shards:         4,
		CleanSizeBytes: 1 << 20,
		SaveDirty: func(section Section, pages []*Page) error {
			saved = true
			return nil
		},
	})
	p2 := NewPage(Key{Section: 1, MetricID: 1, StartTime: 1000}, DIRTY, 2000, 1, 0, make([]byte, 16))
	c2.AddAndAcquire(p2)
	c2.Release(p2)
	n := c2.FlushPages(1)
	if n != 1 || !saved {
		t.Fatalf("expected 1 page flushed, got %d (saved=%v)", n, saved)
	}
	if p2.State() != CLEAN {
		t.Fatalf("expected CLEAN after flush, got %s", p2.State())
	}
}

func TestHotSetEndTimeIgnoredWhenNotHot(t *testing.T) {
	c := New(testConfig())
	p := NewPage(Key{Section: 1, MetricID: 1, StartTime: 1000}, CLEAN, 1000, 1, 0, nil)
	c.AddAndAcquire(p)
	c.HotSetEndTime(p, 5000)
	if p.EndTime() != 1000 {
		t.Fatalf("expected end_time unchanged at 1000, got %d", p.EndTime())
	}
}

func TestEvictPagesRespectsRefcount(t *testing.T) {
	// The cache stays well below pressure so Release does not evict the
	// page inline; only the explicit EvictPages call below may drop it.
	c := New(Config{Shards: 1, CleanSizeBytes: 1 << 20})
	p := NewPage(Key{Section: 1, MetricID: 1, StartTime: 1000}, CLEAN, 1000, 1, 0, make([]byte, 8))
	c.AddAndAcquire(p) // refcount 1, held

	evicted, skipped := c.EvictPages(10, 10, true, nil)
	if evicted != 0 || skipped != 1 {
		t.Fatalf("expected referenced page to be skipped, got evicted=%d skipped=%d", evicted, skipped)
	}

	c.Release(p)
	evicted, skipped = c.EvictPages(10, 10, true, nil)
	if evicted != 1 {
		t.Fatalf("expected unreferenced page to evict, got evicted=%d skipped=%d", evicted, skipped)
	}

	if got := c.GetAndAcquire(1, 1, 1000, ExactMatch); got != nil {
		t.Fatal("expected page to be gone from index after eviction")
	}
}

func TestEvictOfDatafile(t *testing.T) {
	c := New(testConfig())
	marker := new(int)
	other := new(int)
	for i, df := range []any{marker, marker, other} {
		p := NewPage(Key{Section: 1, MetricID: MetricID(i), StartTime: int64(i)}, CLEAN, int64(i), 1, 0, df)
		c.AddAndAcquire(p)
		c.Release(p)
	}
	n := c.EvictOfDatafile(marker)
	if n != 2 {
		t.Fatalf("expected 2 pages evicted for marker datafile, got %d", n)
	}
	if c.GetAndAcquire(1, 2, 2, ExactMatch) == nil {
		t.Fatal("expected page for unrelated datafile to survive")
	}
}

func TestConcurrentAddAndAcquireSameKey(t *testing.T) {
	c := New(testConfig())
	key := Key{Section: 1, MetricID: 1, StartTime: 1000}

	var wg sync.WaitGroup
	results := make([]*Page, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := NewPage(key, HOT, 1000, 1, 0, make([]byte, 8))
			got, _ := c.AddAndAcquire(p)
			results[i] = got
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("expected all concurrent inserts with the same key to converge on one page")
		}
	}
	if got := results[0].Refcount(); got != int32(len(results)) {
		t.Fatalf("expected refcount %d, got %d", len(results), got)
	}
}

func TestRangeAndAcquireFiltersByOverlap(t *testing.T) {
	c := New(testConfig())
	mk := func(start, end int64) *Page {
		p := NewPage(Key{Section: 1, MetricID: 5, StartTime: start}, CLEAN, end, 1, 0, make([]byte, 4))
		c.AddAndAcquire(p)
		c.Release(p)
		return p
	}
	mk(0, 100)
	mk(200, 300)
	mk(400, 500)

	got := c.RangeAndAcquire(1, 5, 150, 450)
	if len(got) != 2 {
		t.Fatalf("expected 2 overlapping pages, got %d", len(got))
	}
	for _, p := range got {
		c.Release(p)
	}
}
