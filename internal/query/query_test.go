package query

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/datafile"
	"github.com/riftdb/tsengine/internal/extent"
	"github.com/riftdb/tsengine/internal/journal"
	"github.com/riftdb/tsengine/internal/pagecache"
)

func testCache() *pagecache.Cache {
	return pagecache.New(pagecache.Config{Shards: 4, CleanSizeBytes: 1 << 20})
}

func TestToEPDLsGroupsByExtent(t *testing.T) {
	dir := t.TempDir()
	df, err := datafile.Create(dir, 1, 1)
	if err != nil {
		t.Fatalf("datafile.Create: %v", err)
	}
	defer df.Close()

	pdc := &PDC{Details: []*PageDetail{
		{StartTime: 1000, EndTime: 2000, Datafile: df, ExtentOffset: 4096},
		{StartTime: 2000, EndTime: 3000, Datafile: df, ExtentOffset: 4096},
		{StartTime: 3000, EndTime: 4000, Datafile: df, ExtentOffset: 8192},
		{StartTime: 4000, EndTime: 5000, CachePage: &pagecache.Page{}},
	}}

	epdls := pdc.ToEPDLs()
	if len(epdls) != 2 {
		t.Fatalf("expected 2 EPDLs, got %d", len(epdls))
	}
	if epdls[0].ExtentOffset != 4096 || len(epdls[0].Details) != 2 {
		t.Fatalf("expected first EPDL to hold both details at offset 4096, got %+v", epdls[0])
	}
	if epdls[1].ExtentOffset != 8192 || len(epdls[1].Details) != 1 {
		t.Fatalf("expected second EPDL to hold the offset-8192 detail, got %+v", epdls[1])
	}
}

func writeTestExtent(t *testing.T, df *datafile.Datafile) (*extent.Result, []uuid.UUID) {
	t.Helper()
	b := extent.NewBatch()
	u1, u2 := uuid.New(), uuid.New()
	p1 := pagecache.NewPage(pagecache.Key{Section: 1, MetricID: 1, StartTime: 1000}, pagecache.CLEAN, 2000, 1, 0, []byte("page-one"))
	p2 := pagecache.NewPage(pagecache.Key{Section: 1, MetricID: 1, StartTime: 2000}, pagecache.CLEAN, 3000, 1, 0, []byte("page-two"))
	b.Add(extent.PendingPage{Page: p1, MetricUUID: u1})
	b.Add(extent.PendingPage{Page: p2, MetricUUID: u2})
	codec, err := extent.ByTag(extent.AlgoNone)
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	res, err := extent.Write(df, 1, codec, b)
	if err != nil {
		t.Fatalf("extent.Write: %v", err)
	}
	return &res, []uuid.UUID{u1, u2}
}

func TestExecuteSyncSuccessPopulatesCache(t *testing.T) {
	dir := t.TempDir()
	df, err := datafile.Create(dir, 1, 1)
	if err != nil {
		t.Fatalf("datafile.Create: %v", err)
	}
	defer df.Close()

	res, _ := writeTestExtent(t, df)

	d1 := &PageDetail{StartTime: 1000, EndTime: 2000, Datafile: df, ExtentOffset: res.ExtentOffset}
	d2 := &PageDetail{StartTime: 2000, EndTime: 3000, Datafile: df, ExtentOffset: res.ExtentOffset}
	epdl := &EPDL{Datafile: df, ExtentOffset: res.ExtentOffset, Details: []*PageDetail{d1, d2}}

	cache := testCache()
	if err := ExecuteSync(cache, 1, 1, epdl); err != nil {
		t.Fatalf("ExecuteSync: %v", err)
	}

	if d1.Unreadable || d2.Unreadable {
		t.Fatal("expected both details to be readable")
	}
	if d1.CachePage == nil || d2.CachePage == nil {
		t.Fatal("expected both details to gain a cache page")
	}
	if d1.CachePage.Data() != df || d2.CachePage.Data() != df {
		t.Fatal("expected cache pages to be tagged with their owning datafile")
	}
	if string(d1.CachePage.Custom) != "page-one" {
		t.Fatalf("unexpected page-one data: %q", d1.CachePage.Custom)
	}
	if string(d2.CachePage.Custom) != "page-two" {
		t.Fatalf("unexpected page-two data: %q", d2.CachePage.Custom)
	}
	cache.Release(d1.CachePage)
	cache.Release(d2.CachePage)
}

func TestExecuteSyncFailureMarksUnreadable(t *testing.T) {
	dir := t.TempDir()
	df, err := datafile.Create(dir, 1, 1)
	if err != nil {
		t.Fatalf("datafile.Create: %v", err)
	}
	defer df.Close()

	res, _ := writeTestExtent(t, df)

	// Corrupt a header byte (first page descriptor) so the trailer CRC
	// check, which covers header and payload, fails on read.
	corrupt := make([]byte, 1)
	df.File().ReadAt(corrupt, int64(res.ExtentOffset)+8)
	corrupt[0] ^= 0xFF
	df.File().WriteAt(corrupt, int64(res.ExtentOffset)+8)

	d1 := &PageDetail{StartTime: 1000, EndTime: 2000, Datafile: df, ExtentOffset: res.ExtentOffset}
	epdl := &EPDL{Datafile: df, ExtentOffset: res.ExtentOffset, Details: []*PageDetail{d1}}

	before := ExtentReadErrors()
	cache := testCache()
	if err := ExecuteSync(cache, 1, 1, epdl); err == nil {
		t.Fatal("expected corrupted extent read to fail")
	}
	if !d1.Unreadable {
		t.Fatal("expected detail to be marked unreadable")
	}
	if ExtentReadErrors() != before+1 {
		t.Fatalf("expected extent_read_errors to increment, before=%d after=%d", before, ExtentReadErrors())
	}
}

func TestHandleLookupNextSkipsUnreadableAndAdvances(t *testing.T) {
	pdc := &PDC{Details: []*PageDetail{
		{StartTime: 1000, EndTime: 2000},
		{StartTime: 2000, EndTime: 3000, Unreadable: true},
		{StartTime: 3000, EndTime: 4000},
	}}
	h := pdc.NewHandle()

	d, ok := h.LookupNext(1500)
	if !ok || d.StartTime != 1000 {
		t.Fatalf("expected first detail at 1000, got %+v ok=%v", d, ok)
	}

	d, ok = h.LookupNext(2500)
	if !ok || d.StartTime != 3000 {
		t.Fatalf("expected unreadable detail skipped, landing on 3000, got %+v ok=%v", d, ok)
	}

	_, ok = h.LookupNext(5000)
	if ok {
		t.Fatal("expected cursor exhausted")
	}
}

func TestBuildMergesV2IndexAndCachePages(t *testing.T) {
	dir := t.TempDir()
	df, err := datafile.Create(dir, 1, 1)
	if err != nil {
		t.Fatalf("datafile.Create: %v", err)
	}
	defer df.Close()

	res, uuids := writeTestExtent(t, df)

	entries := []journal.IndexEntry{
		{UUID: uuids[0], Section: 1, StartTime: 1000, EndTime: 2000, ExtentOffset: res.ExtentOffset, PageOffset: 0, PageLength: 8},
	}
	v2Path := dir + "/" + datafile.JournalV2Name(1, df.Fileno())
	if err := journal.WriteV2(v2Path, 1, entries); err != nil {
		t.Fatalf("WriteV2: %v", err)
	}

	tc := datafile.NewTierContext(datafile.TierConfig{Dir: dir, Tier: 1, MaxDiskSpace: 1 << 30})
	if err := tc.Init(); err != nil {
		t.Fatalf("tc.Init: %v", err)
	}

	cache := testCache()
	livePage := pagecache.NewPage(pagecache.Key{Section: 1, MetricID: 1, StartTime: 2000}, pagecache.HOT, 3000, 1, 0, []byte("live"))
	cache.AddAndAcquire(livePage)
	cache.Release(livePage)

	handles := journal.NewHandleCache(8, time.Minute)
	pdc := Build(tc, handles, cache, 1, 1, uuids[0], 0, 5000)

	if len(pdc.Details) != 2 {
		t.Fatalf("expected 2 merged details (v2 + cache), got %d", len(pdc.Details))
	}
	if pdc.Details[0].StartTime != 1000 || pdc.Details[0].CachePage != nil {
		t.Fatalf("expected first detail to be the disk-resident v2 entry, got %+v", pdc.Details[0])
	}
	if pdc.Details[1].StartTime != 2000 || pdc.Details[1].CachePage == nil {
		t.Fatalf("expected second detail to be the cache-resident page, got %+v", pdc.Details[1])
	}

	pdc.Release(cache)
}
