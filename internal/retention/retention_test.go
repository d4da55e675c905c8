package retention

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/datafile"
	"github.com/riftdb/tsengine/internal/extent"
	"github.com/riftdb/tsengine/internal/journal"
	"github.com/riftdb/tsengine/internal/pagecache"
	"github.com/riftdb/tsengine/internal/registry"
)

func newTier(t *testing.T, maxDiskSpace int64) (*datafile.TierContext, string) {
	t.Helper()
	dir := t.TempDir()
	tc := datafile.NewTierContext(datafile.TierConfig{Dir: dir, Tier: 1, MaxDiskSpace: maxDiskSpace})
	if err := tc.Init(); err != nil {
		t.Fatalf("tc.Init: %v", err)
	}
	return tc, dir
}

func TestComputeClampsAtOneThousand(t *testing.T) {
	tc, _ := newTier(t, 1000)
	tc.AddDiskSpace(5000) // way past budget

	g := Compute(tc, 10_000, 0)
	if g.SpacePerMille != 1000 {
		t.Fatalf("expected space gauge clamped at 1000, got %d", g.SpacePerMille)
	}

	g = Compute(tc, 10_000, 1) // age = 9999, maxRetentionTime defaults to 0 so time gauge stays 0
	if g.TimePerMille != 0 {
		t.Fatalf("expected time gauge 0 when MaxRetentionTime is unset, got %d", g.TimePerMille)
	}
}

func TestComputeTimeAxis(t *testing.T) {
	dir := t.TempDir()
	tc := datafile.NewTierContext(datafile.TierConfig{Dir: dir, Tier: 1, MaxDiskSpace: 1 << 30, MaxRetentionTime: 1000})
	if err := tc.Init(); err != nil {
		t.Fatalf("tc.Init: %v", err)
	}

	g := Compute(tc, 10_500, 10_000) // age 500 of 1000 retention window
	if g.TimePerMille != 500 {
		t.Fatalf("expected time gauge 500, got %d", g.TimePerMille)
	}

	g = Compute(tc, 20_000, 10_000) // age 10000, far past the window
	if g.TimePerMille != 1000 {
		t.Fatalf("expected time gauge clamped at 1000, got %d", g.TimePerMille)
	}
}

func TestExceededDiskQuota(t *testing.T) {
	tc, _ := newTier(t, 1<<20)
	if ExceededDiskQuota(tc) {
		t.Fatal("freshly initialized tier should not exceed quota")
	}

	tc.AddDiskSpace(1 << 21) // push disk_space well past max_disk_space
	if !ExceededDiskQuota(tc) {
		t.Fatal("expected quota to be exceeded once disk_space dwarfs max_disk_space")
	}
}

func TestMaybeRotateRequiresQuotaCountAndGuard(t *testing.T) {
	tc, dir := newTier(t, 1<<20)
	c := &Controller{Tier: tc}

	if _, ok := c.MaybeRotate(); ok {
		t.Fatal("expected no rotation: quota not exceeded")
	}

	tc.AddDiskSpace(1 << 21)
	if _, ok := c.MaybeRotate(); ok {
		t.Fatal("expected no rotation: fewer than 3 datafiles present")
	}

	if _, err := datafile.Create(dir, 1, 2); err != nil {
		t.Fatalf("datafile.Create: %v", err)
	}
	if _, err := datafile.Create(dir, 1, 3); err != nil {
		t.Fatalf("datafile.Create: %v", err)
	}
	tc2 := datafile.NewTierContext(datafile.TierConfig{Dir: dir, Tier: 1, MaxDiskSpace: 1 << 20})
	if err := tc2.Init(); err != nil {
		t.Fatalf("tc2.Init: %v", err)
	}
	tc2.AddDiskSpace(1 << 21)
	c2 := &Controller{Tier: tc2}

	task, ok := c2.MaybeRotate()
	if !ok || task == nil {
		t.Fatal("expected rotation to be due with 3 datafiles and exceeded quota")
	}
	if _, ok := c2.MaybeRotate(); ok {
		t.Fatal("expected BeginRotation guard to block a second concurrent rotation")
	}
	tc2.EndRotation()
}

func writeRetentionExtent(t *testing.T, df *datafile.Datafile, section pagecache.Section, startTime, endTime int64, payload string) (uint64, uuid.UUID) {
	t.Helper()
	b := extent.NewBatch()
	u := uuid.New()
	p := pagecache.NewPage(pagecache.Key{Section: section, MetricID: 1, StartTime: startTime}, pagecache.CLEAN, endTime, 1, 0, []byte(payload))
	b.Add(extent.PendingPage{Page: p, MetricUUID: u})
	codec, err := extent.ByTag(extent.AlgoNone)
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	res, err := extent.Write(df, section, codec, b)
	if err != nil {
		t.Fatalf("extent.Write: %v", err)
	}
	return res.ExtentOffset, u
}

func TestDeleteOldestRemovesFilesInOrderAndRecalculatesFirstTime(t *testing.T) {
	dir := t.TempDir()

	dfOld, err := datafile.Create(dir, 1, 1)
	if err != nil {
		t.Fatalf("datafile.Create old: %v", err)
	}
	offOld, u := writeRetentionExtent(t, dfOld, 1, 1000, 2000, "oldest-sample")
	v2Old := dir + "/" + datafile.JournalV2Name(1, dfOld.Fileno())
	if err := journal.WriteV2(v2Old, 1, []journal.IndexEntry{
		{UUID: u, Section: 1, StartTime: 1000, EndTime: 2000, ExtentOffset: offOld, PageOffset: 0, PageLength: uint32(len("oldest-sample"))},
	}); err != nil {
		t.Fatalf("WriteV2 old: %v", err)
	}
	if err := dfOld.Close(); err != nil {
		t.Fatalf("close dfOld: %v", err)
	}

	dfNew, err := datafile.Create(dir, 1, 2)
	if err != nil {
		t.Fatalf("datafile.Create new: %v", err)
	}
	offNew, _ := writeRetentionExtent(t, dfNew, 1, 5000, 6000, "newer-sample")
	v2New := dir + "/" + datafile.JournalV2Name(1, dfNew.Fileno())
	if err := journal.WriteV2(v2New, 1, []journal.IndexEntry{
		{UUID: u, Section: 1, StartTime: 5000, EndTime: 6000, ExtentOffset: offNew, PageOffset: 0, PageLength: uint32(len("newer-sample"))},
	}); err != nil {
		t.Fatalf("WriteV2 new: %v", err)
	}
	if err := dfNew.Close(); err != nil {
		t.Fatalf("close dfNew: %v", err)
	}

	v1Old := dir + "/" + datafile.JournalV1Name(1, dfOld.Fileno())
	if _, err := os.Stat(v1Old); err != nil {
		t.Fatalf("expected v1 journal of oldest datafile: %v", err)
	}

	tc := datafile.NewTierContext(datafile.TierConfig{Dir: dir, Tier: 1, MaxDiskSpace: 1 << 30})
	if err := tc.Init(); err != nil {
		t.Fatalf("tc.Init: %v", err)
	}
	if tc.Count() != 2 {
		t.Fatalf("expected 2 datafiles loaded, got %d", tc.Count())
	}

	reg := registry.New(2)
	id := reg.GetAndAcquire(u, 1)
	reg.SetFirstTime(id, 1000)
	reg.SetLatestTime(id, 6000)

	handles := journal.NewHandleCache(8, time.Minute)
	c := &Controller{
		Tier:           tc,
		Registry:       reg,
		Handles:        handles,
		AcquireAttempts: 1,
		AcquireBackoff:  time.Millisecond,
	}

	if err := c.deleteOldest(context.Background()); err != nil {
		t.Fatalf("deleteOldest: %v", err)
	}

	if tc.Count() != 1 {
		t.Fatalf("expected oldest datafile removed from tier, count=%d", tc.Count())
	}
	if _, err := os.Stat(v2Old); !os.IsNotExist(err) {
		t.Fatalf("expected v2 of deleted datafile to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(v1Old); !os.IsNotExist(err) {
		t.Fatalf("expected v1 of deleted datafile to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(dfOld.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected datafile itself to be removed, stat err=%v", err)
	}

	first, _ := reg.Envelope(id)
	if first != 5000 {
		t.Fatalf("expected first_time recalculated to the surviving sample at 5000, got %d", first)
	}
}

func TestDeleteOldestOnEmptyTierIsNoop(t *testing.T) {
	tc, _ := newTier(t, 1<<20)
	c := &Controller{Tier: tc}
	// Tier.Init always seeds one datafile, so drain it first via RemoveOldest
	// to exercise the "nothing left to delete" branch.
	df := tc.Oldest()
	tc.RemoveOldest(df)

	if err := c.deleteOldest(context.Background()); err != nil {
		t.Fatalf("expected no-op on empty tier, got %v", err)
	}
}
