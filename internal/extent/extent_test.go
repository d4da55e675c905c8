package extent

import (
	"testing"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/datafile"
	"github.com/riftdb/tsengine/internal/pagecache"
)

func TestWriteAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	df, err := datafile.Create(dir, 1, 1)
	if err != nil {
		t.Fatalf("datafile.Create: %v", err)
	}
	defer df.Close()

	b := NewBatch()
	u1, u2 := uuid.New(), uuid.New()
	p1 := pagecache.NewPage(pagecache.Key{Section: 1, MetricID: 1, StartTime: 1000}, pagecache.CLEAN, 2000, 1, 0, []byte("hello-page-one"))
	p2 := pagecache.NewPage(pagecache.Key{Section: 1, MetricID: 2, StartTime: 1500}, pagecache.CLEAN, 2500, 1, 0, []byte("hello-page-two-longer"))
	b.Add(PendingPage{Page: p1, MetricUUID: u1})
	b.Add(PendingPage{Page: p2, MetricUUID: u2})

	codec, err := ByTag(AlgoS2)
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}

	res, err := Write(df, 1, codec, b)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(res.Placed) != 2 {
		t.Fatalf("expected 2 placed pages, got %d", len(res.Placed))
	}

	pages, err := Read(df, res.ExtentOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages read back, got %d", len(pages))
	}
	if string(pages[0].Data) != "hello-page-one" {
		t.Fatalf("page 0 mismatch: %q", pages[0].Data)
	}
	if string(pages[1].Data) != "hello-page-two-longer" {
		t.Fatalf("page 1 mismatch: %q", pages[1].Data)
	}
	if pages[0].Descriptor.UUID != u1 || pages[1].Descriptor.UUID != u2 {
		t.Fatal("descriptor UUIDs did not round-trip")
	}
}

func TestBatchCapsAtMaxPagesPerExtent(t *testing.T) {
	b := NewBatch()
	for i := 0; i < MaxPagesPerExtent; i++ {
		p := pagecache.NewPage(pagecache.Key{Section: 1, MetricID: pagecache.MetricID(i), StartTime: int64(i)}, pagecache.CLEAN, int64(i), 1, 0, []byte{byte(i)})
		if !b.Add(PendingPage{Page: p, MetricUUID: uuid.New()}) {
			t.Fatalf("expected page %d to be accepted", i)
		}
	}
	if !b.Full() {
		t.Fatal("expected batch to report full at MaxPagesPerExtent")
	}
	overflow := pagecache.NewPage(pagecache.Key{Section: 1, MetricID: 9999, StartTime: 9999}, pagecache.CLEAN, 9999, 1, 0, []byte{0})
	if b.Add(PendingPage{Page: overflow, MetricUUID: uuid.New()}) {
		t.Fatal("expected the 65th page to be rejected")
	}
}

func TestReadDetectsCorruptedTrailer(t *testing.T) {
	dir := t.TempDir()
	df, err := datafile.Create(dir, 1, 1)
	if err != nil {
		t.Fatalf("datafile.Create: %v", err)
	}
	defer df.Close()

	b := NewBatch()
	p := pagecache.NewPage(pagecache.Key{Section: 1, MetricID: 1, StartTime: 1}, pagecache.CLEAN, 2, 1, 0, []byte("data"))
	b.Add(PendingPage{Page: p, MetricUUID: uuid.New()})
	codec, _ := ByTag(AlgoNone)
	res, err := Write(df, 1, codec, b)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Flip the first byte of the first page descriptor in the header; the
	// CRC covers header and payload, so the read must fail.
	corrupt := make([]byte, 1)
	df.File().ReadAt(corrupt, int64(res.ExtentOffset)+8)
	corrupt[0] ^= 0xFF
	df.File().WriteAt(corrupt, int64(res.ExtentOffset)+8)

	if _, err := Read(df, res.ExtentOffset); err == nil {
		t.Fatal("expected corrupted extent to fail trailer CRC check")
	}
}
