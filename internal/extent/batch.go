package extent

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/riftdb/tsengine/internal/datafile"
	"github.com/riftdb/tsengine/internal/journal"
	"github.com/riftdb/tsengine/internal/pagecache"
)

// MaxPagesPerExtent caps a single extent's page count (spec.md §6
// "dbengine pages per extent (<= 64)").
const MaxPagesPerExtent = 64

// MaxUncompressedExtentSize bounds a batch's combined raw page bytes
// before compression (spec.md §4.4 step 2, §8 "Uncompressed payload
// equal to LZ4_MAX_INPUT_SIZE writes; exceeding it returns an error and
// leaves the batch DIRTY"). The original LZ4_MAX_INPUT_SIZE
// (0x7E000000) is kept as the bound regardless of the codec actually in
// use, since it is the limit the invariant is named after, not a
// property of LZ4 itself.
const MaxUncompressedExtentSize = 0x7E000000

// PendingPage is one page queued for extent formation: its cache
// handle plus the metadata needed to build a PageDescriptor.
type PendingPage struct {
	Page      *pagecache.Page
	MetricUUID uuid.UUID
}

// Batch groups up to a configured limit of pending pages destined for
// one extent write (spec.md §4.3 "batch formation").
type Batch struct {
	pages []PendingPage
	limit int
}

// NewBatch starts an empty batch capped at MaxPagesPerExtent.
func NewBatch() *Batch { return &Batch{limit: MaxPagesPerExtent} }

// NewBatchWithLimit starts an empty batch capped at limit (clamped to
// MaxPagesPerExtent), for callers honoring a configured "pages per
// extent" below the hard ceiling (spec.md §6 "dbengine pages per
// extent (<= 64)").
func NewBatchWithLimit(limit int) *Batch {
	if limit <= 0 || limit > MaxPagesPerExtent {
		limit = MaxPagesPerExtent
	}
	return &Batch{limit: limit}
}

// Add appends p to the batch. Returns false without adding if the batch
// is already at its limit.
func (b *Batch) Add(p PendingPage) bool {
	if len(b.pages) >= b.limit {
		return false
	}
	b.pages = append(b.pages, p)
	return true
}

// Len reports the number of pages currently queued.
func (b *Batch) Len() int { return len(b.pages) }

// Full reports whether the batch has reached its configured limit.
func (b *Batch) Full() bool { return len(b.pages) >= b.limit }

// Result describes a successfully written extent.
type Result struct {
	ExtentOffset uint64
	ExtentSize   uint32
	Placed       []journal.PlacedPage
}

// Write compresses the batch's page data into one extent, appends it to
// df (reserving space first so concurrent writers never overlap),
// appends the matching v1 transaction, and returns the placement
// information needed to promote the pages into the open cache and,
// eventually, a v2 index (spec.md §4.3 "Write path").
func Write(df *datafile.Datafile, section pagecache.Section, codec CompressionAlgorithm, b *Batch) (Result, error) {
	if len(b.pages) == 0 {
		return Result{}, fmt.Errorf("extent: empty batch")
	}

	descriptors := make([]journal.PageDescriptor, len(b.pages))
	var raw []byte
	for i, pp := range b.pages {
		data, _ := pp.Page.Data().([]byte)
		descriptors[i] = journal.PageDescriptor{
			UUID:      pp.MetricUUID,
			Type:      pp.Page.Type(),
			Length:    uint16(len(data)),
			StartTime: uint64(pp.Page.StartTime()),
			EndTime:   uint64(pp.Page.EndTime()),
		}
		raw = append(raw, data...)
	}

	if len(raw) > MaxUncompressedExtentSize {
		return Result{}, fmt.Errorf("extent: uncompressed payload %d bytes exceeds MaxUncompressedExtentSize (%d); batch left DIRTY", len(raw), MaxUncompressedExtentSize)
	}

	compressed := codec.Compress(raw)
	header := journal.MarshalExtentHeader(uint8(codec.Tag()), uint32(len(compressed)), descriptors)

	extentSize := len(header) + len(compressed) + journal.ExtentTrailerSize
	trailer := journal.ExtentTrailerCRC(append(append([]byte{}, header...), compressed...))

	df.BeginWrite()
	defer df.EndWrite()

	offset := df.Reserve(int64(extentSize))

	buf := make([]byte, extentSize)
	copy(buf, header)
	copy(buf[len(header):], compressed)
	putUint32LE(buf[len(header)+len(compressed):], trailer)

	if _, err := df.File().WriteAt(buf, offset); err != nil {
		return Result{}, fmt.Errorf("extent: write at %d: %w", offset, err)
	}

	if v1 := df.JournalV1(); v1 != nil {
		if _, err := v1.Append(journal.TxStoreData, journal.StoreDataPayload{
			ExtentOffset: uint64(offset),
			ExtentSize:   uint32(extentSize),
			Pages:        descriptors,
		}); err != nil {
			return Result{}, fmt.Errorf("extent: journal append: %w", err)
		}
	}

	placed := make([]journal.PlacedPage, len(descriptors))
	for i, d := range descriptors {
		placed[i] = journal.PlacedPage{Descriptor: d, Section: uint8(section), ExtentOffset: uint64(offset)}
	}

	return Result{ExtentOffset: uint64(offset), ExtentSize: uint32(extentSize), Placed: placed}, nil
}

func putUint32LE(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}
