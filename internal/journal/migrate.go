package journal

import (
	"encoding/binary"
	"hash/crc32"
)

// Extent on-disk layout (spec.md §6 "Extent on-disk format", little
// endian unless noted): header is compression_algorithm(1) +
// reserved(1) + number_of_pages(2) + payload_length(4), followed by N
// 36-byte page descriptors; the compressed page payload follows the
// header; a trailing crc32(4) covers header+payload as one checksum.
const extentHeaderFixedSize = 1 + 1 + 2 + 4

// ExtentHeaderSize returns the byte size of an extent header holding
// numPages descriptors.
func ExtentHeaderSize(numPages int) int {
	return extentHeaderFixedSize + numPages*pageDescriptorSize
}

// ExtentTrailerSize is the byte size of the whole-extent trailer CRC.
const ExtentTrailerSize = 4

// MarshalExtentHeader serializes compressionAlgo, the descriptor table
// and the announced payload length into an extent header. The trailer
// CRC is computed separately by the caller once the payload bytes are
// known (it covers header+payload together).
func MarshalExtentHeader(compressionAlgo uint8, payloadLength uint32, descriptors []PageDescriptor) []byte {
	buf := make([]byte, ExtentHeaderSize(len(descriptors)))
	buf[0] = compressionAlgo
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(descriptors)))
	binary.LittleEndian.PutUint32(buf[4:8], payloadLength)
	off := extentHeaderFixedSize
	for _, d := range descriptors {
		marshalPageDescriptor(d, buf[off:off+pageDescriptorSize])
		off += pageDescriptorSize
	}
	return buf
}

// UnmarshalExtentHeader parses an extent header, returning the
// compression algorithm tag, announced payload length, descriptors and
// the header's total byte size.
func UnmarshalExtentHeader(buf []byte) (compressionAlgo uint8, payloadLength uint32, descriptors []PageDescriptor, headerSize int, err error) {
	if len(buf) < extentHeaderFixedSize {
		return 0, 0, nil, 0, errShortExtentHeader
	}
	compressionAlgo = buf[0]
	n := int(binary.LittleEndian.Uint16(buf[2:4]))
	payloadLength = binary.LittleEndian.Uint32(buf[4:8])
	size := ExtentHeaderSize(n)
	if len(buf) < size {
		return 0, 0, nil, 0, errShortExtentHeader
	}
	off := extentHeaderFixedSize
	descriptors = make([]PageDescriptor, n)
	for i := 0; i < n; i++ {
		descriptors[i] = unmarshalPageDescriptor(buf[off : off+pageDescriptorSize])
		off += pageDescriptorSize
	}
	return compressionAlgo, payloadLength, descriptors, size, nil
}

// ExtentTrailerCRC computes the whole-extent checksum covering
// header+payload, for appending as the extent's trailing crc32.
func ExtentTrailerCRC(headerAndPayload []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(headerAndPayload)
	return h.Sum32()
}

var errShortExtentHeader = simpleErr("journal: extent header truncated")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

// PlacedPage is one page's final location within a datafile's extents,
// as decided by the extent writer when it flushed the page to disk.
// Migration (v1 -> v2) produces index entries from these.
type PlacedPage struct {
	Descriptor   PageDescriptor
	Section      uint8
	ExtentOffset uint64
}

// EntriesFromPlacements converts placed pages into sorted v2 index
// entries. PageOffset is each page's byte offset within its extent's
// decompressed payload (the concatenation of raw page data in
// descriptor order) — not a datafile file offset, since the whole
// payload is compressed as a single stream per extent (spec.md §6
// "Compression algorithm ... is per-extent"). A reader first reads and
// decompresses the whole payload using the header it parses at
// ExtentOffset, then slices per page using PageOffset/PageLength.
func EntriesFromPlacements(placed []PlacedPage) []IndexEntry {
	// Group by (extent offset) to compute each page's offset within its
	// own extent's decompressed payload region.
	byExtent := make(map[uint64][]PlacedPage)
	order := make([]uint64, 0)
	for _, p := range placed {
		if _, ok := byExtent[p.ExtentOffset]; !ok {
			order = append(order, p.ExtentOffset)
		}
		byExtent[p.ExtentOffset] = append(byExtent[p.ExtentOffset], p)
	}

	entries := make([]IndexEntry, 0, len(placed))
	for _, extOff := range order {
		pages := byExtent[extOff]
		var pageOff uint32
		for _, p := range pages {
			entries = append(entries, IndexEntry{
				UUID:         p.Descriptor.UUID,
				Section:      p.Section,
				StartTime:    int64(p.Descriptor.StartTime),
				EndTime:      int64(p.Descriptor.EndTime),
				ExtentOffset: extOff,
				PageOffset:   pageOff,
				PageLength:   uint32(p.Descriptor.Length),
			})
			pageOff += uint32(p.Descriptor.Length)
		}
	}
	sortEntries(entries)
	return entries
}

// MigrateV1ToV2 replays a v1 journal's store-data transactions and
// writes an equivalent v2 indexed journal at dstPath. section is
// attached to every produced entry since v1 transactions do not carry
// it (they belong to a single tier's WAL already, spec.md §3).
//
// This only accounts for pages that reached v1 durably, and it calls
// WriteV2 itself; it merges in nothing else, so pages still HOT in the
// page cache at migration time are not part of the produced v2 file.
func MigrateV1ToV2(v1Path, dstPath string, section uint8, tier uint8) error {
	var placed []PlacedPage
	_, err := Replay(v1Path, func(tx Transaction) {
		for _, d := range tx.Payload.Pages {
			placed = append(placed, PlacedPage{
				Descriptor:   d,
				Section:      section,
				ExtentOffset: tx.Payload.ExtentOffset,
			})
		}
	})
	if err != nil {
		return err
	}
	entries := EntriesFromPlacements(placed)
	return WriteV2(dstPath, tier, entries)
}
