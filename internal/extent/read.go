package extent

import (
	"fmt"

	"github.com/riftdb/tsengine/internal/datafile"
	"github.com/riftdb/tsengine/internal/journal"
)

// Page is one decompressed page's raw bytes plus its descriptor,
// sliced out of a fully-read extent.
type Page struct {
	Descriptor journal.PageDescriptor
	Data       []byte
}

// Read fetches and decompresses the extent at offset within df, single
// flighted per (datafile, extent offset) so concurrent queries for the
// same extent share one disk read (spec.md §4.4 "Deduplication and
// single-flight").
func Read(df *datafile.Datafile, offset uint64) ([]Page, error) {
	raw, err := df.SingleFlightRead(offset, func() ([]byte, error) {
		return readRawExtent(df, offset)
	})
	if err != nil {
		return nil, err
	}
	return decodeExtent(raw)
}

// readRawExtent reads just enough of the file to learn the header size,
// then reads header+payload+trailer in one shot.
func readRawExtent(df *datafile.Datafile, offset uint64) ([]byte, error) {
	// Read a generously-sized prefix first to cover the header for any
	// realistic page count (<= 64 descriptors), then extend once the
	// true sizes are known.
	probe := make([]byte, journal.ExtentHeaderSize(MaxPagesPerExtent))
	n, err := df.File().ReadAt(probe, int64(offset))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("extent: probe read at %d: %w", offset, err)
	}
	probe = probe[:n]

	_, payloadLength, _, headerSize, err := journal.UnmarshalExtentHeader(probe)
	if err != nil {
		return nil, fmt.Errorf("extent: header at %d: %w", offset, err)
	}

	total := headerSize + int(payloadLength) + journal.ExtentTrailerSize
	buf := make([]byte, total)
	if _, err := df.File().ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("extent: read at %d: %w", offset, err)
	}
	return buf, nil
}

// decodeExtent validates the trailer CRC, decompresses the payload and
// slices it into per-page byte ranges using the header's descriptors.
func decodeExtent(buf []byte) ([]Page, error) {
	algo, payloadLength, descriptors, headerSize, err := journal.UnmarshalExtentHeader(buf)
	if err != nil {
		return nil, err
	}
	total := headerSize + int(payloadLength) + journal.ExtentTrailerSize
	if len(buf) < total {
		return nil, fmt.Errorf("extent: truncated, want %d bytes got %d", total, len(buf))
	}

	payload := buf[headerSize : headerSize+int(payloadLength)]
	trailerOff := headerSize + int(payloadLength)
	wantCRC := le32(buf[trailerOff : trailerOff+4])
	if gotCRC := journal.ExtentTrailerCRC(buf[:trailerOff]); gotCRC != wantCRC {
		return nil, fmt.Errorf("extent: trailer CRC mismatch")
	}

	codec, err := ByTag(Algorithm(algo))
	if err != nil {
		return nil, err
	}
	raw, err := codec.Decompress(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("extent: decompress: %w", err)
	}

	pages := make([]Page, len(descriptors))
	var off int
	for i, d := range descriptors {
		end := off + int(d.Length)
		if end > len(raw) {
			return nil, fmt.Errorf("extent: page %d out of range of decompressed payload", i)
		}
		pages[i] = Page{Descriptor: d, Data: raw[off:end]}
		off = end
	}
	return pages, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
