package engine

import (
	"encoding/binary"
	"math"
)

// sampleSize is the on-disk footprint of one point-in-time sample
// inside a page's raw payload: an 8-byte microsecond timestamp
// followed by an 8-byte IEEE-754 value, little-endian (spec.md leaves
// a page's internal sample encoding collector-defined; tier0 here uses
// uncompressed fixed-width records, the simplest member of the
// "gorilla/XOR compression state" family pagecache.h hints at).
const sampleSize = 16

func appendSample(buf []byte, pointInTimeUsec int64, value float64) []byte {
	var rec [sampleSize]byte
	binary.LittleEndian.PutUint64(rec[0:8], uint64(pointInTimeUsec))
	binary.LittleEndian.PutUint64(rec[8:16], math.Float64bits(value))
	return append(buf, rec[:]...)
}

// decodeSampleAt reads the sample record at index i (0-based) from buf.
func decodeSampleAt(buf []byte, i int) (pointInTimeUsec int64, value float64, ok bool) {
	off := i * sampleSize
	if off < 0 || off+sampleSize > len(buf) {
		return 0, 0, false
	}
	t := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	v := math.Float64frombits(binary.LittleEndian.Uint64(buf[off+8 : off+16]))
	return t, v, true
}

func sampleCount(buf []byte) int { return len(buf) / sampleSize }

// firstSampleAtOrAfter scans buf (ascending by construction, since
// store_next only ever appends) for the first sample whose timestamp
// is >= pointInTimeUsec.
func firstSampleAtOrAfter(buf []byte, pointInTimeUsec int64) (t int64, v float64, ok bool) {
	n := sampleCount(buf)
	for i := 0; i < n; i++ {
		t, v, _ := decodeSampleAt(buf, i)
		if t >= pointInTimeUsec {
			return t, v, true
		}
	}
	return 0, 0, false
}
