// Package extent batches pages into extents, compresses and writes
// them to a datafile, emits the corresponding v1 journal transaction,
// and returns where each page landed (spec.md §3, §4.3). It does not
// touch the page cache: written pages are not added to the open cache
// as HOT entries; the engine's save-dirty callback points each flushed
// page at its datafile and the cache then moves it to CLEAN.
package extent

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Algorithm tags identify the compression codec an extent's payload
// was written with (spec.md §6 "compression_algorithm:u8"). A tagged
// enum dispatching to one of a small, closed set of codecs — per the
// REDESIGN FLAGS guidance on the storage backend's variant dispatch,
// applied here to compression instead.
type Algorithm uint8

const (
	AlgoNone Algorithm = 0
	AlgoS2   Algorithm = 1
	AlgoZstd Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case AlgoNone:
		return "none"
	case AlgoS2:
		return "s2"
	case AlgoZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// CompressionAlgorithm compresses and decompresses one extent's payload.
type CompressionAlgorithm interface {
	Tag() Algorithm
	Compress(src []byte) []byte
	Decompress(dst, src []byte) ([]byte, error)
}

type noneCodec struct{}

func (noneCodec) Tag() Algorithm                              { return AlgoNone }
func (noneCodec) Compress(src []byte) []byte                  { return src }
func (noneCodec) Decompress(dst, src []byte) ([]byte, error)  { return append(dst[:0], src...), nil }

type s2Codec struct{}

func (s2Codec) Tag() Algorithm { return AlgoS2 }

func (s2Codec) Compress(src []byte) []byte {
	return s2.Encode(nil, src)
}

func (s2Codec) Decompress(dst, src []byte) ([]byte, error) {
	return s2.Decode(dst, src)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() *zstdCodec {
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil)
	return &zstdCodec{enc: enc, dec: dec}
}

func (c *zstdCodec) Tag() Algorithm { return AlgoZstd }

func (c *zstdCodec) Compress(src []byte) []byte {
	return c.enc.EncodeAll(src, nil)
}

func (c *zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, dst[:0])
}

// ByTag returns the codec registered for tag. AlgoNone is always
// available; AlgoS2 and AlgoZstd are backed by klauspost/compress.
func ByTag(tag Algorithm) (CompressionAlgorithm, error) {
	switch tag {
	case AlgoNone:
		return noneCodec{}, nil
	case AlgoS2:
		return s2Codec{}, nil
	case AlgoZstd:
		return newZstdCodec(), nil
	default:
		return nil, fmt.Errorf("extent: unknown compression algorithm %d", tag)
	}
}
