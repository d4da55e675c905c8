// Package journal implements the two on-disk log formats paired with
// each datafile: journal v1, a block-aligned write-ahead transactional
// log, and journal v2, a compact mmap-able indexed journal produced by
// compacting v1 once a datafile stops being written (spec.md §3, §4.3).
package journal

import (
	"encoding/binary"
	"fmt"
)

// Superblock layout shared by datafiles and v1 journals (spec.md §6
// "Filesystem layout ... big-endian superblock: 16B magic, 16B version,
// 1B tier, padding to 4KiB aligned"). Grounded on
// internal/storage/pager/superblock.go's offset-table-as-constants style,
// adapted to big-endian per the spec's explicit wire format.
const (
	SuperblockSize    = 4096
	superblockMagicSz = 16
	superblockVerSz   = 16
)

// Superblock is the common header at offset 0 of every datafile and
// every v1 journal file.
type Superblock struct {
	Magic   [superblockMagicSz]byte
	Version [superblockVerSz]byte
	Tier    uint8
}

// MarshalSuperblock serializes sb into a zero-padded SuperblockSize buffer.
func MarshalSuperblock(sb Superblock) []byte {
	buf := make([]byte, SuperblockSize)
	copy(buf[0:superblockMagicSz], sb.Magic[:])
	copy(buf[superblockMagicSz:superblockMagicSz+superblockVerSz], sb.Version[:])
	buf[superblockMagicSz+superblockVerSz] = sb.Tier
	return buf
}

// UnmarshalSuperblock validates and decodes a superblock buffer.
func UnmarshalSuperblock(buf []byte, wantMagic string) (Superblock, error) {
	var sb Superblock
	if len(buf) < SuperblockSize {
		return sb, fmt.Errorf("journal: superblock short read (%d bytes)", len(buf))
	}
	copy(sb.Magic[:], buf[0:superblockMagicSz])
	copy(sb.Version[:], buf[superblockMagicSz:superblockMagicSz+superblockVerSz])
	sb.Tier = buf[superblockMagicSz+superblockVerSz]

	got := trimZero(sb.Magic[:])
	if got != wantMagic {
		return sb, fmt.Errorf("journal: bad magic %q, want %q", got, wantMagic)
	}
	return sb, nil
}

// NewSuperblock builds a superblock for a fresh file.
func NewSuperblock(magic, version string, tier uint8) Superblock {
	var sb Superblock
	copy(sb.Magic[:], magic)
	copy(sb.Version[:], version)
	sb.Tier = tier
	return sb
}

func trimZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

var byteOrder = binary.BigEndian
