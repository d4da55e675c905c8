package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// V1Magic identifies a journal v1 (WAL) file.
const V1Magic = "TSENGWAL"

// V1Version is the current on-disk format version string.
const V1Version = "1"

// Journal v1 is an append-only file of fixed-size 4 KiB blocks, each
// containing a sequence of transactions (spec.md §3, §6).
const BlockSize = 4096

// TxType identifies the kind of v1 transaction.
type TxType uint8

const (
	TxPadding   TxType = 0
	TxStoreData TxType = 1
)

// txHeaderSize is type(1) + reserved(1) + payload_length(2) + id(8).
const txHeaderSize = 12

// txTrailerSize is the trailing crc32.
const txTrailerSize = 4

// PageDescriptor mirrors the wire-format page descriptor shared by the
// v1 transaction payload and the extent header (spec.md §6): uuid(16),
// type(1), reserved(1), page_length(2), start_time_ut(8), end_time_ut(8).
type PageDescriptor struct {
	UUID      uuid.UUID
	Type      uint8
	Length    uint16
	StartTime uint64
	EndTime   uint64
}

const pageDescriptorSize = 16 + 1 + 1 + 2 + 8 + 8

func marshalPageDescriptor(d PageDescriptor, buf []byte) {
	copy(buf[0:16], d.UUID[:])
	buf[16] = d.Type
	buf[17] = 0
	binary.LittleEndian.PutUint16(buf[18:20], d.Length)
	binary.LittleEndian.PutUint64(buf[20:28], d.StartTime)
	binary.LittleEndian.PutUint64(buf[28:36], d.EndTime)
}

func unmarshalPageDescriptor(buf []byte) PageDescriptor {
	var d PageDescriptor
	copy(d.UUID[:], buf[0:16])
	d.Type = buf[16]
	d.Length = binary.LittleEndian.Uint16(buf[18:20])
	d.StartTime = binary.LittleEndian.Uint64(buf[20:28])
	d.EndTime = binary.LittleEndian.Uint64(buf[28:36])
	return d
}

// StoreDataPayload is the payload of a TxStoreData transaction: a
// reference to the extent that was written, plus the page descriptors
// it contains (spec.md §6).
type StoreDataPayload struct {
	ExtentOffset uint64
	ExtentSize   uint32
	Pages        []PageDescriptor
}

func (p StoreDataPayload) marshal() []byte {
	buf := make([]byte, 14+len(p.Pages)*pageDescriptorSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.ExtentOffset)
	binary.LittleEndian.PutUint32(buf[8:12], p.ExtentSize)
	buf[12] = uint8(len(p.Pages))
	buf[13] = 0
	off := 14
	for _, d := range p.Pages {
		marshalPageDescriptor(d, buf[off:off+pageDescriptorSize])
		off += pageDescriptorSize
	}
	return buf
}

func unmarshalStoreDataPayload(buf []byte) (StoreDataPayload, error) {
	if len(buf) < 14 {
		return StoreDataPayload{}, fmt.Errorf("journal: store-data payload too short")
	}
	p := StoreDataPayload{
		ExtentOffset: binary.LittleEndian.Uint64(buf[0:8]),
		ExtentSize:   binary.LittleEndian.Uint32(buf[8:12]),
	}
	n := int(buf[12])
	off := 14
	for i := 0; i < n; i++ {
		if off+pageDescriptorSize > len(buf) {
			return StoreDataPayload{}, fmt.Errorf("journal: truncated page descriptor %d/%d", i, n)
		}
		p.Pages = append(p.Pages, unmarshalPageDescriptor(buf[off:off+pageDescriptorSize]))
		off += pageDescriptorSize
	}
	return p, nil
}

// Transaction is an in-memory v1 transaction record.
type Transaction struct {
	Type    TxType
	ID      uint64
	Payload StoreDataPayload // only meaningful when Type == TxStoreData
}

func marshalTransaction(tx Transaction) []byte {
	var payload []byte
	if tx.Type == TxStoreData {
		payload = tx.Payload.marshal()
	}
	buf := make([]byte, txHeaderSize+len(payload)+txTrailerSize)
	buf[0] = byte(tx.Type)
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(payload)))
	binary.LittleEndian.PutUint64(buf[4:12], tx.ID)
	copy(buf[txHeaderSize:txHeaderSize+len(payload)], payload)

	h := crc32.New(crcTable)
	h.Write(buf[:txHeaderSize+len(payload)])
	binary.LittleEndian.PutUint32(buf[txHeaderSize+len(payload):], h.Sum32())
	return buf
}

// crcTable is the CRC32 (Castagnoli) table, matching the teacher's
// pager page-checksum convention.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// unmarshalTransaction reads one transaction from r. On CRC mismatch or
// truncation it returns an error; the caller (replay) stops at an EOF
// error (a truncated tail) and treats any other error as "advance to the
// next block" per spec.md §4.3 "Unknown transaction
// types advance by one block" / §8 "CRC flip ... skipped, advancing by
// one block".
func unmarshalTransaction(r io.Reader) (Transaction, int, error) {
	var hdr [txHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Transaction{}, 0, err
	}
	txType := TxType(hdr[0])
	payloadLen := binary.LittleEndian.Uint16(hdr[2:4])
	id := binary.LittleEndian.Uint64(hdr[4:12])

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Transaction{}, 0, err
		}
	}
	var trailer [txTrailerSize]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return Transaction{}, 0, err
	}
	storedCRC := binary.LittleEndian.Uint32(trailer[:])

	h := crc32.New(crcTable)
	h.Write(hdr[:])
	h.Write(payload)
	if h.Sum32() != storedCRC {
		total := txHeaderSize + int(payloadLen) + txTrailerSize
		return Transaction{}, total, fmt.Errorf("journal: transaction %d CRC mismatch", id)
	}

	tx := Transaction{Type: txType, ID: id}
	if txType == TxStoreData {
		sd, err := unmarshalStoreDataPayload(payload)
		if err != nil {
			total := txHeaderSize + int(payloadLen) + txTrailerSize
			return Transaction{}, total, err
		}
		tx.Payload = sd
	}
	total := txHeaderSize + int(payloadLen) + txTrailerSize
	return tx, total, nil
}

// V1 manages one append-only WAL file paired with a datafile.
type V1 struct {
	mu   sync.Mutex
	f    *os.File
	path string

	writePos   int64 // absolute file offset of the next write
	blockFill  int   // bytes used in the current 4KiB block
	nextTxID   uint64
}

// CreateV1 creates a new journal v1 file with a fresh superblock.
func CreateV1(path string, tier uint8) (*V1, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: create %s: %w", path, err)
	}
	sb := NewSuperblock(V1Magic, V1Version, tier)
	if _, err := f.WriteAt(MarshalSuperblock(sb), 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return &V1{f: f, path: path, writePos: SuperblockSize, nextTxID: 1}, nil
}

// OpenV1 opens an existing journal v1 file and validates its superblock.
func OpenV1(path string) (*V1, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	hdr := make([]byte, SuperblockSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: read superblock %s: %w", path, err)
	}
	if _, err := UnmarshalSuperblock(hdr, V1Magic); err != nil {
		f.Close()
		return nil, err
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}
	maxID, err := Replay(path, func(Transaction) {})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &V1{f: f, path: path, writePos: end, nextTxID: maxID + 1}, nil
}

// Append writes one transaction, padding to the next 4KiB block
// boundary first if the record would not fit in the remainder of the
// current block (spec.md §4.3 "Appending is block-aligned"). Returns
// the transaction id assigned.
func (v *V1) Append(txType TxType, payload StoreDataPayload) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextTxID
	v.nextTxID++
	tx := Transaction{Type: txType, ID: id, Payload: payload}
	data := marshalTransaction(tx)

	blockOff := int((v.writePos - SuperblockSize) % BlockSize)
	remaining := BlockSize - blockOff
	if remaining < len(data) && blockOff != 0 {
		if err := v.padToBlockLocked(remaining); err != nil {
			return 0, err
		}
	}

	if _, err := v.f.WriteAt(data, v.writePos); err != nil {
		return 0, fmt.Errorf("journal: append transaction %d: %w", id, err)
	}
	v.writePos += int64(len(data))
	return id, nil
}

func (v *V1) padToBlockLocked(n int) error {
	if n <= 0 {
		return nil
	}
	pad := make([]byte, n)
	pad[0] = byte(TxPadding)
	if _, err := v.f.WriteAt(pad, v.writePos); err != nil {
		return err
	}
	v.writePos += int64(n)
	return nil
}

// Sync fsyncs the journal file, guaranteeing durability of everything
// appended so far.
func (v *V1) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.f.Sync()
}

// Close closes the underlying file.
func (v *V1) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.f.Close()
}

// Path returns the journal's file path.
func (v *V1) Path() string { return v.path }

// nextBlockBoundary returns the file offset of the start of the block
// following the one containing pos.
func nextBlockBoundary(pos int64) int64 {
	rel := pos - SuperblockSize
	return SuperblockSize + (rel/BlockSize+1)*BlockSize
}

// Replay reads every transaction from the file from the start, calling
// fn for each TxStoreData transaction in file order. Replaying is a
// pure fold: it only reads the file and mutates no V1 state, so
// replaying twice yields the same sequence of callback invocations both
// times (spec.md §8 idempotence). OpenV1 uses the returned maximum
// transaction id to continue numbering after it.
//
// A genuinely truncated tail (io.ReadFull hits EOF mid-record, as a
// crash mid-append leaves it) stops replay at that point without error,
// matching ReadAllRecords' "crash truncation" tolerance in the teacher.
// A TxPadding region (padToBlockLocked's zero-filled bytes ahead of a
// block boundary) or any other mid-file CRC mismatch is not a truncated
// tail — both parse as a record with a bad or zero checksum — so those
// are skipped by advancing to the next block boundary and continuing,
// per spec.md §8 "CRC flip ... causes the transaction to be skipped,
// advancing by one block."
func Replay(path string, fn func(Transaction)) (maxTxID uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()

	if _, err := f.Seek(SuperblockSize, io.SeekStart); err != nil {
		return 0, err
	}

	pos := int64(SuperblockSize)
	skipBlock := func(startPos int64) bool {
		next := nextBlockBoundary(startPos)
		if next >= size {
			return false
		}
		if _, err := f.Seek(next, io.SeekStart); err != nil {
			return false
		}
		pos = next
		return true
	}

	for {
		blockOff := int((pos - SuperblockSize) % BlockSize)
		if blockOff != 0 && BlockSize-blockOff < txHeaderSize {
			// Not enough room left in the block for a header; the
			// writer would have padded here, so skip to the next block.
			skip := int64(BlockSize - blockOff)
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				break
			}
			pos += skip
			continue
		}

		startPos := pos
		tx, n, terr := unmarshalTransaction(f)
		if terr != nil {
			if terr == io.EOF || terr == io.ErrUnexpectedEOF {
				break // writer crashed mid-record; nothing more to replay
			}
			if !skipBlock(startPos) {
				break
			}
			continue
		}
		pos += int64(n)
		if tx.Type == TxPadding {
			// CRC of an all-zero header can coincidentally match,
			// parsing padding as a well-formed zero-length record; skip
			// the rest of this block exactly as the CRC-mismatch case.
			if !skipBlock(startPos) {
				break
			}
			continue
		}
		if tx.Type == TxStoreData {
			fn(tx)
		}
		if tx.ID > maxTxID {
			maxTxID = tx.ID
		}
	}
	return maxTxID, nil
}
