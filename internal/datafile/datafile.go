// Package datafile owns on-disk extent files and their paired v1/v2
// journals: creation, scoped acquisition, rotation and deletion
// (spec.md §3, §4.3 "Datafile / Journal Manager").
package datafile

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/riftdb/tsengine/internal/journal"
)

// DatafileMagic/Version identify the extent-data superblock.
const (
	DatafileMagic   = "TSENGDAT"
	DatafileVersion = "1"
)

// Reason names why a caller holds a reference to a Datafile. Deletion
// requires every reason's counter to be zero (spec.md §4.3 "Scoped
// datafile acquisition").
type Reason int

const (
	OpenCache Reason = iota
	PageDetails
	Retention
	numReasons
)

func (r Reason) String() string {
	switch r {
	case OpenCache:
		return "open_cache"
	case PageDetails:
		return "page_details"
	case Retention:
		return "retention"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// pendingRead is one in-flight single-flight extent read.
type pendingRead struct {
	done chan struct{}
	data []byte
	err  error
}

// Datafile is one append-only extent-data file, paired 1:1 with a v1
// journal and, once closed to writers, a v2 indexed journal. Grounded
// on internal/storage/pager/pager.go's PageFrame pin-count idiom,
// generalized from a single pin counter to one counter per Reason.
type Datafile struct {
	path   string
	tier   uint8
	fileno uint64

	f *os.File

	pos         atomic.Int64 // next write offset; reserved ahead of I/O completion
	writerCount atomic.Int32
	refcounts   [numReasons]atomic.Int32
	available   atomic.Bool // false while a deletion bid is in flight or succeeded
	populated   atomic.Bool // set once v2 migration has consumed this datafile's HOT pages

	pendingMu sync.Mutex
	pending   map[uint64]*pendingRead

	journalV1 *journal.V1
}

// Name returns the canonical on-disk filename for a datafile (spec.md
// §6 "Filesystem layout").
func Name(tier uint8, fileno uint64) string {
	return fmt.Sprintf("datafile-%d-%d.ndf", tier, fileno)
}

// JournalV1Name returns the canonical v1 WAL filename paired with a datafile.
func JournalV1Name(tier uint8, fileno uint64) string {
	return fmt.Sprintf("journalfile-%d-%d.njf", tier, fileno)
}

// JournalV2Name returns the canonical v2 indexed journal filename.
func JournalV2Name(tier uint8, fileno uint64) string {
	return fmt.Sprintf("journalfile-v2-%d-%d.njfv2", tier, fileno)
}

// Create makes a new datafile/journal-v1 pair at dir for (tier, fileno).
func Create(dir string, tier uint8, fileno uint64) (*Datafile, error) {
	path := dir + "/" + Name(tier, fileno)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("datafile: create %s: %w", path, err)
	}
	sb := journal.NewSuperblock(DatafileMagic, DatafileVersion, tier)
	if _, err := f.WriteAt(journal.MarshalSuperblock(sb), 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}

	v1, err := journal.CreateV1(dir+"/"+JournalV1Name(tier, fileno), tier)
	if err != nil {
		f.Close()
		return nil, err
	}

	df := &Datafile{
		path:      path,
		tier:      tier,
		fileno:    fileno,
		f:         f,
		journalV1: v1,
		pending:   make(map[uint64]*pendingRead),
	}
	df.pos.Store(journal.SuperblockSize)
	df.available.Store(true)
	return df, nil
}

// Open opens an existing datafile/journal-v1 pair, validating both superblocks.
func Open(dir string, tier uint8, fileno uint64) (*Datafile, error) {
	path := dir + "/" + Name(tier, fileno)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("datafile: open %s: %w", path, err)
	}
	hdr := make([]byte, journal.SuperblockSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := journal.UnmarshalSuperblock(hdr, DatafileMagic); err != nil {
		f.Close()
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	v1, err := journal.OpenV1(dir + "/" + JournalV1Name(tier, fileno))
	if err != nil {
		f.Close()
		return nil, err
	}

	df := &Datafile{
		path:      path,
		tier:      tier,
		fileno:    fileno,
		f:         f,
		journalV1: v1,
		pending:   make(map[uint64]*pendingRead),
	}
	df.pos.Store(fi.Size())
	df.available.Store(true)
	return df, nil
}

// Unlink removes both files of a pair, e.g. after superblock validation
// failed at startup (spec.md §4.3 "Failures to open either the datafile
// or its journal cause the pair to be unlinked").
func Unlink(dir string, tier uint8, fileno uint64) {
	os.Remove(dir + "/" + Name(tier, fileno))
	os.Remove(dir + "/" + JournalV1Name(tier, fileno))
	os.Remove(dir + "/" + JournalV2Name(tier, fileno))
}

func (d *Datafile) Path() string        { return d.path }
func (d *Datafile) Tier() uint8         { return d.tier }
func (d *Datafile) Fileno() uint64      { return d.fileno }
func (d *Datafile) Pos() int64          { return d.pos.Load() }
func (d *Datafile) JournalV1() *journal.V1 { return d.journalV1 }
func (d *Datafile) Populated() bool     { return d.populated.Load() }
func (d *Datafile) SetPopulated(v bool) { d.populated.Store(v) }
func (d *Datafile) File() *os.File      { return d.f }

// Reserve atomically grows pos by n bytes and returns the offset the
// caller should write its n bytes at ("advance pos before I/O completes
// (reservation)", spec.md §4.3).
func (d *Datafile) Reserve(n int64) int64 {
	return d.pos.Add(n) - n
}

// BeginWrite/EndWrite track in-flight writers. Implemented with an
// atomic counter rather than a literal spinlock — idiomatic for this
// codebase's lock-free counters (see internal/pagecache).
func (d *Datafile) BeginWrite() { d.writerCount.Add(1) }
func (d *Datafile) EndWrite()   { d.writerCount.Add(-1) }
func (d *Datafile) WriterCount() int32 { return d.writerCount.Load() }

// Acquire increments the named reason's reference count. Fails if a
// deletion bid has already succeeded.
func (d *Datafile) Acquire(reason Reason) bool {
	if !d.available.Load() {
		return false
	}
	d.refcounts[reason].Add(1)
	if !d.available.Load() {
		d.refcounts[reason].Add(-1)
		return false
	}
	return true
}

// Release decrements the named reason's reference count.
func (d *Datafile) Release(reason Reason) {
	d.refcounts[reason].Add(-1)
}

// AcquireForDeletion bids for exclusive deletion: it marks the datafile
// unavailable to new acquisitions, then checks every reason's counter
// is zero. On failure it restores availability and returns false
// (spec.md §4.3 "acquire_for_deletion may only succeed when all reason
// counters are zero").
func (d *Datafile) AcquireForDeletion() bool {
	if !d.available.CompareAndSwap(true, false) {
		return false
	}
	for r := Reason(0); r < numReasons; r++ {
		if d.refcounts[r].Load() != 0 {
			d.available.Store(true)
			return false
		}
	}
	return true
}

// Close closes the datafile and its journal v1 handle.
func (d *Datafile) Close() error {
	if d.journalV1 != nil {
		d.journalV1.Close()
	}
	return d.f.Close()
}

// Remove closes the datafile and deletes the datafile itself; it does
// not delete the paired journal files. Callers must have already
// deleted the v2 file first and the
// v1 journal second per the mandated ordering (spec.md §4.3 "v2 file is
// deleted first, then the v1 journal, then the datafile").
func (d *Datafile) Remove(dir string) error {
	d.Close()
	return os.Remove(d.path)
}

// SingleFlightRead executes readFn at most once per extentOffset among
// concurrent callers; all callers observe the same result (spec.md
// §4.4 "Deduplication and single-flight").
func (d *Datafile) SingleFlightRead(extentOffset uint64, readFn func() ([]byte, error)) ([]byte, error) {
	d.pendingMu.Lock()
	if pr, ok := d.pending[extentOffset]; ok {
		d.pendingMu.Unlock()
		<-pr.done
		return pr.data, pr.err
	}
	pr := &pendingRead{done: make(chan struct{})}
	d.pending[extentOffset] = pr
	d.pendingMu.Unlock()

	pr.data, pr.err = readFn()
	close(pr.done)

	d.pendingMu.Lock()
	delete(d.pending, extentOffset)
	d.pendingMu.Unlock()

	return pr.data, pr.err
}
