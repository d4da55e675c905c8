package datafile

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Target datafile count and size clamps. The spec leaves these
// unspecified ("target_file_size = clamp(max_disk_space /
// TARGET_DATAFILES, MIN, MAX)"); values below are a deliberate Open
// Question decision recorded in DESIGN.md, chosen to keep individual
// datafiles in the tens-of-megabytes range for typical multi-tier
// retention budgets.
const (
	TargetDatafiles     = 7
	MinTargetFileSize   = 1 << 20  // 1 MiB
	MaxTargetFileSize   = 1 << 30  // 1 GiB
)

// TierConfig configures one retention tier's datafile set.
type TierConfig struct {
	Dir                string
	Tier               uint8
	MaxDiskSpace       int64
	MaxRetentionTime   int64 // seconds
	DefaultCompression uint8
}

// TierContext is the runtime state for one retention tier: its ordered
// datafile list, space/time budgets and telemetry (spec.md §3 "Tier
// context"). Grounded on internal/storage/storage_backend.go's
// StorageConfig+mode-tagged-backend shape, generalized from one backend
// per process to one TierContext per tier.
type TierContext struct {
	cfg TierConfig

	mu        sync.RWMutex
	datafiles []*Datafile // strictly increasing by fileno; oldest first

	diskSpace       atomic.Int64
	targetFileSize  int64
	nowDeletingFiles atomic.Bool

	ioErrors atomic.Uint64
	fsErrors atomic.Uint64
}

// NewTierContext builds a TierContext without touching disk; call Init
// to scan and load existing datafiles.
func NewTierContext(cfg TierConfig) *TierContext {
	tfs := cfg.MaxDiskSpace / TargetDatafiles
	if tfs < MinTargetFileSize {
		tfs = MinTargetFileSize
	}
	if tfs > MaxTargetFileSize {
		tfs = MaxTargetFileSize
	}
	return &TierContext{cfg: cfg, targetFileSize: tfs}
}

var datafileNamePattern = func(tier uint8) string {
	return fmt.Sprintf("datafile-%d-", tier)
}

// Init scans cfg.Dir for datafile-<tier>-<fileno>.ndf files, sorts them
// by fileno, validates each pair's superblocks and links the valid ones
// into the ordered list. Invalid pairs are unlinked. If none are found,
// a fresh (tier, fileno=1) pair is created (spec.md §4.3 "Datafile
// lifecycle").
func (tc *TierContext) Init() error {
	entries, err := os.ReadDir(tc.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return fmt.Errorf("datafile: scan %s: %w", tc.cfg.Dir, err)
		}
	}

	prefix := datafileNamePattern(tc.cfg.Tier)
	var filenos []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".ndf") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".ndf")
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		filenos = append(filenos, n)
	}
	sort.Slice(filenos, func(i, j int) bool { return filenos[i] < filenos[j] })

	tc.mu.Lock()
	defer tc.mu.Unlock()

	for _, fileno := range filenos {
		df, err := Open(tc.cfg.Dir, tc.cfg.Tier, fileno)
		if err != nil {
			Unlink(tc.cfg.Dir, tc.cfg.Tier, fileno)
			tc.fsErrors.Add(1)
			continue
		}
		tc.datafiles = append(tc.datafiles, df)
		tc.diskSpace.Add(df.Pos())
	}

	if len(tc.datafiles) == 0 {
		df, err := Create(tc.cfg.Dir, tc.cfg.Tier, 1)
		if err != nil {
			return err
		}
		tc.datafiles = append(tc.datafiles, df)
	}
	return nil
}

// List returns a snapshot of the current datafile list, oldest first.
func (tc *TierContext) List() []*Datafile {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]*Datafile, len(tc.datafiles))
	copy(out, tc.datafiles)
	return out
}

// Newest returns the tail of the list (the currently active datafile).
func (tc *TierContext) Newest() *Datafile {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if len(tc.datafiles) == 0 {
		return nil
	}
	return tc.datafiles[len(tc.datafiles)-1]
}

// Oldest returns the head of the list (the rotation/deletion candidate).
func (tc *TierContext) Oldest() *Datafile {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if len(tc.datafiles) == 0 {
		return nil
	}
	return tc.datafiles[0]
}

// TargetFileSize returns the configured per-datafile size budget.
func (tc *TierContext) TargetFileSize() int64 { return tc.targetFileSize }

// Dir returns the directory this tier's datafiles live in.
func (tc *TierContext) Dir() string { return tc.cfg.Dir }

// Tier returns the retention tier number this context manages.
func (tc *TierContext) Tier() uint8 { return tc.cfg.Tier }

// MaxDiskSpace returns the tier's configured disk budget.
func (tc *TierContext) MaxDiskSpace() int64 { return tc.cfg.MaxDiskSpace }

// MaxRetentionTime returns the tier's configured retention window.
func (tc *TierContext) MaxRetentionTime() int64 { return tc.cfg.MaxRetentionTime }

// DiskSpace returns the tier's current tracked disk usage.
func (tc *TierContext) DiskSpace() int64 { return tc.diskSpace.Load() }

// AddDiskSpace adjusts the tracked disk usage (positive on write growth,
// negative once a datafile is deleted).
func (tc *TierContext) AddDiskSpace(delta int64) { tc.diskSpace.Add(delta) }

// DefaultCompression returns the tier's default per-extent compression tag.
func (tc *TierContext) DefaultCompression() uint8 { return tc.cfg.DefaultCompression }

// EnsureWritable returns the datafile that should receive the next
// write, rotating (creating a new pair) first if the active datafile
// has grown past its size target (spec.md §4.3 "Rotation trigger").
func (tc *TierContext) EnsureWritable() (*Datafile, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	active := tc.datafiles[len(tc.datafiles)-1]
	if active.Pos() <= tc.targetFileSize {
		return active, nil
	}

	next := active.Fileno() + 1
	df, err := Create(tc.cfg.Dir, tc.cfg.Tier, next)
	if err != nil {
		tc.ioErrors.Add(1)
		return nil, err
	}
	tc.datafiles = append(tc.datafiles, df)
	return df, nil
}

// BeginRotation sets the single-inflight-rotation guard. Returns false
// if a rotation is already underway (spec.md §4.5 "single inflight
// rotation at a time, guarded by a now_deleting_files flag").
func (tc *TierContext) BeginRotation() bool {
	return tc.nowDeletingFiles.CompareAndSwap(false, true)
}

// EndRotation clears the single-inflight-rotation guard.
func (tc *TierContext) EndRotation() { tc.nowDeletingFiles.Store(false) }

// RemoveOldest drops the head of the datafile list. The caller must
// already have deleted the datafile's on-disk files (v2, then v1, then
// datafile) and called df.Remove.
func (tc *TierContext) RemoveOldest(df *Datafile) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.datafiles) == 0 || tc.datafiles[0] != df {
		return
	}
	tc.diskSpace.Add(-df.Pos())
	tc.datafiles = tc.datafiles[1:]
}

// Count returns the number of datafiles currently tracked.
func (tc *TierContext) Count() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.datafiles)
}

// IOErrors/FSErrors report telemetry counters (spec.md §7 "Transient
// I/O ... counted").
func (tc *TierContext) IOErrors() uint64 { return tc.ioErrors.Load() }
func (tc *TierContext) FSErrors() uint64 { return tc.fsErrors.Load() }

