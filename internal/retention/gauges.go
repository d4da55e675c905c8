// Package retention implements the per-tier retention controller: disk-
// space and time usage gauges, the rotation trigger, and the oldest-
// datafile deletion sequence (spec.md §4.7).
package retention

import "github.com/riftdb/tsengine/internal/datafile"

// Gauges is a tier's per-mille usage on the two retention axes (spec.md
// §4.7 "A per-mille usage gauge per axis (space, time)"), grounded on
// the space/time percentage pair the original computes per storage
// tier (pulse-db-dbengine-retention.c), scaled to per-mille (0-1000)
// and clamped there instead of per-cent.
type Gauges struct {
	SpacePerMille int64
	TimePerMille  int64
}

// Compute derives a tier's usage gauges from its current disk
// footprint and the oldest surviving datafile's age, given nowUnixSec
// and oldestFirstTimeUnixSec (0 if the tier is empty or the age is
// unknown).
func Compute(tc *datafile.TierContext, nowUnixSec, oldestFirstTimeUnixSec int64) Gauges {
	var g Gauges

	if max := tc.MaxDiskSpace(); max > 0 {
		g.SpacePerMille = 1000 * tc.DiskSpace() / max
		if g.SpacePerMille > 1000 {
			g.SpacePerMille = 1000
		}
	}

	if maxRet := tc.MaxRetentionTime(); maxRet > 0 && oldestFirstTimeUnixSec > 0 {
		age := nowUnixSec - oldestFirstTimeUnixSec
		if age < 0 {
			age = 0
		}
		g.TimePerMille = 1000 * age / maxRet
		if g.TimePerMille > 1000 {
			g.TimePerMille = 1000
		}
	}

	return g
}

// ExceededDiskQuota implements spec.md §4.7's rotation predicate:
// "disk_space + target_file_size - newest_datafile_pos > max_disk_space".
func ExceededDiskQuota(tc *datafile.TierContext) bool {
	newest := tc.Newest()
	if newest == nil {
		return false
	}
	projected := tc.DiskSpace() + tc.TargetFileSize() - newest.Pos()
	return projected > tc.MaxDiskSpace()
}
