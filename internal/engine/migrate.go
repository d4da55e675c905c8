package engine

import (
	"fmt"

	"github.com/riftdb/tsengine/internal/datafile"
	"github.com/riftdb/tsengine/internal/journal"
	"github.com/riftdb/tsengine/internal/pagecache"
)

// migrateToV2 upgrades df's verbose v1 transaction log into a compact
// indexed v2 journal (spec.md §4.3 "v1 -> v2 migration"). Any page
// still HOT against df is flushed first — by the time a datafile is a
// migration candidate it is no longer the tier's active datafile, so
// the ordinary save-dirty path durably places those pages (and their
// v1 transactions) against whichever datafile is current, which is the
// correct final location for data that never reached df while it was
// still being written. MigrateV1ToV2 then only needs to fold what df's
// own v1 log already recorded.
func (e *Engine) migrateToV2(tier uint8, tierCtx *datafile.TierContext, df *datafile.Datafile) error {
	section := pagecache.Section(tier)
	e.cache.OpenCacheToJournalV2(section, df, func(pagecache.Section, []pagecache.MigrationEntry) {})

	v1Path := tierCtx.Dir() + "/" + datafile.JournalV1Name(tier, df.Fileno())
	v2Path := tierCtx.Dir() + "/" + datafile.JournalV2Name(tier, df.Fileno())
	if err := journal.MigrateV1ToV2(v1Path, v2Path, uint8(section), tier); err != nil {
		return fmt.Errorf("engine: migrate tier %d datafile %d to v2: %w", tier, df.Fileno(), err)
	}
	df.SetPopulated(true)
	return nil
}
