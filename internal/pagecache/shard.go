package pagecache

import (
	"runtime"
	"sync"
)

// shard is one slice of the sharded index: section -> metric -> start_time
// -> page. Empty intermediate maps are reclaimed as soon as their last
// child is removed, which is what keeps per-section/per-metric residency
// accounting honest (spec.md §4.1 "Indexing structure").
type shard struct {
	mu   sync.RWMutex
	byMd map[Section]map[MetricID]map[int64]*Page
}

func newShard() *shard {
	return &shard{byMd: make(map[Section]map[MetricID]map[int64]*Page)}
}

func (s *shard) lookupExact(k Key) *Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySec, ok := s.byMd[k.Section]
	if !ok {
		return nil
	}
	byTime, ok := bySec[k.MetricID]
	if !ok {
		return nil
	}
	return byTime[k.StartTime]
}

// lookupClosest finds the exact page, or the nearest page per mode when
// no exact match exists. mode determines direction: closestLE picks the
// greatest start_time <= k.StartTime; closestGE picks the least
// start_time >= k.StartTime.
func (s *shard) lookupClosest(k Key, mode Mode) *Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySec, ok := s.byMd[k.Section]
	if !ok {
		return nil
	}
	byTime, ok := bySec[k.MetricID]
	if !ok {
		return nil
	}
	if p, ok := byTime[k.StartTime]; ok {
		return p
	}
	if mode == ExactMatch {
		return nil
	}
	var best *Page
	for t, p := range byTime {
		switch mode {
		case ClosestLE:
			if t <= k.StartTime && (best == nil || t > best.StartTime()) {
				best = p
			}
		case ClosestGE:
			if t >= k.StartTime && (best == nil || t < best.StartTime()) {
				best = p
			}
		}
	}
	return best
}

// insertIfAbsent adds p under its key unless a page is already present,
// in which case the existing page is returned with ok=false.
func (s *shard) insertIfAbsent(p *Page) (existing *Page, inserted bool) {
	k := p.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	bySec, ok := s.byMd[k.Section]
	if !ok {
		bySec = make(map[MetricID]map[int64]*Page)
		s.byMd[k.Section] = bySec
	}
	byTime, ok := bySec[k.MetricID]
	if !ok {
		byTime = make(map[int64]*Page)
		bySec[k.MetricID] = byTime
	}
	if old, ok := byTime[k.StartTime]; ok {
		return old, false
	}
	byTime[k.StartTime] = p
	return p, true
}

// remove deletes the page at k, reclaiming any intermediate map left
// empty by the removal.
func (s *shard) remove(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySec, ok := s.byMd[k.Section]
	if !ok {
		return
	}
	byTime, ok := bySec[k.MetricID]
	if !ok {
		return
	}
	delete(byTime, k.StartTime)
	if len(byTime) == 0 {
		delete(bySec, k.MetricID)
	}
	if len(bySec) == 0 {
		delete(s.byMd, k.Section)
	}
}

// forEachInDatafile calls fn for every page whose Data() equals df,
// within this shard, under the section given. Used by the open cache to
// enumerate HOT pages of a datafile during v2 migration.
func (s *shard) forEachInDatafile(sec Section, df any, fn func(*Page)) {
	s.mu.RLock()
	bySec, ok := s.byMd[sec]
	if !ok {
		s.mu.RUnlock()
		return
	}
	var matched []*Page
	for _, byTime := range bySec {
		for _, p := range byTime {
			if p.Data() == df {
				matched = append(matched, p)
			}
		}
	}
	s.mu.RUnlock()
	for _, p := range matched {
		fn(p)
	}
}

// rangeOverlap collects every page for (sec, metric) whose [StartTime,
// EndTime] overlaps [start, end], used by query preparation to merge
// in-memory HOT/CLEAN pages alongside the on-disk v2 index (spec.md
// §4.5 "Consult the in-memory per-metric index ... and merge them in").
func (s *shard) rangeOverlap(sec Section, metric MetricID, start, end int64) []*Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySec, ok := s.byMd[sec]
	if !ok {
		return nil
	}
	byTime, ok := bySec[metric]
	if !ok {
		return nil
	}
	var out []*Page
	for _, p := range byTime {
		if p.EndTime() < start || p.StartTime() > end {
			continue
		}
		out = append(out, p)
	}
	return out
}

// shardCount picks the default shard count: logical CPU count.
func shardCount(configured int) int {
	if configured > 0 {
		return configured
	}
	return runtime.NumCPU()
}

// shardFor hashes a metric id onto one of n shards. MurmurHash3 fmix64
// style mixing on the integer key, cheap and well distributed for
// sequential ids.
func shardFor(id MetricID, n int) int {
	h := uint64(id)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return int(h % uint64(n))
}
