// Package stats implements the cache's counters and watermark comparisons,
// grounded on original_source's ArtCache::Statistics.
package stats

// LowHighPercentage is the default scaling factor used to derive a lower
// watermark from an upper one, matching the original's
// LIMITS_LOW_HI_PERCENTAGE.
const LowHighPercentage = 60

// Limits is a watermark triple over the three counted trees.
type Limits struct {
	Keys    int
	Sources int
	Objects int
}

// ScaledBy returns a copy of l with every field scaled by percent/100,
// rounding down, as used to derive a lower watermark from an upper one.
func (l Limits) ScaledBy(percent int) Limits {
	return Limits{
		Keys:    l.Keys * percent / 100,
		Sources: l.Sources * percent / 100,
		Objects: l.Objects * percent / 100,
	}
}

// Statistics holds the three tree counters and a dirty flag, mutated only
// under the Cache Manager's lock.
type Statistics struct {
	NKeys    int
	NSources int
	NObjects int
	dirty    bool
}

// ExceedsLimits reports whether any counter exceeds the corresponding limit.
// Value receiver so it can be chained directly off a Stats() call that
// returns a Statistics by value.
func (s Statistics) ExceedsLimits(l Limits) bool {
	return s.NKeys > l.Keys || s.NSources > l.Sources || s.NObjects > l.Objects
}

// MarkDirty flags the statistics as changed by something other than GC.
func (s *Statistics) MarkDirty() {
	s.dirty = true
}

// MarkUnchanged returns the previous dirty value and clears it. GC calls
// this at the start of a round to decide whether a recount is warranted.
func (s *Statistics) MarkUnchanged() bool {
	was := s.dirty
	s.dirty = false
	return was
}

// AddKey/AddSource/AddObject/RemoveKey/RemoveSource/RemoveObject mutate a
// counter and, unless invoked by GC (isGC=true), mark the statistics dirty
// -- matching the original's is_gc suppression of the dirty bit so GC's own
// deletions don't trigger a needless recount on the next round.

func (s *Statistics) AddKey(isGC bool) {
	s.NKeys++
	if !isGC {
		s.dirty = true
	}
}

func (s *Statistics) RemoveKey(isGC bool) {
	if s.NKeys > 0 {
		s.NKeys--
	}
	if !isGC {
		s.dirty = true
	}
}

func (s *Statistics) AddSource(isGC bool) {
	s.NSources++
	if !isGC {
		s.dirty = true
	}
}

func (s *Statistics) RemoveSource(isGC bool) {
	if s.NSources > 0 {
		s.NSources--
	}
	if !isGC {
		s.dirty = true
	}
}

func (s *Statistics) AddObject(isGC bool) {
	s.NObjects++
	if !isGC {
		s.dirty = true
	}
}

func (s *Statistics) RemoveObject(isGC bool) {
	if s.NObjects > 0 {
		s.NObjects--
	}
	if !isGC {
		s.dirty = true
	}
}

// Snapshot returns a value copy of the counters, for logging or persistence
// to the ambient run-history ledger.
func (s *Statistics) Snapshot() Statistics {
	return Statistics{NKeys: s.NKeys, NSources: s.NSources, NObjects: s.NObjects}
}
