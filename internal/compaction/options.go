package compaction

import "time"

// Options configures trigger thresholds, output sizing, and tombstone GC for
// the compactor, per spec §4.8 and the configuration table of spec §6
// (`maxPerLevel[L]`, `tombstoneTTL`).
type Options struct {
	// L0Max is the file count above which L0 is compacted (spec §3's
	// Invariant LEVEL SIZE: "level 0 holds up to L0_MAX files").
	L0Max int
	// MaxFilesPerLevel holds the per-level cap for levels ≥ 1: entry i
	// applies to level i+1. The last entry applies to every level beyond its
	// length, so a short slice still bounds arbitrarily deep levels.
	MaxFilesPerLevel []int
	// TargetFileBytes bounds the size of one compaction output file by the
	// level the output lands in: entry i applies to level i+1, and level 0
	// also uses entry 0. Same last-entry-extends rule as MaxFilesPerLevel.
	TargetFileBytes []int64
	// TombstoneTTL is the GC window at the bottom level (spec §4.8: "now -
	// recordTimestamp > TOMBSTONE_TTL").
	TombstoneTTL time.Duration
	// BottomLevel is the level from which tombstone GC applies: a compaction
	// whose output level is at or below it (output level >= BottomLevel) is
	// eligible. It does not cap how deep the compactor writes. Not named
	// directly in spec §4.8, which assumes a fixed notion of "the bottom
	// level" without defining how many levels exist — resolved here as an
	// explicit option.
	BottomLevel uint16
	// IOBytesPerSec throttles compaction read+write bytes through a token
	// bucket (spec §9: "Background compaction ... avoid sharing mutable
	// state"; the corpus's cockroachdb/tokenbucket supplies the throttle
	// itself). Zero or a negative value selects the default of 64 MiB/s;
	// throttling is always on.
	IOBytesPerSec float64
	// IOBurstBytes is the token bucket's burst capacity.
	IOBurstBytes float64
}

func (o *Options) ensureDefaults() {
	if o.L0Max <= 0 {
		o.L0Max = 4
	}
	if len(o.MaxFilesPerLevel) == 0 {
		o.MaxFilesPerLevel = []int{8, 8, 8, 8, 8, 8}
	}
	if len(o.TargetFileBytes) == 0 {
		o.TargetFileBytes = []int64{32 << 20, 64 << 20, 128 << 20, 256 << 20}
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = 24 * time.Hour
	}
	if o.BottomLevel == 0 {
		o.BottomLevel = uint16(len(o.MaxFilesPerLevel))
	}
	if o.IOBytesPerSec <= 0 {
		o.IOBytesPerSec = 64 << 20
	}
	if o.IOBurstBytes <= 0 {
		o.IOBurstBytes = 4 << 20
	}
}

func (o *Options) maxFilesForLevel(level uint16) int {
	idx := int(level) - 1
	if idx < 0 {
		return o.L0Max
	}
	if idx >= len(o.MaxFilesPerLevel) {
		idx = len(o.MaxFilesPerLevel) - 1
	}
	return o.MaxFilesPerLevel[idx]
}

func (o *Options) targetBytesForLevel(level uint16) int64 {
	idx := int(level) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(o.TargetFileBytes) {
		idx = len(o.TargetFileBytes) - 1
	}
	return o.TargetFileBytes[idx]
}
