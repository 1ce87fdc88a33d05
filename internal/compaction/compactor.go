// Package compaction implements spec.md §4.8's leveled compactor: trigger
// detection, input selection (L0 all-overlapping, L≥1 round-robin), a k-way
// merge with newest-wins collapsing and tombstone GC, and manifest event
// bookkeeping (CompactionStart/CompactionEnd/SstDelete) around the output
// SstSeal events. Grounded on internal/memtable's heap-based merge style,
// generalized to SST sources, and on the manifest package's event/state
// shapes for selection and bookkeeping.
package compaction

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/tokenbucket"
	"golang.org/x/sync/errgroup"

	"github.com/SwiftStorm-Studio/akkaradb/internal/bufpool"
	"github.com/SwiftStorm-Studio/akkaradb/internal/logger"
	"github.com/SwiftStorm-Studio/akkaradb/internal/manifest"
	"github.com/SwiftStorm-Studio/akkaradb/internal/metrics"
	"github.com/SwiftStorm-Studio/akkaradb/internal/sstable"
)

// Compactor owns background level compaction for one engine instance. It
// never mutates the memtable or WAL; it only reads sealed SSTs, writes new
// ones, and appends manifest events.
// Compactor doesn't own a live-SST cache/arena itself: per spec §9's design
// note, the arena belongs to the engine, which hands the compactor file
// names to read and re-derives its own Readers from the manifest state
// CompactLevel returns.
type Compactor struct {
	sstDir string
	pool   *bufpool.Pool
	man    *manifest.Manifest
	met    *metrics.Metrics
	log    logger.Logger
	opts   Options
	tb     *tokenbucket.TokenBucket

	mu          sync.Mutex
	roundRobin  map[uint16]int
	tombstoneTS map[uint64]time.Time

	g       *errgroup.Group
	trigger chan struct{}

	onLevelDone func(manifest.State)
}

// SetOnLevelDone registers a callback invoked with the post-compaction
// manifest state after each successful CompactLevel run inside the
// background worker started by Start. The engine uses this to refresh its
// own live-SST view (open new outputs, evict deleted inputs) — compaction
// otherwise has no way to tell anyone its on-disk changes happened.
func (c *Compactor) SetOnLevelDone(f func(manifest.State)) {
	c.mu.Lock()
	c.onLevelDone = f
	c.mu.Unlock()
}

// New constructs a Compactor rooted at sstDir (the engine's "sst/" subtree,
// holding one "L<level>/" directory per level).
func New(sstDir string, pool *bufpool.Pool, man *manifest.Manifest, met *metrics.Metrics, log logger.Logger, opts Options) *Compactor {
	if log == nil {
		log = logger.Default()
	}
	opts.ensureDefaults()
	return &Compactor{
		sstDir:      sstDir,
		pool:        pool,
		man:         man,
		met:         met,
		log:         log,
		opts:        opts,
		tb:          newThrottle(opts.IOBytesPerSec, opts.IOBurstBytes),
		roundRobin:  make(map[uint16]int),
		tombstoneTS: make(map[uint64]time.Time),
	}
}

// RecordTombstone notes the wall-clock time a tombstone with the given seq
// was first written, for later TTL-based GC eligibility at the bottom
// level (spec §4.8's "now - recordTimestamp"). The engine's delete() path
// calls this; it is in-memory only, so a tombstone survives across restart
// with no recorded age and is therefore never wrongly GC'd before being
// observed fresh at least once post-restart.
func (c *Compactor) RecordTombstone(seq uint64, t time.Time) {
	c.mu.Lock()
	c.tombstoneTS[seq] = t
	c.mu.Unlock()
}

func (c *Compactor) tombstoneAge(seq uint64) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tombstoneTS[seq]
	return t, ok
}

// ForgetTombstones drops recorded ages for seqs that no longer need
// tracking (their tombstone was GC'd or overwritten), bounding the map's
// growth.
func (c *Compactor) ForgetTombstones(seqs []uint64) {
	c.mu.Lock()
	for _, s := range seqs {
		delete(c.tombstoneTS, s)
	}
	c.mu.Unlock()
}

// LevelsNeedingCompaction reports which levels currently exceed their file
// count cap, per spec §4.8's trigger rule, in ascending level order.
func (c *Compactor) LevelsNeedingCompaction(state manifest.State) []uint16 {
	var levels []uint16
	for _, lvl := range state.SortedLevels() {
		if len(state.LiveSSTByLevel[lvl]) > c.opts.maxFilesForLevel(lvl) {
			levels = append(levels, lvl)
		}
	}
	return levels
}

func (c *Compactor) levelDir(level uint16) string {
	return filepath.Join(c.sstDir, fmt.Sprintf("L%d", level))
}

func (c *Compactor) sstPath(level uint16, file string) string {
	return filepath.Join(c.levelDir(level), file)
}

func (c *Compactor) newSSTName() string {
	return fmt.Sprintf("sst_%d.sst", time.Now().UnixNano())
}

func sortedMetas(files map[string]manifest.SstMeta) []manifest.SstMeta {
	out := make([]manifest.SstMeta, 0, len(files))
	for _, m := range files {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

func keyRange(metas []manifest.SstMeta) (first, last []byte) {
	for i, m := range metas {
		if i == 0 || bytes.Compare(m.FirstKey, first) < 0 {
			first = m.FirstKey
		}
		if i == 0 || bytes.Compare(last, m.LastKey) < 0 {
			last = m.LastKey
		}
	}
	return first, last
}

func overlaps(aFirst, aLast, bFirst, bLast []byte) bool {
	return bytes.Compare(aFirst, bLast) <= 0 && bytes.Compare(bFirst, aLast) <= 0
}

// selectInputs implements spec §4.8's Selection rule.
func (c *Compactor) selectInputs(state manifest.State, level uint16) (inputs []manifest.SstMeta, outLevel uint16) {
	outLevel = level + 1

	if level == 0 {
		inputs = sortedMetas(state.LiveSSTByLevel[0])
		if len(inputs) == 0 {
			return nil, outLevel
		}
		lo, hi := keyRange(inputs)
		for _, m := range sortedMetas(state.LiveSSTByLevel[1]) {
			if overlaps(lo, hi, m.FirstKey, m.LastKey) {
				inputs = append(inputs, m)
			}
		}
		return inputs, outLevel
	}

	files := sortedMetas(state.LiveSSTByLevel[level])
	if len(files) == 0 {
		return nil, outLevel
	}
	c.mu.Lock()
	idx := c.roundRobin[level] % len(files)
	c.roundRobin[level] = idx + 1
	c.mu.Unlock()

	chosen := files[idx]
	inputs = append(inputs, chosen)
	for _, m := range sortedMetas(state.LiveSSTByLevel[level+1]) {
		if overlaps(chosen.FirstKey, chosen.LastKey, m.FirstKey, m.LastKey) {
			inputs = append(inputs, m)
		}
	}
	return inputs, outLevel
}

func inputNames(inputs []manifest.SstMeta) []string {
	out := make([]string, len(inputs))
	for i, m := range inputs {
		out[i] = m.File
	}
	return out
}

// CompactLevel runs one compaction of level against its overlapping
// successor inputs, per spec §4.8, and returns the resulting manifest
// state. A nil input selection (nothing to do) returns state unchanged.
func (c *Compactor) CompactLevel(ctx context.Context, state manifest.State, level uint16) (manifest.State, error) {
	inputs, outLevel := c.selectInputs(state, level)
	if len(inputs) == 0 {
		return state, nil
	}
	start := time.Now()
	names := inputNames(inputs)

	if err := c.man.Append(manifest.Event{
		Tag: manifest.TagCompactionStart,
		CompactionStart: struct {
			Level  uint16
			Inputs []string
		}{Level: level, Inputs: names},
	}); err != nil {
		return state, errors.Wrap(err, "compaction: append CompactionStart")
	}
	if c.met != nil {
		c.met.CompactionsStarted.Inc()
	}

	readers := make([]*sstable.Reader, 0, len(inputs))
	iters := make([]*sstable.Iterator, 0, len(inputs))
	defer func() {
		for _, it := range iters {
			it.Close()
		}
		for _, r := range readers {
			r.Close()
		}
	}()

	var totalEntries uint64
	for _, in := range inputs {
		r, err := sstable.Open(c.sstPath(in.Level, in.File), c.pool)
		if err != nil {
			return state, errors.Wrapf(err, "compaction: open input %s", errors.Safe(in.File))
		}
		readers = append(readers, r)
		iters = append(iters, r.NewIter(nil, nil))
		totalEntries += in.Entries
	}

	bottomLevel := outLevel >= c.opts.BottomLevel
	mi := NewMergeIter(iters, bottomLevel, c.opts.TombstoneTTL, c.tombstoneAge, start)

	if err := os.MkdirAll(c.levelDir(outLevel), 0o755); err != nil {
		return state, errors.Wrap(err, "compaction: mkdir output level")
	}

	var outputs []manifest.SstMeta
	var w *sstable.Writer
	var curPath, curName string
	var curBytes int64
	targetBytes := c.opts.targetBytesForLevel(outLevel)

	flushCurrent := func() error {
		if w == nil {
			return nil
		}
		meta, err := w.Finish()
		w = nil
		if err != nil {
			return errors.Wrap(err, "compaction: finish output sst")
		}
		out := manifest.SstMeta{Level: outLevel, File: curName, Entries: meta.Entries, FirstKey: meta.FirstKey, LastKey: meta.LastKey}
		outputs = append(outputs, out)
		return c.man.Append(manifest.Event{
			Tag: manifest.TagSstSeal,
			SstSeal: struct {
				Level    uint16
				File     string
				Entries  uint64
				FirstKey []byte
				LastKey  []byte
			}{Level: outLevel, File: curName, Entries: meta.Entries, FirstKey: meta.FirstKey, LastKey: meta.LastKey},
		})
	}

	for mi.Next() {
		rec := mi.Record()
		if w == nil {
			curName = c.newSSTName()
			curPath = c.sstPath(outLevel, curName)
			var err error
			w, err = sstable.Create(curPath, c.pool, totalEntries, 0)
			if err != nil {
				return state, errors.Wrap(err, "compaction: create output sst")
			}
			curBytes = 0
		}
		if err := w.Append(rec); err != nil {
			return state, errors.Wrap(err, "compaction: append output record")
		}
		n := rec.EncodedLen()
		curBytes += int64(n)
		if c.met != nil {
			c.met.CompactionBytesOut.Add(float64(n))
		}
		if err := throttle(ctx, c.tb, n); err != nil {
			return state, errors.Wrap(err, "compaction: throttled")
		}
		if curBytes >= targetBytes {
			if err := flushCurrent(); err != nil {
				return state, err
			}
		}
	}
	if err := mi.Err(); err != nil {
		return state, errors.Wrap(err, "compaction: merge iterator")
	}
	if err := flushCurrent(); err != nil {
		return state, err
	}
	if c.met != nil {
		c.met.TombstonesDropped.Add(float64(mi.Dropped()))
		for _, r := range readers {
			c.met.CompactionBytesIn.Add(float64(r.Size()))
		}
	}

	if err := c.man.Append(manifest.Event{
		Tag: manifest.TagCompactionEnd,
		CompactionEnd: struct {
			Level   uint16
			Outputs []string
			Inputs  []string
		}{Level: level, Outputs: inputNames(outputs), Inputs: names},
	}); err != nil {
		return state, errors.Wrap(err, "compaction: append CompactionEnd")
	}

	for _, it := range iters {
		it.Close()
	}
	iters = nil
	for _, r := range readers {
		r.Close()
	}
	readers = nil

	for _, in := range inputs {
		if err := os.Remove(c.sstPath(in.Level, in.File)); err != nil && !os.IsNotExist(err) {
			return state, errors.Wrapf(err, "compaction: remove input %s", errors.Safe(in.File))
		}
		if err := c.man.Append(manifest.Event{
			Tag:       manifest.TagSstDelete,
			SstDelete: struct{ File string }{File: in.File},
		}); err != nil {
			return state, errors.Wrapf(err, "compaction: append SstDelete for %s", errors.Safe(in.File))
		}
	}

	if c.met != nil {
		c.met.CompactionsEnded.Inc()
		c.met.RecordCompaction(time.Since(start))
	}
	return c.man.State(), nil
}

// Start launches the background compaction worker of spec §9 ("spawn a
// dedicated task; communicate with the engine via a message/queue
// abstraction"). pull fetches the current manifest state; the worker loops
// compacting every level LevelsNeedingCompaction reports, one at a time,
// until none remain or ctx is cancelled.
func (c *Compactor) Start(ctx context.Context, pull func() manifest.State) {
	g, gctx := errgroup.WithContext(ctx)
	c.g = g
	c.trigger = make(chan struct{}, 1)
	trigger := c.trigger

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case _, ok := <-trigger:
				if !ok {
					return nil
				}
			}
			for {
				state := pull()
				levels := c.LevelsNeedingCompaction(state)
				if len(levels) == 0 {
					break
				}
				newState, err := c.CompactLevel(gctx, state, levels[0])
				if err != nil {
					c.log.Errorf("compaction: level %d failed: %v", logger.Safe(levels[0]), err)
					break
				}
				c.mu.Lock()
				done := c.onLevelDone
				c.mu.Unlock()
				if done != nil {
					done(newState)
				}
			}
		}
	})
}

// Trigger requests the background worker re-check compaction triggers. It
// is non-blocking and coalesces with any pending, not-yet-serviced request.
func (c *Compactor) Trigger() {
	if c.trigger == nil {
		return
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Wait blocks until the background worker started by Start has exited
// (normally via its context being cancelled), returning its error if any.
func (c *Compactor) Wait() error {
	if c.g == nil {
		return nil
	}
	return c.g.Wait()
}
