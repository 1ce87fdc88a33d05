// Package akkaradb is AkkaraDB's embedded, single-writer, ordered key/value
// storage engine: a WAL-backed memtable feeding both an SST/LSM tree and an
// erasure-coded stripe log, per spec.md. Passing a nil *Options to Open is
// valid and means to use the default values, the same convention the
// teacher's own Options type documents.
package akkaradb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/block"
	"github.com/SwiftStorm-Studio/akkaradb/internal/bufpool"
	"github.com/SwiftStorm-Studio/akkaradb/internal/compaction"
	"github.com/SwiftStorm-Studio/akkaradb/internal/logger"
	"github.com/SwiftStorm-Studio/akkaradb/internal/manifest"
	"github.com/SwiftStorm-Studio/akkaradb/internal/memtable"
	"github.com/SwiftStorm-Studio/akkaradb/internal/metrics"
	"github.com/SwiftStorm-Studio/akkaradb/internal/parity"
	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
	"github.com/SwiftStorm-Studio/akkaradb/internal/sstable"
	"github.com/SwiftStorm-Studio/akkaradb/internal/stripe"
	"github.com/SwiftStorm-Studio/akkaradb/internal/wal"
)

// Engine is one open AkkaraDB store rooted at a base directory, per the
// on-disk layout of spec §6.
type Engine struct {
	baseDir string
	opts    Options

	pool  *bufpool.Pool
	coder parity.Coder

	mt     *memtable.Memtable
	walW   *wal.Writer
	stripW *stripe.Writer
	stripR *stripe.Reader // non-nil only when opts.UseStripeForRead
	man    *manifest.Manifest
	comp   *compaction.Compactor
	met    *metrics.Metrics
	log    logger.Logger

	// writeMu serializes every mutating operation (Put/Delete/CAS). The
	// shared 32 KiB block packer cannot be meaningfully sharded — blocks
	// interleave keys from arbitrary memtable shards in arrival order — so
	// this matches spec §5's "single-threaded cooperative for writers"
	// model directly instead of inventing a finer-grained lock.
	writeMu   sync.Mutex
	packer    *block.Packer
	packerBuf []byte

	// sstMu guards the engine's view of live SSTs: sstCache is the file-id
	// arena of spec §9's back-reference design note, and sstByLevel maps
	// level -> file name -> cache id so a deleted/compacted file can be
	// evicted by id without the compactor ever touching a live *Reader.
	sstMu      sync.RWMutex
	sstCache   *sstable.Cache
	sstByLevel map[uint16]map[string]uint64

	committedStripes atomic.Uint64

	compactCancel context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
}

func sstDir(baseDir string) string    { return filepath.Join(baseDir, "sst") }
func walDir(baseDir string) string    { return filepath.Join(baseDir, "wal") }
func lanesDir(baseDir string) string  { return filepath.Join(baseDir, "lanes") }
func levelDir(base string, l uint16) string {
	return filepath.Join(base, fmt.Sprintf("L%d", l))
}

// Open loads the manifest, recovers the stripe lanes and WAL, reconstructs
// readers for every live SST, and starts the background compactor, per
// spec §4.10's Open algorithm. A nil opts selects every default.
func Open(baseDir string, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	o.EnsureDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "akkaradb: mkdir base dir")
	}

	coder, err := parity.New(o.ParityKind, o.K, o.M)
	if err != nil {
		return nil, errors.Wrap(err, "akkaradb: build parity coder")
	}

	met := metrics.New(o.MetricsRegisterer)
	log := o.Logger

	man, state, err := manifest.Open(baseDir, log)
	if err != nil {
		return nil, errors.Wrap(err, "akkaradb: open manifest")
	}

	stripW, truncatedStripes, err := stripe.Open(lanesDir(baseDir), o.K, o.M, coder, o.Stripe, state.CommittedStripes, log)
	if err != nil {
		man.Close()
		return nil, errors.Wrap(err, "akkaradb: open stripe writer")
	}

	mt := memtable.New(memtable.Options{
		NumShards:      o.NumMemtableShards,
		ThresholdBytes: o.FlushThresholdBytes,
		InitialSeq:     state.LastCheckpointedSeq,
	})

	if info, err := os.Stat(walDir(baseDir)); err == nil && !info.IsDir() {
		stripW.Close()
		man.Close()
		return nil, errors.Wrapf(ErrFormatUnsupported, "akkaradb: legacy single-file WAL at %s", errors.Safe(walDir(baseDir)))
	}

	highestSeq, walTruncated, err := wal.Replay(walDir(baseDir), state.LastCheckpointedSeq, log, func(e wal.Entry) error {
		mt.ObserveSeq(e.Record.Seq)
		mt.Put(e.Record)
		return nil
	})
	if err != nil {
		stripW.Close()
		man.Close()
		return nil, errors.Wrap(err, "akkaradb: replay wal")
	}
	mt.ObserveSeq(highestSeq)
	if walTruncated {
		met.WALTruncatedReplays.Inc()
		if err := man.Append(manifest.Event{
			Tag: manifest.TagTruncate,
			Truncate: struct {
				Reason string
				Stripe uint64
			}{Reason: "wal replay stopped at a torn tail", Stripe: truncatedStripes},
		}); err != nil {
			stripW.Close()
			man.Close()
			return nil, errors.Wrap(err, "akkaradb: append Truncate event")
		}
	}

	walW, err := wal.Open(walDir(baseDir), o.WAL, log)
	if err != nil {
		stripW.Close()
		man.Close()
		return nil, errors.Wrap(err, "akkaradb: open wal writer")
	}

	pool := &bufpool.Pool{}

	var stripR *stripe.Reader
	if o.UseStripeForRead {
		stripR, err = stripe.OpenReader(lanesDir(baseDir), o.K, o.M, coder)
		if err != nil {
			walW.Close()
			stripW.Close()
			man.Close()
			return nil, errors.Wrap(err, "akkaradb: open stripe reader for fallback")
		}
		stripR.SetMetrics(met)
	}

	e := &Engine{
		baseDir:    baseDir,
		opts:       o,
		pool:       pool,
		coder:      coder,
		mt:         mt,
		walW:       walW,
		stripW:     stripW,
		stripR:     stripR,
		man:        man,
		met:        met,
		log:        log,
		sstCache:   sstable.NewCache(),
		sstByLevel: make(map[uint16]map[string]uint64),
	}
	e.committedStripes.Store(truncatedStripes)
	e.packerBuf = pool.Get()
	e.packer = block.NewPacker(e.packerBuf)

	if err := e.openLiveSSTs(state); err != nil {
		e.sstCache.CloseAll()
		if stripR != nil {
			stripR.Close()
		}
		walW.Close()
		stripW.Close()
		man.Close()
		return nil, errors.Wrap(err, "akkaradb: open live ssts")
	}

	walW.SetOnFlush(func(seq uint64) {
		if met != nil {
			met.WALFramesAppended.Inc()
		}
	})
	stripW.SetOnCommit(func(idx uint64) {
		e.committedStripes.Store(idx)
		if met != nil {
			met.StripesCommitted.Inc()
		}
		if err := man.Append(manifest.Event{
			Tag: manifest.TagStripeCommit,
			StripeCommit: struct {
				Stripe uint64
			}{Stripe: idx},
		}); err != nil {
			log.Errorf("akkaradb: append StripeCommit event: %v", err)
		}
	})

	comp := compaction.New(sstDir(baseDir), pool, man, met, log, o.Compaction)
	comp.SetOnLevelDone(e.refreshSSTView)
	e.comp = comp

	ctx, cancel := context.WithCancel(context.Background())
	e.compactCancel = cancel
	comp.Start(ctx, man.State)

	return e, nil
}

// openLiveSSTs opens a Reader for every SST the manifest's replayed state
// considers live, registering each in the file-id arena.
func (e *Engine) openLiveSSTs(state manifest.State) error {
	for _, lvl := range state.SortedLevels() {
		files := state.LiveSSTByLevel[lvl]
		names := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
		}
		sort.Strings(names)
		byName := make(map[string]uint64, len(names))
		for _, name := range names {
			path := filepath.Join(levelDir(sstDir(e.baseDir), lvl), name)
			r, err := sstable.Open(path, e.pool)
			if err != nil {
				return errors.Wrapf(err, "akkaradb: open sst %s", errors.Safe(name))
			}
			r.SetMetrics(e.met)
			byName[name] = e.sstCache.Put(r)
		}
		e.sstByLevel[lvl] = byName
	}
	return nil
}

// refreshSSTView reconciles the engine's live-SST arena with a fresh
// manifest state, evicting files the state no longer lists as live and
// opening readers for files that are newly live but not yet tracked. It is
// the Compactor.SetOnLevelDone callback: compaction's background worker
// mutates the manifest and the on-disk tree directly, and has no other way
// to tell the engine its changes happened.
func (e *Engine) refreshSSTView(state manifest.State) {
	e.sstMu.Lock()
	defer e.sstMu.Unlock()

	for lvl, have := range e.sstByLevel {
		live := state.LiveSSTByLevel[lvl]
		for name, id := range have {
			if _, ok := live[name]; !ok {
				if err := e.sstCache.Evict(id); err != nil {
					e.log.Errorf("akkaradb: evict sst %s: %v", logger.Safe(name), err)
				}
				delete(have, name)
			}
		}
		if len(have) == 0 {
			delete(e.sstByLevel, lvl)
		}
	}
	for lvl, live := range state.LiveSSTByLevel {
		have := e.sstByLevel[lvl]
		for name := range live {
			if have != nil {
				if _, ok := have[name]; ok {
					continue
				}
			}
			path := filepath.Join(levelDir(sstDir(e.baseDir), lvl), name)
			r, err := sstable.Open(path, e.pool)
			if err != nil {
				e.log.Errorf("akkaradb: open new sst %s: %v", logger.Safe(name), err)
				continue
			}
			r.SetMetrics(e.met)
			if have == nil {
				have = make(map[string]uint64)
				e.sstByLevel[lvl] = have
			}
			have[name] = e.sstCache.Put(r)
		}
	}

	e.updateSSTGaugesLocked()
}

// updateSSTGaugesLocked recomputes the per-level SST file count and byte
// total gauges from the engine's current arena. Must be called with sstMu
// held (read or write lock both suffice; it only reads e.sstByLevel and
// acquires the cache's own independent locking per file).
func (e *Engine) updateSSTGaugesLocked() {
	if e.met == nil {
		return
	}
	for lvl, files := range e.sstByLevel {
		lvlLabel := fmt.Sprintf("%d", lvl)
		e.met.SSTFilesByLevel.WithLabelValues(lvlLabel).Set(float64(len(files)))

		var bytes int64
		for _, id := range files {
			if r, release, ok := e.sstCache.Acquire(id); ok {
				bytes += r.Size()
				release()
			}
		}
		e.met.SSTBytesByLevel.WithLabelValues(lvlLabel).Set(float64(bytes))
	}
}

// newSSTName mints a new SST file name from the current wall clock,
// matching the compactor's own sst_<nanos>.sst convention (spec §6's
// on-disk layout: "sst_<nanos>.sst").
func newSSTName() string {
	return fmt.Sprintf("sst_%d.sst", time.Now().UnixNano())
}

// Close flushes pending writes, stops the background compactor, and
// releases every open file handle, per spec §4.10's close() operation.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		if err := e.Flush(); err != nil {
			closeErr = errors.Wrap(err, "akkaradb: flush on close")
		}

		e.compactCancel()
		if err := e.comp.Wait(); err != nil {
			e.log.Errorf("akkaradb: compactor: %v", err)
		}

		if err := e.walW.Close(); err != nil && closeErr == nil {
			closeErr = errors.Wrap(err, "akkaradb: close wal")
		}
		if err := e.stripW.Close(); err != nil && closeErr == nil {
			closeErr = errors.Wrap(err, "akkaradb: close stripe writer")
		}
		if e.stripR != nil {
			if err := e.stripR.Close(); err != nil && closeErr == nil {
				closeErr = errors.Wrap(err, "akkaradb: close stripe reader")
			}
		}
		if err := e.sstCache.CloseAll(); err != nil && closeErr == nil {
			closeErr = errors.Wrap(err, "akkaradb: close sst readers")
		}
		if err := e.man.Close(); err != nil && closeErr == nil {
			closeErr = errors.Wrap(err, "akkaradb: close manifest")
		}
	})
	return closeErr
}

func checkKey(key []byte) error {
	if len(key) > record.MaxKeyLen {
		return errors.Wrapf(ErrInvalidArgument, "akkaradb: key length %d exceeds maximum %d", errors.Safe(len(key)), errors.Safe(record.MaxKeyLen))
	}
	return nil
}
