package akkaradb

import (
	"bytes"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/block"
	"github.com/SwiftStorm-Studio/akkaradb/internal/logger"
	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
	"github.com/SwiftStorm-Studio/akkaradb/internal/sstable"
	"github.com/SwiftStorm-Studio/akkaradb/internal/stripe"
)

// Get implements spec §4.10's get(): check the memtable first (always
// freshest, since every write lands there before anywhere else), then the
// SST levels ascending, then — only if UseStripeForRead is enabled — a
// bounded backward scan of the stripe log. Readers never take writeMu; apart
// from a brief read lock on the engine's live-SST view, every source they
// touch (memtable shards, the sst cache, the stripe reader) is internally
// synchronized against concurrent writers and the compactor.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	if e.closed.Load() {
		return nil, false, ErrClosed
	}

	r, ok, err := e.lookupLatestRecord(key)
	if err != nil {
		return nil, false, err
	}
	if !ok || r.IsTombstone() {
		return nil, false, nil
	}
	return r.Value, true, nil
}

// lookupLatestRecord returns key's latest record across every source, tombstones
// included, so callers that need to see a deletion (compareAndSwap's
// read-before-write) can distinguish "never written" from "deleted".
func (e *Engine) lookupLatestRecord(key []byte) (record.Record, bool, error) {
	if r, ok := e.mt.Get(key); ok {
		return r, true, nil
	}

	r, ok, err := e.lookupSST(key)
	if err != nil {
		return record.Record{}, false, err
	}
	if ok {
		return r, true, nil
	}

	if e.opts.UseStripeForRead {
		return e.stripeFallback(key)
	}
	return record.Record{}, false, nil
}

type fileRef struct {
	name string
	id   uint64
}

// lookupSST scans the live SST levels ascending, L0 newest-file-first (L0
// files overlap, so the most recently sealed one shadows older ones), L≥1
// in any order since files at those levels never overlap. It returns on the
// first match; a corrupted-block error on one file is logged and the scan
// moves on to the next source instead of failing the whole lookup.
func (e *Engine) lookupSST(key []byte) (record.Record, bool, error) {
	e.sstMu.RLock()
	levels := make([]uint16, 0, len(e.sstByLevel))
	for lvl := range e.sstByLevel {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	perLevel := make(map[uint16][]fileRef, len(levels))
	for _, lvl := range levels {
		files := e.sstByLevel[lvl]
		refs := make([]fileRef, 0, len(files))
		for name, id := range files {
			refs = append(refs, fileRef{name: name, id: id})
		}
		if lvl == 0 {
			// Newest-first: sst file names are sst_<nanos>.sst, so a
			// descending lexicographic sort is a descending timestamp sort.
			sort.Slice(refs, func(i, j int) bool { return refs[i].name > refs[j].name })
		} else {
			sort.Slice(refs, func(i, j int) bool { return refs[i].name < refs[j].name })
		}
		perLevel[lvl] = refs
	}
	e.sstMu.RUnlock()

	for _, lvl := range levels {
		for _, ref := range perLevel[lvl] {
			r, release, ok := e.sstCache.Acquire(ref.id)
			if !ok {
				continue
			}
			rec, err := r.Get(key)
			release()
			if err != nil {
				if errors.Is(err, sstable.ErrNotFound) {
					continue
				}
				e.log.Errorf("akkaradb: read sst %s: %v", logger.Safe(ref.name), err)
				continue
			}
			return rec, true, nil
		}
	}
	return record.Record{}, false, nil
}

// stripeFallback scans up to StripeFallbackWindow committed stripes
// backward for key, keeping the highest-seq match found across the whole
// window rather than stopping at the first hit — a record can be
// duplicated across stripes if it was rewritten, and only the newest copy
// is live. Disabled unless UseStripeForRead is set (spec §9's open
// question: this path exists for disaster recovery against a damaged
// manifest/SST tree, not ordinary reads, so it is off by default).
func (e *Engine) stripeFallback(key []byte) (record.Record, bool, error) {
	if e.stripR == nil {
		return record.Record{}, false, nil
	}

	committed := e.committedStripes.Load()
	window := e.opts.StripeFallbackWindow
	var floor uint64
	if committed > window {
		floor = committed - window
	}

	var best record.Record
	found := false
	for i := committed; i > floor; i-- {
		blocks, err := e.stripR.ReadStripe(i - 1)
		if err != nil {
			if errors.Is(err, stripe.ErrUnrecoverableStripe) && e.met != nil {
				e.met.StripeUnrecoverable.Inc()
			}
			continue
		}
		for _, blk := range blocks {
			views, err := block.Unpack(blk)
			if err != nil {
				continue
			}
			for j := range views {
				if !bytes.Equal(views[j].Key(), key) {
					continue
				}
				if !found || views[j].Seq > best.Seq {
					best = views[j].Materialize()
					found = true
				}
			}
		}
	}
	return best, found, nil
}
