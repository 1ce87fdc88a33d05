package akkaradb

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/manifest"
)

// Flush implements spec §4.10's flush() operation: seal any in-progress
// block, force the stripe writer and WAL to durable disk, and append a
// checkpoint recording the point recovery can resume from. It does not
// flush memtable shards to SST — that happens independently when a shard
// crosses its own sealing threshold.
func (e *Engine) Flush() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	if err := e.sealCurrentBlockLocked(); err != nil {
		return err
	}
	if err := e.stripW.Flush(); err != nil {
		return errors.Wrap(err, "akkaradb: flush stripe writer")
	}
	if err := e.walW.Flush(); err != nil {
		return errors.Wrap(err, "akkaradb: flush wal")
	}
	if err := e.walW.SealSegment(); err != nil {
		return errors.Wrap(err, "akkaradb: seal wal segment")
	}

	checkpointedSeq := e.mt.LastSeq()
	stripeIdx := e.committedStripes.Load()
	if err := e.man.Checkpoint(manifest.Event{
		Tag: manifest.TagCheckpoint,
		Checkpoint: struct {
			Name    string
			Stripe  uint64
			LastSeq uint64
		}{Name: checkpointName(time.Now()), Stripe: stripeIdx, LastSeq: checkpointedSeq},
	}); err != nil {
		return errors.Wrap(err, "akkaradb: append checkpoint")
	}

	if err := e.walW.PruneBefore(checkpointedSeq); err != nil {
		e.log.Errorf("akkaradb: prune wal: %v", err)
	}

	e.comp.Trigger()
	return nil
}

func checkpointName(t time.Time) string {
	return fmt.Sprintf("ckpt_%d", t.UnixNano())
}
