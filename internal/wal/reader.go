package wal

import (
	"os"

	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/logger"
	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

// Entry is one replayed record together with the segment it came from, so
// callers can report progress or correlate with manifest checkpoints.
type Entry struct {
	Record record.Record
	Seg    int
}

// Replay reads every segment in dir in order and invokes fn for each record
// whose seq is greater than afterSeq, stopping at the first torn frame
// (spec §4.5 / §7: truncation mid-segment is the expected shape of the last
// write before a crash, not a corruption to report). It returns the highest
// seq observed and whether replay stopped early due to a torn tail.
func Replay(dir string, afterSeq uint64, log logger.Logger, fn func(Entry) error) (highestSeq uint64, truncated bool, err error) {
	if log == nil {
		log = logger.Default()
	}
	if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
		return afterSeq, false, nil
	}
	segs, err := listSegments(dir)
	if err != nil {
		return afterSeq, false, err
	}
	highestSeq = afterSeq

	for _, seg := range segs {
		buf, err := os.ReadFile(segmentPath(dir, seg))
		if err != nil {
			return highestSeq, false, errors.Wrapf(err, "wal: read segment %d", seg)
		}
		off := 0
		for off < len(buf) {
			v, next, ok := decodeFrame(buf, off)
			if !ok {
				if off != len(buf) {
					log.Infof("wal: segment %d stopped at offset %d of %d (torn tail)", logger.Safe(seg), logger.Safe(off), logger.Safe(len(buf)))
					truncated = true
				}
				return highestSeq, truncated, nil
			}
			off = next
			if v.Seq <= afterSeq {
				continue
			}
			if v.Seq > highestSeq {
				highestSeq = v.Seq
			}
			if err := fn(Entry{Record: v.Materialize(), Seg: seg}); err != nil {
				return highestSeq, truncated, err
			}
		}
	}
	return highestSeq, truncated, nil
}
