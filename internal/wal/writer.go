package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/durability"
	"github.com/SwiftStorm-Studio/akkaradb/internal/logger"
	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

const segmentPrefix = "wal."

// Options configures group commit behavior, per spec.md §4.5 / §6.
type Options struct {
	// GroupN is the pending frame count that triggers an immediate flush.
	GroupN int
	// GroupMicros is the maximum interval between flushes even if GroupN
	// has not been reached.
	GroupMicros int64
	// FastMode selects fdatasync-class durability; false selects fsync.
	FastMode bool
	// SegmentMaxBytes bounds each WAL segment before sealSegment rotates.
	SegmentMaxBytes int64
}

func (o *Options) ensureDefaults() {
	if o.GroupN <= 0 {
		o.GroupN = 64
	}
	if o.GroupMicros <= 0 {
		o.GroupMicros = 2000
	}
	if o.SegmentMaxBytes <= 0 {
		o.SegmentMaxBytes = 64 * 1024 * 1024
	}
}

// Writer is the WAL append/flush/rotate side of spec §4.5.
type Writer struct {
	dir  string
	opts Options
	log  logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	cur     *os.File
	curSeg  int
	curSize int64

	pendingBuf   []byte
	pendingCount int
	generation   uint64

	closed    bool
	flushCh   chan struct{}
	doneCh    chan struct{}
	stoppedCh chan struct{}

	onFlush func(highestSeq uint64) // invoked after each durable flush, with the highest seq flushed
	highestPendingSeq uint64
	highestFlushedSeq uint64
}

// Open creates dir if needed and opens (or creates) the newest segment for
// appending. It rejects a legacy bare single-file WAL layout with an error
// rather than silently reinterpreting it; the engine's Open reports that
// case as ErrFormatUnsupported before reaching here, per SPEC_FULL.md §D.5.
func Open(dir string, opts Options, log logger.Logger) (*Writer, error) {
	if log == nil {
		log = logger.Default()
	}
	opts.ensureDefaults()

	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return nil, errors.Newf("akkaradb: legacy single-file WAL layout at %s is not supported; this build requires a segment directory", errors.Safe(dir))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "wal: mkdir")
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	seg := 0
	if len(segs) > 0 {
		seg = segs[len(segs)-1]
	}
	f, size, err := openForAppend(dir, seg)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		dir: dir, opts: opts, log: log,
		cur: f, curSeg: seg, curSize: size,
		flushCh:   make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.runFlusher()
	return w, nil
}

// SetOnFlush registers a callback invoked with the highest seq durably
// flushed after each group-commit cycle.
func (w *Writer) SetOnFlush(f func(highestSeq uint64)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFlush = f
}

func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "wal: readdir")
	}
	var segs []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(e.Name(), segmentPrefix+"%d", &n); err == nil {
			segs = append(segs, n)
		}
	}
	sort.Ints(segs)
	return segs, nil
}

func segmentPath(dir string, seg int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%06d", segmentPrefix, seg))
}

func openForAppend(dir string, seg int) (*os.File, int64, error) {
	path := segmentPath(dir, seg)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, 0, errors.Wrap(err, "wal: open segment")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrap(err, "wal: stat segment")
	}
	return f, info.Size(), nil
}

// Append enqueues r's frame. In durable mode it blocks until the frame has
// been made durable by the group-commit flusher; in fast mode it returns as
// soon as the frame is enqueued (spec §4.5).
func (w *Writer) Append(r record.Record) error {
	return w.append(r, w.opts.FastMode)
}

// AppendWait enqueues r's frame and always blocks until it is durable,
// regardless of FastMode. Used for operations spec §6 requires to honor
// durableCas even when the writer's general mode is fast.
func (w *Writer) AppendWait(r record.Record) error {
	return w.append(r, false)
}

func (w *Writer) append(r record.Record, fast bool) error {
	frame := encodeFrame(r)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("wal: append on closed writer")
	}
	w.pendingBuf = append(w.pendingBuf, frame...)
	w.pendingCount++
	if r.Seq > w.highestPendingSeq {
		w.highestPendingSeq = r.Seq
	}
	myGen := w.generation
	reachedThreshold := w.pendingCount >= w.opts.GroupN
	w.mu.Unlock()

	if reachedThreshold {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}

	if fast {
		return nil
	}

	w.mu.Lock()
	for w.generation <= myGen && !w.closed {
		w.cond.Wait()
	}
	w.mu.Unlock()
	return nil
}

// Flush forces an immediate durable flush of any buffered frames, without
// waiting for the group-commit threshold or timer, per spec §4.10's
// flush() operation.
func (w *Writer) Flush() error {
	return w.flushLocked()
}

// PendingBytes reports how many bytes are currently buffered, not yet
// durably flushed.
func (w *Writer) PendingBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.pendingBuf))
}

func (w *Writer) runFlusher() {
	interval := time.Duration(w.opts.GroupMicros) * time.Microsecond
	timer := time.NewTimer(interval)
	defer timer.Stop()
	defer close(w.stoppedCh)
	for {
		select {
		case <-w.flushCh:
		case <-timer.C:
		case <-w.doneCh:
			if err := w.flushLocked(); err != nil {
				w.log.Errorf("wal: flush failed: %v", err)
			}
			return
		}
		if err := w.flushLocked(); err != nil {
			w.log.Errorf("wal: flush failed: %v", err)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// flushLocked writes the accumulated pending buffer to the current segment
// and issues a durability barrier, then advances generation and wakes
// waiters. It is safe to call with nothing pending (a no-op).
func (w *Writer) flushLocked() error {
	w.mu.Lock()
	if len(w.pendingBuf) == 0 {
		w.mu.Unlock()
		return nil
	}
	buf := w.pendingBuf
	flushedSeq := w.highestPendingSeq
	w.pendingBuf = nil
	w.pendingCount = 0

	if w.curSize+int64(len(buf)) > w.opts.SegmentMaxBytes {
		if err := w.rotateLocked(); err != nil {
			w.mu.Unlock()
			return errors.Wrap(err, "wal: rotate")
		}
	}

	n, err := w.cur.Write(buf)
	w.curSize += int64(n)
	if err != nil {
		w.mu.Unlock()
		return errors.Wrap(err, "wal: write")
	}
	if err := durability.Barrier(w.cur, w.opts.FastMode); err != nil {
		w.mu.Unlock()
		return errors.Wrap(err, "wal: durability barrier")
	}

	w.generation++
	w.highestFlushedSeq = flushedSeq
	cb := w.onFlush
	w.cond.Broadcast()
	w.mu.Unlock()

	if cb != nil {
		cb(flushedSeq)
	}
	return nil
}

func (w *Writer) rotateLocked() error {
	if err := w.cur.Close(); err != nil {
		return errors.Wrap(err, "wal: close segment on rotate")
	}
	w.curSeg++
	f, size, err := openForAppend(w.dir, w.curSeg)
	if err != nil {
		return err
	}
	w.cur = f
	w.curSize = size
	return nil
}

// SealSegment atomically closes the current segment and opens a new one,
// regardless of size, per spec §4.5's explicit sealSegment operation (used
// by Engine.flush()).
func (w *Writer) SealSegment() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// PruneBefore removes WAL segments strictly older than the current segment
// whose highest seq is ≤ checkpointedSeq, per spec §4.5 ("Segments older
// than the last checkpoint's ... may be pruned"). Since segments are append
// sequences, a conservative and simple rule is sufficient: prune every
// segment fully older than the current one once its contents are known to
// be ≤ checkpointedSeq. Tracking per-segment max seq precisely would need
// an index; this implementation prunes all sealed segments older than the
// current one once checkpointedSeq has advanced past the WAL's entire
// flushed watermark, which is the common case right after Engine.flush().
func (w *Writer) PruneBefore(checkpointedSeq uint64) error {
	w.mu.Lock()
	highest := w.highestFlushedSeq
	curSeg := w.curSeg
	w.mu.Unlock()

	if checkpointedSeq < highest {
		return nil
	}
	segs, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if seg >= curSeg {
			continue
		}
		if err := os.Remove(segmentPath(w.dir, seg)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "wal: prune segment %d", seg)
		}
	}
	return nil
}

// Close flushes any pending frames, stops the background flusher, and
// closes the current segment file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.doneCh)
	<-w.stoppedCh

	w.mu.Lock()
	w.cond.Broadcast()
	err := w.cur.Close()
	w.mu.Unlock()
	return err
}
