// Package stripe implements the k+m erasure-coded lane log of spec.md §4.4:
// parallel append-only lane files, group-committed durability, truncation-
// on-open recovery, and parity-reconstructing reads. It knows nothing about
// records — it stores and serves opaque 32 KiB blocks, the same unit
// internal/block packs and internal/parity protects.
package stripe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/block"
	"github.com/SwiftStorm-Studio/akkaradb/internal/durability"
	"github.com/SwiftStorm-Studio/akkaradb/internal/logger"
	"github.com/SwiftStorm-Studio/akkaradb/internal/parity"
)

const laneBufSize = 1 << 20 // 1 MiB lane write buffer, per spec §4.4.

// Options configures the group-commit cadence shared by every lane.
type Options struct {
	GroupN      int
	GroupMicros int64
	FastMode    bool
}

func (o *Options) ensureDefaults() {
	if o.GroupN <= 0 {
		o.GroupN = 8
	}
	if o.GroupMicros <= 0 {
		o.GroupMicros = 5000
	}
}

func laneName(i, k int) string {
	if i < k {
		return fmt.Sprintf("data_%d", i)
	}
	return fmt.Sprintf("parity_%d", i-k)
}

// Writer owns k+m lane files and assigns arriving data blocks to stripes.
type Writer struct {
	dir   string
	k, m  int
	coder parity.Coder
	opts  Options
	log   logger.Logger

	files []*os.File
	bufw  []*bufio.Writer

	mu                 sync.Mutex
	cond               *sync.Cond
	pendingData        [][]byte
	stripeIdx          uint64
	stripesSinceCommit int
	generation         uint64
	closed             bool

	flushCh   chan struct{}
	doneCh    chan struct{}
	stoppedCh chan struct{}

	onCommit func(stripeIdx uint64)
}

// Open opens (creating if needed) the k+m lane files under dir, recovers to
// the last common durable stripe per spec §4.4's truncation rule, and
// starts the background group-commit flusher. committedStripes is the
// manifest's last known committed_stripes counter; the writer never trusts
// lane length alone past that point.
func Open(dir string, k, m int, coder parity.Coder, opts Options, committedStripes uint64, log logger.Logger) (*Writer, uint64, error) {
	if log == nil {
		log = logger.Default()
	}
	opts.ensureDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, 0, errors.Wrap(err, "stripe: mkdir")
	}

	n := k + m
	files := make([]*os.File, n)
	sizes := make([]int64, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, laneName(i, k))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			closeAll(files)
			return nil, 0, errors.Wrapf(err, "stripe: open lane %s", errors.Safe(laneName(i, k)))
		}
		info, err := f.Stat()
		if err != nil {
			closeAll(files)
			return nil, 0, errors.Wrap(err, "stripe: stat lane")
		}
		files[i] = f
		sizes[i] = info.Size()
	}

	minBlocks := sizes[0] / block.Size
	for _, s := range sizes[1:] {
		if b := s / block.Size; b < minBlocks {
			minBlocks = b
		}
	}
	aligned := uint64(minBlocks)
	truncated := aligned
	if committedStripes < aligned {
		truncated = committedStripes
	}

	for _, f := range files {
		if err := f.Truncate(int64(truncated) * block.Size); err != nil {
			closeAll(files)
			return nil, 0, errors.Wrap(err, "stripe: truncate lane")
		}
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			closeAll(files)
			return nil, 0, errors.Wrap(err, "stripe: seek lane")
		}
	}

	bufw := make([]*bufio.Writer, n)
	for i, f := range files {
		bufw[i] = bufio.NewWriterSize(f, laneBufSize)
	}

	w := &Writer{
		dir: dir, k: k, m: m, coder: coder, opts: opts, log: log,
		files: files, bufw: bufw, stripeIdx: truncated,
		flushCh: make(chan struct{}, 1), doneCh: make(chan struct{}), stoppedCh: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.runFlusher()
	return w, truncated, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// SetOnCommit registers a callback fired with the highest durably committed
// stripe index after each group-commit cycle, so the manifest's
// committed_stripes counter can advance.
func (w *Writer) SetOnCommit(f func(stripeIdx uint64)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onCommit = f
}

// AppendBlock adds one data block to the in-progress stripe. Once k blocks
// have accumulated, parity is computed immediately and all k+m blocks are
// written to their lane buffers; durability is deferred to the group-commit
// policy. In durable mode, AppendBlock blocks until the stripe this block
// completed has been committed; in fast mode it returns immediately after
// buffering.
func (w *Writer) AppendBlock(blk []byte) error {
	if len(blk) != block.Size {
		return errors.Newf("stripe: block must be exactly %d bytes, got %d", errors.Safe(block.Size), errors.Safe(len(blk)))
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("stripe: append on closed writer")
	}
	w.pendingData = append(w.pendingData, blk)
	if len(w.pendingData) < w.k {
		w.mu.Unlock()
		return nil
	}

	dataBlocks := w.pendingData
	w.pendingData = nil
	parityBlocks, err := w.coder.Encode(dataBlocks)
	if err != nil {
		w.mu.Unlock()
		return errors.Wrap(err, "stripe: encode parity")
	}
	for i, d := range dataBlocks {
		if _, err := w.bufw[i].Write(d); err != nil {
			w.mu.Unlock()
			return errors.Wrap(err, "stripe: write data lane")
		}
	}
	for i, p := range parityBlocks {
		if _, err := w.bufw[w.k+i].Write(p); err != nil {
			w.mu.Unlock()
			return errors.Wrap(err, "stripe: write parity lane")
		}
	}
	w.stripeIdx++
	w.stripesSinceCommit++
	myGen := w.generation
	reached := w.stripesSinceCommit >= w.opts.GroupN
	w.mu.Unlock()

	if reached {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}

	if w.opts.FastMode {
		return nil
	}

	w.mu.Lock()
	for w.generation <= myGen && !w.closed {
		w.cond.Wait()
	}
	w.mu.Unlock()
	return nil
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
				w.log.Errorf("stripe: flush failed: %v", err)
			}
			return
		}
		if err := w.flushLocked(); err != nil {
			w.log.Errorf("stripe: flush failed: %v", err)
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

// Flush forces an immediate durable flush of any committed-but-unflushed
// stripes, without waiting for the group-commit threshold or timer, per
// spec §4.10's flush() operation.
func (w *Writer) Flush() error {
	return w.flushLocked()
}

// PendingBlocks reports how many data blocks have arrived since the last
// full stripe was formed and its data and parity blocks were written to the
// lane buffers — the commit lag spec §5's resource model describes.
func (w *Writer) PendingBlocks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pendingData)
}

func (w *Writer) flushLocked() error {
	w.mu.Lock()
	if w.stripesSinceCommit == 0 {
		w.mu.Unlock()
		return nil
	}
	committed := w.stripeIdx
	w.stripesSinceCommit = 0

	for i, bw := range w.bufw {
		if err := bw.Flush(); err != nil {
			w.mu.Unlock()
			return errors.Wrapf(err, "stripe: flush lane %d", errors.Safe(i))
		}
	}
	for i, f := range w.files {
		if err := durability.Barrier(f, w.opts.FastMode); err != nil {
			w.mu.Unlock()
			return errors.Wrapf(err, "stripe: durability barrier on lane %d", errors.Safe(i))
		}
	}

	w.generation++
	cb := w.onCommit
	w.cond.Broadcast()
	w.mu.Unlock()

	if cb != nil {
		cb(committed)
	}
	return nil
}

// Close flushes any complete, buffered stripe and closes all lane files. A
// trailing partial group of fewer than k data blocks is dropped: it never
// formed a valid stripe and the WAL remains the source of truth for it.
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
	var first error
	for _, f := range w.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	w.mu.Unlock()
	return first
}
