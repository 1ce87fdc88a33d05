package manifest

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/maps"

	"github.com/SwiftStorm-Studio/akkaradb/internal/akbin"
	"github.com/SwiftStorm-Studio/akkaradb/internal/durability"
	"github.com/SwiftStorm-Studio/akkaradb/internal/logger"
)

// MaxSegmentBytes is the default segment rotation threshold (spec §4.9:
// "MANIFEST_MAX_BYTES (default 32 MiB)").
const MaxSegmentBytes = 32 * 1024 * 1024

const segmentPrefix = "manifest.akman."

// SstMeta describes one live SST as recorded by the most recent SstSeal
// event for it.
type SstMeta struct {
	Level    uint16
	File     string
	Entries  uint64
	FirstKey []byte
	LastKey  []byte
}

// State is the deterministic in-memory projection of the manifest event
// stream: liveSstByLevel, committedStripes, lastCheckpointedSeq (spec §4.9).
type State struct {
	LiveSSTByLevel      map[uint16]map[string]SstMeta
	CommittedStripes    uint64
	LastCheckpointedSeq uint64
	LastCheckpointName  string
	FormatVersion       uint16
	TruncatedOnOpen      bool
}

func newState() State {
	return State{LiveSSTByLevel: make(map[uint16]map[string]SstMeta)}
}

// apply folds one event into the state, per spec §4.9's replay rules.
func (s *State) apply(e Event) {
	switch e.Tag {
	case TagStripeCommit:
		if e.StripeCommit.Stripe > s.CommittedStripes {
			s.CommittedStripes = e.StripeCommit.Stripe
		}
	case TagSstSeal:
		lvl := s.LiveSSTByLevel[e.SstSeal.Level]
		if lvl == nil {
			lvl = make(map[string]SstMeta)
			s.LiveSSTByLevel[e.SstSeal.Level] = lvl
		}
		lvl[e.SstSeal.File] = SstMeta{
			Level: e.SstSeal.Level, File: e.SstSeal.File, Entries: e.SstSeal.Entries,
			FirstKey: e.SstSeal.FirstKey, LastKey: e.SstSeal.LastKey,
		}
	case TagCompactionStart:
		// No state change; recorded for crash-forensics only.
	case TagCompactionEnd:
		// Inputs are formally removed by their SstDelete events, but we
		// proactively drop them here too so a crash between CompactionEnd
		// and the SstDelete sweep doesn't leave the inputs visible.
		for _, f := range e.CompactionEnd.Inputs {
			for lvl, files := range s.LiveSSTByLevel {
				if _, ok := files[f]; ok {
					delete(files, f)
					_ = lvl
				}
			}
		}
	case TagSstDelete:
		for _, files := range s.LiveSSTByLevel {
			delete(files, e.SstDelete.File)
		}
	case TagCheckpoint:
		s.CommittedStripes = e.Checkpoint.Stripe
		s.LastCheckpointedSeq = e.Checkpoint.LastSeq
		s.LastCheckpointName = e.Checkpoint.Name
	case TagTruncate:
		s.TruncatedOnOpen = true
	case TagFormatBump:
		s.FormatVersion = e.FormatBump.NewVer
	}
}

// SortedLevels returns the level numbers with at least one live SST, sorted
// ascending, via golang.org/x/exp/maps for key enumeration (spec §9 doesn't
// mandate an iteration order, so any deterministic order is acceptable
// here — enumerate-then-sort is the straightforward one).
func (s State) SortedLevels() []uint16 {
	levels := maps.Keys(s.LiveSSTByLevel)
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}

// Manifest is the append-only event log writer/replayer of spec.md §4.9.
type Manifest struct {
	dir        string
	log        logger.Logger
	cur        *os.File
	curSeg     int
	curSize    int64
	maxSegment int64
	state      State // mirrors every event this Manifest has written, for rotation snapshots
}

// Open replays every segment under dir (creating it if absent) and returns
// the resulting state plus a Manifest ready to append further events.
func Open(dir string, log logger.Logger) (*Manifest, State, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, State{}, errors.Wrap(err, "manifest: mkdir")
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, State{}, err
	}

	state := newState()
	for i, segNum := range segs {
		path := segmentPath(dir, segNum)
		final := i == len(segs)-1
		torn, err := replaySegment(path, &state, final, log)
		if err != nil {
			return nil, State{}, err
		}
		if torn && !final {
			return nil, State{}, errors.Newf("manifest: non-final segment %s has a torn tail", errors.Safe(path))
		}
	}

	nextSeg := 0
	if len(segs) > 0 {
		nextSeg = segs[len(segs)-1]
	}
	f, size, err := openForAppend(dir, nextSeg)
	if err != nil {
		return nil, State{}, err
	}

	m := &Manifest{dir: dir, log: log, cur: f, curSeg: nextSeg, curSize: size, maxSegment: MaxSegmentBytes, state: state}
	return m, state.clone(), nil
}

// clone deep-copies the level→file map so callers can retain a snapshot
// without aliasing the Manifest's own mutable state.
func (s State) clone() State {
	out := s
	out.LiveSSTByLevel = make(map[uint16]map[string]SstMeta, len(s.LiveSSTByLevel))
	for lvl, files := range s.LiveSSTByLevel {
		fc := make(map[string]SstMeta, len(files))
		for k, v := range files {
			fc[k] = v
		}
		out.LiveSSTByLevel[lvl] = fc
	}
	return out
}

// State returns a snapshot of the manifest's current in-memory state.
func (m *Manifest) State() State {
	return m.state.clone()
}

func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "manifest: readdir")
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
		return nil, 0, errors.Wrap(err, "manifest: open segment")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrap(err, "manifest: stat segment")
	}
	return f, info.Size(), nil
}

// replaySegment reads path frame by frame, applying each valid event to
// state. If final is true, a torn/invalid trailing frame stops replay
// without error (spec: "stop at first invalid/incomplete frame in the last
// segment; earlier segments must be fully valid").
func replaySegment(path string, state *State, final bool, log logger.Logger) (torn bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, "manifest: read segment %s", path)
	}
	off := 0
	for off < len(data) {
		if off+4 > len(data) {
			torn = true
			break
		}
		length := int(akbin.U32(data[off : off+4]))
		frameEnd := off + 4 + length + 4
		if length < 1 || frameEnd > len(data) {
			torn = true
			break
		}
		payload := data[off+4 : off+4+length]
		wantCRC := akbin.U32(data[off+4+length : frameEnd])
		if akbin.ChecksumCRC32C(payload) != wantCRC {
			torn = true
			break
		}
		ev, err := DecodeEvent(payload)
		if err != nil {
			torn = true
			break
		}
		state.apply(ev)
		off = frameEnd
	}
	if torn {
		if !final {
			return true, nil
		}
		log.Infof("manifest: segment %s has a torn tail at offset %d, recovered prefix only", logger.Safe(path), logger.Safe(off))
	}
	return torn, nil
}

// Append writes one event to the current segment. Durability is deferred:
// for non-Checkpoint events the frame is written to the OS page cache but
// not fsync'd (spec §4.9: "for other events, durability is deferred to the
// next checkpoint or explicit flush").
func (m *Manifest) Append(e Event) error {
	return m.write(e, false)
}

// Checkpoint writes a Checkpoint event and fsyncs, per spec §4.9 ("Writes
// are flushed and fsync'd on every Checkpoint"), then rotates onto a fresh
// segment seeded with a full snapshot of current state and sweeps away the
// now-redundant older segments.
func (m *Manifest) Checkpoint(e Event) error {
	if e.Tag != TagCheckpoint {
		return errors.New("manifest: Checkpoint called with non-Checkpoint event")
	}
	if err := m.write(e, true); err != nil {
		return err
	}
	return m.rotateWithSnapshotAndSweep()
}

func (m *Manifest) write(e Event, sync bool) error {
	payload := e.Encode()
	frame := make([]byte, 4+len(payload)+4)
	akbin.PutU32(frame[0:4], uint32(len(payload)))
	copy(frame[4:], payload)
	akbin.PutU32(frame[4+len(payload):], akbin.ChecksumCRC32C(payload))

	if m.curSize+int64(len(frame)) > m.maxSegment {
		if err := m.rotate(); err != nil {
			return err
		}
	}

	n, err := m.cur.Write(frame)
	if err != nil {
		return errors.Wrap(err, "manifest: write frame")
	}
	m.curSize += int64(n)
	if sync {
		if err := durability.Barrier(m.cur, false); err != nil {
			return errors.Wrap(err, "manifest: fsync")
		}
	}
	m.state.apply(e)
	return nil
}

func (m *Manifest) rotate() error {
	if err := m.cur.Close(); err != nil {
		return errors.Wrap(err, "manifest: close segment on rotate")
	}
	m.curSeg++
	f, size, err := openForAppend(m.dir, m.curSeg)
	if err != nil {
		return err
	}
	m.cur = f
	m.curSize = size
	return nil
}

// rotateWithSnapshotAndSweep starts a fresh segment seeded with events that
// reconstruct the entirety of m.state (every live SST's SstSeal, the
// current StripeCommit, and the just-written Checkpoint), then deletes every
// segment older than the new one. Spec §4.9 says only that "older segments
// are retained until the next post-checkpoint sweep"; writing a full
// snapshot into the new segment is what makes deleting everything older
// than it safe, since replay requires all non-final segments to be fully
// self-sufficient.
func (m *Manifest) rotateWithSnapshotAndSweep() error {
	if err := m.rotate(); err != nil {
		return err
	}
	// Every older segment is deleted below, so the snapshot must land whole
	// in the fresh segment: size-based rotation is suspended while it is
	// written.
	maxSegment := m.maxSegment
	m.maxSegment = math.MaxInt64
	defer func() { m.maxSegment = maxSegment }()

	snapshot := m.state.clone()
	for _, lvl := range snapshot.SortedLevels() {
		files := snapshot.LiveSSTByLevel[lvl]
		names := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			meta := files[name]
			var ev Event
			ev.Tag = TagSstSeal
			ev.SstSeal.Level = meta.Level
			ev.SstSeal.File = meta.File
			ev.SstSeal.Entries = meta.Entries
			ev.SstSeal.FirstKey = meta.FirstKey
			ev.SstSeal.LastKey = meta.LastKey
			if err := m.write(ev, false); err != nil {
				return err
			}
		}
	}
	var stripeEv Event
	stripeEv.Tag = TagStripeCommit
	stripeEv.StripeCommit.Stripe = snapshot.CommittedStripes
	if err := m.write(stripeEv, false); err != nil {
		return err
	}
	var ckEv Event
	ckEv.Tag = TagCheckpoint
	ckEv.Checkpoint.Name = snapshot.LastCheckpointName
	ckEv.Checkpoint.Stripe = snapshot.CommittedStripes
	ckEv.Checkpoint.LastSeq = snapshot.LastCheckpointedSeq
	if err := m.write(ckEv, true); err != nil {
		return err
	}

	keepFrom := m.curSeg
	segs, err := listSegments(m.dir)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if seg >= keepFrom {
			continue
		}
		path := segmentPath(m.dir, seg)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "manifest: remove old segment %s", path)
		}
	}
	return nil
}

// Close closes the current segment file.
func (m *Manifest) Close() error {
	return m.cur.Close()
}
