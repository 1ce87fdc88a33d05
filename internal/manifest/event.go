// Package manifest implements the append-only manifest event log of
// spec.md §4.9: the authoritative list of live SSTs and committed stripes,
// replayed deterministically at open to reconstruct engine state.
package manifest

import (
	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/akbin"
)

// EventTag identifies a manifest event variant.
type EventTag uint8

const (
	TagStripeCommit EventTag = iota + 1
	TagSstSeal
	TagCompactionStart
	TagCompactionEnd
	TagSstDelete
	TagCheckpoint
	TagTruncate
	TagFormatBump
)

// Event is the sum type of every manifest event variant in spec.md §4.9.
// Exactly one of the typed fields is meaningful, selected by Tag.
type Event struct {
	Tag EventTag

	StripeCommit struct {
		Stripe uint64
	}
	SstSeal struct {
		Level    uint16
		File     string
		Entries  uint64
		FirstKey []byte
		LastKey  []byte
	}
	CompactionStart struct {
		Level  uint16
		Inputs []string
	}
	CompactionEnd struct {
		Level   uint16
		Outputs []string
		Inputs  []string
	}
	SstDelete struct {
		File string
	}
	Checkpoint struct {
		Name     string
		Stripe   uint64
		LastSeq  uint64
	}
	Truncate struct {
		Reason string
		Stripe uint64
	}
	FormatBump struct {
		OldVer uint16
		NewVer uint16
	}
}

func putString(dst *[]byte, s string) {
	var lenBuf [4]byte
	akbin.PutU32(lenBuf[:], uint32(len(s)))
	*dst = append(*dst, lenBuf[:]...)
	*dst = append(*dst, s...)
}

func putBytes(dst *[]byte, b []byte) {
	var lenBuf [4]byte
	akbin.PutU32(lenBuf[:], uint32(len(b)))
	*dst = append(*dst, lenBuf[:]...)
	*dst = append(*dst, b...)
}

func putStrings(dst *[]byte, ss []string) {
	var countBuf [4]byte
	akbin.PutU32(countBuf[:], uint32(len(ss)))
	*dst = append(*dst, countBuf[:]...)
	for _, s := range ss {
		putString(dst, s)
	}
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, errors.New("manifest: truncated string length")
	}
	n := int(akbin.U32(buf[:4]))
	buf = buf[4:]
	if len(buf) < n {
		return "", nil, errors.New("manifest: truncated string body")
	}
	return string(buf[:n]), buf[n:], nil
}

func getBytes(buf []byte) ([]byte, []byte, error) {
	s, rest, err := getString(buf)
	if err != nil {
		return nil, nil, err
	}
	if s == "" {
		return nil, rest, nil
	}
	return []byte(s), rest, nil
}

func getStrings(buf []byte) ([]string, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errors.New("manifest: truncated string count")
	}
	n := int(akbin.U32(buf[:4]))
	buf = buf[4:]
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var s string
		var err error
		s, buf, err = getString(buf)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, s)
	}
	return out, buf, nil
}

// Encode serializes e as tag ∥ fields, matching the manifest frame payload
// of spec §6 ("[tag u8 ∥ fields]").
func (e Event) Encode() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(e.Tag))
	switch e.Tag {
	case TagStripeCommit:
		var b [8]byte
		akbin.PutU64(b[:], e.StripeCommit.Stripe)
		buf = append(buf, b[:]...)
	case TagSstSeal:
		var b [10]byte
		akbin.PutU16(b[0:2], e.SstSeal.Level)
		akbin.PutU64(b[2:10], e.SstSeal.Entries)
		buf = append(buf, b[:]...)
		putString(&buf, e.SstSeal.File)
		putBytes(&buf, e.SstSeal.FirstKey)
		putBytes(&buf, e.SstSeal.LastKey)
	case TagCompactionStart:
		var b [2]byte
		akbin.PutU16(b[:], e.CompactionStart.Level)
		buf = append(buf, b[:]...)
		putStrings(&buf, e.CompactionStart.Inputs)
	case TagCompactionEnd:
		var b [2]byte
		akbin.PutU16(b[:], e.CompactionEnd.Level)
		buf = append(buf, b[:]...)
		putStrings(&buf, e.CompactionEnd.Outputs)
		putStrings(&buf, e.CompactionEnd.Inputs)
	case TagSstDelete:
		putString(&buf, e.SstDelete.File)
	case TagCheckpoint:
		putString(&buf, e.Checkpoint.Name)
		var b [16]byte
		akbin.PutU64(b[0:8], e.Checkpoint.Stripe)
		akbin.PutU64(b[8:16], e.Checkpoint.LastSeq)
		buf = append(buf, b[:]...)
	case TagTruncate:
		putString(&buf, e.Truncate.Reason)
		var b [8]byte
		akbin.PutU64(b[:], e.Truncate.Stripe)
		buf = append(buf, b[:]...)
	case TagFormatBump:
		var b [4]byte
		akbin.PutU16(b[0:2], e.FormatBump.OldVer)
		akbin.PutU16(b[2:4], e.FormatBump.NewVer)
		buf = append(buf, b[:]...)
	default:
		panic("manifest: unknown event tag")
	}
	return buf
}

// DecodeEvent parses one manifest event payload (tag ∥ fields, no frame
// length/CRC — those are the caller's responsibility).
func DecodeEvent(buf []byte) (Event, error) {
	if len(buf) < 1 {
		return Event{}, errors.New("manifest: empty event payload")
	}
	tag := EventTag(buf[0])
	buf = buf[1:]
	var e Event
	e.Tag = tag
	var err error
	switch tag {
	case TagStripeCommit:
		if len(buf) < 8 {
			return Event{}, errors.New("manifest: truncated StripeCommit")
		}
		e.StripeCommit.Stripe = akbin.U64(buf)
	case TagSstSeal:
		if len(buf) < 10 {
			return Event{}, errors.New("manifest: truncated SstSeal")
		}
		e.SstSeal.Level = akbin.U16(buf[0:2])
		e.SstSeal.Entries = akbin.U64(buf[2:10])
		buf = buf[10:]
		e.SstSeal.File, buf, err = getString(buf)
		if err != nil {
			return Event{}, err
		}
		e.SstSeal.FirstKey, buf, err = getBytes(buf)
		if err != nil {
			return Event{}, err
		}
		e.SstSeal.LastKey, buf, err = getBytes(buf)
		if err != nil {
			return Event{}, err
		}
	case TagCompactionStart:
		if len(buf) < 2 {
			return Event{}, errors.New("manifest: truncated CompactionStart")
		}
		e.CompactionStart.Level = akbin.U16(buf[0:2])
		buf = buf[2:]
		e.CompactionStart.Inputs, buf, err = getStrings(buf)
		if err != nil {
			return Event{}, err
		}
	case TagCompactionEnd:
		if len(buf) < 2 {
			return Event{}, errors.New("manifest: truncated CompactionEnd")
		}
		e.CompactionEnd.Level = akbin.U16(buf[0:2])
		buf = buf[2:]
		e.CompactionEnd.Outputs, buf, err = getStrings(buf)
		if err != nil {
			return Event{}, err
		}
		e.CompactionEnd.Inputs, buf, err = getStrings(buf)
		if err != nil {
			return Event{}, err
		}
	case TagSstDelete:
		e.SstDelete.File, buf, err = getString(buf)
		if err != nil {
			return Event{}, err
		}
	case TagCheckpoint:
		e.Checkpoint.Name, buf, err = getString(buf)
		if err != nil {
			return Event{}, err
		}
		if len(buf) < 16 {
			return Event{}, errors.New("manifest: truncated Checkpoint")
		}
		e.Checkpoint.Stripe = akbin.U64(buf[0:8])
		e.Checkpoint.LastSeq = akbin.U64(buf[8:16])
	case TagTruncate:
		e.Truncate.Reason, buf, err = getString(buf)
		if err != nil {
			return Event{}, err
		}
		if len(buf) < 8 {
			return Event{}, errors.New("manifest: truncated Truncate")
		}
		e.Truncate.Stripe = akbin.U64(buf)
	case TagFormatBump:
		if len(buf) < 4 {
			return Event{}, errors.New("manifest: truncated FormatBump")
		}
		e.FormatBump.OldVer = akbin.U16(buf[0:2])
		e.FormatBump.NewVer = akbin.U16(buf[2:4])
	default:
		return Event{}, errors.Newf("manifest: unknown event tag %d", errors.Safe(byte(tag)))
	}
	return e, nil
}
