//go:build unix

// Package durability provides the fast-mode/durable-mode durability barrier
// used by the WAL and stripe writers (spec.md §4.4, §4.5: "fdatasync in fast
// mode, fsync in durable mode"). On unix platforms fast mode maps to the
// fdatasync(2) syscall via golang.org/x/sys/unix, skipping the metadata sync
// that *os.File.Sync performs; durable mode always calls Sync.
package durability

import (
	"os"

	"golang.org/x/sys/unix"
)

// Barrier flushes f's data (and metadata, in durable mode) to stable
// storage.
func Barrier(f *os.File, fast bool) error {
	if !fast {
		return f.Sync()
	}
	return unix.Fdatasync(int(f.Fd()))
}
