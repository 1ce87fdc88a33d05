//go:build !unix

package durability

import "os"

// Barrier flushes f to stable storage. Non-unix platforms have no distinct
// fdatasync primitive exposed via golang.org/x/sys, so fast mode falls back
// to the same full fsync as durable mode.
func Barrier(f *os.File, fast bool) error {
	return f.Sync()
}
