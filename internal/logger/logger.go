// Package logger defines the minimal logging interface AkkaraDB's internal
// packages log through, mirroring the teacher's base.Logger convention
// ("Passing a nil Options pointer is valid and means to use the default
// values" extends to logging: a nil Logger is replaced with Default()).
package logger

import (
	"log"

	"github.com/cockroachdb/redact"
)

// Logger is the sink for informational and error messages emitted by the
// engine. Non-sensitive fields (counts, offsets, level/stripe indices)
// should be wrapped in redact.Safe before being passed as format arguments,
// matching Pebble's redaction discipline; raw keys and values must never be
// logged.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Default returns the standard library logger wrapped to satisfy Logger.
func Default() Logger { return stdLogger{} }

type stdLogger struct{}

func (stdLogger) Infof(format string, args ...interface{}) {
	log.Printf("INFO: "+format, args...)
}

func (stdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("ERROR: "+format, args...)
}

func (stdLogger) Fatalf(format string, args ...interface{}) {
	log.Fatalf("FATAL: "+format, args...)
}

// Safe wraps a non-sensitive value for inclusion in a log message, matching
// the teacher's convention of marking counts, offsets, and indices safe for
// redaction while leaving keys/values unmarked.
func Safe(v interface{}) redact.SafeValue {
	return redact.Safe(v)
}
