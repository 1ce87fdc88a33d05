package compaction

import (
	"context"
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// wallClock is the tokenbucket.TimeSource the compactor's throttle runs on;
// kept as our own type (rather than depending on an exported default from
// the library) so this file has no hidden dependency on tokenbucket's
// internal helpers.
type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// newThrottle builds a token bucket rate-limiting compaction I/O to
// ratePerSec bytes/second with burstBytes of burst capacity, per spec §9's
// background-compaction design note and the domain-stack wiring ledger's
// assignment of cockroachdb/tokenbucket to "compactor's background I/O
// throttle".
func newThrottle(ratePerSec, burstBytes float64) *tokenbucket.TokenBucket {
	tb := &tokenbucket.TokenBucket{}
	tb.Init(tokenbucket.Config{
		Rate:  tokenbucket.TokensPerSecond(ratePerSec),
		Burst: tokenbucket.Tokens(burstBytes),
	}, wallClock{})
	return tb
}

// throttle blocks until n bytes' worth of tokens are available, or ctx is
// done. A nil bucket (throttling disabled) returns immediately.
func throttle(ctx context.Context, tb *tokenbucket.TokenBucket, n int) error {
	if tb == nil || n <= 0 {
		return nil
	}
	return tb.Wait(ctx, tokenbucket.Tokens(n))
}
