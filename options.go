package akkaradb

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SwiftStorm-Studio/akkaradb/internal/compaction"
	"github.com/SwiftStorm-Studio/akkaradb/internal/logger"
	"github.com/SwiftStorm-Studio/akkaradb/internal/parity"
	"github.com/SwiftStorm-Studio/akkaradb/internal/stripe"
	"github.com/SwiftStorm-Studio/akkaradb/internal/wal"
)

// Options configures an Engine, per spec.md §6's configuration table. A nil
// *Options pointer passed to Open is valid and means "use every default";
// the zero value of Options is likewise safe once EnsureDefaults has run.
type Options struct {
	// K is the number of data lanes per stripe (default 4).
	K int
	// M is the number of parity lanes per stripe (default 2).
	M int
	// ParityKind selects the erasure coder; zero value derives from M (1 ->
	// XOR, 2 -> DualXOR, else RS) unless explicitly set.
	ParityKind parity.Kind

	// FlushThresholdBytes is the per-shard memtable sealing threshold.
	FlushThresholdBytes int64
	// NumMemtableShards is the memtable's shard count.
	NumMemtableShards int

	// BloomFPRate is the target SST bloom filter false-positive rate
	// (default 0.01), converted to bitsPerEntry at SST creation time via
	// sstable.BitsPerEntryForFPRate.
	BloomFPRate float64

	// DurableCas forces compareAndSwap to wait for WAL durability before
	// reporting success, even when WAL.FastMode is set.
	DurableCas bool
	// UseStripeForRead enables the stripe-fallback read path in get(),
	// disabled by default per spec §9's open-question resolution.
	UseStripeForRead bool
	// StripeFallbackWindow bounds how many stripes back get()'s fallback
	// scan walks before giving up.
	StripeFallbackWindow uint64

	WAL        wal.Options
	Stripe     stripe.Options
	Compaction compaction.Options

	// Logger receives informational and error messages. Nil selects
	// logger.Default().
	Logger logger.Logger
	// MetricsRegisterer receives the engine's Prometheus collectors. Nil
	// registers against a private, unexposed registry.
	MetricsRegisterer prometheus.Registerer
}

// EnsureDefaults fills in every unset field in place and returns the
// receiver, matching the teacher's (*Options).EnsureDefaults convention so
// a caller can write akkaradb.Open(dir, (&Options{K: 6}).EnsureDefaults()).
func (o *Options) EnsureDefaults() *Options {
	if o.K <= 0 {
		o.K = 4
	}
	if o.M <= 0 {
		o.M = 2
	}
	if o.ParityKind == parity.None && o.M > 0 {
		switch o.M {
		case 1:
			o.ParityKind = parity.XOR
		case 2:
			o.ParityKind = parity.DualXOR
		default:
			o.ParityKind = parity.ReedSolomon
		}
	}
	if o.FlushThresholdBytes <= 0 {
		o.FlushThresholdBytes = 4 * 1024 * 1024
	}
	if o.NumMemtableShards <= 0 {
		o.NumMemtableShards = 16
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = 0.01
	}
	if o.StripeFallbackWindow <= 0 {
		o.StripeFallbackWindow = 4096
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	return o
}

// Validate checks the configuration for the InvalidArgument conditions of
// spec §7 ("Rejected before any side effect"). It must be called after
// EnsureDefaults.
func (o *Options) Validate() error {
	if o.K <= 0 {
		return errors.Wrap(ErrInvalidArgument, "akkaradb: k must be positive")
	}
	if o.M < 0 {
		return errors.Wrap(ErrInvalidArgument, "akkaradb: m must be non-negative")
	}
	if o.K+o.M > 255 {
		return errors.Wrap(ErrInvalidArgument, "akkaradb: k+m must not exceed 255")
	}
	switch o.ParityKind {
	case parity.None:
		if o.M != 0 {
			return errors.Wrap(ErrInvalidArgument, "akkaradb: parityKind NONE requires m=0")
		}
	case parity.XOR:
		if o.M != 1 {
			return errors.Wrap(ErrInvalidArgument, "akkaradb: parityKind XOR requires m=1")
		}
	case parity.DualXOR:
		if o.M != 2 {
			return errors.Wrap(ErrInvalidArgument, "akkaradb: parityKind DUAL_XOR requires m=2")
		}
	case parity.ReedSolomon:
		if o.M < 1 {
			return errors.Wrap(ErrInvalidArgument, "akkaradb: parityKind RS requires m>=1")
		}
	default:
		return errors.Wrap(ErrInvalidArgument, "akkaradb: unknown parityKind")
	}
	if o.FlushThresholdBytes <= 0 {
		return errors.Wrap(ErrInvalidArgument, "akkaradb: flushThresholdBytes must be positive")
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		return errors.Wrap(ErrInvalidArgument, "akkaradb: bloomFPRate must be in (0,1)")
	}
	return nil
}
