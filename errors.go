package akkaradb

import "github.com/cockroachdb/errors"

// Error kinds of spec.md §7, as sentinel errors matched with errors.Is.
// IO, CorruptedBlock, and UnrecoverableStripe surface from the internal
// packages they originate in (os.File errors, sstable.ErrCorruptedFooter /
// block.ErrCorruptedBlock, stripe.ErrUnrecoverableStripe / parity.ErrUnrecoverable)
// rather than being re-wrapped here; these are the engine-facade-level
// kinds that have no natural home further down the stack.
var (
	// ErrInvalidArgument is returned when an operation is rejected before any
	// side effect: an oversized key or an invalid option. compareAndSwap
	// rejects no expectedSeq value; one that does not match the key's latest
	// seq makes it return false.
	ErrInvalidArgument = errors.New("akkaradb: invalid argument")

	// ErrFormatUnsupported is returned at Open when a legacy single-file WAL
	// is found where this build requires a segment directory. An SST footer
	// whose magic or version is not recognized is not reported with this
	// error: it fails with sstable.ErrCorruptedFooter.
	ErrFormatUnsupported = errors.New("akkaradb: unsupported on-disk format")

	// ErrClosed is returned by any operation invoked on an Engine after
	// Close has completed.
	ErrClosed = errors.New("akkaradb: engine is closed")
)

// CasMismatch is spec §7's CasMismatch kind: not an error condition in the
// ordinary sense (compareAndSwap returns false, not an error), but recorded
// here for documentation symmetry with the other named kinds.
