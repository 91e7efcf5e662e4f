package common

import "errors"

// Sentinel errors, per spec §7. Callers compare with errors.Is; internal
// packages wrap these with github.com/pkg/errors for call-site context
// without losing the sentinel identity (errors.Cause / errors.Is both
// still resolve to these values).
var (
	ErrKeyNotFound = errors.New("quickstep: key not found")
	ErrKeyEmpty    = errors.New("quickstep: key cannot be empty")
	ErrClosed      = errors.New("quickstep: storage engine closed")

	// ErrIoError wraps any underlying OS failure. The DB handle remains
	// usable if the failure was transient.
	ErrIoError = errors.New("quickstep: io error")

	// ErrCorruption indicates an integrity check failed during recovery
	// or a page header violated an invariant. Fatal: Open returns this
	// and does not hand back a DB.
	ErrCorruption = errors.New("quickstep: corruption detected")

	// ErrKeyTooLarge / ErrValueTooLarge: the record alone cannot fit in
	// an empty 4 KiB leaf after prefix compression.
	ErrKeyTooLarge   = errors.New("quickstep: key too large")
	ErrValueTooLarge = errors.New("quickstep: value too large")

	// ErrInsufficientSpace: during WAL replay, the entries recorded for
	// a single PageId exceed one page.
	ErrInsufficientSpace = errors.New("quickstep: insufficient page space")

	// ErrContention: OLC retry budget (SPIN_RETRIES) exceeded. Callers
	// may retry the whole operation.
	ErrContention = errors.New("quickstep: contention exceeded retry budget")

	// ErrBufferFull: eviction could not free a mini-page slot. Fatal
	// configuration error; raise cache_bytes.
	ErrBufferFull = errors.New("quickstep: mini-page buffer full")
)
