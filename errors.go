package shmcache

import (
	"errors"

	"github.com/calvinalkan/shmcache/internal/store"
)

// Sentinel errors returned by cache operations.
//
// Callers should use [errors.Is] to check error types:
//
//	val, _, err := cache.Get("k")
//	if errors.Is(err, shmcache.ErrMiss) {
//	    // cold path
//	}
var (
	// ErrMiss indicates the key is not present.
	ErrMiss = store.ErrMiss

	// ErrExists indicates Add found a live entry for the key.
	ErrExists = store.ErrExists

	// ErrNotFound indicates Replace found no live entry for the key.
	ErrNotFound = store.ErrNotFound

	// ErrOversize indicates the value does not fit in a zone. The
	// segment is unchanged, except that a failed Set removes any prior
	// entry for the same key.
	ErrOversize = store.ErrOversize

	// ErrNonNumeric indicates Increment found a value that does not
	// parse as a signed decimal integer. Value and stats are unchanged.
	ErrNonNumeric = store.ErrNonNumeric

	// ErrLocked indicates a lock acquisition timed out.
	//
	// Recovery: retry after a short delay.
	ErrLocked = store.ErrLocked

	// ErrCorrupt indicates an invariant violation was detected in the
	// segment. The handle is poisoned; every subsequent operation
	// returns ErrCorrupt.
	//
	// Recovery: Destroy the segment and re-attach.
	ErrCorrupt = store.ErrCorrupt

	// ErrClosed indicates the Cache has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("shmcache: closed")

	// ErrInvalidInput indicates malformed input: an empty key or one
	// containing spaces or control characters, an empty value, a
	// segment size below MinSegmentSize, or a GetValue destination that
	// cannot receive a raw value.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("shmcache: invalid input")
)
