package store

import "errors"

// Sentinel errors surfaced by engine operations. The shmcache facade
// re-exports these; callers use [errors.Is].
var (
	// ErrMiss indicates the key is not present.
	ErrMiss = errors.New("shmcache: miss")

	// ErrExists indicates Add found a live entry for the key.
	ErrExists = errors.New("shmcache: exists")

	// ErrNotFound indicates Replace found no live entry for the key.
	ErrNotFound = errors.New("shmcache: not found")

	// ErrOversize indicates the value does not fit in a zone.
	ErrOversize = errors.New("shmcache: value oversize")

	// ErrNonNumeric indicates Increment found a value that does not
	// parse as a signed decimal integer. The entry is left unchanged.
	ErrNonNumeric = errors.New("shmcache: non-numeric value")

	// ErrLocked indicates a lock acquisition timed out. The segment is
	// untouched; retry after a short delay.
	ErrLocked = errors.New("shmcache: locked")

	// ErrCorrupt indicates an invariant violation was detected in the
	// segment (a chain or zone walk ran out of bounds). The handle is
	// poisoned: every subsequent operation returns ErrCorrupt.
	//
	// Recovery: destroy and recreate the segment.
	ErrCorrupt = errors.New("shmcache: corrupt")
)

// errEvictContention reports that eviction failed to try-lock a bucket
// while holding the zone lock. The allocator drops its locks, yields,
// and restarts.
var errEvictContention = errors.New("shmcache: eviction contention")
