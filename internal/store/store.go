// Package store implements the in-segment storage engine: the zone
// ring allocator with FIFO whole-zone eviction, the open-chained CRC32
// hash index sharing the same chunks, and the multi-lock protocol that
// coordinates unrelated processes.
//
// # Locking
//
// All coordination goes through named locks in an ipc.Table, one slot
// per lock:
//
//	SEGMENT            life-cycle; shared for ordinary ops, exclusive for flush/format
//	STATS              the two persistent counters
//	RING               oldestZoneIndex
//	BUCKET[0..511]     one bucket head plus every chunk linked from it
//	ZONE[0..ZoneCount) one zone's header and all bytes in it
//
// Canonical acquisition order: BUCKET[b] -> RING -> ZONE[z]. Eviction
// must unlink chunks from arbitrary buckets while holding a zone; it
// may acquire those extra bucket locks only with try-exclusive and, on
// any failure, drops ZONE and RING, yields, and restarts the
// allocation. One process never holds two zone locks at once.
package store

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/shmcache/internal/ipc"
	"github.com/calvinalkan/shmcache/internal/layout"
)

// Lock table slots. The bucket range starts after the three singleton
// locks; the zone range starts after the buckets. SlotSegment is
// exported so the attach layer can serialize segment creation under
// the same lock the engine uses for life-cycle operations.
const (
	SlotSegment int64 = iota
	slotStats
	slotRing
	slotFirstBucket
)

func bucketSlot(b int64) int64 {
	return slotFirstBucket + b
}

func zoneSlot(z int64) int64 {
	return slotFirstBucket + layout.BucketCount + z
}

// DefaultLockTimeout bounds every lock acquisition unless the caller
// configures another value.
const DefaultLockTimeout = 5 * time.Second

// Store is the engine handle over one attached segment.
//
// Store is safe for concurrent use by multiple goroutines, and the
// segment it manages is safe for concurrent use by multiple processes:
// all mutation happens under the named lock protocol above.
type Store struct {
	data    []byte
	geo     layout.Geometry
	locks   *ipc.Table
	timeout time.Duration

	// corrupt poisons the handle after a detected invariant violation.
	corrupt atomic.Bool
}

// New wraps an already-mapped segment. The caller keeps ownership of
// the mapping; data must cover exactly the attached segment.
func New(data []byte, locks *ipc.Table, timeout time.Duration) (*Store, error) {
	geo, err := layout.NewGeometry(int64(len(data)))
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	return &Store{data: data, geo: geo, locks: locks, timeout: timeout}, nil
}

// Geometry returns the segment geometry.
func (s *Store) Geometry() layout.Geometry {
	return s.geo
}

// Format initializes a fresh segment: zeroed stats and bucket heads,
// every zone a single full free chunk, and the ring pointer at
// ZoneCount-1. Callers hold SEGMENT exclusive; OFD locks do not nest
// within a process, so Format cannot take it itself.
func (s *Store) Format() {
	layout.SetGetHits(s.data, 0)
	layout.SetGetMisses(s.data, 0)
	s.reset()
}

// reset clears the index and the zones. Callers hold SEGMENT exclusive.
func (s *Store) reset() {
	for b := int64(0); b < layout.BucketCount; b++ {
		layout.SetBucketHead(s.data, b, 0)
	}

	for z := int64(0); z < s.geo.ZoneCount; z++ {
		zs := s.geo.ZoneStart(z)
		layout.SetZoneUsedSpace(s.data, zs, 0)
		layout.ChunkAt(s.data, zs+layout.Word).InitFree(layout.MaxChunkPayload)
	}

	layout.SetOldestZoneIndex(s.data, s.geo.ZoneCount-1)
}

// Flush empties the cache under SEGMENT exclusive. The hit and miss
// counters are left unchanged.
func (s *Store) Flush() error {
	if err := s.check(); err != nil {
		return err
	}

	segLock, err := s.exclusive(SlotSegment)
	if err != nil {
		return err
	}
	defer func() { _ = segLock.Close() }()

	s.reset()

	return nil
}

// check gates every operation on the poisoned flag.
func (s *Store) check() error {
	if s.corrupt.Load() {
		return ErrCorrupt
	}

	return nil
}

// fail records an invariant violation and returns ErrCorrupt wrapped
// with context.
func (s *Store) fail(format string, args ...any) error {
	s.corrupt.Store(true)

	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// shared acquires a lock slot in shared mode, mapping timeouts to
// ErrLocked.
func (s *Store) shared(slot int64) (*ipc.Lock, error) {
	l, err := s.locks.Shared(slot, s.timeout)
	if err != nil {
		if errors.Is(err, ipc.ErrWouldBlock) {
			return nil, ErrLocked
		}

		return nil, fmt.Errorf("acquiring shared lock: %w", err)
	}

	return l, nil
}

// exclusive acquires a lock slot in exclusive mode, mapping timeouts
// to ErrLocked.
func (s *Store) exclusive(slot int64) (*ipc.Lock, error) {
	l, err := s.locks.Exclusive(slot, s.timeout)
	if err != nil {
		if errors.Is(err, ipc.ErrWouldBlock) {
			return nil, ErrLocked
		}

		return nil, fmt.Errorf("acquiring exclusive lock: %w", err)
	}

	return l, nil
}

// AddGetStats folds buffered per-handle deltas into the persistent
// counters under STATS exclusive.
func (s *Store) AddGetStats(hits, misses int64) error {
	if hits == 0 && misses == 0 {
		return nil
	}

	statsLock, err := s.exclusive(slotStats)
	if err != nil {
		return err
	}
	defer func() { _ = statsLock.Close() }()

	layout.SetGetHits(s.data, layout.GetHits(s.data)+hits)
	layout.SetGetMisses(s.data, layout.GetMisses(s.data)+misses)

	return nil
}

// ReadGetStats returns the persistent counters under STATS shared.
func (s *Store) ReadGetStats() (hits, misses int64, err error) {
	statsLock, err := s.shared(slotStats)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = statsLock.Close() }()

	return layout.GetHits(s.data), layout.GetMisses(s.data), nil
}
