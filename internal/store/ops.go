package store

import (
	"strconv"

	"github.com/calvinalkan/shmcache/internal/layout"
)

// setMode selects the existence precondition for a set-family write.
type setMode int

const (
	setAny     setMode = iota // plain set: find-or-insert
	setAdd                    // must not exist
	setReplace                // must exist
)

// Get returns the value bytes and flags for key, or ErrMiss.
func (s *Store) Get(key []byte) ([]byte, byte, error) {
	if err := s.check(); err != nil {
		return nil, 0, err
	}

	b := BucketIndex(key)

	segLock, err := s.shared(SlotSegment)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = segLock.Close() }()

	bucketLock, err := s.shared(bucketSlot(b))
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = bucketLock.Close() }()

	chunk, found, err := s.lookup(b, key)
	if err != nil {
		return nil, 0, err
	}

	if !found {
		return nil, 0, ErrMiss
	}

	return chunk.Value(), chunk.Flags(), nil
}

// Exists reports whether key has a live entry.
func (s *Store) Exists(key []byte) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}

	b := BucketIndex(key)

	segLock, err := s.shared(SlotSegment)
	if err != nil {
		return false, err
	}
	defer func() { _ = segLock.Close() }()

	bucketLock, err := s.shared(bucketSlot(b))
	if err != nil {
		return false, err
	}
	defer func() { _ = bucketLock.Close() }()

	_, found, err := s.lookup(b, key)
	if err != nil {
		return false, err
	}

	return found, nil
}

// Set stores key/val/flags, overwriting any live entry. An entry whose
// allocation can hold the new value is updated in place; otherwise the
// old chunk is freed and a new one allocated.
//
// Memcached semantics on failure: once the old entry had to be
// removed, a failed Set leaves the key absent.
func (s *Store) Set(key, val []byte, flags byte) error {
	return s.setWith(key, val, flags, setAny)
}

// Add stores key only when no live entry exists; otherwise ErrExists.
func (s *Store) Add(key, val []byte, flags byte) error {
	return s.setWith(key, val, flags, setAdd)
}

// Replace stores key only when a live entry exists; otherwise
// ErrNotFound.
func (s *Store) Replace(key, val []byte, flags byte) error {
	return s.setWith(key, val, flags, setReplace)
}

func (s *Store) setWith(key, val []byte, flags byte, mode setMode) error {
	if err := s.check(); err != nil {
		return err
	}

	b := BucketIndex(key)

	segLock, err := s.shared(SlotSegment)
	if err != nil {
		return err
	}
	defer func() { _ = segLock.Close() }()

	bucketLock, err := s.exclusive(bucketSlot(b))
	if err != nil {
		return err
	}
	defer func() { _ = bucketLock.Close() }()

	chunk, found, err := s.lookup(b, key)
	if err != nil {
		return err
	}

	switch mode {
	case setAdd:
		if found {
			return ErrExists
		}
	case setReplace:
		if !found {
			return ErrNotFound
		}
	case setAny:
	}

	valSize := int64(len(val))

	if found && valSize <= chunk.ValAllocSize() {
		chunk.SetValue(val)
		chunk.SetValSize(valSize)
		chunk.SetFlags(flags)

		return nil
	}

	if found {
		if err := s.unlink(b, chunk); err != nil {
			return err
		}

		if err := s.freeChunk(chunk); err != nil {
			return err
		}
	}

	if valSize > layout.MaxChunkPayload {
		// The prior entry is already gone: a failed set invalidates it.
		return ErrOversize
	}

	_, err = s.allocate(b, key, val, flags)

	return err
}

// Delete removes key's entry and reclaims its space. Deleting a
// missing key is not an error.
func (s *Store) Delete(key []byte) error {
	if err := s.check(); err != nil {
		return err
	}

	b := BucketIndex(key)

	segLock, err := s.shared(SlotSegment)
	if err != nil {
		return err
	}
	defer func() { _ = segLock.Close() }()

	bucketLock, err := s.exclusive(bucketSlot(b))
	if err != nil {
		return err
	}
	defer func() { _ = bucketLock.Close() }()

	chunk, found, err := s.lookup(b, key)
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	if err := s.unlink(b, chunk); err != nil {
		return err
	}

	return s.freeChunk(chunk)
}

// Increment adjusts key's decimal integer value by delta, clamping the
// result at zero. A missing key is created holding
// clamp(initial + delta) - the initial value is itself offset by
// delta, matching memcached-style counters. A live value that does not
// parse as a signed decimal integer returns ErrNonNumeric and changes
// nothing.
//
// The widest decimal rendering of an int64 is 20 bytes, below
// MinValueAlloc, so the rewrite always fits in place.
func (s *Store) Increment(key []byte, delta, initial int64) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	b := BucketIndex(key)

	segLock, err := s.shared(SlotSegment)
	if err != nil {
		return 0, err
	}
	defer func() { _ = segLock.Close() }()

	bucketLock, err := s.exclusive(bucketSlot(b))
	if err != nil {
		return 0, err
	}
	defer func() { _ = bucketLock.Close() }()

	chunk, found, err := s.lookup(b, key)
	if err != nil {
		return 0, err
	}

	if !found {
		next := clampZero(initial + delta)

		if _, err := s.allocate(b, key, strconv.AppendInt(nil, next, 10), 0); err != nil {
			return 0, err
		}

		return next, nil
	}

	current, parseErr := strconv.ParseInt(string(chunk.Value()), 10, 64)
	if parseErr != nil {
		return 0, ErrNonNumeric
	}

	next := clampZero(current + delta)

	buf := strconv.AppendInt(nil, next, 10)
	chunk.SetValue(buf)
	chunk.SetValSize(int64(len(buf)))

	return next, nil
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}

	return v
}

// Snapshot is the aggregate returned by Stats.
type Snapshot struct {
	Items           int64 // live chunks
	BytesUsed       int64 // sum of live valSize
	UsedSpace       int64 // sum of zone stack pointers
	Buckets         int64 // non-empty bucket heads
	ZoneCount       int64
	OldestZoneIndex int64
	GetHits         int64
	GetMisses       int64
	MaxItems        int64 // capacity estimate at minimum chunk size
	SegmentSize     int64
}

// Stats walks the buckets and zones under shared locks and returns an
// aggregate view. The walk is per-zone consistent; cross-zone totals
// may interleave with concurrent writers.
func (s *Store) Stats() (Snapshot, error) {
	if err := s.check(); err != nil {
		return Snapshot{}, err
	}

	segLock, err := s.shared(SlotSegment)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = segLock.Close() }()

	snap := Snapshot{
		ZoneCount:   s.geo.ZoneCount,
		MaxItems:    s.geo.MaxItems(),
		SegmentSize: s.geo.SegmentSize,
	}

	ringLock, err := s.shared(slotRing)
	if err != nil {
		return Snapshot{}, err
	}

	snap.OldestZoneIndex = layout.OldestZoneIndex(s.data)

	_ = ringLock.Close()

	snap.GetHits, snap.GetMisses, err = s.ReadGetStats()
	if err != nil {
		return Snapshot{}, err
	}

	for b := int64(0); b < layout.BucketCount; b++ {
		if layout.BucketHead(s.data, b) != 0 {
			snap.Buckets++
		}
	}

	for z := int64(0); z < s.geo.ZoneCount; z++ {
		if err := s.statZone(z, &snap); err != nil {
			return Snapshot{}, err
		}
	}

	return snap, nil
}

// statZone walks one zone's chunks under ZONE[z] shared.
func (s *Store) statZone(z int64, snap *Snapshot) error {
	zoneLock, err := s.shared(zoneSlot(z))
	if err != nil {
		return err
	}
	defer func() { _ = zoneLock.Close() }()

	zs := s.geo.ZoneStart(z)

	used := layout.ZoneUsedSpace(s.data, zs)
	if used < 0 || used > layout.ZoneSize-layout.Word {
		return s.fail("zone %d used space %d out of range", z, used)
	}

	snap.UsedSpace += used

	end := zs + layout.Word + used

	for off := zs + layout.Word; off < end; {
		chunk := layout.ChunkAt(s.data, off)

		total := chunk.TotalSize()
		if total < layout.ChunkMetaSize || off+total > end {
			return s.fail("zone %d walk out of bounds at %d", z, off)
		}

		if v := chunk.ValSize(); v > 0 {
			snap.Items++
			snap.BytesUsed += v
		}

		off += total
	}

	return nil
}
