package store

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/calvinalkan/shmcache/internal/ipc"
	"github.com/calvinalkan/shmcache/internal/layout"
)

// allocate carves a chunk for key/val in the newest zone, evicting the
// oldest zone when the value does not fit, links it into bucket b, and
// returns the bound accessor. Callers hold BUCKET[b] exclusive.
//
// On eviction contention (another process holds a bucket lock the
// evictor needs) all allocator locks are dropped and the allocation
// restarts; the holder reaches the allocator under the canonical order
// and completes, so the retry makes progress. Restarts are bounded by
// the lock timeout.
func (s *Store) allocate(b int64, key, val []byte, flags byte) (layout.Chunk, error) {
	if int64(len(val)) > layout.MaxChunkPayload {
		return layout.Chunk{}, ErrOversize
	}

	deadline := time.Now().Add(s.timeout)

	for {
		chunk, err := s.tryAllocate(b, key, val, flags)
		if err == nil {
			return chunk, nil
		}

		if !errors.Is(err, errEvictContention) {
			return layout.Chunk{}, err
		}

		if time.Now().After(deadline) {
			return layout.Chunk{}, ErrLocked
		}

		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

// tryAllocate performs one allocation attempt under RING plus exactly
// one ZONE lock.
func (s *Store) tryAllocate(b int64, key, val []byte, flags byte) (layout.Chunk, error) {
	valSize := int64(len(val))
	need := layout.ChunkMetaSize + max(valSize, layout.MinValueAlloc)

	ringLock, err := s.exclusive(slotRing)
	if err != nil {
		return layout.Chunk{}, err
	}
	defer func() { _ = ringLock.Close() }()

	oldest := layout.OldestZoneIndex(s.data)
	if oldest < 0 || oldest >= s.geo.ZoneCount {
		return layout.Chunk{}, s.fail("oldest zone index %d out of range [0,%d)", oldest, s.geo.ZoneCount)
	}

	z := oldest - 1
	if z < 0 {
		z = s.geo.ZoneCount - 1
	}

	zoneLock, err := s.exclusive(zoneSlot(z))
	if err != nil {
		return layout.Chunk{}, err
	}

	zs := s.geo.ZoneStart(z)

	used := layout.ZoneUsedSpace(s.data, zs)
	if used < 0 || used > layout.ZoneSize-layout.Word {
		_ = zoneLock.Close()

		return layout.Chunk{}, s.fail("zone %d used space %d out of range", z, used)
	}

	if layout.ZoneSize-layout.Word-used < need {
		// The newest zone is full: evict the oldest, which then
		// becomes the newest. Never two zone locks at once.
		_ = zoneLock.Close()

		z = oldest
		zs = s.geo.ZoneStart(z)

		zoneLock, err = s.exclusive(zoneSlot(z))
		if err != nil {
			return layout.Chunk{}, err
		}

		if err := s.evictZone(z, b); err != nil {
			_ = zoneLock.Close()

			return layout.Chunk{}, err
		}

		layout.SetOldestZoneIndex(s.data, (oldest+1)%s.geo.ZoneCount)
		used = 0
	}

	defer func() { _ = zoneLock.Close() }()

	// The spot at the top of the stack holds a free tail chunk whose
	// allocation covers the rest of the zone.
	spot := zs + layout.Word + used
	chunk := layout.ChunkAt(s.data, spot)

	tailAlloc := chunk.ValAllocSize()
	if layout.ChunkMetaSize+tailAlloc != layout.ZoneSize-layout.Word-used {
		return layout.Chunk{}, s.fail("zone %d free tail at %d covers %d bytes, want %d",
			z, spot, tailAlloc, layout.ZoneSize-layout.Word-used-layout.ChunkMetaSize)
	}

	eff := max(valSize, layout.MinValueAlloc)

	alloc := tailAlloc

	leftover := tailAlloc - eff
	if leftover >= layout.ChunkMetaSize+layout.MinValueAlloc {
		alloc = eff
	}

	chunk.SetKey(key)
	chunk.SetValAllocSize(alloc)
	chunk.SetValSize(valSize)
	chunk.SetFlags(flags)
	chunk.SetValue(val)

	if err := s.link(b, chunk); err != nil {
		return layout.Chunk{}, err
	}

	if alloc != tailAlloc {
		// Re-form the free tail above the new top of stack. It reaches
		// the zone end exactly, so there is never a free neighbor to
		// its right to merge with.
		free := layout.ChunkAt(s.data, chunk.EndHeaderOffset()+alloc)
		free.InitFree(leftover - layout.ChunkMetaSize)
	}

	layout.SetZoneUsedSpace(s.data, zs, used+layout.ChunkMetaSize+alloc)

	return chunk, nil
}

// evictZone unlinks every live chunk in zone z and resets the zone to
// a single full free chunk. Callers hold RING and ZONE[z] exclusive,
// plus BUCKET[heldBucket] exclusive from the running operation.
//
// Extra bucket locks are taken try-exclusive only. On contention the
// zone is left mid-eviction but coherent (dead chunks are unlinked
// before dying, sizes untouched) and errEvictContention tells the
// allocator to back off and restart.
func (s *Store) evictZone(z, heldBucket int64) error {
	zs := s.geo.ZoneStart(z)

	used := layout.ZoneUsedSpace(s.data, zs)
	if used < 0 || used > layout.ZoneSize-layout.Word {
		return s.fail("zone %d used space %d out of range", z, used)
	}

	end := zs + layout.Word + used

	for off := zs + layout.Word; off < end; {
		chunk := layout.ChunkAt(s.data, off)

		total := chunk.TotalSize()
		if total < layout.ChunkMetaSize || off+total > end {
			return s.fail("zone %d walk out of bounds at %d", z, off)
		}

		if chunk.ValSize() > 0 {
			if err := s.evictChunk(chunk, heldBucket); err != nil {
				return err
			}
		}

		off += total
	}

	layout.ChunkAt(s.data, zs+layout.Word).InitFree(layout.MaxChunkPayload)
	layout.SetZoneUsedSpace(s.data, zs, 0)

	return nil
}

// evictChunk unlinks one live chunk during eviction, try-locking its
// bucket unless the running operation already holds it.
func (s *Store) evictChunk(chunk layout.Chunk, heldBucket int64) error {
	b := BucketIndex(chunk.Key())

	if b == heldBucket {
		if err := s.unlink(b, chunk); err != nil {
			return err
		}

		chunk.SetValSize(0)

		return nil
	}

	bucketLock, err := s.locks.TryExclusive(bucketSlot(b))
	if err != nil {
		if errors.Is(err, ipc.ErrWouldBlock) {
			return errEvictContention
		}

		return fmt.Errorf("try-locking bucket %d: %w", b, err)
	}

	unlinkErr := s.unlink(b, chunk)

	_ = bucketLock.Close()

	if unlinkErr != nil {
		return unlinkErr
	}

	chunk.SetValSize(0)

	return nil
}
