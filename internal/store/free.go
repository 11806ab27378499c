package store

import (
	"github.com/calvinalkan/shmcache/internal/layout"
)

// mergeRight absorbs free chunks to the right of c into c's
// allocation, stopping at the first live chunk or the zone's stack
// boundary. Merging never crosses zone boundaries and never moves live
// chunks. Callers hold ZONE[z] exclusive.
func (s *Store) mergeRight(z int64, c layout.Chunk) error {
	zs := s.geo.ZoneStart(z)
	boundary := zs + layout.Word + layout.ZoneUsedSpace(s.data, zs)

	for {
		next := c.EndHeaderOffset() + c.ValAllocSize()
		if next == boundary {
			return nil
		}

		if next > boundary {
			return s.fail("zone %d chunk at %d extends past stack boundary %d", z, c.Offset(), boundary)
		}

		neighbor := layout.ChunkAt(s.data, next)
		if neighbor.ValSize() != 0 {
			return nil
		}

		total := neighbor.TotalSize()
		if total < layout.ChunkMetaSize || next+total > boundary {
			return s.fail("zone %d free chunk at %d has bad size %d", z, next, total)
		}

		c.SetValAllocSize(c.ValAllocSize() + total)
	}
}

// freeChunk kills an already-unlinked chunk: zero valSize, merge free
// space to the right, and when the result sits at the zone's top of
// stack, give the bytes back to the zone and reform the free tail.
// Callers hold the chunk's BUCKET exclusive; the ZONE lock is taken
// here.
func (s *Store) freeChunk(chunk layout.Chunk) error {
	z := s.geo.ZoneForOffset(chunk.Offset())

	zoneLock, err := s.exclusive(zoneSlot(z))
	if err != nil {
		return err
	}
	defer func() { _ = zoneLock.Close() }()

	chunk.SetValSize(0)
	chunk.SetFlags(0)

	if err := s.mergeRight(z, chunk); err != nil {
		return err
	}

	zs := s.geo.ZoneStart(z)
	used := layout.ZoneUsedSpace(s.data, zs)

	if chunk.Offset()+chunk.TotalSize() == zs+layout.Word+used {
		newUsed := chunk.Offset() - (zs + layout.Word)
		layout.SetZoneUsedSpace(s.data, zs, newUsed)
		chunk.InitFree(layout.ZoneSize - layout.Word - newUsed - layout.ChunkMetaSize)
	}

	return nil
}
