package store

import (
	"hash/crc32"

	"github.com/calvinalkan/shmcache/internal/layout"
)

// BucketIndex maps a key to its bucket: CRC32 (IEEE) of the key modulo
// the bucket count. The choice is baked into the on-segment layout;
// switching hashes mid-life corrupts lookups.
func BucketIndex(key []byte) int64 {
	return int64(crc32.ChecksumIEEE(key)) % layout.BucketCount
}

// lookup walks bucket b's chain for key. Callers hold BUCKET[b] in at
// least shared mode.
//
// Returns the bound accessor and true on a match. Returns an error
// only for detected corruption: an offset outside the zones area, a
// dead chunk on a chain, or a walk longer than the segment could hold.
func (s *Store) lookup(b int64, key []byte) (layout.Chunk, bool, error) {
	maxSteps := s.geo.MaxItems()

	off := layout.BucketHead(s.data, b)
	for steps := int64(0); off != 0; steps++ {
		if steps > maxSteps {
			return layout.Chunk{}, false, s.fail("bucket %d chain exceeds %d chunks", b, maxSteps)
		}

		if !s.geo.ContainsChunk(off) {
			return layout.Chunk{}, false, s.fail("bucket %d chain offset %d out of bounds", b, off)
		}

		chunk := layout.ChunkAt(s.data, off)
		if chunk.ValSize() <= 0 {
			return layout.Chunk{}, false, s.fail("bucket %d chain reaches dead chunk at %d", b, off)
		}

		if chunk.KeyEquals(key) {
			return chunk, true, nil
		}

		off = chunk.HashNext()
	}

	return layout.Chunk{}, false, nil
}

// link appends chunk to the tail of bucket b's chain, so iteration
// order within a bucket is insertion order. Callers hold BUCKET[b]
// exclusive.
func (s *Store) link(b int64, chunk layout.Chunk) error {
	chunk.SetHashNext(0)

	head := layout.BucketHead(s.data, b)
	if head == 0 {
		layout.SetBucketHead(s.data, b, chunk.Offset())

		return nil
	}

	maxSteps := s.geo.MaxItems()

	off := head
	for steps := int64(0); ; steps++ {
		if steps > maxSteps {
			return s.fail("bucket %d chain exceeds %d chunks", b, maxSteps)
		}

		if !s.geo.ContainsChunk(off) {
			return s.fail("bucket %d chain offset %d out of bounds", b, off)
		}

		cur := layout.ChunkAt(s.data, off)

		next := cur.HashNext()
		if next == 0 {
			cur.SetHashNext(chunk.Offset())

			return nil
		}

		off = next
	}
}

// unlink removes the chunk at target from bucket b's chain and clears
// its link. Callers hold BUCKET[b] exclusive.
//
// A target that is not on the chain is corruption: every live chunk is
// reachable from exactly one bucket.
func (s *Store) unlink(b int64, target layout.Chunk) error {
	head := layout.BucketHead(s.data, b)
	if head == target.Offset() {
		layout.SetBucketHead(s.data, b, target.HashNext())
		target.SetHashNext(0)

		return nil
	}

	maxSteps := s.geo.MaxItems()

	off := head
	for steps := int64(0); off != 0; steps++ {
		if steps > maxSteps {
			return s.fail("bucket %d chain exceeds %d chunks", b, maxSteps)
		}

		if !s.geo.ContainsChunk(off) {
			return s.fail("bucket %d chain offset %d out of bounds", b, off)
		}

		pred := layout.ChunkAt(s.data, off)
		if pred.HashNext() == target.Offset() {
			pred.SetHashNext(target.HashNext())
			target.SetHashNext(0)

			return nil
		}

		off = pred.HashNext()
	}

	return s.fail("chunk at %d not reachable from bucket %d", target.Offset(), b)
}
