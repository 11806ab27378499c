package shmcache

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/shmcache/internal/ipc"
	"github.com/calvinalkan/shmcache/internal/layout"
	"github.com/calvinalkan/shmcache/internal/shm"
	"github.com/calvinalkan/shmcache/internal/store"
)

// Limits re-exported from the segment layout.
const (
	// MaxKeyLen is the longest key stored; longer keys are truncated.
	MaxKeyLen = layout.MaxKeyLen

	// BucketCount is the number of hash buckets in a segment.
	BucketCount = layout.BucketCount

	// MaxValueSize is the largest value a segment can hold.
	MaxValueSize = layout.MaxChunkPayload

	// DefaultSegmentSize is used when Options.SegmentSize is zero.
	DefaultSegmentSize = layout.DefaultSegmentSize

	// MinSegmentSize is the smallest segment that can be created.
	MinSegmentSize = layout.MinSegmentSize

	// FlagSerialized marks values the codec encoded rather than stored
	// raw. The engine stores and returns it but never interprets it.
	FlagSerialized = layout.FlagSerialized
)

// LockFileName is the well-known lock file under Options.Dir. Its
// inode names the segment, so every process that agrees on Dir
// attaches to the same cache.
const LockFileName = "shmcache.lock"

// Options configure Attach.
type Options struct {
	// Dir holds the lock file (and the segment, when /dev/shm is not
	// available). Defaults to os.TempDir(). All processes sharing a
	// cache must use the same Dir.
	Dir string

	// SegmentSize is the desired size of a newly created segment. An
	// existing segment keeps its size. Defaults to DefaultSegmentSize;
	// must be at least MinSegmentSize.
	SegmentSize int64

	// LockTimeout bounds every lock acquisition. Defaults to the
	// engine default of 5s.
	LockTimeout time.Duration
}

// FromConfig converts a loaded Config into Options.
func FromConfig(cfg Config) Options {
	return Options{
		Dir:         cfg.Dir,
		SegmentSize: cfg.SegmentSize,
		LockTimeout: time.Duration(cfg.LockTimeoutMS) * time.Millisecond,
	}
}

// statsFlushThreshold is how many buffered get outcomes accumulate
// before a handle folds them into the segment counters.
const statsFlushThreshold = 32

// Cache is one process's handle on the shared cache.
//
// A Cache is safe for concurrent use by multiple goroutines, and the
// underlying segment is safe for concurrent use by unrelated
// processes. Close detaches this handle only; the cache itself
// survives until Destroy or host reboot.
type Cache struct {
	store *store.Store
	seg   *shm.Segment
	locks *ipc.Table

	closed atomic.Bool

	// Buffered get outcomes, flushed under the STATS lock.
	pendingHits   atomic.Int64
	pendingMisses atomic.Int64
}

// Attach opens the shared cache for opts.Dir, creating and formatting
// the segment when it does not exist yet. Creation is serialized under
// the SEGMENT lock so concurrent first attaches see a formatted
// segment.
func Attach(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultConfig().Dir
	}

	if opts.SegmentSize == 0 {
		opts.SegmentSize = DefaultSegmentSize
	}

	if opts.SegmentSize < MinSegmentSize {
		return nil, fmt.Errorf("%w: segment size %d below minimum %d", ErrInvalidInput, opts.SegmentSize, int64(MinSegmentSize))
	}

	if opts.LockTimeout <= 0 {
		opts.LockTimeout = store.DefaultLockTimeout
	}

	lockPath := filepath.Join(opts.Dir, LockFileName)
	locks := ipc.NewTable(lockPath)

	segLock, err := locks.Exclusive(store.SlotSegment, opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("attach: %w", ErrLocked)
	}
	defer func() { _ = segLock.Close() }()

	seg, err := shm.Attach(lockPath, opts.SegmentSize)
	if err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}

	st, err := store.New(seg.Data(), locks, opts.LockTimeout)
	if err != nil {
		_ = seg.Detach()

		return nil, fmt.Errorf("attach: %w", err)
	}

	if seg.IsNew() {
		st.Format()
	}

	return &Cache{store: st, seg: seg, locks: locks}, nil
}

// SegmentPath returns the path of the backing segment file.
func (c *Cache) SegmentPath() string {
	return c.seg.Path()
}

// Get returns the value and flags stored for key, or ErrMiss.
func (c *Cache) Get(key string) ([]byte, byte, error) {
	k, err := c.key(key)
	if err != nil {
		return nil, 0, err
	}

	val, flags, err := c.store.Get(k)

	switch {
	case err == nil:
		c.noteGet(true)
	case errors.Is(err, ErrMiss):
		c.noteGet(false)
	}

	if err != nil {
		return nil, 0, err
	}

	return val, flags, nil
}

// Set stores key/value/flags, replacing any prior entry. The value
// must be non-empty: a zero value size marks a dead chunk in the
// segment layout, so empty values are unrepresentable.
//
// A failed Set additionally removes any prior entry for the same key
// (memcached compatibility).
func (c *Cache) Set(key string, value []byte, flags byte) error {
	k, err := c.key(key)
	if err != nil {
		return err
	}

	if len(value) == 0 {
		return fmt.Errorf("%w: empty value", ErrInvalidInput)
	}

	return c.store.Set(k, value, flags)
}

// Add stores key/value/flags only when the key is absent; otherwise
// ErrExists. Values must be non-empty, as with Set.
func (c *Cache) Add(key string, value []byte, flags byte) error {
	k, err := c.key(key)
	if err != nil {
		return err
	}

	if len(value) == 0 {
		return fmt.Errorf("%w: empty value", ErrInvalidInput)
	}

	return c.store.Add(k, value, flags)
}

// Replace stores key/value/flags only when the key is present;
// otherwise ErrNotFound. Values must be non-empty, as with Set.
func (c *Cache) Replace(key string, value []byte, flags byte) error {
	k, err := c.key(key)
	if err != nil {
		return err
	}

	if len(value) == 0 {
		return fmt.Errorf("%w: empty value", ErrInvalidInput)
	}

	return c.store.Replace(k, value, flags)
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(key string) error {
	k, err := c.key(key)
	if err != nil {
		return err
	}

	return c.store.Delete(k)
}

// Exists reports whether key has a live entry. Exists does not touch
// the hit/miss counters.
func (c *Cache) Exists(key string) (bool, error) {
	k, err := c.key(key)
	if err != nil {
		return false, err
	}

	return c.store.Exists(k)
}

// Increment adjusts key's decimal integer value by delta and returns
// the new value, clamped at zero. A missing key is created holding
// clamp(initial + delta): the initial value is itself offset by delta,
// matching memcached-style counters. ErrNonNumeric if the stored value
// is not a signed decimal integer.
func (c *Cache) Increment(key string, delta, initial int64) (int64, error) {
	k, err := c.key(key)
	if err != nil {
		return 0, err
	}

	return c.store.Increment(k, delta, initial)
}

// Flush empties the cache for every process. Hit/miss counters are
// preserved.
func (c *Cache) Flush() error {
	if c.closed.Load() {
		return ErrClosed
	}

	return c.store.Flush()
}

// Stats is the aggregate view returned by [Cache.Stats].
type Stats struct {
	Items           int64 // live entries
	BytesUsed       int64 // sum of live value sizes
	UsedSpace       int64 // bytes consumed in zone stacks
	Buckets         int64 // non-empty hash buckets
	ZoneCount       int64
	OldestZoneIndex int64
	GetHits         int64
	GetMisses       int64
	MaxItems        int64 // capacity estimate at minimum entry size
	SegmentSize     int64
}

// Stats flushes this handle's buffered counters and walks the segment
// under shared locks.
func (c *Cache) Stats() (Stats, error) {
	if c.closed.Load() {
		return Stats{}, ErrClosed
	}

	if err := c.flushStats(); err != nil {
		return Stats{}, err
	}

	snap, err := c.store.Stats()
	if err != nil {
		return Stats{}, err
	}

	return Stats(snap), nil
}

// Close flushes buffered counters and detaches this handle. The cache
// itself stays available to other processes. Close is idempotent.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	flushErr := c.flushStats()
	detachErr := c.seg.Detach()

	if flushErr != nil {
		return flushErr
	}

	return detachErr
}

// Destroy removes the segment for every process: the backing file is
// unlinked, this handle is closed, and the next Attach creates a fresh
// cache. Processes still attached keep operating on the orphaned
// mapping.
func (c *Cache) Destroy() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	segLock, err := c.locks.Exclusive(store.SlotSegment, store.DefaultLockTimeout)
	if err != nil {
		// Destroy anyway: the caller asked for the segment to go away.
		return c.seg.Destroy()
	}
	defer func() { _ = segLock.Close() }()

	return c.seg.Destroy()
}

// key validates and truncates a user key. Keys are stored space-padded
// in a fixed-width field, so spaces and control characters are
// rejected rather than silently corrupting lookups.
func (c *Cache) key(key string) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidInput)
	}

	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return nil, fmt.Errorf("%w: key contains byte 0x%02x", ErrInvalidInput, key[i])
		}
	}

	if len(key) > MaxKeyLen {
		key = key[:MaxKeyLen]
	}

	return []byte(key), nil
}

// noteGet buffers one get outcome and flushes the buffer past the
// threshold. Flush failures leave the deltas buffered for the next
// attempt.
func (c *Cache) noteGet(hit bool) {
	if hit {
		c.pendingHits.Add(1)
	} else {
		c.pendingMisses.Add(1)
	}

	if c.pendingHits.Load()+c.pendingMisses.Load() >= statsFlushThreshold {
		_ = c.flushStats()
	}
}

// flushStats folds buffered deltas into the segment counters.
func (c *Cache) flushStats() error {
	hits := c.pendingHits.Swap(0)
	misses := c.pendingMisses.Swap(0)

	if hits == 0 && misses == 0 {
		return nil
	}

	if err := c.store.AddGetStats(hits, misses); err != nil {
		c.pendingHits.Add(hits)
		c.pendingMisses.Add(misses)

		return err
	}

	return nil
}
