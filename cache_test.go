package shmcache_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shmcache"
)

// newTestCache attaches a fresh cache in a temp dir and tears the
// segment down with the test.
func newTestCache(t *testing.T) *shmcache.Cache {
	t.Helper()

	cache, err := shmcache.Attach(shmcache.Options{
		Dir:         t.TempDir(),
		SegmentSize: shmcache.MinSegmentSize,
		LockTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = cache.Destroy() })

	return cache
}

func Test_Attach_RoundTrips_Values(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	require.NoError(t, cache.Set("hello", []byte("world"), 0))

	val, flags, err := cache.Get("hello")
	require.NoError(t, err)
	require.Equal(t, []byte("world"), val)
	require.Equal(t, byte(0), flags)

	ok, err := cache.Exists("hello")
	require.NoError(t, err)
	require.True(t, ok)
}

func Test_Attach_Rejects_Undersized_Segment(t *testing.T) {
	t.Parallel()

	_, err := shmcache.Attach(shmcache.Options{
		Dir:         t.TempDir(),
		SegmentSize: 1 << 20,
	})
	require.ErrorIs(t, err, shmcache.ErrInvalidInput)
}

// Contract: two handles over one Dir are the same cache.
func Test_Second_Attach_Shares_The_Segment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	opts := shmcache.Options{Dir: dir, SegmentSize: shmcache.MinSegmentSize}

	first, err := shmcache.Attach(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = first.Destroy() })

	require.NoError(t, first.Set("k", []byte("v"), 0))

	second, err := shmcache.Attach(opts)
	require.NoError(t, err)

	defer func() { _ = second.Close() }()

	val, _, err := second.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	// Writes flow the other way too.
	require.NoError(t, second.Delete("k"))

	_, _, err = first.Get("k")
	require.ErrorIs(t, err, shmcache.ErrMiss)
}

func Test_Key_Validation(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	_, _, err := cache.Get("")
	require.ErrorIs(t, err, shmcache.ErrInvalidInput)

	err = cache.Set("has space", []byte("v"), 0)
	require.ErrorIs(t, err, shmcache.ErrInvalidInput)

	err = cache.Set("has\ttab", []byte("v"), 0)
	require.ErrorIs(t, err, shmcache.ErrInvalidInput)

	// Over-long keys are truncated, not rejected: both spellings hit
	// the same entry.
	long := make([]byte, shmcache.MaxKeyLen+50)
	for i := range long {
		long[i] = 'x'
	}

	require.NoError(t, cache.Set(string(long), []byte("v"), 0))

	val, _, err := cache.Get(string(long[:shmcache.MaxKeyLen]))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}

// Contract: empty values are rejected: a zero value size marks a dead
// chunk in the segment layout.
func Test_Empty_Values_Are_Rejected(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	require.ErrorIs(t, cache.Set("k", nil, 0), shmcache.ErrInvalidInput)
	require.ErrorIs(t, cache.Set("k", []byte{}, 0), shmcache.ErrInvalidInput)
	require.ErrorIs(t, cache.Add("k", nil, 0), shmcache.ErrInvalidInput)
	require.ErrorIs(t, cache.Replace("k", nil, 0), shmcache.ErrInvalidInput)
}

func Test_Add_And_Replace_Preconditions(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	require.ErrorIs(t, cache.Replace("k", []byte("v"), 0), shmcache.ErrNotFound)
	require.NoError(t, cache.Add("k", []byte("v"), 0))
	require.ErrorIs(t, cache.Add("k", []byte("v2"), 0), shmcache.ErrExists)
	require.NoError(t, cache.Replace("k", []byte("v2"), 0))
}

func Test_Increment_Facade(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	got, err := cache.Increment("ctr", 5, 10)
	require.NoError(t, err)
	require.Equal(t, int64(15), got)

	got, err = cache.Increment("ctr", -100, 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), got)

	require.NoError(t, cache.Set("text", []byte("abc"), 0))

	_, err = cache.Increment("text", 1, 0)
	require.ErrorIs(t, err, shmcache.ErrNonNumeric)
}

// Contract: Stats flushes the handle's buffered get outcomes into the
// persistent counters.
func Test_Stats_Reflects_Hits_And_Misses(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	require.NoError(t, cache.Set("k", []byte("v"), 0))

	for i := 0; i < 3; i++ {
		_, _, err := cache.Get("k")
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		_, _, err := cache.Get("absent")
		require.ErrorIs(t, err, shmcache.ErrMiss)
	}

	stats, err := cache.Stats()
	require.NoError(t, err)

	require.Equal(t, int64(3), stats.GetHits)
	require.Equal(t, int64(2), stats.GetMisses)
	require.Equal(t, int64(1), stats.Items)
	require.Equal(t, int64(1), stats.Buckets)
}

func Test_Flush_Keeps_Counters(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	require.NoError(t, cache.Set("k", []byte("v"), 0))

	_, _, err := cache.Get("k")
	require.NoError(t, err)

	require.NoError(t, cache.Flush())

	stats, err := cache.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Items)
	require.Equal(t, int64(1), stats.GetHits)
}

func Test_Operations_After_Close_Return_ErrClosed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := shmcache.Options{Dir: dir, SegmentSize: shmcache.MinSegmentSize}

	cache, err := shmcache.Attach(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		if c, err := shmcache.Attach(opts); err == nil {
			_ = c.Destroy()
		}
	})

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close()) // idempotent

	_, _, err = cache.Get("k")
	require.ErrorIs(t, err, shmcache.ErrClosed)

	require.ErrorIs(t, cache.Set("k", nil, 0), shmcache.ErrClosed)
	require.ErrorIs(t, cache.Flush(), shmcache.ErrClosed)

	_, err = cache.Stats()
	require.ErrorIs(t, err, shmcache.ErrClosed)
}

// Contract: Destroy removes the segment; the next attach starts
// empty.
func Test_Destroy_Then_Attach_Starts_Fresh(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := shmcache.Options{Dir: dir, SegmentSize: shmcache.MinSegmentSize}

	first, err := shmcache.Attach(opts)
	require.NoError(t, err)
	require.NoError(t, first.Set("k", []byte("v"), 0))
	require.NoError(t, first.Destroy())

	second, err := shmcache.Attach(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = second.Destroy() })

	_, _, err = second.Get("k")
	require.ErrorIs(t, err, shmcache.ErrMiss)
}

// Contract: errors.Is works across the exported taxonomy.
func Test_Error_Taxonomy_Is_Checkable(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	_, _, err := cache.Get("absent")
	require.True(t, errors.Is(err, shmcache.ErrMiss))

	err = cache.Set("big", make([]byte, shmcache.MaxValueSize+1), 0)
	require.True(t, errors.Is(err, shmcache.ErrOversize))
}
