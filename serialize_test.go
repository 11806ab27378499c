package shmcache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shmcache"
)

type benchRecord struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Tags    []string `json:"tags"`
	Enabled bool     `json:"enabled"`
}

func Test_SetValue_RoundTrips_Structs(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	in := benchRecord{ID: 42, Name: "answer", Tags: []string{"a", "b"}, Enabled: true}
	require.NoError(t, cache.SetValue("record", in))

	// The stored entry carries the serialized flag.
	_, flags, err := cache.Get("record")
	require.NoError(t, err)
	require.NotZero(t, flags&shmcache.FlagSerialized)

	var out benchRecord

	require.NoError(t, cache.GetValue("record", &out))
	require.Equal(t, in, out)
}

func Test_SetValue_Passes_Bytes_And_Strings_Through_Raw(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	require.NoError(t, cache.SetValue("raw-bytes", []byte{0x00, 0xff, 0x10}))
	require.NoError(t, cache.SetValue("raw-string", "plain"))

	val, flags, err := cache.Get("raw-bytes")
	require.NoError(t, err)
	require.Zero(t, flags&shmcache.FlagSerialized)
	require.Equal(t, []byte{0x00, 0xff, 0x10}, val)

	var s string

	require.NoError(t, cache.GetValue("raw-string", &s))
	require.Equal(t, "plain", s)

	var b []byte

	require.NoError(t, cache.GetValue("raw-bytes", &b))
	require.Equal(t, []byte{0x00, 0xff, 0x10}, b)
}

func Test_GetValue_Rejects_Bad_Out_For_Raw_Values(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	require.NoError(t, cache.Set("raw", []byte("v"), 0))

	var out benchRecord

	err := cache.GetValue("raw", &out)
	require.ErrorIs(t, err, shmcache.ErrInvalidInput)
}

func Test_AddValue_And_ReplaceValue_Keep_Preconditions(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	require.ErrorIs(t, cache.ReplaceValue("k", "v"), shmcache.ErrNotFound)
	require.NoError(t, cache.AddValue("k", "v"))
	require.ErrorIs(t, cache.AddValue("k", "v2"), shmcache.ErrExists)
	require.NoError(t, cache.ReplaceValue("k", benchRecord{ID: 1}))

	var out benchRecord

	require.NoError(t, cache.GetValue("k", &out))
	require.Equal(t, int64(1), out.ID)
}

// Serialized values survive a detach/attach cycle: the flag is stored
// in the segment, not the handle.
func Test_Serialized_Flag_Persists_Across_Handles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := shmcache.Options{Dir: dir, SegmentSize: shmcache.MinSegmentSize, LockTimeout: 2 * time.Second}

	first, err := shmcache.Attach(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = first.Destroy() })

	require.NoError(t, first.SetValue("record", benchRecord{ID: 7, Name: "seven"}))

	second, err := shmcache.Attach(opts)
	require.NoError(t, err)

	defer func() { _ = second.Close() }()

	var out benchRecord

	require.NoError(t, second.GetValue("record", &out))
	require.Equal(t, int64(7), out.ID)
	require.Equal(t, "seven", out.Name)
}
