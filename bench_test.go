// Comparative benchmarks against in-process caches. shmcache pays for
// inter-process locks and a shared mapping on every operation, so the
// point of comparison is the cost of multi-process safety, not a race
// it is expected to win.
package shmcache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/coocood/freecache"
	gocache "github.com/patrickmn/go-cache"

	"github.com/calvinalkan/shmcache"
)

const (
	benchKeyCount  = 4096
	benchValueSize = 512
	benchCacheSize = 64 << 20
)

func benchKeys() []string {
	keys := make([]string, benchKeyCount)
	for i := range keys {
		keys[i] = fmt.Sprintf("bench-key-%d", i)
	}

	return keys
}

func benchValue() []byte {
	val := make([]byte, benchValueSize)
	for i := range val {
		val[i] = byte('a' + i%26)
	}

	return val
}

func BenchmarkShmcacheSet(b *testing.B) {
	cache, err := shmcache.Attach(shmcache.Options{
		Dir:         b.TempDir(),
		SegmentSize: benchCacheSize,
	})
	if err != nil {
		b.Fatalf("attach: %v", err)
	}

	defer func() { _ = cache.Destroy() }()

	keys := benchKeys()
	val := benchValue()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cache.Set(keys[i%benchKeyCount], val, 0); err != nil {
			b.Fatalf("set: %v", err)
		}
	}
}

func BenchmarkShmcacheGet(b *testing.B) {
	cache, err := shmcache.Attach(shmcache.Options{
		Dir:         b.TempDir(),
		SegmentSize: benchCacheSize,
	})
	if err != nil {
		b.Fatalf("attach: %v", err)
	}

	defer func() { _ = cache.Destroy() }()

	keys := benchKeys()
	val := benchValue()

	for _, k := range keys {
		if err := cache.Set(k, val, 0); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, _, err := cache.Get(keys[i%benchKeyCount]); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
}

func BenchmarkFreecacheSet(b *testing.B) {
	cache := freecache.NewCache(benchCacheSize)
	keys := benchKeys()
	val := benchValue()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cache.Set([]byte(keys[i%benchKeyCount]), val, 0); err != nil {
			b.Fatalf("set: %v", err)
		}
	}
}

func BenchmarkFreecacheGet(b *testing.B) {
	cache := freecache.NewCache(benchCacheSize)
	keys := benchKeys()
	val := benchValue()

	for _, k := range keys {
		if err := cache.Set([]byte(k), val, 0); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := cache.Get([]byte(keys[i%benchKeyCount])); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
}

func BenchmarkBigcacheSet(b *testing.B) {
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(10*time.Minute))
	if err != nil {
		b.Fatalf("new bigcache: %v", err)
	}

	defer func() { _ = cache.Close() }()

	keys := benchKeys()
	val := benchValue()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cache.Set(keys[i%benchKeyCount], val); err != nil {
			b.Fatalf("set: %v", err)
		}
	}
}

func BenchmarkBigcacheGet(b *testing.B) {
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(10*time.Minute))
	if err != nil {
		b.Fatalf("new bigcache: %v", err)
	}

	defer func() { _ = cache.Close() }()

	keys := benchKeys()
	val := benchValue()

	for _, k := range keys {
		if err := cache.Set(k, val); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := cache.Get(keys[i%benchKeyCount]); err != nil {
			b.Fatalf("get: %v", err)
		}
	}
}

func BenchmarkGocacheSet(b *testing.B) {
	cache := gocache.New(gocache.NoExpiration, 0)
	keys := benchKeys()
	val := benchValue()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		cache.Set(keys[i%benchKeyCount], val, gocache.NoExpiration)
	}
}

func BenchmarkGocacheGet(b *testing.B) {
	cache := gocache.New(gocache.NoExpiration, 0)
	keys := benchKeys()
	val := benchValue()

	for _, k := range keys {
		cache.Set(k, val, gocache.NoExpiration)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, ok := cache.Get(keys[i%benchKeyCount]); !ok {
			b.Fatal("miss")
		}
	}
}

func BenchmarkShmcacheParallelGet(b *testing.B) {
	cache, err := shmcache.Attach(shmcache.Options{
		Dir:         b.TempDir(),
		SegmentSize: benchCacheSize,
	})
	if err != nil {
		b.Fatalf("attach: %v", err)
	}

	defer func() { _ = cache.Destroy() }()

	keys := benchKeys()
	val := benchValue()

	for _, k := range keys {
		if err := cache.Set(k, val, 0); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0

		for pb.Next() {
			if _, _, err := cache.Get(keys[i%benchKeyCount]); err != nil {
				b.Errorf("get: %v", err)

				return
			}

			i++
		}
	})
}
