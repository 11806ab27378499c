// Package shmcache is a multi-process key/value cache in one shared
// memory segment.
//
// Short-lived worker processes on the same host attach to a named
// segment, perform get/set/add/replace/delete/exists/increment
// operations on opaque binary values, and detach. The cache survives
// worker exit; it does not survive a host reboot or an explicit
// Destroy.
//
// # Basic Usage
//
//	cache, err := shmcache.Attach(shmcache.Options{
//	    Dir: "/var/run/myapp",
//	})
//	if err != nil {
//	    // handle shmcache.ErrCorrupt by destroying and re-attaching
//	}
//	defer cache.Close()
//
//	err = cache.Set("greeting", []byte("hello"), 0)
//	val, flags, err := cache.Get("greeting")
//
// # Storage model
//
// The segment is a fixed-layout arena: a bucket array indexes chunks
// by CRC32 of the key, and chunks live in fixed-size zones managed as
// a ring. When the newest zone cannot hold a value, the oldest zone is
// evicted wholesale - strictly in zone-insertion order, regardless of
// how full or hot its entries are. There is no TTL and no LRU.
//
// # Concurrency
//
// Any number of processes (and goroutines) may operate concurrently.
// Coordination uses named inter-process locks: per-bucket and per-zone
// reader/writer locks plus a ring lock, acquired in a fixed order so
// unrelated writers cannot deadlock. Lock acquisition is bounded by
// [Options.LockTimeout]; on expiry operations return [ErrLocked] with
// the segment untouched.
//
// # Error Handling
//
// Errors fall into three categories:
//
// User errors ([ErrMiss], [ErrExists], [ErrNotFound], [ErrOversize],
// [ErrNonNumeric], [ErrInvalidInput]): returned with no state change.
//
// Contention ([ErrLocked]): retry after a short delay.
//
// Rebuild errors ([ErrCorrupt]): destroy the segment and re-attach.
package shmcache
