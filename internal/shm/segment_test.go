package shm_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/shmcache/internal/shm"
)

const testSize = 16 << 20

// Contract: the segment name is a pure function of the lock file's
// identity.
func Test_Name_Is_Deterministic_Per_Lock_File(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "cache.lock")

	first, err := shm.Name(lockPath)
	if err != nil {
		t.Fatalf("first name: %v", err)
	}

	second, err := shm.Name(lockPath)
	if err != nil {
		t.Fatalf("second name: %v", err)
	}

	if first != second {
		t.Fatalf("names differ: %q vs %q", first, second)
	}

	otherPath := filepath.Join(t.TempDir(), "cache.lock")

	other, err := shm.Name(otherPath)
	if err != nil {
		t.Fatalf("other name: %v", err)
	}

	if other == first {
		t.Fatalf("distinct lock files share segment name %q", first)
	}
}

func Test_Attach_Creates_Then_Reuses_Segment(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "cache.lock")

	first, err := shm.Attach(lockPath, testSize)
	if err != nil {
		t.Fatalf("first attach: %v", err)
	}

	t.Cleanup(func() { _ = first.Destroy() })

	if !first.IsNew() {
		t.Fatal("first attach: IsNew = false")
	}

	if first.Size() != testSize {
		t.Fatalf("size = %d, want %d", first.Size(), int64(testSize))
	}

	// Writes through one mapping are visible through another.
	first.Data()[0] = 0xAB

	second, err := shm.Attach(lockPath, testSize*2)
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}

	defer func() { _ = second.Detach() }()

	if second.IsNew() {
		t.Fatal("second attach: IsNew = true")
	}

	// Existing segments keep their size: no resize after attach.
	if second.Size() != testSize {
		t.Fatalf("second size = %d, want %d", second.Size(), int64(testSize))
	}

	if second.Data()[0] != 0xAB {
		t.Fatalf("shared byte = %#x, want 0xAB", second.Data()[0])
	}
}

func Test_Destroy_Removes_Backing_File(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "cache.lock")

	seg, err := shm.Attach(lockPath, testSize)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	path := seg.Path()

	if err := seg.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("segment file still present: %v", err)
	}

	// A fresh attach after destroy creates a new segment.
	again, err := shm.Attach(lockPath, testSize)
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}

	defer func() { _ = again.Destroy() }()

	if !again.IsNew() {
		t.Fatal("re-attach after destroy: IsNew = false")
	}
}

func Test_Sync_Validates_Ranges(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "cache.lock")

	seg, err := shm.Attach(lockPath, testSize)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	t.Cleanup(func() { _ = seg.Destroy() })

	if err := seg.Sync(0, 4096); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if err := seg.Sync(-1, 10); err == nil {
		t.Fatal("expected error for negative offset")
	}

	if err := seg.Sync(0, 0); err == nil {
		t.Fatal("expected error for zero length")
	}
}
