// Package shm attaches, detaches, and destroys the shared byte region
// that backs the cache.
//
// The segment is a file mapped MAP_SHARED by every participating
// process. Its name is derived deterministically from the identity
// (device, inode) of a well-known lock file, so unrelated processes
// that agree on the lock file path attach to the same segment. The
// segment lives under /dev/shm when available so its pages never touch
// a disk; otherwise it sits next to the lock file.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// ErrDetached is returned when a segment is used after Detach or
// Destroy. This is a programming error.
var ErrDetached = errors.New("shm: segment detached")

const segFilePerm = 0o600

// Segment is one attached shared memory region.
//
// The mapped bytes are shared with every other process attached to the
// same segment; Segment itself carries no synchronization. Callers
// coordinate through the ipc lock table.
type Segment struct {
	data  []byte
	file  *os.File
	path  string
	isNew bool
}

// Name returns the deterministic segment file name for the lock file
// at lockPath. The lock file is created if missing so its inode is
// stable from then on.
func Name(lockPath string) (string, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, segFilePerm) //nolint:gosec // path is owned by the caller
	if err != nil {
		return "", fmt.Errorf("opening lock file: %w", err)
	}

	defer func() { _ = f.Close() }()

	var stat syscall.Stat_t

	if err := syscall.Fstat(int(f.Fd()), &stat); err != nil {
		return "", fmt.Errorf("stat lock file: %w", err)
	}

	var id [16]byte

	binary.LittleEndian.PutUint64(id[0:8], uint64(stat.Dev)) //nolint:gosec,unconvert // Dev is already uint64 on linux
	binary.LittleEndian.PutUint64(id[8:16], stat.Ino)

	return fmt.Sprintf("shmcache-%016x.seg", xxhash.Sum64(id[:])), nil
}

// segmentDir picks where the segment file lives: /dev/shm when it
// exists (Linux tmpfs), otherwise the lock file's directory.
func segmentDir(lockPath string) string {
	const devShm = "/dev/shm"

	info, err := os.Stat(devShm)
	if err == nil && info.IsDir() {
		return devShm
	}

	return filepath.Dir(lockPath)
}

// Attach maps the segment named by lockPath, creating and sizing it
// when it does not exist yet.
//
// desiredSize only applies to a newly created segment; an existing
// segment keeps its size (there is no resize after attach). IsNew
// reports whether this call created the segment, in which case the
// caller must format it before use.
func Attach(lockPath string, desiredSize int64) (*Segment, error) {
	name, err := Name(lockPath)
	if err != nil {
		return nil, err
	}

	segPath := filepath.Join(segmentDir(lockPath), name)

	isNew := false

	file, err := os.OpenFile(segPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, segFilePerm) //nolint:gosec // derived path
	switch {
	case err == nil:
		isNew = true

		if err := file.Truncate(desiredSize); err != nil {
			_ = file.Close()
			_ = os.Remove(segPath)

			return nil, fmt.Errorf("sizing segment: %w", err)
		}
	case errors.Is(err, os.ErrExist):
		file, err = os.OpenFile(segPath, os.O_RDWR, segFilePerm) //nolint:gosec // derived path
		if err != nil {
			return nil, fmt.Errorf("opening segment: %w", err)
		}
	default:
		return nil, fmt.Errorf("creating segment: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("stat segment: %w", err)
	}

	size := info.Size()

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	return &Segment{data: data, file: file, path: segPath, isNew: isNew}, nil
}

// Data returns the mapped bytes. The slice is invalid after Detach or
// Destroy.
func (s *Segment) Data() []byte {
	return s.data
}

// Size returns the mapped length in bytes.
func (s *Segment) Size() int64 {
	return int64(len(s.data))
}

// Path returns the segment file path.
func (s *Segment) Path() string {
	return s.path
}

// IsNew reports whether Attach created the segment file.
func (s *Segment) IsNew() bool {
	return s.isNew
}

// pageSize is the system page size, used for aligning msync ranges.
var pageSize = unix.Getpagesize()

// Sync msyncs the byte range [off, off+length) synchronously. The
// range is page-aligned before the call; macOS requires it.
func (s *Segment) Sync(off, length int) error {
	if s.data == nil {
		return ErrDetached
	}

	if length <= 0 || off < 0 || off >= len(s.data) {
		return fmt.Errorf("shm: invalid sync range off=%d len=%d", off, length)
	}

	if off+length > len(s.data) {
		length = len(s.data) - off
	}

	alignedStart := (off / pageSize) * pageSize
	alignedEnd := min(((off+length+pageSize-1)/pageSize)*pageSize, len(s.data))

	if err := unix.Msync(s.data[alignedStart:alignedEnd], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

// Detach unmaps the segment and closes its descriptor. The segment
// file stays in place for other processes.
func (s *Segment) Detach() error {
	if s.data == nil {
		return nil
	}

	unmapErr := unix.Munmap(s.data)
	closeErr := s.file.Close()
	s.data = nil
	s.file = nil

	if unmapErr != nil {
		unmapErr = fmt.Errorf("munmap segment: %w", unmapErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing segment fd: %w", closeErr)
	}

	return errors.Join(unmapErr, closeErr)
}

// Destroy unmaps the segment and removes the backing file. Other
// processes still attached keep their mappings; new attaches create a
// fresh segment.
func (s *Segment) Destroy() error {
	path := s.path

	if err := s.Detach(); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing segment: %w", err)
	}

	return nil
}
