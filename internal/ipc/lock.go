// Package ipc provides named inter-process reader/writer locks backed
// by OFD byte-range fcntl locks on a single lock file.
//
// Each named lock is one byte of the lock file. OFD locks belong to an
// open file description, so every acquisition opens its own descriptor;
// two goroutines in one process contend the same way two processes do.
// Locks are advisory: all cooperating processes must go through the
// same lock file for the protocol to have effect.
//
// This implementation is Unix-only.
package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock cannot be acquired without
	// waiting.
	//
	// It is returned by [Table.TryExclusive] when the lock is held by
	// another process, and by the timed acquisition methods when the
	// acquisition timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")
)

// Table hands out locks from a shared lock file. The zero value is not
// usable; create one with [NewTable].
//
// Table has no mutable state and is safe for concurrent use.
type Table struct {
	path string
}

// NewTable returns a Table over the lock file at path. The file and
// its parent directories are created lazily on first acquisition.
func NewTable(path string) *Table {
	return &Table{path: path}
}

// Path returns the lock file path.
func (t *Table) Path() string {
	return t.path
}

// Lock represents one held named lock. Call [Lock.Close] to release it.
type Lock struct {
	mu   sync.Mutex
	file *os.File
	slot int64
}

// Slot returns the lock's byte slot in the lock file.
func (lk *Lock) Slot() int64 {
	return lk.slot
}

// Close releases the lock and closes its file descriptor.
//
// Close is idempotent. Closing the descriptor releases any OFD lock
// held through it, so an explicit unlock failure is not fatal as long
// as the close succeeds.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	unlockErr := fcntlRetryEINTR(lk.file, unix.F_OFD_SETLK, &unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  lk.slot,
		Len:    1,
	})
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking slot %d: %w", lk.slot, unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// Shared acquires slot in shared (reader) mode, polling with backoff
// until timeout expires.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the
// timeout expires before the lock is acquired.
// Returns [ErrInvalidTimeout] if timeout <= 0.
func (t *Table) Shared(slot int64, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return t.lockPolling(slot, unix.F_RDLCK, timeout)
}

// Exclusive acquires slot in exclusive (writer) mode, polling with
// backoff until timeout expires.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the
// timeout expires before the lock is acquired.
// Returns [ErrInvalidTimeout] if timeout <= 0.
func (t *Table) Exclusive(slot int64, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return t.lockPolling(slot, unix.F_WRLCK, timeout)
}

// TryExclusive attempts to acquire slot in exclusive mode without
// blocking.
//
// Returns immediately with [ErrWouldBlock] if the lock is held. Use
// this for opportunistic acquisition where the caller has a back-off
// path.
func (t *Table) TryExclusive(slot int64) (*Lock, error) {
	return t.lockPolling(slot, unix.F_WRLCK, 0)
}

// lockPolling attempts to acquire a lock using non-blocking fcntl with
// retries.
//
//   - timeout == 0: try once (TryExclusive behavior)
//   - timeout > 0: retry with backoff until timeout
func (t *Table) lockPolling(slot int64, lockType int16, timeout time.Duration) (*Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	file, err := t.openLockFile()
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	backoff := time.Millisecond

	for {
		err = fcntlRetryEINTR(file, unix.F_OFD_SETLK, &unix.Flock_t{
			Type:   lockType,
			Whence: 0,
			Start:  slot,
			Len:    1,
		})
		if err == nil {
			return &Lock{file: file, slot: slot}, nil
		}

		if !isWouldBlock(err) {
			_ = file.Close()

			return nil, fmt.Errorf("fcntl lock slot %d: %w", slot, err)
		}

		if timeout == 0 {
			_ = file.Close()

			return nil, ErrWouldBlock
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			_ = file.Close()

			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		time.Sleep(min(backoff, remaining))

		if backoff < 25*time.Millisecond {
			backoff *= 2
			if backoff > 25*time.Millisecond {
				backoff = 25 * time.Millisecond
			}
		}
	}
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (t *Table) openLockFile() (*os.File, error) {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_RDWR, lockFilePerm) //nolint:gosec // path is owned by the caller
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := os.MkdirAll(filepath.Dir(t.path), lockDirPerm); err != nil {
		return nil, err
	}

	return os.OpenFile(t.path, os.O_CREATE|os.O_RDWR, lockFilePerm) //nolint:gosec // path is owned by the caller
}

func isWouldBlock(err error) bool {
	// SETLK reports a held lock as EAGAIN or EACCES depending on the
	// platform.
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EWOULDBLOCK)
}

// fcntlRetryEINTR wraps FcntlFlock, retrying on EINTR.
//
// EINTR means the syscall was interrupted by a signal before it could
// complete; the call didn't fail, it just needs to be retried. Retries
// are capped to avoid spinning forever under pathological signal
// storms.
func fcntlRetryEINTR(file *os.File, cmd int, flk *unix.Flock_t) error {
	const maxEINTRRetries = 10000

	fd := file.Fd()

	var err error
	for i := 0; i < maxEINTRRetries; i++ {
		err = unix.FcntlFlock(fd, cmd, flk)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
