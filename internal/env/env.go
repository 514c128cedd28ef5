// Package env is the core engine's file-system and OS abstraction. Spec
// section 1 treats it as an external collaborator described only through
// the interfaces the core consumes; this package provides both that
// interface and the one concrete, OS-backed implementation the module
// ships with.
package env

import (
	"io"
	"time"
)

// LockLevel is one of the five advisory lock strengths a connection can
// hold on the database file, ordered unlocked < Shared < Reserved <
// Pending < Exclusive.
type LockLevel int

const (
	LockUnlocked LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockUnlocked:
		return "unlocked"
	case LockShared:
		return "shared"
	case LockReserved:
		return "reserved"
	case LockPending:
		return "pending"
	case LockExclusive:
		return "exclusive"
	default:
		return "invalid"
	}
}

// OpenFlags control how Env.Open creates or opens a file.
type OpenFlags int

const (
	OpenReadOnly OpenFlags = 1 << iota
	OpenReadWrite
	OpenCreate
)

// File is a positioned, lockable file handle. Implementations need not be
// safe for concurrent use by multiple goroutines without external
// synchronization — within one Tx, access is single-threaded per spec §5.
type File interface {
	io.ReaderAt
	io.WriterAt

	// Sync flushes the file's contents (and, if fullSync, metadata) to
	// stable storage.
	Sync(fullSync bool) error

	// Size returns the current file size in bytes.
	Size() (int64, error)

	// Truncate sets the file's size.
	Truncate(size int64) error

	// Lock attempts to raise the file's advisory lock to level. It must
	// be called with levels in non-decreasing order relative to the
	// lock currently held, except that Exclusive may be requested
	// directly from Pending during a commit sequence.
	Lock(level LockLevel) error

	// Unlock drops the advisory lock to level (normally LockUnlocked or
	// LockShared).
	Unlock(level LockLevel) error

	// CurrentLock reports the strongest lock level this handle believes
	// it holds. It is a local cache, not a syscall.
	CurrentLock() LockLevel

	Close() error
}

// ShmLockFlag selects the operation Env.ShmLock performs, mirroring
// POSIX advisory semantics: a region is either locked or unlocked, and
// either shared or exclusive.
type ShmLockFlag int

const (
	ShmLock ShmLockFlag = 1 << iota
	ShmUnlock
	ShmShared
	ShmExclusive
)

// ShmFile is the shared-memory companion file backing the WAL index
// (conceptually "<db>-shm"). It is mapped in fixed-size chunks and
// carries its own byte-range locks, independent of the main database
// file's locks.
type ShmFile interface {
	// Map returns the byte slice for chunk index region, extending the
	// backing file and mapping a new chunk if needed and extend is true.
	// Previously returned slices remain valid: new chunks are appended,
	// never remapped.
	Map(region int, extend bool) ([]byte, error)

	// Lock acquires or releases a lock on one of the fixed byte-range
	// slots (WRITE, CKPT, RECOVER, READ(0..N)).
	Lock(offset, n int, flag ShmLockFlag) error

	// Barrier provides the acquire/release fence the WAL index's
	// torn-write detection protocol needs between writing the two header
	// copies. It must not be implemented with a mutex: a reader or
	// writer barrier on one goroutine must never block another.
	Barrier()

	// Unmap releases all mapped chunks.
	Unmap() error

	// Delete removes the backing file; used on WAL close when no frames
	// were ever committed.
	Delete() error
}

// BusyHandler decides whether a caller should retry a failed lock
// acquisition. attempt is 1 on the first retry. Returning false aborts
// the operation with a busy status.
type BusyHandler func(attempt int) bool

// DefaultBusyHandler retries immediately a few times, then backs off
// exponentially up to a cap, matching the spec's "exponential-ish
// back-off after a few immediate retries".
func DefaultBusyHandler(sleep func(time.Duration)) BusyHandler {
	return func(attempt int) bool {
		const immediateRetries = 5
		const maxBackoff = 100 * time.Millisecond
		if attempt <= immediateRetries {
			return true
		}
		backoff := time.Millisecond << uint(attempt-immediateRetries)
		if backoff > maxBackoff || backoff <= 0 {
			backoff = maxBackoff
		}
		sleep(backoff)
		return true
	}
}

// Env is the collaborator the core engine depends on for all I/O,
// locking, and timing. Every method may block.
type Env interface {
	// Open opens or creates the file at path.
	Open(path string, flags OpenFlags) (File, error)

	// OpenShm opens or creates the shared-memory companion file for path
	// (conventionally path+"-shm").
	OpenShm(path string) (ShmFile, error)

	Remove(path string) error
	Exists(path string) bool

	// Randomness fills buf with cryptographically random bytes, used for
	// WAL salts.
	Randomness(buf []byte)

	Sleep(d time.Duration)
}
