package env

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Lock byte offsets, modeled on the classic SQLite unix VFS scheme: one
// byte each for the pending, reserved and shared locks, so that
// shared-lock holders and the reserved/pending bits never overlap on the
// same fcntl call. Grounded in the five-level scheme spec.md §2 and §5
// describe.
const (
	lockBytePending  = 0x40000000
	lockByteReserved = 0x40000001
	lockByteShared   = 0x40000002
)

// OSEnv is the default OS-backed Env, grounded in the teacher's direct
// os/syscall use for file I/O (pkg/storage/kv.go) generalized to
// fcntl byte-range locks and mmap via golang.org/x/sys/unix, the
// ecosystem-standard way to do POSIX advisory locking and shared-memory
// mapping in Go (see other_examples' Giulio2002/gdbx env/mmap handling).
type OSEnv struct{}

// New returns the default OS environment.
func New() Env { return OSEnv{} }

func (OSEnv) Open(path string, flags OpenFlags) (File, error) {
	var osFlags int
	switch {
	case flags&OpenReadWrite != 0:
		osFlags = os.O_RDWR
	default:
		osFlags = os.O_RDONLY
	}
	if flags&OpenCreate != 0 {
		osFlags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, osFlags, 0644)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (OSEnv) OpenShm(path string) (ShmFile, error) {
	f, err := os.OpenFile(path+"-shm", os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &osShm{f: f, chunkSize: 32 * 1024}, nil
}

func (OSEnv) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (OSEnv) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSEnv) Randomness(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read does not fail on supported platforms; fall
		// back to a fixed pattern rather than leaving buf uninitialized.
		for i := range buf {
			buf[i] = byte(i)
		}
	}
}

func (OSEnv) Sleep(d time.Duration) { time.Sleep(d) }

// osFile implements File over *os.File using fcntl byte-range locks.
type osFile struct {
	mu      sync.Mutex
	f       *os.File
	current LockLevel
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error)  { return o.f.ReadAt(p, off) }
func (o *osFile) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }

func (o *osFile) Sync(fullSync bool) error { return o.f.Sync() }

func (o *osFile) Size() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (o *osFile) Truncate(size int64) error { return o.f.Truncate(size) }

func (o *osFile) Close() error { return o.f.Close() }

func (o *osFile) CurrentLock() LockLevel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// fcntlRange places or clears a POSIX byte-range lock.
func fcntlRange(f *os.File, typ int16, start, length int64) error {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: 0,
		Start:  start,
		Len:    length,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
}

func (o *osFile) Lock(level LockLevel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if level <= o.current {
		return nil
	}
	switch level {
	case LockShared:
		if err := fcntlRange(o.f, unix.F_RDLCK, lockByteShared, 1); err != nil {
			return err
		}
	case LockReserved:
		if err := fcntlRange(o.f, unix.F_WRLCK, lockByteReserved, 1); err != nil {
			return err
		}
	case LockPending:
		if err := fcntlRange(o.f, unix.F_WRLCK, lockBytePending, 1); err != nil {
			return err
		}
	case LockExclusive:
		if o.current < LockPending {
			if err := fcntlRange(o.f, unix.F_WRLCK, lockBytePending, 1); err != nil {
				return err
			}
		}
		if err := fcntlRange(o.f, unix.F_WRLCK, lockByteShared, 1); err != nil {
			return err
		}
	default:
		return fmt.Errorf("env: invalid lock level %v", level)
	}
	o.current = level
	return nil
}

func (o *osFile) Unlock(level LockLevel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if level >= o.current {
		o.current = level
		return nil
	}
	if level <= LockUnlocked {
		if err := fcntlRange(o.f, unix.F_UNLCK, lockByteShared, 1); err != nil {
			return err
		}
		if err := fcntlRange(o.f, unix.F_UNLCK, lockByteReserved, 1); err != nil {
			return err
		}
		if err := fcntlRange(o.f, unix.F_UNLCK, lockBytePending, 1); err != nil {
			return err
		}
	} else if level == LockShared {
		if err := fcntlRange(o.f, unix.F_UNLCK, lockByteReserved, 1); err != nil {
			return err
		}
		if err := fcntlRange(o.f, unix.F_UNLCK, lockBytePending, 1); err != nil {
			return err
		}
		if err := fcntlRange(o.f, unix.F_RDLCK, lockByteShared, 1); err != nil {
			return err
		}
	}
	o.current = level
	return nil
}
