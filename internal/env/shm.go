package env

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// shmFence is the dummy location Barrier round-trips through.
var shmFence atomic.Uint32

// osShm implements ShmFile over a "<db>-shm" companion file, mapped in
// fixed-size chunks via mmap(2). The WAL publishes its two-copy commit
// header into region 0; its page index itself is not stored here.
type osShm struct {
	mu        sync.Mutex
	f         *os.File
	chunkSize int
	chunks    [][]byte
}

func (s *osShm) Map(region int, extend bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for region >= len(s.chunks) {
		if !extend {
			return nil, fmt.Errorf("env: shm region %d not mapped", region)
		}
		idx := len(s.chunks)
		offset := int64(idx * s.chunkSize)
		if err := s.f.Truncate(offset + int64(s.chunkSize)); err != nil {
			return nil, err
		}
		chunk, err := unix.Mmap(int(s.f.Fd()), offset, s.chunkSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("env: mmap shm region %d: %w", idx, err)
		}
		s.chunks = append(s.chunks, chunk)
	}
	return s.chunks[region], nil
}

func (s *osShm) Lock(offset, n int, flag ShmLockFlag) error {
	typ := int16(unix.F_RDLCK)
	if flag&ShmExclusive != 0 {
		typ = unix.F_WRLCK
	}
	if flag&ShmUnlock != 0 {
		typ = unix.F_UNLCK
	}
	return fcntlRange(s.f, typ, int64(offset), int64(n))
}

// Barrier provides acquire/release ordering for the two-copy header
// publish protocol without a mutex. A real memory fence instruction isn't
// exposed portably from Go, so it does an atomic load/store round-trip on
// a dummy location (shmFence); it never blocks.
func (s *osShm) Barrier() {
	shmFence.Store(shmFence.Load())
}

func (s *osShm) Unmap() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.chunks {
		if err := unix.Munmap(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.chunks = nil
	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *osShm) Delete() error {
	name := s.f.Name()
	return os.Remove(name)
}
