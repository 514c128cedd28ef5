package wal

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/calicodb/calicodb/internal/env"
)

// sharedState is the mutable WAL state for one database file: its
// frame index, read marks, and commit header. Every *Wal connected to
// a given path within this process holds a pointer to the same
// sharedState, obtained through acquireShared, so a commit made
// through one *DB handle is immediately visible to a reader started
// through another handle on the same path — the defect a maintainer
// review flagged, since each Wal previously owned a private copy of
// this state and only ever replayed the on-disk file once, at its own
// construction.
type sharedState struct {
	mu sync.Mutex

	file env.File
	shm  env.ShmFile

	pageSize int

	hdr      Header
	maxFrame int
	pageCnt  uint32
	change   uint32
	seed1    uint32
	seed2    uint32

	index      map[uint32]indexEntry
	readMarks  []int
	writerHeld bool
	frameCache map[int][]byte
}

const readerSlotCount = 5

// shmHeaderCopyBytes is the size of one redundant copy of the
// published commit header within shm region 0.
const shmHeaderCopyBytes = 24

var (
	registryMu sync.Mutex
	registry   = make(map[string]*registryEntry)
)

type registryEntry struct {
	shared *sharedState
	refs   int
}

// acquireShared returns the process-wide shared state for path,
// opening its backing file and shm companion on the first call for
// that canonical path and handing out the same *sharedState (and the
// same open file handles) to every later caller, until the last one
// releases it.
func acquireShared(e env.Env, path string, pageSize int) (shared *sharedState, canon string, err error) {
	canon = path
	if abs, aerr := filepath.Abs(path); aerr == nil {
		canon = abs
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if entry, ok := registry[canon]; ok {
		entry.refs++
		return entry.shared, canon, nil
	}

	f, err := e.Open(path, env.OpenReadWrite|env.OpenCreate)
	if err != nil {
		return nil, canon, fmt.Errorf("wal: open %s: %w", path, err)
	}
	shm, err := e.OpenShm(path + "-shm")
	if err != nil {
		_ = f.Close()
		return nil, canon, fmt.Errorf("wal: open shm for %s: %w", path, err)
	}

	s := &sharedState{
		file:       f,
		shm:        shm,
		pageSize:   pageSize,
		index:      make(map[uint32]indexEntry),
		frameCache: make(map[int][]byte),
		readMarks:  make([]int, readerSlotCount),
	}
	for i := range s.readMarks {
		s.readMarks[i] = -1
	}
	if err := s.loadExisting(); err != nil {
		_ = shm.Unmap()
		_ = f.Close()
		return nil, canon, err
	}

	registry[canon] = &registryEntry{shared: s, refs: 1}
	return s, canon, nil
}

// releaseShared drops this connection's reference. Once the last
// reference on canon is released, it is removed from the registry and
// returned so the caller can tear down its file handles — a later
// fresh Open on the same path then starts clean from disk instead of
// inheriting stale in-memory state.
func releaseShared(canon string) (last *sharedState, wasLast bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	entry, ok := registry[canon]
	if !ok {
		return nil, false
	}
	entry.refs--
	if entry.refs > 0 {
		return nil, false
	}
	delete(registry, canon)
	return entry.shared, true
}

// publishLocked writes the current commit header into shm region 0 as
// two redundant, Barrier-separated copies, so a mapper of the same
// region — in this process or another — can detect a torn write
// (observing the old header in both copies, the new header in both,
// or a mismatch to retry) instead of reading a partially updated one.
// This mirrors the two-copy wal-index header protocol described on
// env.ShmFile.Barrier; it runs best-effort, since an in-process reader
// never actually needs it to observe a commit (sharedState itself is
// already the single source of truth for that) — it exists so the
// region is ever written at all, matching the real multi-process index
// layout this module is modeled on.
func (s *sharedState) publishLocked() {
	buf, err := s.shm.Map(0, true)
	if err != nil || len(buf) < 2*shmHeaderCopyBytes {
		return
	}
	encodeShmHeader(buf[0:shmHeaderCopyBytes], s.maxFrame, s.pageCnt, s.change, s.hdr.CkptNumber)
	s.shm.Barrier()
	encodeShmHeader(buf[shmHeaderCopyBytes:2*shmHeaderCopyBytes], s.maxFrame, s.pageCnt, s.change, s.hdr.CkptNumber)
	s.shm.Barrier()
}

func encodeShmHeader(buf []byte, maxFrame int, pageCnt, change, ckptNumber uint32) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(maxFrame))
	binary.LittleEndian.PutUint32(buf[4:], pageCnt)
	binary.LittleEndian.PutUint32(buf[8:], change)
	binary.LittleEndian.PutUint32(buf[12:], ckptNumber)
}
