package pager

import (
	"fmt"
	"sync"

	"github.com/calicodb/calicodb/internal/env"
	"github.com/calicodb/calicodb/internal/metrics"
	"github.com/calicodb/calicodb/internal/wal"
)

// State is the Pager's transaction state machine (spec §4.3).
type State int

const (
	StateOpen State = iota
	StateRead
	StateWrite
	StateDirty
	StateError
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRead:
		return "read"
	case StateWrite:
		return "write"
	case StateDirty:
		return "dirty"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Pager is the transaction state machine sitting between the tree
// layer and the database file + WAL (spec §4.3). It is grounded in the
// teacher's pkg/storage/kv.go Open/Close lifecycle and
// pkg/storage/transaction.go's Begin/Commit/Abort, generalized from a
// single mmap'd copy-on-write file to a buffer-pool-cached file with a
// physical WAL staging dirty pages until commit.
type Pager struct {
	mu sync.Mutex

	e    env.Env
	file env.File
	w    *wal.Wal
	path string

	buf      *Bufmgr
	dirty    *DirtyList
	freelist *Freelist
	metrics  *metrics.Metrics

	pageSize  int
	pageCount uint32 // current logical size in pages
	savedPgCt uint32 // size as of the last commit

	state State
	err   error

	rootRef    *PageRef
	readerSlot int
	refreshRoot bool

	priorMaxFrame int // wal max_frame snapshot at writer start, for rollback
}

// Options configures Pager.Open.
type Options struct {
	PageSize   int
	CacheSize  int // frames in the buffer pool; spec minimum is 16
	CreateOK   bool
}

// Open opens (creating if necessary and permitted) the database file at
// path plus its WAL, and returns a Pager in the Open state.
func Open(e env.Env, path string, opts Options) (*Pager, error) {
	if opts.CacheSize < 16 {
		opts.CacheSize = 64
	}
	flags := env.OpenReadWrite
	if opts.CreateOK {
		flags |= env.OpenCreate
	}
	f, err := e.Open(path, flags)
	if err != nil {
		return nil, fmt.Errorf("pager: open %s: %w", path, err)
	}

	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = 4096
	}
	var hdr FileHeader
	if size == 0 {
		hdr = NewFileHeader(pageSize)
		buf := make([]byte, pageSize)
		hdr.Encode(buf[:FileHeaderSize])
		// The schema tree's root node follows the file header on page 1;
		// start it as an empty external node whose cell area begins at
		// the end of the page.
		buf[FileHeaderSize] = 1
		putU16(buf[FileHeaderSize+11:], uint16(pageSize))
		if _, err := f.WriteAt(buf, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("pager: init file header: %w", err)
		}
		if err := f.Sync(true); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else {
		buf := make([]byte, FileHeaderSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("pager: read file header: %w", err)
		}
		hdr, err = DecodeFileHeader(buf)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		pageSize = int(hdr.PageSize)
	}

	walPath := path + "-wal"
	w, err := wal.Open(e, walPath, pageSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	p := &Pager{
		e:         e,
		file:      f,
		w:         w,
		path:      path,
		buf:       NewBufmgr(opts.CacheSize),
		dirty:     &DirtyList{},
		freelist:  NewFreelist(hdr.FreelistHead),
		metrics:   metrics.New(),
		pageSize:  pageSize,
		pageCount: hdr.PageCount,
		savedPgCt: hdr.PageCount,
		state:     StateOpen,
	}
	p.metrics.PageCount.Set(float64(p.pageCount))
	return p, nil
}

// Metrics returns the counters and gauges this Pager accumulates,
// exposed through DB.GetProperty("stats").
func (p *Pager) Metrics() *metrics.Metrics { return p.metrics }

// PageSize reports the fixed page size for this database.
func (p *Pager) PageSize() int { return p.pageSize }

// PageCount reports the current logical size in pages.
func (p *Pager) PageCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageCount
}

// State reports the current state-machine state.
func (p *Pager) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the sticky error that latched the Pager into Error state,
// if any.
func (p *Pager) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pager) fail(err error) error {
	p.state = StateError
	p.err = err
	return err
}

// StartReader transitions Open -> Read: acquires a file shared lock,
// joins a WAL read-mark, and purges the cache if the database has
// changed since a previous reader generation (spec §4.3 "Start reader").
func (p *Pager) StartReader() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOpen {
		return fmt.Errorf("pager: StartReader requires Open, have %s", p.state)
	}
	if err := p.file.Lock(env.LockShared); err != nil {
		return fmt.Errorf("pager: acquire shared lock: %w", err)
	}
	slot, changed, err := p.w.StartReader()
	if err != nil {
		_ = p.file.Unlock(env.LockShared)
		return err
	}
	p.readerSlot = slot
	if changed {
		p.purgeCacheLocked()
	}
	if err := p.refreshRootLocked(); err != nil {
		return err
	}
	p.pageCount = maxU32(p.w.PageCount(), p.pageCount)
	p.state = StateRead
	return nil
}

// StartWriter transitions Read -> Write.
func (p *Pager) StartWriter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRead {
		return fmt.Errorf("pager: StartWriter requires Read, have %s", p.state)
	}
	if err := p.w.StartWriter(); err != nil {
		return ErrBusy
	}
	p.priorMaxFrame = p.w.MaxFrame()
	p.savedPgCt = p.pageCount
	p.state = StateWrite
	return nil
}

// Acquire fetches page id, pinning it. The root page (id 1) is served
// from a persistent ref refreshed on reader start and rollback.
func (p *Pager) Acquire(id PageID) (*PageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(id)
}

func (p *Pager) acquireLocked(id PageID) (*PageRef, error) {
	if p.state == StateError {
		return nil, p.err
	}
	if id == RootPageID && p.rootRef != nil {
		p.buf.Ref(p.rootRef)
		return p.rootRef, nil
	}
	if ref := p.buf.Get(id); ref != nil {
		p.buf.Ref(ref)
		p.metrics.CacheHits.Inc()
		return ref, nil
	}
	p.metrics.CacheMisses.Inc()

	// Out-of-range acquire within a writer extends the logical size and
	// is served zeroed (spec §4.3 "Out-of-range acquire").
	extending := uint32(id) > p.pageCount
	if extending && p.state != StateWrite && p.state != StateDirty {
		return nil, fmt.Errorf("%w: page %d out of range", ErrCorruption, id)
	}

	ref, err := p.ensureFrameLocked(id)
	if err != nil {
		return nil, err
	}
	if !extending {
		if err := p.populateLocked(ref); err != nil {
			p.buf.Erase(id)
			return nil, p.fail(err)
		}
	}
	if extending {
		p.pageCount = uint32(id)
	}
	p.buf.Ref(ref)
	if id == RootPageID {
		p.rootRef = ref
	}
	p.metrics.CachedPages.Set(float64(p.buf.Len()))
	return ref, nil
}

// ensureFrameLocked returns a registered, zero-filled frame for id,
// evicting an unpinned victim (writing it to the WAL first if dirty)
// when the pool is full.
func (p *Pager) ensureFrameLocked(id PageID) (*PageRef, error) {
	if p.buf.Len() >= p.buf.Cap() {
		victim := p.buf.NextVictim()
		if victim == nil {
			return nil, fmt.Errorf("pager: cache exhausted: no unpinned victim")
		}
		if victim.Dirty {
			if err := p.flushSingleLocked(victim); err != nil {
				return nil, err
			}
		}
		p.buf.Erase(victim.ID)
	}
	ref := p.buf.Allocate(p.pageSize)
	ref.ID = id
	p.buf.RegisterPage(ref)
	return ref, nil
}

// flushSingleLocked writes one evicted dirty page to the WAL as a
// non-commit frame (db_size=0), per spec §4.3 "Eviction of a dirty
// page mid-transaction".
func (p *Pager) flushSingleLocked(ref *PageRef) error {
	err := p.w.Write([]wal.DirtyPage{{ID: uint32(ref.ID), Data: ref.Data}}, 0)
	if err != nil {
		return p.fail(fmt.Errorf("pager: flush evicted page %d: %w", ref.ID, err))
	}
	p.metrics.WalFrames.Inc()
	p.metrics.PageWrites.Inc()
	ref.Dirty = false
	p.dirty.Remove(ref)
	p.metrics.DirtyPages.Set(float64(p.dirty.Len()))
	return nil
}

func (p *Pager) populateLocked(ref *PageRef) error {
	p.metrics.PageReads.Inc()
	if data, ok := p.w.ReadPage(uint32(ref.ID), p.w.MaxFrame()); ok {
		copy(ref.Data, data)
		p.metrics.WalReads.Inc()
		return nil
	}
	off := int64(ref.ID-1) * int64(p.pageSize)
	n, err := p.file.ReadAt(ref.Data, off)
	if err != nil && n == 0 {
		// A page beyond current EOF (can happen right after an abandoned
		// extension) reads as zeroed rather than erroring.
		for i := range ref.Data {
			ref.Data[i] = 0
		}
		return nil
	}
	return nil
}

func (p *Pager) refreshRootLocked() error {
	if p.rootRef != nil {
		p.buf.Unref(p.rootRef)
		p.buf.Erase(p.rootRef.ID)
		p.rootRef = nil
	}
	ref, err := p.ensureFrameLocked(RootPageID)
	if err != nil {
		return err
	}
	if err := p.populateLocked(ref); err != nil {
		return err
	}
	p.rootRef = ref
	p.refreshRoot = false
	return nil
}

func (p *Pager) purgeCacheLocked() {
	// Evict every unpinned frame; pinned frames belong to a live cursor
	// and are left alone (the caller is responsible for not holding
	// cursors open across a reader-generation change).
	for {
		victim := p.buf.NextVictim()
		if victim == nil || victim.Refs() != 0 {
			break
		}
		if victim.ID == RootPageID {
			p.rootRef = nil
		}
		p.buf.Erase(victim.ID)
	}
}

// Release decrements id's pin count. It does not imply durability.
func (p *Pager) Release(ref *PageRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.Unref(ref)
}

// MarkDirty requires Write or Dirty; links ref into the dirty list and
// transitions Write -> Dirty on the first call.
func (p *Pager) MarkDirty(ref *PageRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateWrite && p.state != StateDirty {
		return fmt.Errorf("pager: MarkDirty requires Write or Dirty, have %s", p.state)
	}
	if !ref.Dirty {
		ref.Dirty = true
		p.dirty.Insert(ref)
		p.state = StateDirty
		p.metrics.DirtyPages.Set(float64(p.dirty.Len()))
	}
	return nil
}

// FreelistEmpty reports whether the freelist has no pages to hand out.
// Vacuum uses this to tell a genuine freelist-hole allocation apart
// from AllocatePage's file-extending fallback, which must never be
// treated as a hole a page can be relocated into.
func (p *Pager) FreelistEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelist.Empty()
}

// AllocatePage returns a fresh page id: the freelist head if non-empty,
// else page_count+1, skipping any id that lands on a pointer-map
// position (spec §4.3 "Allocate page").
func (p *Pager) AllocatePage() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.freelist.Empty() {
		id, err := p.freelist.Pop(func(id PageID) (PageID, error) {
			ref, err := p.acquireLocked(id)
			if err != nil {
				return NullPage, err
			}
			next := DecodeNext(ref.Data)
			p.buf.Unref(ref)
			return next, nil
		})
		if err != nil {
			return NullPage, err
		}
		return id, nil
	}
	next := PageID(p.pageCount + 1)
	if IsPointerMapPage(next, p.pageSize) {
		p.pageCount++
		next++
	}
	p.pageCount = uint32(next)
	return next, nil
}

// FreePage pushes id back onto the freelist.
func (p *Pager) FreePage(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelist.Push(id, func(id, next PageID) error {
		ref, err := p.acquireLocked(id)
		if err != nil {
			return err
		}
		if err := p.MarkDirtyUnlocked(ref); err != nil {
			p.buf.Unref(ref)
			return err
		}
		EncodeNext(ref.Data, next)
		p.buf.Unref(ref)
		return nil
	})
}

// MarkDirtyUnlocked is MarkDirty's body for callers already holding
// p.mu (FreePage/AllocatePage run inside the pager's own lock).
func (p *Pager) MarkDirtyUnlocked(ref *PageRef) error {
	if p.state != StateWrite && p.state != StateDirty {
		return fmt.Errorf("pager: MarkDirty requires Write or Dirty, have %s", p.state)
	}
	if !ref.Dirty {
		ref.Dirty = true
		p.dirty.Insert(ref)
		p.state = StateDirty
		p.metrics.DirtyPages.Set(float64(p.dirty.Len()))
	}
	return nil
}

// Commit requires Write or Dirty (spec §4.3 "Commit").
func (p *Pager) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateWrite && p.state != StateDirty {
		return fmt.Errorf("pager: Commit requires Write or Dirty, have %s", p.state)
	}
	if p.state == StateDirty {
		if err := p.rewriteHeaderIfChangedLocked(); err != nil {
			return p.fail(err)
		}
		if p.dirty.Len() == 0 {
			if err := p.MarkDirtyUnlocked(p.rootRef); err != nil {
				return p.fail(err)
			}
		}
		sorted := p.dirty.Sorted()
		batch := make([]wal.DirtyPage, len(sorted))
		for i, ref := range sorted {
			batch[i] = wal.DirtyPage{ID: uint32(ref.ID), Data: ref.Data}
		}
		if err := p.w.Write(batch, p.pageCount); err != nil {
			return p.fail(fmt.Errorf("pager: commit write: %w", err))
		}
		p.metrics.WalFrames.Add(float64(len(batch)))
		p.metrics.PageWrites.Add(float64(len(batch)))
		for _, ref := range sorted {
			ref.Dirty = false
			p.dirty.Remove(ref)
		}
		p.metrics.DirtyPages.Set(0)
		p.metrics.PageCount.Set(float64(p.pageCount))
	}
	p.savedPgCt = p.pageCount
	p.state = StateWrite
	p.metrics.Commits.Inc()
	return nil
}

func (p *Pager) rewriteHeaderIfChangedLocked() error {
	hdr := FileHeader{
		Magic:        fileHeaderMagic,
		PageCount:    p.pageCount,
		FreelistHead: p.freelist.Head(),
		PageSize:     uint32(p.pageSize),
	}
	buf := make([]byte, p.pageSize)
	copy(buf, p.rootRef.Data)
	hdr.Encode(buf[:FileHeaderSize])
	copy(p.rootRef.Data, buf)
	return p.MarkDirtyUnlocked(p.rootRef)
}

// Rollback requires Write or Dirty; restores pre-transaction state and
// clears Error.
func (p *Pager) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateWrite && p.state != StateDirty && p.state != StateError {
		return fmt.Errorf("pager: Rollback requires Write, Dirty, or Error, have %s", p.state)
	}
	p.w.Rollback(p.priorMaxFrame)
	p.dirty.Each(func(r *PageRef) { r.Dirty = false })
	for p.dirty.Len() > 0 {
		p.dirty.Remove(p.dirty.Head())
	}
	p.pageCount = p.savedPgCt
	p.purgeCacheLocked()
	if err := p.refreshRootLocked(); err != nil {
		return p.fail(err)
	}
	if hdr, err := DecodeFileHeader(p.rootRef.Data[:FileHeaderSize]); err == nil {
		p.freelist = NewFreelist(hdr.FreelistHead)
	}
	p.err = nil
	p.state = StateWrite
	p.metrics.Rollbacks.Inc()
	p.metrics.DirtyPages.Set(0)
	p.metrics.PageCount.Set(float64(p.pageCount))
	return nil
}

// Finish unlocks the WAL reader/writer as appropriate and the file,
// transitioning to Open.
func (p *Pager) Finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateWrite, StateDirty:
		p.w.FinishWriter()
		fallthrough
	case StateRead:
		p.w.EndReader(p.readerSlot)
		_ = p.file.Unlock(env.LockShared)
	case StateError:
		p.w.FinishWriter()
		p.w.EndReader(p.readerSlot)
		_ = p.file.Unlock(env.LockShared)
	}
	p.state = StateOpen
	p.err = nil
	return nil
}

// Checkpoint is callable only outside a writer tx.
func (p *Pager) Checkpoint(reset bool) (backfilled int, didReset bool, err error) {
	p.mu.Lock()
	if p.state == StateWrite || p.state == StateDirty {
		p.mu.Unlock()
		return 0, false, fmt.Errorf("pager: checkpoint not allowed during writer tx")
	}
	file := p.file
	pageSize := p.pageSize
	p.mu.Unlock()

	backfilled, didReset, err := p.w.Checkpoint(reset, func(pageID uint32, data []byte) error {
		_, werr := file.WriteAt(data, int64(pageID-1)*int64(pageSize))
		return werr
	}, func() error { return file.Sync(true) })
	if err == nil {
		p.metrics.Checkpoints.Inc()
	}
	return backfilled, didReset, err
}

// Close finishes any open transaction, closes the WAL, then the file.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		_ = p.Finish()
		p.mu.Lock()
	}
	p.mu.Unlock()
	werr := p.w.Close()
	ferr := p.file.Close()
	if werr != nil {
		return werr
	}
	return ferr
}

// TrimPageCount lowers the logical page count, used by vacuum after
// relocating the file's last page. It is the caller's responsibility
// to have already relocated any live content out of the trimmed range.
func (p *Pager) TrimPageCount(newCount uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if newCount < p.pageCount {
		p.pageCount = newCount
	}
	return nil
}

// RepointFreelistHead updates the in-memory freelist head when vacuum
// relocates the page currently at its front.
func (p *Pager) RepointFreelistHead(oldID, newID PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freelist.Head() == oldID {
		p.freelist.head = newID
	}
	return nil
}

var ErrBusy = fmt.Errorf("pager: %w", errBusy)
var errBusy = fmt.Errorf("busy")

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
