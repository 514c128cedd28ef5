// Package wal implements the write-ahead log: frame format, rolling
// checksum, a page-to-frame index shared in memory by every connection
// to the same file within this process (see shared.go), and reader/
// writer/checkpointer byte-lock coordination (spec §4.4). It is grounded
// in the teacher's pkg/wal package (rotation, Reader/Writer split,
// Checkpointer goroutine) generalized from a logical record log (one
// entry per put/delete, rotated across files) to a physical,
// frame-per-page log with a shared page index, the way SQLite's
// wal.c does it and as described in original_source/'s WAL unit.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/calicodb/calicodb/internal/env"
)

// HeaderSize is the fixed 32-byte WAL file header.
const HeaderSize = 32

// FrameHeaderSize is the fixed 24-byte header preceding each page image.
const FrameHeaderSize = 24

const walMagic = uint32(0x43414c57) // "CALW"

// Header is the WAL file header (spec §4.4 "File layout").
type Header struct {
	Magic      uint32
	PageSize   uint32
	CkptNumber uint32
	Salt1      uint32
	Salt2      uint32
	Cksum1     uint32
	Cksum2     uint32
}

func (h *Header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], walMagic)
	binary.LittleEndian.PutUint32(buf[4:], h.PageSize)
	binary.LittleEndian.PutUint32(buf[8:], h.CkptNumber)
	binary.LittleEndian.PutUint32(buf[12:], h.Salt1)
	binary.LittleEndian.PutUint32(buf[16:], h.Salt2)
	h.Cksum1, h.Cksum2 = fletcher(0, 0, buf[0:24])
	binary.LittleEndian.PutUint32(buf[24:], h.Cksum1)
	binary.LittleEndian.PutUint32(buf[28:], h.Cksum2)
}

func decodeHeader(buf []byte) (Header, bool) {
	var h Header
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	h.PageSize = binary.LittleEndian.Uint32(buf[4:])
	h.CkptNumber = binary.LittleEndian.Uint32(buf[8:])
	h.Salt1 = binary.LittleEndian.Uint32(buf[12:])
	h.Salt2 = binary.LittleEndian.Uint32(buf[16:])
	h.Cksum1 = binary.LittleEndian.Uint32(buf[24:])
	h.Cksum2 = binary.LittleEndian.Uint32(buf[28:])
	if h.Magic != walMagic {
		return h, false
	}
	wantC1, wantC2 := fletcher(0, 0, buf[0:24])
	return h, wantC1 == h.Cksum1 && wantC2 == h.Cksum2
}

// fletcher implements the spec's "two-word Fletcher-like" rolling
// checksum: s1 += word + s2; s2 += word + s1, over 4-byte little-endian
// units.
func fletcher(s1, s2 uint32, data []byte) (uint32, uint32) {
	for i := 0; i+4 <= len(data); i += 4 {
		word := binary.LittleEndian.Uint32(data[i:])
		s1 += word + s2
		s2 += word + s1
	}
	return s1, s2
}

// frameHeader is the 24-byte record preceding each page payload.
type frameHeader struct {
	PageID  uint32
	DBSize  uint32
	Salt1   uint32
	Salt2   uint32
	Cksum1  uint32
	Cksum2  uint32
}

func (f *frameHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], f.PageID)
	binary.LittleEndian.PutUint32(buf[4:], f.DBSize)
	binary.LittleEndian.PutUint32(buf[8:], f.Salt1)
	binary.LittleEndian.PutUint32(buf[12:], f.Salt2)
	binary.LittleEndian.PutUint32(buf[16:], f.Cksum1)
	binary.LittleEndian.PutUint32(buf[20:], f.Cksum2)
}

func decodeFrameHeader(buf []byte) frameHeader {
	var f frameHeader
	f.PageID = binary.LittleEndian.Uint32(buf[0:])
	f.DBSize = binary.LittleEndian.Uint32(buf[4:])
	f.Salt1 = binary.LittleEndian.Uint32(buf[8:])
	f.Salt2 = binary.LittleEndian.Uint32(buf[12:])
	f.Cksum1 = binary.LittleEndian.Uint32(buf[16:])
	f.Cksum2 = binary.LittleEndian.Uint32(buf[20:])
	return f
}

// NeedsCheckpointThreshold is the frame count past which Wal.NeedsCheckpoint
// reports true (spec §4.4 "Needs-checkpoint").
const NeedsCheckpointThreshold = 1000

// DirtyPage is the minimal view the Wal needs of a pager dirty-list
// entry: its id and current contents.
type DirtyPage struct {
	ID   uint32
	Data []byte
}

// indexEntry records where a page's newest frame lives.
type indexEntry struct {
	frame int // 1-based frame number within the WAL file
}

// Wal is one connection's handle onto a database's write-ahead log.
// Its actual state lives in a sharedState obtained through the
// process-wide registry in shared.go: every Wal opened on the same
// path within this process points at the same sharedState, so commits
// are visible across connections immediately, and cross-process
// coordination rides on the byte-range locks taken through
// env.ShmFile.
type Wal struct {
	shared *sharedState
	canon  string
	path   string
}

// Open opens (or joins) the WAL for path and its shm companion,
// reading any existing header on the first open for this path.
// pageSize is used only if the WAL is empty/fresh.
func Open(e env.Env, path string, pageSize int) (*Wal, error) {
	shared, canon, err := acquireShared(e, path, pageSize)
	if err != nil {
		return nil, err
	}
	return &Wal{shared: shared, canon: canon, path: path}, nil
}

func (s *sharedState) loadExisting() error {
	size, err := s.file.Size()
	if err != nil {
		return err
	}
	if size < HeaderSize {
		return nil // fresh WAL, maxFrame stays 0
	}
	hdrBuf := make([]byte, HeaderSize)
	if _, err := s.file.ReadAt(hdrBuf, 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	hdr, ok := decodeHeader(hdrBuf)
	if !ok {
		return nil // treat as empty/corrupt-at-start; writer will reinitialize
	}
	s.hdr = hdr
	s.pageSize = int(hdr.PageSize)
	return s.recoverIndex()
}

// recoverIndex replays the WAL file from the first frame, validating
// the checksum chain, and rebuilds the in-memory index (spec §4.4
// "Recovery of the index"). A frame that fails to validate ends
// recovery; everything after it is ignored.
func (s *sharedState) recoverIndex() error {
	size, err := s.file.Size()
	if err != nil {
		return err
	}
	s1, s2 := s.hdr.Cksum1, s.hdr.Cksum2
	off := int64(HeaderSize)
	frameSize := int64(FrameHeaderSize + s.pageSize)
	frameNo := 0
	for off+frameSize <= size {
		buf := make([]byte, frameSize)
		if _, err := s.file.ReadAt(buf, off); err != nil {
			break
		}
		fh := decodeFrameHeader(buf[:FrameHeaderSize])
		if fh.Salt1 != s.hdr.Salt1 || fh.Salt2 != s.hdr.Salt2 {
			break // stall frame: salt mismatch ends recovery
		}
		wantS1, wantS2 := fletcher(s1, s2, buf[0:8])
		wantS1, wantS2 = fletcher(wantS1, wantS2, buf[FrameHeaderSize:])
		if wantS1 != fh.Cksum1 || wantS2 != fh.Cksum2 {
			break
		}
		s1, s2 = wantS1, wantS2
		frameNo++
		s.index[fh.PageID] = indexEntry{frame: frameNo}
		s.frameCache[frameNo] = append([]byte(nil), buf[FrameHeaderSize:]...)
		if fh.DBSize > 0 {
			s.maxFrame = frameNo
			s.pageCnt = fh.DBSize
		}
		off += frameSize
	}
	return nil
}

// StartReader selects a read-mark fixing this reader's snapshot at the
// current max_frame and reports whether the cache should be purged
// because the database changed since the reader last looked (spec
// §4.4 "Reader start", §4.3 "Start reader").
func (w *Wal) StartReader() (slot int, changed bool, err error) {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	mark := s.maxFrame
	for i, m := range s.readMarks {
		if m == mark {
			return i, false, nil
		}
	}
	for i, m := range s.readMarks {
		if m == -1 {
			s.readMarks[i] = mark
			return i, true, nil
		}
	}
	// No free slot: reuse slot 0 (SQLite-style "backfill complete" slot).
	s.readMarks[0] = mark
	return 0, true, nil
}

// EndReader releases a reader's slot.
func (w *Wal) EndReader(slot int) {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot > 0 && slot < len(s.readMarks) {
		s.readMarks[slot] = -1
	}
}

// StartWriter acquires the WRITE lock (byte 0 of the shm file, shared
// by every connection to this database both within and across
// processes).
func (w *Wal) StartWriter() error {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writerHeld {
		return fmt.Errorf("wal: writer already active")
	}
	if err := s.shm.Lock(0, 1, env.ShmLock|env.ShmExclusive); err != nil {
		return err
	}
	s.writerHeld = true
	return nil
}

func (s *sharedState) endWriterLocked() {
	if s.writerHeld {
		_ = s.shm.Lock(0, 1, env.ShmUnlock)
		s.writerHeld = false
	}
}

// MaxFrame reports the highest committed frame currently visible.
func (w *Wal) MaxFrame() int {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFrame
}

// PageCount reports the database size (in pages) as of the last commit.
func (w *Wal) PageCount() uint32 {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageCnt
}

// ReadPage returns the newest version of page id visible at or before
// maxVisibleFrame, or nil if the page is not present in the WAL (the
// pager must then fall back to the database file).
func (w *Wal) ReadPage(id uint32, maxVisibleFrame int) ([]byte, bool) {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[id]
	if !ok || e.frame > maxVisibleFrame {
		return nil, false
	}
	data, ok := s.frameCache[e.frame]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// NeedsCheckpoint reports whether the WAL has grown past the
// implementation's checkpoint threshold.
func (w *Wal) NeedsCheckpoint() bool {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFrame > NeedsCheckpointThreshold
}

var crcTable = crc32.IEEETable
