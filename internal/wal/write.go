package wal

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
)

func newSalt() (uint32, uint32) {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8])
}

// Write appends the given page-id-sorted dirty pages to the WAL as one
// commit batch (spec §4.4 "Write"). dbSize is the post-commit page
// count and is stamped only on the final frame, marking it the commit
// frame; a zero dbSize means this batch is a mid-transaction dirty-page
// eviction rather than a commit, so the WAL's page-count bookkeeping
// must be left untouched. On success the index and max_frame/page_count
// are updated and a new shared header is published.
func (w *Wal) Write(pages []DirtyPage, dbSize uint32) error {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxFrame == 0 {
		if err := s.initHeaderLocked(); err != nil {
			return err
		}
	}

	s1, s2 := s.batchSeedLocked()
	frameNo := s.maxFrame
	frameSize := int64(FrameHeaderSize + s.pageSize)

	for i, p := range pages {
		isFinal := i == len(pages)-1
		fh := frameHeader{PageID: p.ID, Salt1: s.hdr.Salt1, Salt2: s.hdr.Salt2}
		if isFinal {
			fh.DBSize = dbSize
		}
		buf := make([]byte, frameSize)
		fh.encode(buf[:FrameHeaderSize])
		copy(buf[FrameHeaderSize:], p.Data)
		s1, s2 = fletcher(s1, s2, buf[0:8])
		s1, s2 = fletcher(s1, s2, buf[FrameHeaderSize:])
		fh.Cksum1, fh.Cksum2 = s1, s2
		fh.encode(buf[:FrameHeaderSize]) // re-stamp with checksum

		frameNo++
		off := int64(HeaderSize) + int64(frameNo-1)*frameSize
		if _, err := s.file.WriteAt(buf, off); err != nil {
			return fmt.Errorf("wal: write frame: %w", err)
		}
		s.index[p.ID] = indexEntry{frame: frameNo}
		s.frameCache[frameNo] = append([]byte(nil), p.Data...)
	}

	if err := s.file.Sync(false); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}

	s.maxFrame = frameNo
	if dbSize > 0 {
		s.pageCnt = dbSize
	}
	s.change++
	s.seed1, s.seed2 = s1, s2
	s.publishLocked()
	return nil
}

// batchSeedLocked returns the Fletcher seed for a new commit batch: the
// previous commit's final checksum, or the WAL header's checksum for
// the first batch written after (re)initialization.
func (s *sharedState) batchSeedLocked() (uint32, uint32) {
	if s.maxFrame == 0 {
		return s.hdr.Cksum1, s.hdr.Cksum2
	}
	return s.seed1, s.seed2
}

func (s *sharedState) initHeaderLocked() error {
	if s.hdr.CkptNumber == 0 && s.hdr.Salt1 == 0 && s.hdr.Salt2 == 0 {
		s.hdr.Salt1, s.hdr.Salt2 = newSalt()
	} else {
		s.hdr.CkptNumber++
	}
	s.hdr.PageSize = uint32(s.pageSize)
	buf := make([]byte, HeaderSize)
	s.hdr.encode(buf)
	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if err := s.file.Sync(false); err != nil {
		return fmt.Errorf("wal: sync header: %w", err)
	}
	s.seed1, s.seed2 = s.hdr.Cksum1, s.hdr.Cksum2
	return nil
}

// Rollback resets max_frame to the last committed value visible before
// the current writer began and clears any index entries pointing past
// it (spec §4.4 "Rollback").
func (w *Wal) Rollback(priorMaxFrame int) {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if priorMaxFrame >= s.maxFrame {
		return
	}
	for id, e := range s.index {
		if e.frame > priorMaxFrame {
			delete(s.index, id)
		}
	}
	for f := priorMaxFrame + 1; f <= s.maxFrame; f++ {
		delete(s.frameCache, f)
	}
	s.maxFrame = priorMaxFrame
	s.publishLocked()
}

// FinishWriter releases the WRITE lock.
func (w *Wal) FinishWriter() {
	s := w.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endWriterLocked()
}

// Close drops this connection's reference to the shared WAL state.
// Once the last connection on the path closes, the shared-memory
// mapping is released and, if nothing was ever committed, the WAL
// file is removed (spec §4.4 "Close").
func (w *Wal) Close() error {
	last, wasLast := releaseShared(w.canon)
	if !wasLast {
		return nil
	}
	last.mu.Lock()
	defer last.mu.Unlock()
	_ = last.shm.Unmap()
	if last.maxFrame == 0 {
		_ = last.shm.Delete()
		_ = last.file.Close()
		_ = os.Remove(w.path)
		return nil
	}
	err := last.file.Sync(true)
	if cerr := last.file.Close(); err == nil {
		err = cerr
	}
	return err
}
