package wal

import (
	"fmt"

	"github.com/calicodb/calicodb/internal/env"
)

// Checkpoint drains committed frames up to the highest frame number
// safely below every live reader's watermark into the database file
// via writePage, then optionally resets the WAL header so the next
// writer starts a fresh file (spec §4.4 "Checkpoint").
//
// writePage must copy the given page payload to (pageID-1)*pageSize in
// the database file; syncDB must fsync it afterward.
func (w *Wal) Checkpoint(reset bool, writePage func(pageID uint32, data []byte) error, syncDB func() error) (backfilled int, didReset bool, err error) {
	s := w.shared
	s.mu.Lock()
	if err := s.shm.Lock(1, 1, env.ShmLock|env.ShmExclusive); err != nil {
		s.mu.Unlock()
		return 0, false, fmt.Errorf("wal: acquire CKPT lock: %w", err)
	}
	defer func() {
		_ = s.shm.Lock(1, 1, env.ShmUnlock)
	}()

	maxSafe := s.maxFrame
	for _, mark := range s.readMarks {
		if mark >= 0 && mark < maxSafe {
			maxSafe = mark
		}
	}

	type pageFrame struct {
		id    uint32
		frame int
	}
	var toCopy []pageFrame
	for id, e := range s.index {
		if e.frame <= maxSafe {
			toCopy = append(toCopy, pageFrame{id, e.frame})
		}
	}
	s.mu.Unlock()

	for _, pf := range toCopy {
		s.mu.Lock()
		data := s.frameCache[pf.frame]
		s.mu.Unlock()
		if data == nil {
			continue
		}
		if err := writePage(pf.id, data); err != nil {
			return len(toCopy), false, fmt.Errorf("wal: checkpoint write page %d: %w", pf.id, err)
		}
	}
	if err := syncDB(); err != nil {
		return len(toCopy), false, fmt.Errorf("wal: checkpoint sync: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if reset && maxSafe == s.maxFrame {
		for id, e := range s.index {
			if e.frame <= maxSafe {
				delete(s.index, id)
			}
		}
		for f := range s.frameCache {
			if f <= maxSafe {
				delete(s.frameCache, f)
			}
		}
		s.maxFrame = 0
		s.hdr.CkptNumber++
		for i := 1; i < len(s.readMarks); i++ {
			s.readMarks[i] = -1
		}
		s.publishLocked()
		didReset = true
	}
	return len(toCopy), didReset, nil
}
