package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/calicodb/calicodb/internal/env"
)

func openTestWal(t *testing.T) (*Wal, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db-wal")
	w, err := Open(env.New(), path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w, path
}

func page(id uint32, fill byte) DirtyPage {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = fill
	}
	return DirtyPage{ID: id, Data: data}
}

func TestWalWriteThenReadPage(t *testing.T) {
	w, _ := openTestWal(t)

	if err := w.Write([]DirtyPage{page(1, 0xAA), page(2, 0xBB)}, 2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.MaxFrame() != 2 {
		t.Fatalf("MaxFrame() = %d, want 2", w.MaxFrame())
	}
	if w.PageCount() != 2 {
		t.Fatalf("PageCount() = %d, want 2", w.PageCount())
	}

	data, ok := w.ReadPage(1, w.MaxFrame())
	if !ok {
		t.Fatal("ReadPage(1) not found")
	}
	if data[0] != 0xAA {
		t.Fatalf("page 1 contents = %x, want 0xAA", data[0])
	}

	if _, ok := w.ReadPage(3, w.MaxFrame()); ok {
		t.Fatal("ReadPage(3) should not be found, never written")
	}
}

func TestWalRecoversIndexOnReopen(t *testing.T) {
	w, path := openTestWal(t)
	if err := w.Write([]DirtyPage{page(1, 0x11)}, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(env.New(), path, 4096)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if w2.MaxFrame() != 1 {
		t.Fatalf("reopened MaxFrame() = %d, want 1", w2.MaxFrame())
	}
	data, ok := w2.ReadPage(1, w2.MaxFrame())
	if !ok || data[0] != 0x11 {
		t.Fatalf("reopened ReadPage(1) = (%v, %v), want (0x11.., true)", data, ok)
	}
}

func TestWalRollbackDropsUncommittedFrames(t *testing.T) {
	w, _ := openTestWal(t)
	if err := w.Write([]DirtyPage{page(1, 1)}, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	prior := w.MaxFrame()

	if err := w.Write([]DirtyPage{page(2, 2)}, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Rollback(prior)

	if w.MaxFrame() != prior {
		t.Fatalf("MaxFrame() after rollback = %d, want %d", w.MaxFrame(), prior)
	}
	if _, ok := w.ReadPage(2, w.MaxFrame()); ok {
		t.Fatal("page 2 should have been rolled back")
	}
}

func TestWalCheckpointBackfillsAndResets(t *testing.T) {
	w, _ := openTestWal(t)
	if err := w.Write([]DirtyPage{page(1, 7), page(2, 8)}, 2); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dbFile, err := os.CreateTemp(t.TempDir(), "db")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer dbFile.Close()

	backfilled, reset, err := w.Checkpoint(true, func(id uint32, data []byte) error {
		_, err := dbFile.WriteAt(data, int64(id-1)*4096)
		return err
	}, func() error { return dbFile.Sync() })
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if backfilled != 2 {
		t.Fatalf("backfilled = %d, want 2", backfilled)
	}
	if !reset {
		t.Fatal("expected checkpoint to reset with no active readers")
	}
	if w.MaxFrame() != 0 {
		t.Fatalf("MaxFrame() after reset = %d, want 0", w.MaxFrame())
	}

	buf := make([]byte, 4096)
	if _, err := dbFile.ReadAt(buf, 0); err != nil {
		t.Fatalf("read back page 1: %v", err)
	}
	if buf[0] != 7 {
		t.Fatalf("page 1 backfilled byte = %x, want 7", buf[0])
	}
}

func TestWalNeedsCheckpointThreshold(t *testing.T) {
	w, _ := openTestWal(t)
	if w.NeedsCheckpoint() {
		t.Fatal("fresh WAL should not need a checkpoint")
	}
	w.shared.maxFrame = NeedsCheckpointThreshold + 1
	if !w.NeedsCheckpoint() {
		t.Fatal("WAL past the threshold should need a checkpoint")
	}
}

func TestWalSharesIndexAcrossConnectionsOnSamePath(t *testing.T) {
	w, path := openTestWal(t)
	defer w.Close()

	// Open a second connection before any writes happen, the way a
	// second *DB handle on the same file would, then commit only
	// through the first: the second must see the commit without being
	// reopened, since both connections share one database file.
	w2, err := Open(env.New(), path, 4096)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer w2.Close()

	if err := w.Write([]DirtyPage{page(1, 0x42)}, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if w2.MaxFrame() != w.MaxFrame() {
		t.Fatalf("second connection MaxFrame() = %d, want %d (same as first)", w2.MaxFrame(), w.MaxFrame())
	}
	data, ok := w2.ReadPage(1, w2.MaxFrame())
	if !ok || data[0] != 0x42 {
		t.Fatalf("second connection ReadPage(1) = (%v, %v), want (0x42.., true)", data, ok)
	}
}
