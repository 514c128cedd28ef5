package tree

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/calicodb/calicodb/internal/env"
	"github.com/calicodb/calicodb/internal/pager"
)

func openTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := pager.Open(env.New(), path, pager.Options{PageSize: 4096, CacheSize: 16, CreateOK: true})
	if err != nil {
		t.Fatalf("pager.Open: %v", err)
	}
	return p
}

func withWriter(t *testing.T, p *pager.Pager, fn func()) {
	t.Helper()
	if err := p.StartReader(); err != nil {
		t.Fatalf("StartReader: %v", err)
	}
	if err := p.StartWriter(); err != nil {
		t.Fatalf("StartWriter: %v", err)
	}
	fn()
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestTreePutGet(t *testing.T) {
	p := openTestPager(t)
	defer p.Close()

	var rootID pager.PageID
	withWriter(t, p, func() {
		tr, err := Create(p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		rootID = tr.RootID()
		if err := tr.Put([]byte("apple"), []byte("red"), false); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := tr.Put([]byte("banana"), []byte("yellow"), false); err != nil {
			t.Fatalf("Put: %v", err)
		}
	})

	if err := p.StartReader(); err != nil {
		t.Fatalf("StartReader: %v", err)
	}
	defer p.Finish()
	tr := Open(p, rootID)
	value, isBucket, found, err := tr.Get([]byte("apple"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || isBucket || string(value) != "red" {
		t.Fatalf("Get(apple) = (%q, %v, %v), want (red, false, true)", value, isBucket, found)
	}

	if _, _, found, err := tr.Get([]byte("missing")); err != nil || found {
		t.Fatalf("Get(missing) = (found=%v, err=%v), want not found", found, err)
	}
}

func TestTreeOverwriteExisting(t *testing.T) {
	p := openTestPager(t)
	defer p.Close()

	var rootID pager.PageID
	withWriter(t, p, func() {
		tr, err := Create(p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		rootID = tr.RootID()
		if err := tr.Put([]byte("k"), []byte("v1"), false); err != nil {
			t.Fatalf("Put: %v", err)
		}
	})
	withWriter(t, p, func() {
		tr := Open(p, rootID)
		if err := tr.Put([]byte("k"), []byte("v2"), false); err != nil {
			t.Fatalf("Put overwrite: %v", err)
		}
	})

	if err := p.StartReader(); err != nil {
		t.Fatalf("StartReader: %v", err)
	}
	defer p.Finish()
	tr := Open(p, rootID)
	value, _, found, err := tr.Get([]byte("k"))
	if err != nil || !found || string(value) != "v2" {
		t.Fatalf("Get(k) = (%q, %v, %v), want (v2, true, nil)", value, found, err)
	}
}

func TestTreeDelete(t *testing.T) {
	p := openTestPager(t)
	defer p.Close()

	var rootID pager.PageID
	withWriter(t, p, func() {
		tr, err := Create(p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		rootID = tr.RootID()
		if err := tr.Put([]byte("k1"), []byte("v1"), false); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := tr.Put([]byte("k2"), []byte("v2"), false); err != nil {
			t.Fatalf("Put: %v", err)
		}
	})
	withWriter(t, p, func() {
		tr := Open(p, rootID)
		if err := tr.Delete([]byte("k1")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	})

	if err := p.StartReader(); err != nil {
		t.Fatalf("StartReader: %v", err)
	}
	defer p.Finish()
	tr := Open(p, rootID)
	if _, _, found, _ := tr.Get([]byte("k1")); found {
		t.Fatal("k1 should have been deleted")
	}
	if _, _, found, err := tr.Get([]byte("k2")); err != nil || !found {
		t.Fatalf("Get(k2) after deleting k1 = found=%v, err=%v", found, err)
	}
}

func TestTreeSplitsAcrossManyKeys(t *testing.T) {
	p := openTestPager(t)
	defer p.Close()

	const n = 500
	var rootID pager.PageID
	withWriter(t, p, func() {
		tr, err := Create(p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		rootID = tr.RootID()
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("key-%04d", i))
			value := bytes.Repeat([]byte{byte(i)}, 40)
			if err := tr.Put(key, value, false); err != nil {
				t.Fatalf("Put(%s): %v", key, err)
			}
		}
	})

	if err := p.StartReader(); err != nil {
		t.Fatalf("StartReader: %v", err)
	}
	defer p.Finish()
	tr := Open(p, rootID)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := bytes.Repeat([]byte{byte(i)}, 40)
		got, _, found, err := tr.Get(key)
		if err != nil || !found || !bytes.Equal(got, want) {
			t.Fatalf("Get(%s) = (found=%v, err=%v), want a match", key, found, err)
		}
	}
}

func TestCursorForwardIteration(t *testing.T) {
	p := openTestPager(t)
	defer p.Close()

	keys := []string{"banana", "apple", "cherry", "date"}
	var rootID pager.PageID
	withWriter(t, p, func() {
		tr, err := Create(p)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		rootID = tr.RootID()
		for _, k := range keys {
			if err := tr.Put([]byte(k), []byte(k), false); err != nil {
				t.Fatalf("Put(%s): %v", k, err)
			}
		}
	})

	if err := p.StartReader(); err != nil {
		t.Fatalf("StartReader: %v", err)
	}
	defer p.Finish()
	tr := Open(p, rootID)
	cur := tr.NewCursor()
	defer cur.Close()

	if err := cur.First(); err != nil {
		t.Fatalf("First: %v", err)
	}
	var got []string
	for cur.Valid() {
		got = append(got, string(cur.Key()))
		if err := cur.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	want := []string{"apple", "banana", "cherry", "date"}
	if len(got) != len(want) {
		t.Fatalf("iterated %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("iterated %v, want %v", got, want)
		}
	}
}
