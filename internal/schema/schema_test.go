package schema

import (
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

func TestSchemaCreateOpenDropBucket(t *testing.T) {
	p := openTestPager(t)
	defer p.Close()

	withWriter(t, p, func() {
		s := New(p)
		bkt, err := s.CreateBucket([]byte("widgets"))
		if err != nil {
			t.Fatalf("CreateBucket: %v", err)
		}
		if err := bkt.Put([]byte("a"), []byte("1"), false); err != nil {
			t.Fatalf("Put: %v", err)
		}
	})

	if err := p.StartReader(); err != nil {
		t.Fatalf("StartReader: %v", err)
	}
	s := New(p)
	bkt, err := s.OpenBucket([]byte("widgets"))
	if err != nil {
		t.Fatalf("OpenBucket: %v", err)
	}
	value, _, found, err := bkt.Get([]byte("a"))
	if err != nil || !found || string(value) != "1" {
		t.Fatalf("Get(a) = (%q, %v, %v), want (1, true, nil)", value, found, err)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	withWriter(t, p, func() {
		s := New(p)
		if err := s.DropBucket([]byte("widgets")); err != nil {
			t.Fatalf("DropBucket: %v", err)
		}
	})

	if err := p.StartReader(); err != nil {
		t.Fatalf("StartReader: %v", err)
	}
	defer p.Finish()
	s = New(p)
	if _, err := s.OpenBucket([]byte("widgets")); err == nil {
		t.Fatal("OpenBucket(widgets) should fail after DropBucket")
	}
}

func TestSchemaCreateBucketRejectsDuplicate(t *testing.T) {
	p := openTestPager(t)
	defer p.Close()

	withWriter(t, p, func() {
		s := New(p)
		if _, err := s.CreateBucket([]byte("dup")); err != nil {
			t.Fatalf("CreateBucket: %v", err)
		}
		if _, err := s.CreateBucket([]byte("dup")); err == nil {
			t.Fatal("second CreateBucket(dup) should fail")
		}
	})
}
