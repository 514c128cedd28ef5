package calicodb

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db, path
}

func TestBucketPutGetErase(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("fruit"))
		if err != nil {
			return err
		}
		return b.Put([]byte("apple"), []byte("red"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b, err := tx.Bucket([]byte("fruit"))
		if err != nil {
			return err
		}
		value, err := b.Get([]byte("apple"))
		if err != nil {
			return err
		}
		if string(value) != "red" {
			t.Fatalf("Get(apple) = %q, want red", value)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.Bucket([]byte("fruit"))
		if err != nil {
			return err
		}
		return b.Erase([]byte("apple"))
	}); err != nil {
		t.Fatalf("Update erase: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b, err := tx.Bucket([]byte("fruit"))
		if err != nil {
			return err
		}
		if _, err := b.Get([]byte("apple")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(apple) after Erase: err = %v, want ErrNotFound", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v1"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	sentinel := errors.New("boom")
	err := db.Update(func(tx *Tx) error {
		b, err := tx.Bucket([]byte("b"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("k"), []byte("v2")); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Update() = %v, want sentinel error", err)
	}

	if err := db.View(func(tx *Tx) error {
		b, err := tx.Bucket([]byte("b"))
		if err != nil {
			return err
		}
		value, err := b.Get([]byte("k"))
		if err != nil {
			return err
		}
		if string(value) != "v1" {
			t.Fatalf("Get(k) after rolled-back Update = %q, want v1", value)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestNestedBuckets(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	if err := db.Update(func(tx *Tx) error {
		top, err := tx.CreateBucket([]byte("top"))
		if err != nil {
			return err
		}
		nested, err := top.CreateBucket([]byte("nested"))
		if err != nil {
			return err
		}
		return nested.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		top, err := tx.Bucket([]byte("top"))
		if err != nil {
			return err
		}
		nested, err := top.Bucket([]byte("nested"))
		if err != nil {
			return err
		}
		value, err := nested.Get([]byte("k"))
		if err != nil {
			return err
		}
		if string(value) != "v" {
			t.Fatalf("Get(k) in nested bucket = %q, want v", value)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestDropBucketFreesPages(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("temp"))
		if err != nil {
			return err
		}
		for i := 0; i < 50; i++ {
			if err := b.Put([]byte{byte(i)}, make([]byte, 64)); err != nil {
				return err
			}
		}
		return tx.DropBucket([]byte("temp"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if db.pager.FreelistEmpty() {
		t.Fatal("freelist empty after DropBucket, want the bucket's pages freed")
	}

	if err := db.View(func(tx *Tx) error {
		if _, err := tx.Bucket([]byte("temp")); err == nil {
			t.Fatal("Bucket(temp) should fail after DropBucket")
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestCursorIteratesBucketInOrder(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	keys := []string{"delta", "alpha", "charlie", "bravo"}
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("sorted"))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b, err := tx.Bucket([]byte("sorted"))
		if err != nil {
			return err
		}
		cur := b.NewCursor()
		defer cur.Close()
		var got []string
		for cur.SeekFirst(); cur.Valid(); cur.Next() {
			got = append(got, string(cur.Key()))
		}
		want := []string{"alpha", "bravo", "charlie", "delta"}
		if len(got) != len(want) {
			t.Fatalf("iterated %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("iterated %v, want %v", got, want)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestConcurrentConnectionsSeeEachOthersCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open db1: %v", err)
	}
	defer db1.Close()

	db2, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open db2: %v", err)
	}
	defer db2.Close()

	if err := db1.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("shared"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("Update via db1: %v", err)
	}

	// db2 was opened before db1's commit but must still see it: the two
	// connections share one database file and must observe each other's
	// writes without needing to be reopened.
	if err := db2.View(func(tx *Tx) error {
		b, err := tx.Bucket([]byte("shared"))
		if err != nil {
			return err
		}
		value, err := b.Get([]byte("k"))
		if err != nil {
			return err
		}
		if string(value) != "v" {
			t.Fatalf("Get(k) via db2 = %q, want v", value)
		}
		return nil
	}); err != nil {
		t.Fatalf("View via db2: %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	db, path := openTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("durable"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	if err := db2.View(func(tx *Tx) error {
		b, err := tx.Bucket([]byte("durable"))
		if err != nil {
			return err
		}
		value, err := b.Get([]byte("k"))
		if err != nil {
			return err
		}
		if string(value) != "v" {
			t.Fatalf("Get(k) after reopen = %q, want v", value)
		}
		return nil
	}); err != nil {
		t.Fatalf("View after reopen: %v", err)
	}
}

func TestVacuumShrinksAndPreservesData(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("big"))
		if err != nil {
			return err
		}
		for i := 0; i < 200; i++ {
			if err := b.Put([]byte{byte(i)}, make([]byte, 128)); err != nil {
				return err
			}
		}
		return tx.DropBucket([]byte("big"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	before := db.pager.PageCount()
	if err := db.Update(func(tx *Tx) error {
		return tx.Vacuum()
	}); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if after := db.pager.PageCount(); after >= before {
		t.Fatalf("page count after Vacuum = %d, want fewer than %d", after, before)
	}

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("after"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("Update after Vacuum: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b, err := tx.Bucket([]byte("after"))
		if err != nil {
			return err
		}
		value, err := b.Get([]byte("k"))
		if err != nil {
			return err
		}
		if string(value) != "v" {
			t.Fatalf("Get(k) after Vacuum = %q, want v", value)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestVacuumWithEmptyFreelistPreservesLiveData(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	// No deletions have happened, so the freelist is empty and there is
	// no hole for vacuum to relocate anything into: it must leave every
	// live page alone rather than trimming data off the end of the file.
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("live"))
		if err != nil {
			return err
		}
		for i := 0; i < 200; i++ {
			key := []byte{byte(i), byte(i >> 8)}
			if err := b.Put(key, make([]byte, 128)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := db.Update(func(tx *Tx) error {
		return tx.Vacuum()
	}); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b, err := tx.Bucket([]byte("live"))
		if err != nil {
			return err
		}
		for i := 0; i < 200; i++ {
			key := []byte{byte(i), byte(i >> 8)}
			value, err := b.Get(key)
			if err != nil {
				return err
			}
			if len(value) != 128 {
				t.Fatalf("Get(%v) after Vacuum with empty freelist = len %d, want 128 (data destroyed)", key, len(value))
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("View after Vacuum: %v", err)
	}
}

func TestDestroyRemovesDatabase(t *testing.T) {
	db, path := openTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := Destroy(path); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := Open(path, Options{CreateIfMissing: false}); err == nil {
		t.Fatal("Open with create_if_missing=false should fail after Destroy")
	}
}

func TestGetPropertyStats(t *testing.T) {
	db, _ := openTestDB(t)
	defer db.Close()

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("fruit"))
		if err != nil {
			return err
		}
		return b.Put([]byte("apple"), []byte("red"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	text, ok := db.GetProperty("stats")
	if !ok {
		t.Fatal(`GetProperty("stats") = false, want true`)
	}
	if !strings.Contains(text, "calicodb_commits_total 1") {
		t.Fatalf("stats = %q, want a commit counted", text)
	}
	if strings.Contains(text, "calicodb_page_writes_total 0") {
		t.Fatalf("stats = %q, want page_writes_total > 0 after a write", text)
	}
	if _, ok := db.GetProperty("nonsense"); ok {
		t.Fatal(`GetProperty("nonsense") = true, want false`)
	}
}
