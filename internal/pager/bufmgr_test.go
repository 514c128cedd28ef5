package pager

import "testing"

func TestBufmgrRegisterAndLookup(t *testing.T) {
	b := NewBufmgr(16)
	ref := b.Allocate(4096)
	ref.ID = 5
	b.RegisterPage(ref)

	if got := b.Lookup(5); got != ref {
		t.Fatalf("Lookup(5) = %v, want %v", got, ref)
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}

func TestBufmgrRegisterDuplicatePanics(t *testing.T) {
	b := NewBufmgr(16)
	ref := b.Allocate(4096)
	ref.ID = 1
	b.RegisterPage(ref)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering a duplicate page id")
		}
	}()
	dup := b.Allocate(4096)
	dup.ID = 1
	b.RegisterPage(dup)
}

func TestBufmgrNextVictimSkipsPinned(t *testing.T) {
	b := NewBufmgr(16)
	for id := PageID(1); id <= 3; id++ {
		ref := b.Allocate(4096)
		ref.ID = id
		b.RegisterPage(ref)
	}
	// Registration order 1, 2, 3 puts 3 at the LRU head and 1 at the tail.
	pinned := b.Lookup(1)
	b.Ref(pinned)

	victim := b.NextVictim()
	if victim == nil || victim.ID != 2 {
		t.Fatalf("NextVictim() = %v, want page 2", victim)
	}
}

func TestBufmgrGetTouchesRecency(t *testing.T) {
	b := NewBufmgr(16)
	for id := PageID(1); id <= 3; id++ {
		ref := b.Allocate(4096)
		ref.ID = id
		b.RegisterPage(ref)
	}
	// Touch page 1 so it becomes most-recently-used; now page 2 should
	// be the tail-most unpinned frame.
	b.Get(1)
	victim := b.NextVictim()
	if victim == nil || victim.ID != 2 {
		t.Fatalf("NextVictim() after touch = %v, want page 2", victim)
	}
}

func TestBufmgrEraseRequiresUnpinnedAndClean(t *testing.T) {
	b := NewBufmgr(16)
	ref := b.Allocate(4096)
	ref.ID = 9
	b.RegisterPage(ref)

	b.Ref(ref)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic erasing a pinned page")
			}
		}()
		b.Erase(9)
	}()
	b.Unref(ref)

	ref.Dirty = true
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic erasing a dirty page")
			}
		}()
		b.Erase(9)
	}()
	ref.Dirty = false

	if !b.Erase(9) {
		t.Fatal("Erase(9) = false, want true once unpinned and clean")
	}
	if b.Lookup(9) != nil {
		t.Fatal("page 9 still registered after Erase")
	}
}

func TestBufmgrCapacityPanicsBelowMinimum(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for capacity below 16")
		}
	}()
	NewBufmgr(4)
}

func TestFreelistPushPop(t *testing.T) {
	pages := map[PageID][]byte{}
	fl := NewFreelist(NullPage)

	write := func(id, next PageID) error {
		buf := make([]byte, 16)
		EncodeNext(buf, next)
		pages[id] = buf
		return nil
	}
	read := func(id PageID) (PageID, error) {
		return DecodeNext(pages[id]), nil
	}

	if !fl.Empty() {
		t.Fatal("new freelist should be empty")
	}
	if err := fl.Push(10, write); err != nil {
		t.Fatalf("Push(10): %v", err)
	}
	if err := fl.Push(11, write); err != nil {
		t.Fatalf("Push(11): %v", err)
	}
	if fl.Head() != 11 {
		t.Fatalf("Head() = %d, want 11", fl.Head())
	}

	got, err := fl.Pop(read)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got != 11 {
		t.Fatalf("Pop() = %d, want 11", got)
	}
	if fl.Head() != 10 {
		t.Fatalf("Head() after pop = %d, want 10", fl.Head())
	}

	got, err = fl.Pop(read)
	if err != nil || got != 10 {
		t.Fatalf("Pop() = (%d, %v), want (10, nil)", got, err)
	}
	if !fl.Empty() {
		t.Fatal("freelist should be empty after draining both pushes")
	}
}
