package pager

// Freelist manages the chain of unused pages hanging off the file
// header's FreelistHead (spec §3, §4.3 "allocate"). It is grounded in
// the teacher's unrolled free-list (pkg/storage/freelist.go), adapted
// from an unrolled-node scheme carrying a batch of ids per node to a
// single-id-per-page singly-linked trunk: CalicoDB pages are exactly
// page-sized, with no room reserved for unrelated bookkeeping once a
// page is freed and handed back to the tree layer.
//
// Each free page's first 4 bytes hold the id of the next free page (or
// NullPage for the last one); the rest of the page is unused.
type Freelist struct {
	head PageID
}

func NewFreelist(head PageID) *Freelist { return &Freelist{head: head} }

func (f *Freelist) Head() PageID { return f.head }

// Empty reports whether the free list has no pages left to hand out.
func (f *Freelist) Empty() bool { return f.head == NullPage }

// Pop removes and returns the head of the free list. readNext must
// return the next-pointer stored in the given page's first 4 bytes;
// the pager supplies this by reading the page through the buffer pool.
func (f *Freelist) Pop(readNext func(id PageID) (PageID, error)) (PageID, error) {
	if f.head == NullPage {
		return NullPage, nil
	}
	id := f.head
	next, err := readNext(id)
	if err != nil {
		return NullPage, err
	}
	f.head = next
	return id, nil
}

// Push prepends id to the free list. writeNext must store next (the
// list's previous head) into the page's first 4 bytes.
func (f *Freelist) Push(id PageID, writeNext func(id, next PageID) error) error {
	if err := writeNext(id, f.head); err != nil {
		return err
	}
	f.head = id
	return nil
}

// EncodeNext and DecodeNext read/write the next-pointer stored at the
// start of a free page.
func EncodeNext(page []byte, next PageID) { putU32(page[0:], uint32(next)) }
func DecodeNext(page []byte) PageID       { return PageID(getU32(page[0:])) }
