package tree

import (
	"encoding/binary"

	"github.com/calicodb/calicodb/internal/pager"
)

// overflowHeaderSize is the 4-byte next-page-id prefix of every
// overflow page (spec §3 "Overflow chain").
const overflowHeaderSize = 4

// writeOverflow stores data across a freshly allocated chain of
// overflow pages and returns the first page's id.
func (t *Tree) writeOverflow(data []byte) (pager.PageID, error) {
	if len(data) == 0 {
		return pager.NullPage, nil
	}
	payload := t.pageSize() - overflowHeaderSize
	var first pager.PageID
	var prevRef *pager.PageRef
	for off := 0; off < len(data); off += payload {
		id, err := t.pager.AllocatePage()
		if err != nil {
			return pager.NullPage, err
		}
		ref, err := t.pager.Acquire(id)
		if err != nil {
			return pager.NullPage, err
		}
		if err := t.pager.MarkDirty(ref); err != nil {
			t.pager.Release(ref)
			return pager.NullPage, err
		}
		end := off + payload
		if end > len(data) {
			end = len(data)
		}
		copy(ref.Data[overflowHeaderSize:], data[off:end])
		binary.LittleEndian.PutUint32(ref.Data, uint32(pager.NullPage))

		if err := t.putPointerMap(id, ptrOverflowLink, pager.NullPage); err != nil {
			t.pager.Release(ref)
			return pager.NullPage, err
		}
		if first == pager.NullPage {
			first = id
		}
		if prevRef != nil {
			binary.LittleEndian.PutUint32(prevRef.Data, uint32(id))
			t.pager.Release(prevRef)
		}
		prevRef = ref
	}
	if prevRef != nil {
		t.pager.Release(prevRef)
	}
	return first, nil
}

// readOverflow reads n bytes starting at the head of the chain rooted
// at id.
func (t *Tree) readOverflow(id pager.PageID, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	payload := t.pageSize() - overflowHeaderSize
	for id != pager.NullPage && len(out) < n {
		ref, err := t.pager.Acquire(id)
		if err != nil {
			return nil, err
		}
		take := n - len(out)
		if take > payload {
			take = payload
		}
		out = append(out, ref.Data[overflowHeaderSize:overflowHeaderSize+take]...)
		next := pager.PageID(binary.LittleEndian.Uint32(ref.Data))
		t.pager.Release(ref)
		id = next
	}
	return out, nil
}

// destroyOverflow frees every page in the chain rooted at id, per
// spec §4.5 "Overflow I/O" deallocation.
func (t *Tree) destroyOverflow(id pager.PageID) error {
	for id != pager.NullPage {
		ref, err := t.pager.Acquire(id)
		if err != nil {
			return err
		}
		next := pager.PageID(binary.LittleEndian.Uint32(ref.Data))
		t.pager.Release(ref)
		if err := t.pager.FreePage(id); err != nil {
			return err
		}
		if err := t.clearPointerMap(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
