package tree

import (
	"encoding/binary"
	"fmt"

	"github.com/calicodb/calicodb/internal/pager"
)

// ptrType identifies what kind of page a pointer-map entry describes
// (spec §3 "Pointer map").
type ptrType byte

const (
	ptrTreeNode     ptrType = 1
	ptrTreeRoot     ptrType = 2
	ptrOverflowHead ptrType = 3
	ptrOverflowLink ptrType = 4
	ptrFreelistLink ptrType = 5
)

const pointerMapEntrySize = 5 // backPtr(4) + type(1)

// pointerMapPageFor returns the pointer-map page governing id, and the
// byte offset of id's entry within that page.
func pointerMapPageFor(id pager.PageID, pageSize int) (pager.PageID, int) {
	entriesPerPage := (pageSize - 8) / pointerMapEntrySize
	stride := pager.PageID(entriesPerPage + 1)
	// The pointer-map page nearest to and at or before id.
	group := (id - 2) / stride
	pmPage := group*stride + 2
	index := int(id - pmPage - 1)
	return pmPage, 8 + index*pointerMapEntrySize
}

// putPointerMap writes (backPtr, type) for id into its governing
// pointer-map page, marking that page dirty.
func (t *Tree) putPointerMap(id pager.PageID, typ ptrType, backPtr pager.PageID) error {
	if id < 2 {
		return nil // root and early pages carry no pointer-map entry
	}
	pmPage, off := pointerMapPageFor(id, t.pageSize())
	if pmPage == id {
		return nil // id is itself a pointer-map page
	}
	ref, err := t.pager.Acquire(pmPage)
	if err != nil {
		return err
	}
	if err := t.pager.MarkDirty(ref); err != nil {
		t.pager.Release(ref)
		return err
	}
	ref.Data[off] = byte(typ)
	binary.LittleEndian.PutUint32(ref.Data[off+1:], uint32(backPtr))
	t.pager.Release(ref)
	return nil
}

// getPointerMap reads id's (type, backPtr) entry.
func (t *Tree) getPointerMap(id pager.PageID) (ptrType, pager.PageID, error) {
	if id < 2 {
		return 0, pager.NullPage, nil
	}
	pmPage, off := pointerMapPageFor(id, t.pageSize())
	if pmPage == id {
		return 0, pager.NullPage, nil
	}
	ref, err := t.pager.Acquire(pmPage)
	if err != nil {
		return 0, pager.NullPage, err
	}
	typ := ptrType(ref.Data[off])
	back := pager.PageID(binary.LittleEndian.Uint32(ref.Data[off+1:]))
	t.pager.Release(ref)
	if typ == 0 {
		return 0, pager.NullPage, fmt.Errorf("%w: missing pointer-map entry for page %d", pager.ErrCorruption, id)
	}
	return typ, back, nil
}

// clearPointerMap zeroes id's entry, e.g. when id is freed.
func (t *Tree) clearPointerMap(id pager.PageID) error {
	if id < 2 {
		return nil
	}
	pmPage, off := pointerMapPageFor(id, t.pageSize())
	if pmPage == id {
		return nil
	}
	ref, err := t.pager.Acquire(pmPage)
	if err != nil {
		return err
	}
	if err := t.pager.MarkDirty(ref); err != nil {
		t.pager.Release(ref)
		return err
	}
	ref.Data[off] = 0
	binary.LittleEndian.PutUint32(ref.Data[off+1:], 0)
	t.pager.Release(ref)
	return nil
}
