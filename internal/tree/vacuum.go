package tree

import (
	"encoding/binary"
	"fmt"

	"github.com/calicodb/calicodb/internal/pager"
)

// VacuumOne performs one step of the spec §4.5 "Vacuum" algorithm:
// relocate the physically last page into a freelist hole, patch the
// single inbound pointer the pointer map names, and shrink page_count
// by one. It returns done=true once there is no freelist hole left to
// relocate the last page into — a drained freelist means every
// remaining page is live, and page_count must not be touched further
// (the last page is live data, not slack). When a page actually moved,
// movedFrom/movedTo report its old and new ids so the caller can track
// relocations for schema.VacuumFinish, since only the caller can know
// whether a moved page happened to be a bucket root (Tree itself has
// no bucket-name visibility).
func (t *Tree) VacuumOne() (done bool, movedFrom, movedTo pager.PageID, err error) {
	lastID := pager.PageID(t.pager.PageCount())
	if lastID < 2 {
		return true, 0, 0, nil
	}
	if pager.IsPointerMapPage(lastID, t.pageSize()) {
		return false, 0, 0, t.pager.TrimPageCount(uint32(lastID) - 1)
	}

	if t.pager.FreelistEmpty() {
		// Nothing to relocate lastID into: AllocatePage would only
		// extend the file by one (returning lastID+1), which is not a
		// hole. Matches original_source's tree.cpp vacuum_one, which
		// checks freelist.is_empty() before popping and stops without
		// touching page_count in that case — lastID is live data, not
		// slack, and must not be dropped.
		return true, 0, 0, nil
	}

	freeID, err := t.pager.AllocatePage()
	if err != nil {
		return false, 0, 0, err
	}
	if freeID >= lastID {
		// The freelist's head was the last page itself: already a hole,
		// nothing to relocate into it. Trim it away directly and make
		// progress; this is not an extend-fallback case since we only
		// reach here with a non-empty freelist.
		return false, 0, 0, t.pager.TrimPageCount(uint32(lastID) - 1)
	}

	typ, backPtr, err := t.getPointerMap(lastID)
	if err != nil {
		return false, 0, 0, err
	}

	if err := t.relinkInbound(typ, backPtr, lastID, freeID); err != nil {
		return false, 0, 0, err
	}

	srcRef, err := t.pager.Acquire(lastID)
	if err != nil {
		return false, 0, 0, err
	}
	dstRef, err := t.pager.Acquire(freeID)
	if err != nil {
		t.pager.Release(srcRef)
		return false, 0, 0, err
	}
	if err := t.pager.MarkDirty(dstRef); err != nil {
		t.pager.Release(srcRef)
		t.pager.Release(dstRef)
		return false, 0, 0, err
	}
	copy(dstRef.Data, srcRef.Data)
	t.pager.Release(srcRef)
	t.pager.Release(dstRef)

	if err := t.clearPointerMap(lastID); err != nil {
		return false, 0, 0, err
	}
	if err := t.putPointerMap(freeID, typ, backPtr); err != nil {
		return false, 0, 0, err
	}
	if err := t.reparentChildrenOf(freeID); err != nil {
		return false, 0, 0, err
	}

	if err := t.pager.TrimPageCount(uint32(lastID) - 1); err != nil {
		return false, 0, 0, err
	}
	return false, lastID, freeID, nil
}

// relinkInbound rewrites the single inbound reference to oldID (as
// described by the pointer map) to newID instead.
func (t *Tree) relinkInbound(typ ptrType, backPtr, oldID, newID pager.PageID) error {
	switch typ {
	case ptrTreeNode:
		return t.rewriteChildSlot(backPtr, oldID, newID)
	case ptrOverflowHead:
		return t.rewriteOverflowCellPointer(backPtr, oldID, newID)
	case ptrOverflowLink:
		return t.rewriteOverflowNext(backPtr, newID)
	case ptrFreelistLink:
		return t.rewriteFreelistNext(backPtr, oldID, newID)
	case ptrTreeRoot:
		// A relocated bucket root requires updating the schema tree's
		// stored root id for that bucket; the schema package does this
		// in its own vacuum_finish pass (spec §4.5 "vacuum_finish"),
		// not here, since Tree has no visibility into bucket names.
		return nil
	default:
		return fmt.Errorf("%w: unknown pointer-map entry type for vacuum", pager.ErrCorruption)
	}
}

func (t *Tree) rewriteChildSlot(parentID, oldID, newID pager.PageID) error {
	n, ref, err := t.loadNode(parentID)
	if err != nil {
		return err
	}
	if err := t.pager.MarkDirty(ref); err != nil {
		t.pager.Release(ref)
		return err
	}
	if n.RightChild == oldID {
		n.RightChild = newID
		n.Save()
	} else {
		for i := 0; i < n.CellCount; i++ {
			if t.readCell(n, i, false).leftChild == oldID {
				t.setChildPointerAt(n, i, newID)
				break
			}
		}
	}
	t.pager.Release(ref)
	return nil
}

func (t *Tree) rewriteOverflowCellPointer(nodeID, oldID, newID pager.PageID) error {
	n, ref, err := t.loadNode(nodeID)
	if err != nil {
		return err
	}
	if err := t.pager.MarkDirty(ref); err != nil {
		t.pager.Release(ref)
		return err
	}
	for i := 0; i < n.CellCount; i++ {
		off := n.cellOffset(i)
		c := t.readCell(n, i, n.External)
		if c.overflow == oldID {
			size := c.encodedSize(n.External)
			binary.LittleEndian.PutUint32(n.Ref.Data[off+size-4:], uint32(newID))
			break
		}
	}
	t.pager.Release(ref)
	return nil
}

func (t *Tree) rewriteOverflowNext(prevID, newID pager.PageID) error {
	ref, err := t.pager.Acquire(prevID)
	if err != nil {
		return err
	}
	if err := t.pager.MarkDirty(ref); err != nil {
		t.pager.Release(ref)
		return err
	}
	binary.LittleEndian.PutUint32(ref.Data, uint32(newID))
	t.pager.Release(ref)
	return nil
}

func (t *Tree) rewriteFreelistNext(prevID, oldID, newID pager.PageID) error {
	if prevID == pager.NullPage {
		return t.pager.RepointFreelistHead(oldID, newID)
	}
	ref, err := t.pager.Acquire(prevID)
	if err != nil {
		return err
	}
	if err := t.pager.MarkDirty(ref); err != nil {
		t.pager.Release(ref)
		return err
	}
	pager.EncodeNext(ref.Data, newID)
	t.pager.Release(ref)
	return nil
}

// reparentChildrenOf re-emits pointer-map entries for an internal
// node's children and for any cell's overflow head after that node's
// page id changed during relocation (spec §4.5 step 5).
func (t *Tree) reparentChildrenOf(nodeID pager.PageID) error {
	n, ref, err := t.loadNode(nodeID)
	if err != nil {
		return err
	}
	external := n.External
	var children []pager.PageID
	var overflows []pager.PageID
	if !external {
		for i := 0; i < n.CellCount; i++ {
			children = append(children, t.readCell(n, i, false).leftChild)
		}
		children = append(children, n.RightChild)
	}
	for i := 0; i < n.CellCount; i++ {
		if c := t.readCell(n, i, external); c.hasOverflow() {
			overflows = append(overflows, c.overflow)
		}
	}
	t.pager.Release(ref)

	for _, child := range children {
		if err := t.putPointerMap(child, ptrTreeNode, nodeID); err != nil {
			return err
		}
	}
	for _, head := range overflows {
		if err := t.putPointerMap(head, ptrOverflowHead, nodeID); err != nil {
			return err
		}
	}
	return nil
}
