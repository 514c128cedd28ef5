package tree

import (
	"encoding/binary"

	"github.com/calicodb/calicodb/internal/pager"
)

// insertCellRaw inserts c at slot idx assuming it already fits; it
// shifts the slot array, allocates room from the gap (compacting
// first if the gap alone is too small but total free space suffices),
// and writes the cell bytes.
func (t *Tree) insertCellRaw(n *Node, idx int, c cell) {
	size := c.encodedSize(n.External)
	needed := size + cellPtrSize
	if n.gapSize() < needed {
		t.compact(n)
	}
	n.CellAreaStart -= size
	off := n.CellAreaStart
	c.encode(n.Ref.Data[off:], n.External)

	// Shift slot pointers [idx, CellCount) right by one.
	for i := n.CellCount; i > idx; i-- {
		n.setCellOffset(i, n.cellOffset(i-1))
	}
	n.setCellOffset(idx, off)
	n.CellCount++
	n.Save()
}

// compact repacks all live cells against the end of the page, in slot
// order, eliminating any space freed by prior deletions.
func (t *Tree) compact(n *Node) {
	type entry struct {
		off  int
		size int
	}
	entries := make([]entry, n.CellCount)
	for i := 0; i < n.CellCount; i++ {
		off := n.cellOffset(i)
		entries[i] = entry{off, cellSizeAt(n, off)}
	}
	cursor := n.PageSize
	tmp := make([]byte, n.PageSize)
	for i := n.CellCount - 1; i >= 0; i-- {
		e := entries[i]
		cursor -= e.size
		copy(tmp[cursor:cursor+e.size], n.Ref.Data[e.off:e.off+e.size])
		n.setCellOffset(i, cursor)
	}
	copy(n.Ref.Data[cursor:], tmp[cursor:])
	n.CellAreaStart = cursor
	n.FreeBytes = 0
	n.FragBytes = 0
	n.Save()
}

func cellSizeAt(n *Node, off int) int {
	_, maxLocal := localBounds(n.UsableSpace())
	c := decodeCell(n.Ref.Data[off:], n.External, maxLocal)
	return c.encodedSize(n.External)
}

// removeCellAt deletes the cell at slot idx, shifting later slots down.
// The vacated content bytes are abandoned (reclaimed on the node's
// next compact rather than tracked in a freelist-of-fragments; see
// Node's doc comment).
func (t *Tree) removeCellAt(id pager.PageID, idx int) error {
	n, ref, err := t.loadNode(id)
	if err != nil {
		return err
	}
	if err := t.pager.MarkDirty(ref); err != nil {
		t.pager.Release(ref)
		return err
	}
	for i := idx; i < n.CellCount-1; i++ {
		n.setCellOffset(i, n.cellOffset(i+1))
	}
	n.CellCount--
	n.Save()
	t.pager.Release(ref)
	return nil
}

// childPointerAt returns the child pointer stored at slot i of an
// internal node (i == CellCount means the RightChild pointer).
func (t *Tree) childPointerAt(n *Node, i int) pager.PageID {
	if i == n.CellCount {
		return n.RightChild
	}
	return t.readCell(n, i, false).leftChild
}

// setChildPointerAt patches the child pointer at slot i in place. An
// internal cell's leftChild is its first 4 bytes, so this never needs
// to resize the cell.
func (t *Tree) setChildPointerAt(n *Node, i int, id pager.PageID) {
	if i == n.CellCount {
		n.RightChild = id
		n.Save()
		return
	}
	off := n.cellOffset(i)
	binary.LittleEndian.PutUint32(n.Ref.Data[off:], uint32(id))
}

// insertCellAt inserts c at slot idx of nodeID, splitting (and
// recursing up through ancestors, possibly growing a new root) as
// needed (spec §4.5 "Insert").
func (t *Tree) insertCellAt(nodeID pager.PageID, idx int, c cell, ancestors []ancestor) error {
	n, ref, err := t.loadNode(nodeID)
	if err != nil {
		return err
	}
	needed := c.encodedSize(n.External) + cellPtrSize
	if err := t.pager.MarkDirty(ref); err != nil {
		t.pager.Release(ref)
		return err
	}
	if n.gapSize() < needed {
		t.compact(n)
	}
	if n.gapSize() >= needed {
		t.insertCellRaw(n, idx, c)
		t.pager.Release(ref)
		return nil
	}
	t.pager.Release(ref)
	return t.splitAndInsert(nodeID, idx, c, ancestors)
}

// splitAndInsert splits nodeID in half, inserts c into whichever half
// it belongs in, and promotes a separator cell into the parent (or
// grows a new root if nodeID has no ancestors).
func (t *Tree) splitAndInsert(nodeID pager.PageID, idx int, c cell, ancestors []ancestor) error {
	n, ref, err := t.loadNode(nodeID)
	if err != nil {
		return err
	}
	external := n.External
	mid := n.CellCount / 2

	rightID, err := t.pager.AllocatePage()
	if err != nil {
		t.pager.Release(ref)
		return err
	}
	rightRef, err := t.pager.Acquire(rightID)
	if err != nil {
		t.pager.Release(ref)
		return err
	}
	if err := t.pager.MarkDirty(rightRef); err != nil {
		t.pager.Release(ref)
		t.pager.Release(rightRef)
		return err
	}

	var sep cell
	if external {
		right := InitLeaf(rightRef, t.pageSize(), 0)
		right.NextID = n.NextID
		right.PrevID = nodeID
		movedCells := make([]cell, 0, n.CellCount-mid)
		for i := mid; i < n.CellCount; i++ {
			movedCells = append(movedCells, t.readCell(n, i, true))
		}
		for _, mc := range movedCells {
			t.insertCellRaw(right, right.CellCount, mc)
		}
		firstKey, err := t.readCellKey(right, 0, true)
		if err != nil {
			t.pager.Release(ref)
			t.pager.Release(rightRef)
			return err
		}
		sep, err = t.buildInternalCell(firstKey, pager.NullPage)
		if err != nil {
			t.pager.Release(ref)
			t.pager.Release(rightRef)
			return err
		}
		t.truncateNode(n, mid)
		oldNext := n.NextID
		n.NextID = rightID
		n.Save()
		if oldNext != pager.NullPage {
			t.fixPrevLink(oldNext, rightID)
		}
		if idx <= mid {
			t.insertCellRaw(n, idx, c)
		} else {
			t.insertCellRaw(right, idx-mid, c)
		}
	} else {
		right := InitInternal(rightRef, t.pageSize(), 0)
		sepCellSrc := t.readCell(n, mid, false)
		sepKey, err := t.readCellKey(n, mid, false)
		if err != nil {
			t.pager.Release(ref)
			t.pager.Release(rightRef)
			return err
		}
		sep, err = t.buildInternalCell(sepKey, pager.NullPage)
		if err != nil {
			t.pager.Release(ref)
			t.pager.Release(rightRef)
			return err
		}
		right.RightChild = n.RightChild
		right.Save()
		for i := mid + 1; i < n.CellCount; i++ {
			t.insertCellRaw(right, right.CellCount, t.readCell(n, i, false))
		}
		n.RightChild = sepCellSrc.leftChild
		t.truncateNode(n, mid)
		n.Save()
		if idx <= mid {
			t.insertCellRaw(n, idx, c)
		} else {
			t.insertCellRaw(right, idx-mid-1, c)
		}
	}
	t.pager.Release(ref)
	t.pager.Release(rightRef)

	if len(ancestors) == 0 {
		return t.splitRoot(nodeID, rightID, sep)
	}
	parent := ancestors[len(ancestors)-1]
	sep.leftChild = nodeID
	if err := t.insertCellAt(parent.id, parent.idx, sep, ancestors[:len(ancestors)-1]); err != nil {
		return err
	}
	pn, pref, err := t.loadNode(parent.id)
	if err != nil {
		return err
	}
	if err := t.pager.MarkDirty(pref); err != nil {
		t.pager.Release(pref)
		return err
	}
	t.setChildPointerAt(pn, parent.idx+1, rightID)
	t.pager.Release(pref)
	return nil
}

// truncateNode drops all cells at index >= keep, used after moving the
// upper half of a node's cells elsewhere during a split.
func (t *Tree) truncateNode(n *Node, keep int) {
	n.CellCount = keep
	n.Save()
}

func (t *Tree) fixPrevLink(id, newPrev pager.PageID) {
	ref, err := t.pager.Acquire(id)
	if err != nil {
		return
	}
	if err := t.pager.MarkDirty(ref); err == nil {
		nn := Load(ref, t.pageSize(), t.headerOffset(id))
		nn.PrevID = newPrev
		nn.Save()
	}
	t.pager.Release(ref)
}

// splitRoot implements the root-split case: the root page id never
// changes, so its current (left-half) contents are relocated to a
// freshly allocated page and the root becomes a one-cell internal node
// (spec §4.5 "Splitting the root...").
func (t *Tree) splitRoot(rootID, rightID pager.PageID, sep cell) error {
	newLeftID, err := t.pager.AllocatePage()
	if err != nil {
		return err
	}
	rootRef, err := t.pager.Acquire(rootID)
	if err != nil {
		return err
	}
	if err := t.pager.MarkDirty(rootRef); err != nil {
		t.pager.Release(rootRef)
		return err
	}
	newLeftRef, err := t.pager.Acquire(newLeftID)
	if err != nil {
		t.pager.Release(rootRef)
		return err
	}
	if err := t.pager.MarkDirty(newLeftRef); err != nil {
		t.pager.Release(rootRef)
		t.pager.Release(newLeftRef)
		return err
	}
	headerOff := t.headerOffset(rootID)
	if headerOff != 0 {
		// File-header-bearing root (page 1): the node header starts
		// after the file header there, but at offset 0 on an ordinary
		// page, so shift it down on the copy.
		copy(newLeftRef.Data, rootRef.Data[headerOff:])
	} else {
		copy(newLeftRef.Data, rootRef.Data)
	}
	t.pager.Release(newLeftRef)

	for i := range rootRef.Data {
		rootRef.Data[i] = 0
	}
	root := InitInternal(rootRef, t.pageSize(), headerOff)
	root.RightChild = rightID
	root.Save()
	t.pager.Release(rootRef)

	sep.leftChild = newLeftID
	if err := t.putPointerMap(newLeftID, ptrTreeNode, rootID); err != nil {
		return err
	}
	if err := t.putPointerMap(rightID, ptrTreeNode, rootID); err != nil {
		return err
	}
	return t.insertCellAt(rootID, 0, sep, nil)
}
