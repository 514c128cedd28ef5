package tree

import "github.com/calicodb/calicodb/internal/pager"

// underflowThreshold: a node below this many used bytes is a merge/
// rotate candidate (spec §4.5 "Delete" / "resolve_underflow").
func underflowThresholdBytes(usable int) int { return usable / 4 }

func usedBytes(n *Node) int { return n.PageSize - n.gapSize() }

// resolveUnderflow fixes up nodeID after a deletion left it under the
// underflow threshold, rotating a cell from a sibling or merging with
// one, walking back up through ancestors as merges cascade (spec §4.5
// "Delete").
func (t *Tree) resolveUnderflow(nodeID pager.PageID, ancestors []ancestor) error {
	n, ref, err := t.loadNode(nodeID)
	if err != nil {
		return err
	}
	if len(ancestors) == 0 {
		// Root underflow: if an internal root is left with no cells, its
		// single remaining child becomes the new root (spec "Root
		// fixups collapse an empty root's only child back into the
		// root page").
		if !n.External && n.CellCount == 0 {
			t.pager.Release(ref)
			return t.collapseRoot(nodeID, n.RightChild)
		}
		t.pager.Release(ref)
		return nil
	}
	if usedBytes(n) >= underflowThresholdBytes(n.UsableSpace()) && n.CellCount > 0 {
		t.pager.Release(ref)
		return nil
	}
	parent := ancestors[len(ancestors)-1]
	t.pager.Release(ref)

	pn, pref, err := t.loadNode(parent.id)
	if err != nil {
		return err
	}
	t.pager.Release(pref)

	// Prefer the right sibling, falling back to the left.
	if parent.idx < pn.CellCount {
		rightID := t.childPointerAt(pn, parent.idx+1)
		ok, err := t.mergeOrRotate(nodeID, rightID, parent, true, ancestors)
		if err != nil || ok {
			return err
		}
	}
	if parent.idx > 0 {
		leftID := t.childPointerAt(pn, parent.idx-1)
		ok, err := t.mergeOrRotate(leftID, nodeID, ancestor{id: parent.id, idx: parent.idx - 1}, false, ancestors)
		if err != nil || ok {
			return err
		}
	}
	return nil
}

// mergeOrRotate tries to rebalance the (leftID, rightID) sibling pair
// whose separator lives at parent.idx in parent.id: merge the pair into
// leftID and remove the separator from the parent (cascading an
// underflow check on the parent) when their combined contents fit in
// one node, else rotate one cell across from the donor.
func (t *Tree) mergeOrRotate(leftID, rightID pager.PageID, parent ancestor, rightIsDeficient bool, ancestors []ancestor) (bool, error) {
	ln, lref, err := t.loadNode(leftID)
	if err != nil {
		return false, err
	}
	rn, rref, err := t.loadNode(rightID)
	if err != nil {
		t.pager.Release(lref)
		return false, err
	}
	defer t.pager.Release(lref)
	defer t.pager.Release(rref)

	if ln.External != rn.External {
		return false, nil
	}

	combined := usedBytes(ln) + usedBytes(rn)
	if combined <= ln.UsableSpace() {
		return true, t.mergeSiblings(leftID, rightID, parent, ancestors)
	}

	// Rotate: move one cell from the fuller side to the deficient side.
	if rightIsDeficient && ln.CellCount > 1 {
		if err := t.pager.MarkDirty(lref); err != nil {
			return false, err
		}
		if err := t.pager.MarkDirty(rref); err != nil {
			return false, err
		}
		t.rotateLast(ln, rn, parent.id, parent.idx)
		return true, nil
	}
	if !rightIsDeficient && rn.CellCount > 1 {
		if err := t.pager.MarkDirty(lref); err != nil {
			return false, err
		}
		if err := t.pager.MarkDirty(rref); err != nil {
			return false, err
		}
		t.rotateFirst(ln, rn, parent.id, parent.idx)
		return true, nil
	}
	return false, nil
}

// rotateLast moves left's last cell across to become right's first,
// through the parent separator, for leaf nodes, or performs the
// equivalent key rotation through the separator for internal nodes.
func (t *Tree) rotateLast(ln, rn *Node, parentID pager.PageID, sepIdx int) {
	if ln.External {
		moved := t.readCell(ln, ln.CellCount-1, true)
		t.removeLastCellInPlace(ln)
		t.insertCellRaw(rn, 0, moved)
		t.rewriteSeparator(parentID, sepIdx, rn, 0)
		return
	}
	// Internal rotation: pull the parent separator down as right's new
	// first cell (pointing at left's old RightChild), and promote
	// left's last cell's key up as the new separator.
	promoted := t.readCell(ln, ln.CellCount-1, false)
	sepKey := t.readSeparatorKey(parentID, sepIdx)
	downCell := cell{leftChild: ln.RightChild, keySize: len(sepKey), local: sepKey}
	t.insertCellRaw(rn, 0, downCell)
	ln.RightChild = promoted.leftChild
	t.removeLastCellInPlace(ln)
	t.writeSeparatorKey(parentID, sepIdx, promoted)
}

func (t *Tree) rotateFirst(ln, rn *Node, parentID pager.PageID, sepIdx int) {
	if rn.External {
		moved := t.readCell(rn, 0, true)
		t.removeFirstCellInPlace(rn)
		t.insertCellRaw(ln, ln.CellCount, moved)
		t.rewriteSeparator(parentID, sepIdx, rn, 0)
		return
	}
	promoted := t.readCell(rn, 0, false)
	sepKey := t.readSeparatorKey(parentID, sepIdx)
	downCell := cell{leftChild: ln.RightChild, keySize: len(sepKey), local: sepKey}
	t.insertCellRaw(ln, ln.CellCount, downCell)
	ln.RightChild = promoted.leftChild
	t.removeFirstCellInPlace(rn)
	t.writeSeparatorKey(parentID, sepIdx, promoted)
}

func (t *Tree) removeLastCellInPlace(n *Node) {
	n.CellCount--
	n.Save()
}

func (t *Tree) removeFirstCellInPlace(n *Node) {
	for i := 0; i < n.CellCount-1; i++ {
		n.setCellOffset(i, n.cellOffset(i+1))
	}
	n.CellCount--
	n.Save()
}

// rewriteSeparator replaces the parent's separator at sepIdx with a
// copy of rightNode's cell at rightIdx's key (used after a leaf
// rotation changes which key divides the siblings).
func (t *Tree) rewriteSeparator(parentID pager.PageID, sepIdx int, rightNode *Node, rightIdx int) {
	key, err := t.readCellKey(rightNode, rightIdx, true)
	if err != nil {
		return
	}
	pn, pref, err := t.loadNode(parentID)
	if err != nil {
		return
	}
	if err := t.pager.MarkDirty(pref); err == nil {
		nc, err := t.buildInternalCell(key, t.readCell(pn, sepIdx, false).leftChild)
		if err == nil {
			t.removeCellInPlace(pn, sepIdx)
			t.insertCellRaw(pn, sepIdx, nc)
		}
	}
	t.pager.Release(pref)
}

func (t *Tree) removeCellInPlace(n *Node, idx int) {
	for i := idx; i < n.CellCount-1; i++ {
		n.setCellOffset(i, n.cellOffset(i+1))
	}
	n.CellCount--
	n.Save()
}

func (t *Tree) readSeparatorKey(parentID pager.PageID, sepIdx int) []byte {
	pn, pref, err := t.loadNode(parentID)
	if err != nil {
		return nil
	}
	defer t.pager.Release(pref)
	key, _ := t.readCellKey(pn, sepIdx, false)
	return key
}

func (t *Tree) writeSeparatorKey(parentID pager.PageID, sepIdx int, promoted cell) {
	pn, pref, err := t.loadNode(parentID)
	if err != nil {
		return
	}
	if err := t.pager.MarkDirty(pref); err == nil {
		key := promoted.local
		nc, err := t.buildInternalCell(key, t.readCell(pn, sepIdx, false).leftChild)
		if err == nil {
			t.removeCellInPlace(pn, sepIdx)
			t.insertCellRaw(pn, sepIdx, nc)
		}
	}
	t.pager.Release(pref)
}

// mergeSiblings merges rightID's contents into leftID, removes the
// separator from the parent, frees rightID, and recurses the
// underflow check upward (spec §4.5 "merge with a sibling (pulling
// down the separator cell from the parent)").
func (t *Tree) mergeSiblings(leftID, rightID pager.PageID, parent ancestor, ancestors []ancestor) error {
	ln, lref, err := t.loadNode(leftID)
	if err != nil {
		return err
	}
	rn, rref, err := t.loadNode(rightID)
	if err != nil {
		t.pager.Release(lref)
		return err
	}
	if err := t.pager.MarkDirty(lref); err != nil {
		t.pager.Release(lref)
		t.pager.Release(rref)
		return err
	}

	if ln.External {
		for i := 0; i < rn.CellCount; i++ {
			t.insertCellRaw(ln, ln.CellCount, t.readCell(rn, i, true))
		}
		ln.NextID = rn.NextID
		ln.Save()
		if rn.NextID != pager.NullPage {
			t.fixPrevLink(rn.NextID, leftID)
		}
	} else {
		sepKey := t.readSeparatorKey(parent.id, parent.idx)
		down := cell{leftChild: ln.RightChild, keySize: len(sepKey), local: sepKey}
		t.insertCellRaw(ln, ln.CellCount, down)
		for i := 0; i < rn.CellCount; i++ {
			t.insertCellRaw(ln, ln.CellCount, t.readCell(rn, i, false))
		}
		ln.RightChild = rn.RightChild
		ln.Save()
	}
	t.pager.Release(lref)
	t.pager.Release(rref)

	if err := t.pager.FreePage(rightID); err != nil {
		return err
	}
	if err := t.clearPointerMap(rightID); err != nil {
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
	wasRightChild := parent.idx+1 == pn.CellCount
	t.removeCellInPlace(pn, parent.idx)
	if wasRightChild {
		pn.RightChild = leftID
		pn.Save()
	} else {
		t.setChildPointerAt(pn, parent.idx, leftID)
	}
	t.pager.Release(pref)

	return t.resolveUnderflow(parent.id, ancestors[:len(ancestors)-1])
}

// collapseRoot replaces the root's contents with child's, freeing
// child, when an internal root has been merged down to a single
// child pointer (spec §4.5 "Root fixups").
func (t *Tree) collapseRoot(rootID, childID pager.PageID) error {
	rootRef, err := t.pager.Acquire(rootID)
	if err != nil {
		return err
	}
	if err := t.pager.MarkDirty(rootRef); err != nil {
		t.pager.Release(rootRef)
		return err
	}
	childRef, err := t.pager.Acquire(childID)
	if err != nil {
		t.pager.Release(rootRef)
		return err
	}
	headerOff := t.headerOffset(rootID)
	if headerOff != 0 {
		copy(rootRef.Data[headerOff:], childRef.Data)
	} else {
		copy(rootRef.Data, childRef.Data)
	}
	t.pager.Release(childRef)
	t.pager.Release(rootRef)
	if err := t.pager.FreePage(childID); err != nil {
		return err
	}
	return t.clearPointerMap(childID)
}
