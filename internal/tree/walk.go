package tree

import "github.com/calicodb/calicodb/internal/pager"

// WalkAndFree frees every page reachable from t (nodes and overflow
// chains), including t's own root, used when a bucket is dropped
// (spec §4.6 "Dropping a bucket walks the bucket's tree freeing every
// page into the freelist").
func WalkAndFree(t *Tree, p *pager.Pager) error {
	return t.freeSubtree(t.rootID)
}

func (t *Tree) freeSubtree(id pager.PageID) error {
	n, ref, err := t.loadNode(id)
	if err != nil {
		return err
	}
	external := n.External
	var children []pager.PageID
	var overflows []pager.PageID
	for i := 0; i < n.CellCount; i++ {
		c := t.readCell(n, i, external)
		if c.hasOverflow() {
			overflows = append(overflows, c.overflow)
		}
		if !external {
			children = append(children, c.leftChild)
		}
	}
	if !external {
		children = append(children, n.RightChild)
	}
	t.pager.Release(ref)

	for _, child := range children {
		if err := t.freeSubtree(child); err != nil {
			return err
		}
	}
	for _, head := range overflows {
		if err := t.destroyOverflow(head); err != nil {
			return err
		}
	}
	if err := t.pager.FreePage(id); err != nil {
		return err
	}
	return t.clearPointerMap(id)
}
