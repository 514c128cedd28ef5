package tree

import (
	"bytes"
	"fmt"

	"github.com/calicodb/calicodb/internal/pager"
)

// ErrKeyNotFound is returned by Delete when the key does not exist,
// distinct from pager.ErrCorruption so callers can tell a missing key
// apart from a genuine structural failure.
var ErrKeyNotFound = fmt.Errorf("tree: key not found")

// ancestor records one step of a root-to-leaf descent: the page id
// visited and the index of the child pointer taken from it, so an
// insert/delete that needs to walk back up can find and patch the
// right slot (spec §4.5 "Insert"/"Delete").
type ancestor struct {
	id  pager.PageID
	idx int
}

// Tree is one B+-tree instance over the shared pager (spec §4.5). The
// schema tree is the special instance rooted at page 1, sharing that
// page with the file header; every bucket tree is rooted at an
// ordinary page.
type Tree struct {
	pager        *pager.Pager
	rootID       pager.PageID
	rootIsPage1  bool
	liveCursors    []*Cursor
}

// Open binds a Tree to an existing root page id.
func Open(p *pager.Pager, rootID pager.PageID) *Tree {
	return &Tree{pager: p, rootID: rootID, rootIsPage1: rootID == pager.RootPageID}
}

func (t *Tree) RootID() pager.PageID { return t.rootID }
func (t *Tree) pageSize() int        { return t.pager.PageSize() }

func (t *Tree) headerOffset(id pager.PageID) int {
	if t.rootIsPage1 && id == pager.RootPageID {
		return pager.FileHeaderSize
	}
	return 0
}

// Create allocates a fresh empty leaf page and returns a Tree rooted
// there, for a newly created bucket.
func Create(p *pager.Pager) (*Tree, error) {
	id, err := p.AllocatePage()
	if err != nil {
		return nil, err
	}
	ref, err := p.Acquire(id)
	if err != nil {
		return nil, err
	}
	if err := p.MarkDirty(ref); err != nil {
		p.Release(ref)
		return nil, err
	}
	InitLeaf(ref, p.PageSize(), 0)
	p.Release(ref)
	return &Tree{pager: p, rootID: id}, nil
}

func (t *Tree) loadNode(id pager.PageID) (*Node, *pager.PageRef, error) {
	ref, err := t.pager.Acquire(id)
	if err != nil {
		return nil, nil, err
	}
	return Load(ref, t.pageSize(), t.headerOffset(id)), ref, nil
}

func (t *Tree) readCellKey(n *Node, i int, external bool) ([]byte, error) {
	c := t.readCell(n, i, external)
	if c.keySize <= len(c.local) {
		return c.local[:c.keySize], nil
	}
	if !c.hasOverflow() {
		return c.local, nil
	}
	rest, err := t.readOverflow(c.overflow, c.keySize-len(c.local))
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), c.local...), rest...), nil
}

func (t *Tree) readCell(n *Node, i int, external bool) cell {
	off := n.cellOffset(i)
	_, maxLocal := localBounds(n.UsableSpace())
	return decodeCell(n.Ref.Data[off:], external, maxLocal)
}

func (t *Tree) readCellValue(c cell) ([]byte, error) {
	if c.keySize >= len(c.local) && !c.hasOverflow() {
		return nil, nil
	}
	// local holds up to (keySize+valueSize) bytes; value starts after
	// the key portion within local, or entirely/partially in overflow.
	if c.keySize >= len(c.local) {
		// whole key may itself be partially local; value is entirely overflow
		full, err := t.readOverflow(c.overflow, (c.keySize-len(c.local))+c.valueSize)
		if err != nil {
			return nil, err
		}
		return full[c.keySize-len(c.local):], nil
	}
	localValue := c.local[c.keySize:]
	if len(localValue) >= c.valueSize {
		return localValue[:c.valueSize], nil
	}
	if !c.hasOverflow() {
		return localValue, nil
	}
	rest, err := t.readOverflow(c.overflow, c.valueSize-len(localValue))
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), localValue...), rest...), nil
}

// compareKeyAt compares key against the key stored in cell i of n.
func (t *Tree) compareKeyAt(n *Node, i int, key []byte) (int, error) {
	full, err := t.readCellKey(n, i, n.External)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(key, full), nil
}

// search descends from the root looking for key, returning the
// ancestor path (root-first), the leaf page id, the index within the
// leaf where key is or should be inserted, and whether it was found
// exactly.
func (t *Tree) search(key []byte) ([]ancestor, pager.PageID, int, bool, error) {
	var path []ancestor
	id := t.rootID
	for {
		n, ref, err := t.loadNode(id)
		if err != nil {
			return nil, 0, 0, false, err
		}
		lo, hi := 0, n.CellCount
		for lo < hi {
			mid := (lo + hi) / 2
			cmp, err := t.compareKeyAt(n, mid, key)
			if err != nil {
				t.pager.Release(ref)
				return nil, 0, 0, false, err
			}
			if cmp == 0 && n.External {
				t.pager.Release(ref)
				return path, id, mid, true, nil
			} else if cmp < 0 {
				hi = mid
			} else {
				lo = mid + 1
			}
		}
		if n.External {
			t.pager.Release(ref)
			return path, id, lo, false, nil
		}
		var child pager.PageID
		if lo == n.CellCount {
			child = n.RightChild
		} else {
			child = t.readCell(n, lo, false).leftChild
		}
		path = append(path, ancestor{id: id, idx: lo})
		t.pager.Release(ref)
		id = child
	}
}

// Get looks up key and returns its value and whether it is a nested
// bucket.
func (t *Tree) Get(key []byte) (value []byte, isBucket bool, found bool, err error) {
	_, leafID, idx, exact, err := t.search(key)
	if err != nil || !exact {
		return nil, false, false, err
	}
	n, ref, err := t.loadNode(leafID)
	if err != nil {
		return nil, false, false, err
	}
	defer t.pager.Release(ref)
	c := t.readCell(n, idx, true)
	v, err := t.readCellValue(c)
	if err != nil {
		return nil, false, false, err
	}
	return v, c.isBucket, true, nil
}

func (t *Tree) buildExternalCell(key, value []byte, isBucket bool) (cell, error) {
	_, maxLocal := localBounds(t.pageSize() - nodeHeaderSize)
	total := len(key) + len(value)
	c := cell{keySize: len(key), valueSize: len(value), isBucket: isBucket}
	if total <= maxLocal {
		c.local = append(append([]byte(nil), key...), value...)
		return c, nil
	}
	localLen := maxLocal
	combined := append(append([]byte(nil), key...), value...)
	c.local = combined[:localLen]
	overflowID, err := t.writeOverflow(combined[localLen:])
	if err != nil {
		return cell{}, err
	}
	c.overflow = overflowID
	return c, nil
}

func (t *Tree) buildInternalCell(key []byte, leftChild pager.PageID) (cell, error) {
	_, maxLocal := localBounds(t.pageSize() - nodeHeaderSize)
	c := cell{keySize: len(key), leftChild: leftChild}
	if len(key) <= maxLocal {
		c.local = append([]byte(nil), key...)
		return c, nil
	}
	c.local = append([]byte(nil), key[:maxLocal]...)
	overflowID, err := t.writeOverflow(key[maxLocal:])
	if err != nil {
		return cell{}, err
	}
	c.overflow = overflowID
	return c, nil
}

// Put inserts or replaces key with value (isBucket marks the value as
// a nested tree's root id rather than user data).
func (t *Tree) Put(key, value []byte, isBucket bool) error {
	t.saveAllCursors(nil)
	path, leafID, idx, exact, err := t.search(key)
	if err != nil {
		return err
	}
	if exact {
		n, ref, err := t.loadNode(leafID)
		if err != nil {
			return err
		}
		old := t.readCell(n, idx, true)
		t.pager.Release(ref)
		if old.hasOverflow() {
			if err := t.destroyOverflow(old.overflow); err != nil {
				return err
			}
		}
		if err := t.removeCellAt(leafID, idx); err != nil {
			return err
		}
	}
	c, err := t.buildExternalCell(key, value, isBucket)
	if err != nil {
		return err
	}
	return t.insertCellAt(leafID, idx, c, path)
}

// Delete removes key if present.
func (t *Tree) Delete(key []byte) error {
	t.saveAllCursors(nil)
	path, leafID, idx, exact, err := t.search(key)
	if err != nil {
		return err
	}
	if !exact {
		return ErrKeyNotFound
	}
	n, ref, err := t.loadNode(leafID)
	if err != nil {
		return err
	}
	old := t.readCell(n, idx, true)
	t.pager.Release(ref)
	if old.hasOverflow() {
		if err := t.destroyOverflow(old.overflow); err != nil {
			return err
		}
	}
	if err := t.removeCellAt(leafID, idx); err != nil {
		return err
	}
	return t.resolveUnderflow(leafID, path)
}

func (t *Tree) saveAllCursors(except *Cursor) {
	for _, c := range t.liveCursors {
		if c != except {
			c.save()
		}
	}
}

func (t *Tree) registerCursor(c *Cursor)   { t.liveCursors = append(t.liveCursors, c) }
func (t *Tree) unregisterCursor(c *Cursor) {
	for i, x := range t.liveCursors {
		if x == c {
			t.liveCursors = append(t.liveCursors[:i], t.liveCursors[i+1:]...)
			return
		}
	}
}
