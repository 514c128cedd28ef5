package tree

import "github.com/calicodb/calicodb/internal/pager"

// cursorState mirrors spec §3 "Cursor": invalid, saved, or valid.
type cursorState int

const (
	cursorInvalid cursorState = iota
	cursorSaved
	cursorValid
)

type pathStep struct {
	id  pager.PageID
	idx int
}

// Cursor holds a path from the tree root to the current leaf (its
// length is not checked against maxDepth), plus a copy of the current
// key/value once positioned
// (spec §3 "Cursor", §4.5 "Cursors during structural change").
type Cursor struct {
	tree  *Tree
	state cursorState

	path    []pathStep
	leafID  pager.PageID
	leafIdx int

	key      []byte
	value    []byte
	isBucket bool

	savedKey []byte
}

const maxDepth = 18

// NewCursor creates a cursor bound to t, registering it in the tree's
// live-cursor list.
func (t *Tree) NewCursor() *Cursor {
	c := &Cursor{tree: t}
	t.registerCursor(c)
	return c
}

// Close deregisters the cursor from its tree.
func (c *Cursor) Close() {
	c.tree.unregisterCursor(c)
}

func (c *Cursor) Valid() bool { return c.state == cursorValid }

func (c *Cursor) Key() []byte      { return c.key }
func (c *Cursor) Value() []byte    { return c.value }
func (c *Cursor) IsBucket() bool   { return c.isBucket }

// save releases held pages and records the current key so the cursor
// can re-search after a structural change elsewhere in the tree (spec
// §4.5: called on every other open cursor before a mutation).
func (c *Cursor) save() {
	if c.state == cursorValid {
		c.savedKey = append([]byte(nil), c.key...)
		c.state = cursorSaved
	}
	c.path = nil
}

// restore re-searches for the saved key after a structural change,
// landing on the key if present, else its successor (spec §4.5).
func (c *Cursor) restore() error {
	if c.state != cursorSaved {
		return nil
	}
	path, leafID, idx, exact, err := c.tree.search(c.savedKey)
	if err != nil {
		return err
	}
	c.path = toPathSteps(path)
	c.leafID, c.leafIdx = leafID, idx
	if !exact {
		return c.fixupAfterSeek()
	}
	return c.loadCurrent()
}

func toPathSteps(a []ancestor) []pathStep {
	out := make([]pathStep, len(a))
	for i, x := range a {
		out[i] = pathStep{id: x.id, idx: x.idx}
	}
	return out
}

// SeekGE positions the cursor at the smallest key >= key.
func (c *Cursor) SeekGE(key []byte) error {
	path, leafID, idx, _, err := c.tree.search(key)
	if err != nil {
		return err
	}
	c.path = toPathSteps(path)
	c.leafID, c.leafIdx = leafID, idx
	return c.fixupAfterSeek()
}

// Find positions the cursor exactly at key; Valid() is false if absent.
func (c *Cursor) Find(key []byte) error {
	path, leafID, idx, exact, err := c.tree.search(key)
	if err != nil {
		return err
	}
	c.path = toPathSteps(path)
	c.leafID, c.leafIdx = leafID, idx
	if !exact {
		c.state = cursorInvalid
		return nil
	}
	return c.loadCurrent()
}

func (c *Cursor) fixupAfterSeek() error {
	n, ref, err := c.tree.loadNode(c.leafID)
	if err != nil {
		return err
	}
	atEnd := c.leafIdx >= n.CellCount
	c.tree.pager.Release(ref)
	if atEnd {
		return c.Next()
	}
	return c.loadCurrent()
}

// First positions the cursor at the smallest key in the tree.
func (c *Cursor) First() error {
	id := c.tree.rootID
	var path []pathStep
	for {
		n, ref, err := c.tree.loadNode(id)
		if err != nil {
			return err
		}
		if n.External {
			c.tree.pager.Release(ref)
			c.path = path
			c.leafID, c.leafIdx = id, 0
			if n.CellCount == 0 {
				c.state = cursorInvalid
				return nil
			}
			return c.loadCurrent()
		}
		child := c.tree.childPointerAt(n, 0)
		path = append(path, pathStep{id: id, idx: 0})
		c.tree.pager.Release(ref)
		id = child
	}
}

// Last positions the cursor at the largest key in the tree.
func (c *Cursor) Last() error {
	id := c.tree.rootID
	var path []pathStep
	for {
		n, ref, err := c.tree.loadNode(id)
		if err != nil {
			return err
		}
		if n.External {
			c.tree.pager.Release(ref)
			c.path = path
			c.leafID = id
			if n.CellCount == 0 {
				c.leafIdx = 0
				c.state = cursorInvalid
				return nil
			}
			c.leafIdx = n.CellCount - 1
			return c.loadCurrent()
		}
		path = append(path, pathStep{id: id, idx: n.CellCount})
		child := n.RightChild
		c.tree.pager.Release(ref)
		id = child
	}
}

// Next advances to the following key, crossing into the sibling leaf
// (via the leaf chain) when the current leaf is exhausted.
func (c *Cursor) Next() error {
	if c.state == cursorSaved {
		if err := c.restore(); err != nil {
			return err
		}
	}
	n, ref, err := c.tree.loadNode(c.leafID)
	if err != nil {
		return err
	}
	nextID := n.NextID
	c.tree.pager.Release(ref)
	c.leafIdx++
	curNode, curRef, refErr := c.tree.loadNode(c.leafID)
	if refErr != nil {
		return refErr
	}
	within := c.leafIdx < curNode.CellCount
	c.tree.pager.Release(curRef)
	if within {
		return c.loadCurrent()
	}
	if nextID == pager.NullPage {
		c.state = cursorInvalid
		return nil
	}
	c.leafID, c.leafIdx = nextID, 0
	c.path = nil
	return c.loadCurrent()
}

// Previous moves to the preceding key via the leaf's Prev chain.
func (c *Cursor) Previous() error {
	if c.state == cursorSaved {
		if err := c.restore(); err != nil {
			return err
		}
	}
	if c.leafIdx > 0 {
		c.leafIdx--
		return c.loadCurrent()
	}
	n, ref, err := c.tree.loadNode(c.leafID)
	if err != nil {
		return err
	}
	prevID := n.PrevID
	c.tree.pager.Release(ref)
	if prevID == pager.NullPage {
		c.state = cursorInvalid
		return nil
	}
	pn, pref, err := c.tree.loadNode(prevID)
	if err != nil {
		return err
	}
	c.leafID = prevID
	c.leafIdx = pn.CellCount - 1
	c.tree.pager.Release(pref)
	c.path = nil
	return c.loadCurrent()
}

func (c *Cursor) loadCurrent() error {
	n, ref, err := c.tree.loadNode(c.leafID)
	if err != nil {
		return err
	}
	defer c.tree.pager.Release(ref)
	if c.leafIdx >= n.CellCount {
		c.state = cursorInvalid
		return nil
	}
	cl := c.tree.readCell(n, c.leafIdx, true)
	key, err := c.tree.readCellKey(n, c.leafIdx, true)
	if err != nil {
		return err
	}
	val, err := c.tree.readCellValue(cl)
	if err != nil {
		return err
	}
	c.key, c.value, c.isBucket = key, val, cl.isBucket
	c.state = cursorValid
	return nil
}
