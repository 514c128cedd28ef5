package calicodb

import "github.com/calicodb/calicodb/internal/tree"

// Cursor is an external handle over a Bucket's tree, saving/restoring
// its position across structural changes made elsewhere (spec §3
// "Cursor").
type Cursor struct {
	inner *tree.Cursor
}

// Close deregisters the cursor from its bucket's tree.
func (c *Cursor) Close() { c.inner.Close() }

// Valid reports whether the cursor is positioned on a live entry.
func (c *Cursor) Valid() bool { return c.inner.Valid() }

// Key returns the current entry's key. Valid() must be true.
func (c *Cursor) Key() []byte { return c.inner.Key() }

// Value returns the current entry's value. Valid() must be true.
func (c *Cursor) Value() []byte { return c.inner.Value() }

// IsBucket reports whether the current entry names a nested bucket.
func (c *Cursor) IsBucket() bool { return c.inner.IsBucket() }

// SeekFirst positions the cursor at the smallest key.
func (c *Cursor) SeekFirst() error { return c.inner.First() }

// SeekLast positions the cursor at the largest key.
func (c *Cursor) SeekLast() error { return c.inner.Last() }

// Seek positions the cursor at the smallest key >= key.
func (c *Cursor) Seek(key []byte) error { return c.inner.SeekGE(key) }

// Find positions the cursor exactly at key; Valid() is false if absent.
func (c *Cursor) Find(key []byte) error { return c.inner.Find(key) }

// Next advances to the following key in ascending order.
func (c *Cursor) Next() error { return c.inner.Next() }

// Previous moves to the preceding key in ascending order.
func (c *Cursor) Previous() error { return c.inner.Previous() }
