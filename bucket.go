package calicodb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/calicodb/calicodb/internal/pager"
	"github.com/calicodb/calicodb/internal/tree"
)

// Bucket is a named B+-tree bound to the Tx that opened it (spec §4.6
// "Bucket handle").
type Bucket struct {
	tx   *Tx
	tree *tree.Tree
	name []byte
}

// Put inserts or replaces key with value.
func (b *Bucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("%w: Put requires a writable transaction", ErrInvalidArgument)
	}
	return b.tree.Put(key, value, false)
}

// CreateBucket creates a nested bucket whose root id is stored as
// key's value in this bucket's tree.
func (b *Bucket) CreateBucket(key []byte) (*Bucket, error) {
	if !b.tx.writable {
		return nil, fmt.Errorf("%w: CreateBucket requires a writable transaction", ErrInvalidArgument)
	}
	if _, _, found, err := b.tree.Get(key); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("%w: key %q already exists", ErrInvalidArgument, key)
	}
	child, err := tree.Create(b.tx.db.pager)
	if err != nil {
		return nil, err
	}
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, uint32(child.RootID()))
	if err := b.tree.Put(key, value, true); err != nil {
		return nil, err
	}
	return &Bucket{tx: b.tx, tree: child, name: append([]byte(nil), key...)}, nil
}

// Bucket opens an already-created nested bucket by key.
func (b *Bucket) Bucket(key []byte) (*Bucket, error) {
	value, isBucket, found, err := b.tree.Get(key)
	if err != nil {
		return nil, err
	}
	if !found || !isBucket {
		return nil, fmt.Errorf("%w: bucket %q does not exist", ErrInvalidArgument, key)
	}
	rootID := pager.PageID(binary.LittleEndian.Uint32(value))
	child := tree.Open(b.tx.db.pager, rootID)
	return &Bucket{tx: b.tx, tree: child, name: append([]byte(nil), key...)}, nil
}

// Erase removes key if present.
func (b *Bucket) Erase(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("%w: Erase requires a writable transaction", ErrInvalidArgument)
	}
	if err := b.tree.Delete(key); err != nil {
		if errors.Is(err, tree.ErrKeyNotFound) {
			return fmt.Errorf("%w: key %q not found", ErrNotFound, key)
		}
		return err
	}
	return nil
}

// Get looks up key.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	v, isBucket, found, err := b.tree.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: key not found", ErrNotFound)
	}
	if isBucket {
		return nil, fmt.Errorf("%w: key %q names a nested bucket", ErrInvalidArgument, key)
	}
	return v, nil
}

// NewCursor opens a cursor over this bucket.
func (b *Bucket) NewCursor() *Cursor {
	return &Cursor{inner: b.tree.NewCursor()}
}
