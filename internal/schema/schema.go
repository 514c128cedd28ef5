// Package schema implements the forest-of-buckets tree: the schema
// tree rooted at page 1 maps bucket names to child tree root ids
// (spec §4.6). It is grounded in the teacher's pkg/metadata package
// (MetadataStore's prefix-indexed bucket-of-keys idea), generalized
// from a flat prefix index over one KV store into genuine nested
// B+-trees, one per bucket, the way original_source/'s schema unit
// does it.
package schema

import (
	"encoding/binary"
	"fmt"

	"github.com/calicodb/calicodb/internal/pager"
	"github.com/calicodb/calicodb/internal/tree"
)

const (
	flagBucket = 1 << 0
)

// Schema owns the root tree (page 1) and the live bucket Trees opened
// from it during one Tx.
type Schema struct {
	pager *pager.Pager
	root  *tree.Tree
	open  map[string]*tree.Tree
}

// New binds a Schema to the pager's root tree.
func New(p *pager.Pager) *Schema {
	return &Schema{pager: p, root: tree.Open(p, pager.RootPageID), open: make(map[string]*tree.Tree)}
}

// RootTree exposes the schema tree itself, e.g. for iterating bucket
// names.
func (s *Schema) RootTree() *tree.Tree { return s.root }

// OpenBucket returns the Tree for name, opening (and caching) it from
// the schema tree's stored root id.
func (s *Schema) OpenBucket(name []byte) (*tree.Tree, error) {
	if t, ok := s.open[string(name)]; ok {
		return t, nil
	}
	value, isBucket, found, err := s.root.Get(name)
	if err != nil {
		return nil, err
	}
	if !found || !isBucket {
		return nil, fmt.Errorf("%w: bucket %q does not exist", pager.ErrCorruption, name)
	}
	rootID := pager.PageID(binary.LittleEndian.Uint32(value))
	t := tree.Open(s.pager, rootID)
	s.open[string(name)] = t
	return t, nil
}

// CreateBucket allocates a fresh tree and records it under name in the
// schema tree. It is an error if name already names a bucket.
func (s *Schema) CreateBucket(name []byte) (*tree.Tree, error) {
	if _, _, found, err := s.root.Get(name); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("schema: bucket %q already exists", name)
	}
	t, err := tree.Create(s.pager)
	if err != nil {
		return nil, err
	}
	value := make([]byte, 4)
	binary.LittleEndian.PutUint32(value, uint32(t.RootID()))
	if err := s.root.Put(name, value, true); err != nil {
		return nil, err
	}
	s.open[string(name)] = t
	return t, nil
}

// DropBucket frees every page in the bucket's tree and removes its
// entry from the schema tree (spec §4.6 "Dropping a bucket walks the
// bucket's tree freeing every page into the freelist").
func (s *Schema) DropBucket(name []byte) error {
	t, err := s.OpenBucket(name)
	if err != nil {
		return err
	}
	if err := freeEntireTree(s.pager, t.RootID()); err != nil {
		return err
	}
	delete(s.open, string(name))
	return s.root.Delete(name)
}

// freeEntireTree walks every page reachable from rootID (nodes,
// overflow chains) and returns them to the pager's freelist.
func freeEntireTree(p *pager.Pager, rootID pager.PageID) error {
	t := tree.Open(p, rootID)
	return tree.WalkAndFree(t, p)
}

// VacuumFinish rewrites the schema tree's stored root ids after a vacuum
// pass relocated pages (spec §4.5 "vacuum_finish") and drops this
// Schema's cached Tree handles, so the next OpenBucket reads the current
// root id. A *tree.Tree already handed out keeps the root id it was
// opened with; its in-memory root id is not updated.
func (s *Schema) VacuumFinish(relocated map[pager.PageID]pager.PageID) error {
	if len(relocated) == 0 {
		return nil
	}
	// Stale Tree handles bound to pre-vacuum root ids must not be reused;
	// the next OpenBucket call re-reads the (now current) root id.
	s.open = make(map[string]*tree.Tree)
	cur := s.root.NewCursor()
	defer cur.Close()
	if err := cur.First(); err != nil {
		return err
	}
	for cur.Valid() {
		if cur.IsBucket() {
			oldID := pager.PageID(binary.LittleEndian.Uint32(cur.Value()))
			if newID, ok := relocated[oldID]; ok {
				value := make([]byte, 4)
				binary.LittleEndian.PutUint32(value, uint32(newID))
				key := append([]byte(nil), cur.Key()...)
				if err := s.root.Put(key, value, true); err != nil {
					return err
				}
			}
		}
		if err := cur.Next(); err != nil {
			return err
		}
	}
	return nil
}
