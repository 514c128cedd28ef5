package calicodb

import (
	"fmt"

	"github.com/calicodb/calicodb/internal/pager"
	"github.com/calicodb/calicodb/internal/schema"
)

// Tx is either a read-only or read-write transaction: it owns a
// Schema and the handles opened from it for its lifetime (spec §4.6
// "Tx", §3 "Transaction (Tx)").
type Tx struct {
	db       *DB
	writable bool
	done     bool
	schema   *schema.Schema
	buckets  map[string]*Bucket
}

func newTx(db *DB, writable bool) *Tx {
	return &Tx{
		db:       db,
		writable: writable,
		schema:   schema.New(db.pager),
		buckets:  make(map[string]*Bucket),
	}
}

// Writable reports whether this Tx may mutate.
func (tx *Tx) Writable() bool { return tx.writable }

// Bucket opens (or returns the already-open handle for) an existing
// bucket by name.
func (tx *Tx) Bucket(name []byte) (*Bucket, error) {
	if b, ok := tx.buckets[string(name)]; ok {
		return b, nil
	}
	t, err := tx.schema.OpenBucket(name)
	if err != nil {
		return nil, err
	}
	b := &Bucket{tx: tx, tree: t, name: append([]byte(nil), name...)}
	tx.buckets[string(name)] = b
	return b, nil
}

// CreateBucket creates and opens a new top-level bucket. Requires a
// writable Tx.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) {
	if !tx.writable {
		return nil, fmt.Errorf("%w: CreateBucket requires a writable transaction", ErrInvalidArgument)
	}
	t, err := tx.schema.CreateBucket(name)
	if err != nil {
		return nil, err
	}
	b := &Bucket{tx: tx, tree: t, name: append([]byte(nil), name...)}
	tx.buckets[string(name)] = b
	return b, nil
}

// DropBucket requires a writable Tx; it frees every page the bucket
// owns.
func (tx *Tx) DropBucket(name []byte) error {
	if !tx.writable {
		return fmt.Errorf("%w: DropBucket requires a writable transaction", ErrInvalidArgument)
	}
	if err := tx.schema.DropBucket(name); err != nil {
		return err
	}
	delete(tx.buckets, string(name))
	return nil
}

// Commit delegates to Pager::commit (spec §4.6 "Tx::commit delegates
// to Pager::commit").
func (tx *Tx) Commit() error {
	if tx.done {
		return nil
	}
	if !tx.writable {
		tx.done = true
		return tx.db.pager.Finish()
	}
	if err := tx.db.pager.Commit(); err != nil {
		_ = tx.db.pager.Rollback()
		_ = tx.db.pager.Finish()
		tx.done = true
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	tx.done = true
	return tx.db.pager.Finish()
}

// Rollback discards every change made within the Tx.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if tx.writable {
		_ = tx.db.pager.Rollback()
	}
	return tx.db.pager.Finish()
}

// Vacuum drives Tree::vacuum_one in a loop until the freelist empties,
// then runs the schema-level vacuum_finish pass (spec §4.6
// "Tx::vacuum").
func (tx *Tx) Vacuum() error {
	if !tx.writable {
		return fmt.Errorf("%w: Vacuum requires a writable transaction", ErrInvalidArgument)
	}
	relocated := make(map[pager.PageID]pager.PageID)
	root := tx.schema.RootTree()
	for {
		done, from, to, err := root.VacuumOne()
		if err != nil {
			return err
		}
		if done {
			break
		}
		if from != 0 {
			relocated[from] = to
		}
	}
	return tx.schema.VacuumFinish(relocated)
}

// finish is called by DB.View/Update via defer to guarantee the Tx's
// pager state is cleaned up even if the caller already called
// Commit/Rollback explicitly.
func (tx *Tx) finish() {
	if !tx.done {
		_ = tx.Rollback()
	}
}
