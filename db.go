package calicodb

import (
	"fmt"
	"sync"

	"github.com/calicodb/calicodb/internal/env"
	"github.com/calicodb/calicodb/internal/logger"
	"github.com/calicodb/calicodb/internal/metrics"
	"github.com/calicodb/calicodb/internal/pager"
)

// DB is an embedded, single-file, transactional key/value store: the
// lifecycle owner of the Env/Wal/Pager stack and the dispatcher for
// view/update closures (spec §4.7). Grounded in the teacher's
// pkg/storage/kv.go Open/Close and generalized to a WAL-backed pager.
type DB struct {
	mu sync.Mutex

	path  string
	env   env.Env
	pager *pager.Pager
	log   *logger.Logger
	stats *metrics.Metrics
	opts  Options
}

// Open opens (and optionally creates) the database at path.
func Open(path string, opts Options) (*DB, error) {
	e := env.New()
	if opts.CacheSize == 0 {
		opts.CacheSize = 64
	}
	if opts.ErrorIfExists && e.Exists(path) {
		return nil, fmt.Errorf("%w: database %q already exists", ErrInvalidArgument, path)
	}
	if !opts.CreateIfMissing && !e.Exists(path) {
		return nil, fmt.Errorf("%w: database %q does not exist", ErrInvalidArgument, path)
	}

	p, err := pager.Open(e, path, pager.Options{
		PageSize:  opts.PageSize,
		CacheSize: opts.CacheSize,
		CreateOK:  opts.CreateIfMissing,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	log := opts.Logger
	if log == nil {
		level := opts.LogLevel
		if level == "" {
			level = "info"
		}
		log = logger.Stderr(level)
	}

	return &DB{
		path:  path,
		env:   e,
		pager: p,
		log:   log.For("db"),
		stats: p.Metrics(),
		opts:  opts,
	}, nil
}

// Destroy removes the database file and its WAL, per spec §4.7
// "DB::destroy": open with create_if_missing=false, error_if_exists=
// false; if it opens, remove both files.
func Destroy(path string) error {
	e := env.New()
	if !e.Exists(path) {
		return nil
	}
	db, err := Open(path, Options{})
	if err != nil {
		return err
	}
	_ = db.Close()
	_ = e.Remove(path)
	_ = e.Remove(path + "-wal")
	_ = e.Remove(path + "-wal-shm")
	return nil
}

// Close finishes any lingering transaction state and closes the pager.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.pager.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return nil
}

// Checkpoint requires no active transaction (spec §4.7 "DB::checkpoint").
func (db *DB) Checkpoint(reset bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	n, _, err := db.pager.Checkpoint(reset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	db.log.LogCheckpoint(n, reset, nil)
	return nil
}

// GetProperty exposes internal diagnostics; "stats" returns the
// metrics registry rendered as sorted "name value" text lines.
func (db *DB) GetProperty(name string) (string, bool) {
	switch name {
	case "stats":
		text, err := db.stats.StatsText()
		if err != nil {
			return "", false
		}
		return text, true
	default:
		return "", false
	}
}

// View runs fn against a read-only Tx, always rolling back afterward.
func (db *DB) View(fn func(tx *Tx) error) error {
	tx, err := db.begin(false)
	if err != nil {
		return err
	}
	defer tx.finish()
	return fn(tx)
}

// Update runs fn against a read-write Tx: on a nil return the Tx is
// committed, else it is rolled back.
func (db *DB) Update(fn func(tx *Tx) error) error {
	tx, err := db.begin(true)
	if err != nil {
		return err
	}
	defer tx.finish()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (db *DB) begin(writable bool) (*Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.pager.StartReader(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if writable {
		if db.opts.ReadOnly {
			_ = db.pager.Finish()
			return nil, fmt.Errorf("%w: database opened read-only", ErrInvalidArgument)
		}
		if err := db.pager.StartWriter(); err != nil {
			_ = db.pager.Finish()
			return nil, err
		}
	}
	return newTx(db, writable), nil
}
