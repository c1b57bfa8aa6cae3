// Package collection manages per-user collection database files: opening and
// caching handles, bootstrapping fresh collections, and the full-sync
// upload/download paths.
package collection

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/marmos91/syncdeck/internal/logger"
	"github.com/marmos91/syncdeck/pkg/collection/schema"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

// FileName is the collection database file inside a user directory.
const FileName = "collection.anki2"

// Store hands out reference-counted collection handles keyed by user. The
// per-user serialization lock lives above this layer; the store only
// guarantees a single shared handle per user and checkpoint-on-close.
type Store struct {
	root string

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewStore creates a store rooted at the given data directory.
func NewStore(root string) *Store {
	return &Store{
		root:    root,
		handles: make(map[string]*Handle),
	}
}

// Root returns the data root directory.
func (s *Store) Root() string {
	return s.root
}

// UserDir returns the directory holding a user's collection and media.
func (s *Store) UserDir(userKey string) string {
	return filepath.Join(s.root, userKey)
}

// Path returns the collection file path for a user.
func (s *Store) Path(userKey string) string {
	return filepath.Join(s.UserDir(userKey), FileName)
}

// Open returns a handle to the user's collection, bootstrapping an empty
// schema-V18 collection on first contact. Handles are shared and reference
// counted; every Open must be paired with a Release.
func (s *Store) Open(ctx context.Context, userKey string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[userKey]; ok {
		h.refs++
		return h, nil
	}

	path := s.Path(userKey)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Bootstrap(ctx, path); err != nil {
			return nil, err
		}
		logger.Info("created empty collection", logger.KeyUser, userKey)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	desc, err := schema.Load(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, syncerr.Wrap(syncerr.CodeInternal, err, "loading collection schema for %s", userKey)
	}

	h := &Handle{
		store: s,
		user:  userKey,
		path:  path,
		db:    db,
		desc:  desc,
		refs:  1,
	}
	s.handles[userKey] = h
	return h, nil
}

// Invalidate closes the cached handle for a user, checkpointing first. It
// refuses while references are outstanding. Used before swapping in an
// uploaded collection file.
func (s *Store) Invalidate(ctx context.Context, userKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[userKey]
	if !ok {
		return nil
	}
	if h.refs > 0 {
		return syncerr.Busy("collection for %s is in use", userKey)
	}
	delete(s.handles, userKey)
	return h.close(ctx)
}

// Close closes every cached handle. Outstanding references are a caller bug;
// they are closed anyway on shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for user, h := range s.handles {
		if err := h.close(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.handles, user)
	}
	return firstErr
}

// Handle is a shared, reference-counted connection to one user's collection.
type Handle struct {
	store *Store
	user  string
	path  string
	db    *sql.DB
	desc  *schema.Descriptor
	refs  int
}

// DB returns the underlying database connection.
func (h *Handle) DB() *sql.DB {
	return h.db
}

// Schema returns the detected schema descriptor.
func (h *Handle) Schema() *schema.Descriptor {
	return h.desc
}

// Path returns the collection file path.
func (h *Handle) Path() string {
	return h.path
}

// User returns the owning user key.
func (h *Handle) User() string {
	return h.user
}

// Release drops one reference. On the last release the WAL is checkpointed
// so the file on disk is complete; the handle stays cached with zero refs so
// back-to-back syncs reuse the connection.
func (h *Handle) Release(ctx context.Context) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	if h.refs <= 0 {
		return fmt.Errorf("release without matching open for %s", h.user)
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	return h.Checkpoint(ctx)
}

// Checkpoint runs a full TRUNCATE checkpoint so the main database file holds
// every committed change and the WAL is emptied. Required before the file is
// copied, downloaded, or deleted.
func (h *Handle) Checkpoint(ctx context.Context) error {
	_, err := h.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("checkpointing %s: %w", h.user, err)
	}
	return nil
}

// close checkpoints and closes the connection. Caller holds store.mu.
func (h *Handle) close(ctx context.Context) error {
	cperr := h.Checkpoint(ctx)
	if err := h.db.Close(); err != nil {
		return err
	}
	return cperr
}

// openDB opens a collection file with the WAL pragmas used everywhere else
// in the server.
func openDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", path, err)
	}
	// The engine serializes per user; a single connection avoids lock
	// contention inside SQLite.
	db.SetMaxOpenConns(1)
	return db, nil
}
