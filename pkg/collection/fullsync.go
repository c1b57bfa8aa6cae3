package collection

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/marmos91/syncdeck/internal/logger"
	"github.com/marmos91/syncdeck/pkg/collection/schema"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

// SaveUpload validates an uploaded collection and atomically swaps it in
// place of the user's current one. The body is staged to a temporary file in
// the user directory so the final rename stays on one filesystem.
//
// The caller must hold the user's serialization lock and must have released
// every collection handle; any cached handle is invalidated here.
func (s *Store) SaveUpload(ctx context.Context, userKey string, body io.Reader, maxBytes int64) error {
	dir := s.UserDir(userKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating user directory: %w", err)
	}

	tmp := s.Path(userKey) + ".upload." + uuid.New().String()
	defer os.Remove(tmp)

	if err := stageUpload(tmp, body, maxBytes); err != nil {
		return err
	}

	if err := validateCollectionFile(ctx, tmp); err != nil {
		return err
	}

	if err := s.Invalidate(ctx, userKey); err != nil {
		return err
	}

	// Stale WAL auxiliaries belong to the replaced file; the handle was
	// checkpointed on invalidate, so removing them cannot lose writes.
	path := s.Path(userKey)
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("swapping in uploaded collection: %w", err)
	}

	logger.Info("full upload accepted", logger.KeyUser, userKey)
	return nil
}

// stageUpload copies the request body to a staging file, enforcing the size
// cap.
func stageUpload(tmp string, body io.Reader, maxBytes int64) error {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("staging upload: %w", err)
	}
	defer f.Close()

	limited := io.LimitReader(body, maxBytes+1)
	n, err := io.Copy(f, limited)
	if err != nil {
		return fmt.Errorf("reading upload: %w", err)
	}
	if n > maxBytes {
		return syncerr.BadRequest("collection exceeds the %d byte upload limit", maxBytes)
	}
	if n == 0 {
		return syncerr.BadRequest("empty collection upload")
	}
	return f.Sync()
}

// validateCollectionFile opens the staged file read-only and checks that it
// is an intact collection with a schema the server can sync.
func validateCollectionFile(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return syncerr.BadRequest("uploaded file is not a database: %v", err)
	}
	defer db.Close()

	var verdict string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&verdict); err != nil {
		return syncerr.BadRequest("uploaded collection is not readable: %v", err)
	}
	if verdict != "ok" {
		return syncerr.BadRequest("uploaded collection failed integrity check: %s", verdict)
	}

	if _, err := schema.Load(ctx, db); err != nil {
		return syncerr.BadRequest("uploaded collection has an unusable schema: %v", err)
	}
	return nil
}

// PrepareDownload checkpoints the user's collection so the main file holds
// every committed change, and returns the path to stream. The caller must
// hold the user's serialization lock for the duration of the response.
func (s *Store) PrepareDownload(ctx context.Context, userKey string) (string, error) {
	h, err := s.Open(ctx, userKey)
	if err != nil {
		return "", err
	}
	defer h.Release(ctx)

	if err := h.Checkpoint(ctx); err != nil {
		return "", err
	}
	return h.Path(), nil
}

// SizeOnDisk returns the collection file size, or 0 when absent.
func (s *Store) SizeOnDisk(userKey string) int64 {
	info, err := os.Stat(s.Path(userKey))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Purge removes a user's entire data directory. Used by account deletion.
func (s *Store) Purge(ctx context.Context, userKey string) error {
	if err := s.Invalidate(ctx, userKey); err != nil {
		return err
	}
	return os.RemoveAll(s.UserDir(userKey))
}
