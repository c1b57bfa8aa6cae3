package media

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/marmos91/syncdeck/internal/logger"
	"github.com/marmos91/syncdeck/pkg/session"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

const (
	// LogFileName is the media change log inside a user directory.
	LogFileName = "media.server.db"

	// DirName is the content directory inside a user directory.
	DirName = "media"

	// changesBatchSize bounds one mediaChanges response.
	changesBatchSize = 250
)

// ChangeRecord is one mediaChanges wire entry: [fname, usn, sha1], sha1
// empty for deletions.
type ChangeRecord [3]any

// Engine serves the msync operations. It shares the per-user hub with the
// collection engine so media and collection writes never interleave for one
// user.
type Engine struct {
	root string
	hub  *session.Hub
	// maxFileBytes caps each file extracted from an upload archive.
	maxFileBytes int64

	mu       sync.Mutex
	managers map[string]*manager
}

// manager is the per-user pair of change log and file store.
type manager struct {
	log   *Log
	files *FileStore
}

// NewEngine creates an engine rooted at the user data directory.
func NewEngine(root string, hub *session.Hub, maxFileBytes int64) *Engine {
	return &Engine{
		root:         root,
		hub:          hub,
		maxFileBytes: maxFileBytes,
		managers:     make(map[string]*manager),
	}
}

// forUser returns the user's manager, opening the log and store on first use.
func (e *Engine) forUser(userKey string) (*manager, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.managers[userKey]; ok {
		return m, nil
	}

	dir := filepath.Join(e.root, userKey)
	files, err := NewFileStore(filepath.Join(dir, DirName))
	if err != nil {
		return nil, err
	}
	log, err := OpenLog(filepath.Join(dir, LogFileName))
	if err != nil {
		return nil, err
	}

	m := &manager{log: log, files: files}
	e.managers[userKey] = m
	return m, nil
}

// LastUSN reports the user's media usn. Also serves the collection meta
// handshake.
func (e *Engine) LastUSN(ctx context.Context, userKey string) (int64, error) {
	m, err := e.forUser(userKey)
	if err != nil {
		return 0, err
	}
	return m.log.LastUSN(ctx)
}

// Changes returns the log entries after afterUSN in wire form, ascending,
// bounded to one batch. Always a non-nil slice; the client cannot handle
// null.
func (e *Engine) Changes(ctx context.Context, userKey string, afterUSN int64) ([]ChangeRecord, error) {
	m, err := e.forUser(userKey)
	if err != nil {
		return nil, err
	}
	entries, err := m.log.ChangesSince(ctx, afterUSN, changesBatchSize)
	if err != nil {
		return nil, err
	}

	out := make([]ChangeRecord, 0, len(entries))
	for _, entry := range entries {
		out = append(out, ChangeRecord{entry.Fname, entry.USN, entry.Sha1})
	}
	return out, nil
}

// UploadChanges applies an upload archive: writes and deletions in archive
// order, one usn per applied change. Identical re-uploads are skipped
// without consuming a usn; deletions always append a tombstone. Returns the
// processed count and the usn of the last applied change.
func (e *Engine) UploadChanges(ctx context.Context, userKey string, archive []byte) (int, int64, error) {
	if !e.hub.TryAcquire(userKey) {
		return 0, 0, syncerr.Busy("another sync is in progress for %s", userKey)
	}
	defer e.hub.Release(userKey)

	m, err := e.forUser(userKey)
	if err != nil {
		return 0, 0, err
	}

	changes, err := ParseArchive(archive, e.maxFileBytes)
	if err != nil {
		return 0, 0, err
	}

	processed := 0
	for _, change := range changes {
		name, err := NormalizeName(change.Fname)
		if err != nil {
			// Still counts toward processed: the client tracks how many
			// of its queued entries the server consumed.
			logger.Warn("skipping unusable media name",
				logger.KeyUser, userKey, logger.KeyError, err)
			processed++
			continue
		}
		if err := e.applyChange(ctx, m, name, change.Data); err != nil {
			return 0, 0, err
		}
		processed++
	}

	usn, err := m.log.LastUSN(ctx)
	if err != nil {
		return 0, 0, err
	}
	logger.Info("media upload applied",
		logger.KeyUser, userKey,
		"processed", processed,
		logger.KeyUSN, usn)
	return processed, usn, nil
}

func (e *Engine) applyChange(ctx context.Context, m *manager, name string, data []byte) error {
	prev, err := m.log.Current(ctx, name)
	if err != nil {
		return err
	}

	if data == nil {
		if prev != nil && prev.Sha1 != "" {
			if err := m.files.Remove(name); err != nil {
				return err
			}
		}
		_, err := m.log.Append(ctx, name, "", 0, prev)
		return err
	}

	sum := Checksum(data)
	if prev != nil && prev.Sha1 == sum {
		return nil
	}
	if err := m.files.Write(name, data); err != nil {
		return err
	}
	_, err = m.log.Append(ctx, name, sum, int64(len(data)), prev)
	return err
}

// DownloadFiles packages the requested names into a download archive. Names
// missing on disk are skipped.
func (e *Engine) DownloadFiles(ctx context.Context, userKey string, names []string) ([]byte, error) {
	m, err := e.forUser(userKey)
	if err != nil {
		return nil, err
	}
	return BuildArchive(m.files, names)
}

// SanityCheck compares the client's live file count against the log. The
// totals are recomputed before declaring a mismatch, so a stale counter
// never forces a client media reset. Returns "OK" or "FAILED".
func (e *Engine) SanityCheck(ctx context.Context, userKey string, clientCount int64) (string, error) {
	m, err := e.forUser(userKey)
	if err != nil {
		return "", err
	}

	count, err := m.log.NonemptyCount(ctx)
	if err != nil {
		return "", err
	}
	if count != clientCount {
		count, err = m.log.Recount(ctx)
		if err != nil {
			return "", err
		}
	}
	if count != clientCount {
		logger.Warn("media sanity mismatch",
			logger.KeyUser, userKey,
			"client", clientCount,
			"server", count)
		return "FAILED", nil
	}
	return "OK", nil
}

// PurgeUser drops the user's cached manager, closing the log. The caller
// removes the directory itself.
func (e *Engine) PurgeUser(userKey string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.managers[userKey]
	if !ok {
		return nil
	}
	delete(e.managers, userKey)
	return m.log.Close()
}

// Close releases every cached manager.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for user, m := range e.managers {
		if err := m.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.managers, user)
	}
	return firstErr
}
