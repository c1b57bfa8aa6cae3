package media

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/marmos91/syncdeck/pkg/syncerr"
)

// maxFilenameBytes is the server-side cap on media file names.
const maxFilenameBytes = 255

// FileStore holds one user's media content files.
type FileStore struct {
	dir string
}

// NewFileStore creates the media directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the media directory.
func (f *FileStore) Dir() string {
	return f.dir
}

// NormalizeName canonicalizes a client-supplied file name: NFC form, path
// separators stripped, length capped. Returns an error for names that cannot
// be stored safely.
func NormalizeName(name string) (string, error) {
	name = norm.NFC.String(name)
	// Clients on other platforms may send either separator; keep the
	// final segment.
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "", syncerr.BadRequest("invalid media file name %q", name)
	}
	if len(name) > maxFilenameBytes {
		return "", syncerr.BadRequest("media file name longer than %d bytes", maxFilenameBytes)
	}
	return name, nil
}

// Write stores file content under a normalized name.
func (f *FileStore) Write(name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(f.dir, name), data, 0644); err != nil {
		return fmt.Errorf("writing media file %s: %w", name, err)
	}
	return nil
}

// Read returns the content of a stored file.
func (f *FileStore) Read(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(f.dir, name))
}

// Exists reports whether the named file is on disk.
func (f *FileStore) Exists(name string) bool {
	info, err := os.Stat(filepath.Join(f.dir, name))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a stored file. Missing files are not an error; the log
// tombstone is what matters.
func (f *FileStore) Remove(name string) error {
	err := os.Remove(filepath.Join(f.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing media file %s: %w", name, err)
	}
	return nil
}

// Checksum returns the lowercase hex SHA-1 of the given content.
func Checksum(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
