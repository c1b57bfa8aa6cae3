package collection

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/syncdeck/pkg/collection/schema"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

func TestOpenBootstrapsEmptyCollection(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	h, err := store.Open(ctx, "alice")
	require.NoError(t, err)
	defer h.Release(ctx)

	assert.Equal(t, schema.V18, h.Schema().Version)
	assert.FileExists(t, store.Path("alice"))

	empty, err := schema.IsEmpty(ctx, h.DB())
	require.NoError(t, err)
	assert.True(t, empty)

	m, err := schema.ReadMeta(ctx, h.DB())
	require.NoError(t, err)
	assert.Equal(t, int64(18), m.Ver)
	assert.NotZero(t, m.Scm)
}

func TestHandleSharingAndRefcount(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	h1, err := store.Open(ctx, "bob")
	require.NoError(t, err)
	h2, err := store.Open(ctx, "bob")
	require.NoError(t, err)
	assert.Same(t, h1, h2, "handles are shared per user")

	require.NoError(t, h1.Release(ctx))
	require.NoError(t, h2.Release(ctx))

	// Double release is a bug and reported as such.
	assert.Error(t, h2.Release(ctx))
}

func TestInvalidateRefusesWhileInUse(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	h, err := store.Open(ctx, "carol")
	require.NoError(t, err)

	err = store.Invalidate(ctx, "carol")
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeBusy, syncerr.CodeOf(err))

	require.NoError(t, h.Release(ctx))
	require.NoError(t, store.Invalidate(ctx, "carol"))
}

func TestSaveUploadSwapsCollection(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	// Give the user an initial collection with one note.
	h, err := store.Open(ctx, "dave")
	require.NoError(t, err)
	_, err = h.DB().Exec(`INSERT INTO notes (id, guid, mid, mod, usn, tags, flds, sfld, csum, flags, data)
		VALUES (1, 'g', 1, 100, 0, '', 'before upload', 0, 1, 0, '')`)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	// Build a valid replacement collection elsewhere.
	other := filepath.Join(t.TempDir(), "upload.anki2")
	require.NoError(t, Bootstrap(ctx, other))
	body, err := os.ReadFile(other)
	require.NoError(t, err)

	require.NoError(t, store.SaveUpload(ctx, "dave", bytes.NewReader(body), 1<<30))

	h, err = store.Open(ctx, "dave")
	require.NoError(t, err)
	defer h.Release(ctx)
	empty, err := schema.IsEmpty(ctx, h.DB())
	require.NoError(t, err)
	assert.True(t, empty, "uploaded collection replaced the old one")
}

func TestSaveUploadRejectsGarbage(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	err := store.SaveUpload(ctx, "eve", bytes.NewReader([]byte("not a database")), 1<<20)
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeBadRequest, syncerr.CodeOf(err))

	// Nothing was swapped in.
	assert.NoFileExists(t, store.Path("eve"))
}

func TestSaveUploadEnforcesLimit(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	other := filepath.Join(t.TempDir(), "upload.anki2")
	require.NoError(t, Bootstrap(ctx, other))
	body, err := os.ReadFile(other)
	require.NoError(t, err)

	err = store.SaveUpload(ctx, "frank", bytes.NewReader(body), 16)
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeBadRequest, syncerr.CodeOf(err))
}

func TestPrepareDownloadCheckpoints(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	h, err := store.Open(ctx, "grace")
	require.NoError(t, err)
	_, err = h.DB().Exec(`INSERT INTO notes (id, guid, mid, mod, usn, tags, flds, sfld, csum, flags, data)
		VALUES (1, 'g', 1, 100, 0, '', 'body', 0, 1, 0, '')`)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	path, err := store.PrepareDownload(ctx, "grace")
	require.NoError(t, err)

	// After the checkpoint the WAL is empty, so the main file alone holds
	// the committed note.
	if info, err := os.Stat(path + "-wal"); err == nil {
		assert.Zero(t, info.Size())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "body")
}

func TestPurgeRemovesUserDir(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	h, err := store.Open(ctx, "henry")
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	require.NoError(t, store.Purge(ctx, "henry"))
	assert.NoDirExists(t, store.UserDir("henry"))
}
