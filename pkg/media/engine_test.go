package media

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/syncdeck/pkg/session"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(t.TempDir(), session.NewHub(), 100<<20)
	t.Cleanup(func() { e.Close() })
	return e
}

// buildArchive packs an upload archive. A nil value marks a deletion.
func buildArchive(t *testing.T, changes []Change) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	meta := make([][]any, 0, len(changes))
	for i, c := range changes {
		if c.Data == nil {
			meta = append(meta, []any{c.Fname, nil})
			continue
		}
		member := string(rune('0' + i))
		w, err := zw.Create(member)
		require.NoError(t, err)
		_, err = w.Write(c.Data)
		require.NoError(t, err)
		meta = append(meta, []any{member, c.Fname})
	}

	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)
	w, err := zw.Create("_meta")
	require.NoError(t, err)
	_, err = w.Write(metaJSON)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestUploadAddsFilesAndAdvancesUSN(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	archive := buildArchive(t, []Change{
		{Fname: "cat.jpg", Data: []byte("cat bytes")},
		{Fname: "dog.mp3", Data: []byte("dog bytes")},
	})
	processed, usn, err := e.UploadChanges(ctx, "alice", archive)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, int64(2), usn)

	m, err := e.forUser("alice")
	require.NoError(t, err)
	assert.True(t, m.files.Exists("cat.jpg"))
	assert.True(t, m.files.Exists("dog.mp3"))

	changes, err := e.Changes(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "cat.jpg", changes[0][0])
	assert.Equal(t, int64(1), changes[0][1])
	assert.Equal(t, Checksum([]byte("cat bytes")), changes[0][2])

	// A resumed client only sees what it missed.
	changes, err = e.Changes(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "dog.mp3", changes[0][0])
}

func TestIdenticalUploadConsumesNoUSN(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	archive := buildArchive(t, []Change{{Fname: "cat.jpg", Data: []byte("cat bytes")}})
	_, usn, err := e.UploadChanges(ctx, "alice", archive)
	require.NoError(t, err)
	require.Equal(t, int64(1), usn)

	processed, usn, err := e.UploadChanges(ctx, "alice", archive)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, int64(1), usn, "identical content is skipped")

	// Different content under the same name supersedes the old entry.
	archive = buildArchive(t, []Change{{Fname: "cat.jpg", Data: []byte("new cat")}})
	_, usn, err = e.UploadChanges(ctx, "alice", archive)
	require.NoError(t, err)
	assert.Equal(t, int64(2), usn)
}

func TestUploadCountsUnusableNames(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// The first entry's name cannot be stored; it is skipped on disk but
	// still counted, so the client's queue bookkeeping stays aligned.
	archive := buildArchive(t, []Change{
		{Fname: "..", Data: []byte("junk")},
		{Fname: "ok.jpg", Data: []byte("fine")},
	})
	processed, usn, err := e.UploadChanges(ctx, "alice", archive)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, int64(1), usn)

	m, err := e.forUser("alice")
	require.NoError(t, err)
	assert.True(t, m.files.Exists("ok.jpg"))

	changes, err := e.Changes(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "ok.jpg", changes[0][0])
}

func TestDeletionAlwaysAppendsTombstone(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	archive := buildArchive(t, []Change{{Fname: "cat.jpg", Data: []byte("cat bytes")}})
	_, _, err := e.UploadChanges(ctx, "alice", archive)
	require.NoError(t, err)

	archive = buildArchive(t, []Change{{Fname: "cat.jpg"}})
	_, usn, err := e.UploadChanges(ctx, "alice", archive)
	require.NoError(t, err)
	assert.Equal(t, int64(2), usn)

	m, err := e.forUser("alice")
	require.NoError(t, err)
	assert.False(t, m.files.Exists("cat.jpg"))

	changes, err := e.Changes(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "", changes[0][2], "tombstones carry an empty checksum")

	// Deleting a name that never existed still records the tombstone.
	archive = buildArchive(t, []Change{{Fname: "ghost.png"}})
	_, usn, err = e.UploadChanges(ctx, "alice", archive)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usn)
}

func TestDownloadSkipsMissingFiles(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	archive := buildArchive(t, []Change{
		{Fname: "a.jpg", Data: []byte("aaa")},
		{Fname: "b.jpg", Data: []byte("bbb")},
	})
	_, _, err := e.UploadChanges(ctx, "alice", archive)
	require.NoError(t, err)

	out, err := e.DownloadFiles(ctx, "alice", []string{"a.jpg", "missing.jpg", "b.jpg"})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	require.NoError(t, err)

	var meta [][]string
	names := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data := new(bytes.Buffer)
		_, err = data.ReadFrom(rc)
		require.NoError(t, err)
		rc.Close()
		if f.Name == "_meta" {
			require.NoError(t, json.Unmarshal(data.Bytes(), &meta))
		} else {
			names[f.Name] = data.Bytes()
		}
	}

	require.Equal(t, [][]string{{"0", "a.jpg"}, {"1", "b.jpg"}}, meta)
	assert.Equal(t, []byte("aaa"), names["0"])
	assert.Equal(t, []byte("bbb"), names["1"])
}

func TestSanityRecountsBeforeFailing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	archive := buildArchive(t, []Change{
		{Fname: "a.jpg", Data: []byte("aaa")},
		{Fname: "b.jpg", Data: []byte("bbb")},
	})
	_, _, err := e.UploadChanges(ctx, "alice", archive)
	require.NoError(t, err)

	status, err := e.SanityCheck(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, "OK", status)

	status, err = e.SanityCheck(ctx, "alice", 3)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", status)

	// A corrupted counter heals through the recount instead of failing.
	m, err := e.forUser("alice")
	require.NoError(t, err)
	require.NoError(t, m.log.db.Model(&Counters{}).Where("id = 1").
		Update("nonempty_files", 99).Error)

	status, err = e.SanityCheck(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, "OK", status)
}

func TestUploadRefusedWhileUserBusy(t *testing.T) {
	e := newTestEngine(t)

	require.True(t, e.hub.TryAcquire("alice"))
	defer e.hub.Release("alice")

	archive := buildArchive(t, []Change{{Fname: "a.jpg", Data: []byte("aaa")}})
	_, _, err := e.UploadChanges(context.Background(), "alice", archive)
	assert.Equal(t, syncerr.CodeBusy, syncerr.CodeOf(err))
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	got, err := NormalizeName("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "passwd", got)

	// Backslash separators from Windows clients are stripped the same way.
	got, err = NormalizeName(`sub\dir\b.png`)
	require.NoError(t, err)
	assert.Equal(t, "b.png", got)

	// NFD input comes out NFC.
	got, err = NormalizeName("café.jpg")
	require.NoError(t, err)
	assert.Equal(t, "café.jpg", got)

	_, err = NormalizeName(strings.Repeat("x", 300))
	assert.Equal(t, syncerr.CodeBadRequest, syncerr.CodeOf(err))

	_, err = NormalizeName("")
	assert.Error(t, err)
}

func TestParseArchiveRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ParseArchive([]byte("not a zip"), 1<<20)
	assert.Equal(t, syncerr.CodeBadRequest, syncerr.CodeOf(err))

	// A zip without _meta is not an upload archive.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("0")
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = ParseArchive(buf.Bytes(), 1<<20)
	assert.Equal(t, syncerr.CodeBadRequest, syncerr.CodeOf(err))
}
