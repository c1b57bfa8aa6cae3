package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/syncdeck/pkg/collection"
	"github.com/marmos91/syncdeck/pkg/collection/schema"
	"github.com/marmos91/syncdeck/pkg/identity"
	"github.com/marmos91/syncdeck/pkg/session"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

const testCV = "ankidesktop,2.1.66 (70506aeb),mac:14"

func newTestEngine(t *testing.T) (*Engine, *session.Session) {
	t.Helper()
	root := t.TempDir()
	ctx := context.Background()

	users, err := identity.Open(filepath.Join(root, "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { users.Close() })
	require.NoError(t, users.AddUser(ctx, "alice", "secret"))

	cols := collection.NewStore(root)
	t.Cleanup(func() { cols.Close() })

	reg, err := session.Open(filepath.Join(root, "sessions.db"), users, cols)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	sess, err := reg.Login(ctx, "alice", "secret", "host-1")
	require.NoError(t, err)

	return NewEngine(reg, nil, 0), sess
}

// noteRow builds a schema-V18 notes tuple.
func noteRow(id, mod, usn int64, flds string) schema.Row {
	return schema.Row{id, "guid" + flds, int64(1), mod, usn, "", flds, int64(0), "12345", int64(0), ""}
}

// cardRow builds a schema-V18 cards tuple.
func cardRow(id, nid, mod, usn int64) schema.Row {
	return schema.Row{id, nid, int64(1), int64(0), mod, usn,
		int64(0), int64(0), int64(0), int64(0), int64(0), int64(0),
		int64(0), int64(0), int64(0), int64(0), int64(0), ""}
}

func TestMetaEmptyCollection(t *testing.T) {
	e, sess := newTestEngine(t)

	resp, err := e.Meta(context.Background(), sess, MetaRequest{V: 11, CV: testCV})
	require.NoError(t, err)
	assert.True(t, resp.Cont)
	assert.True(t, resp.Empty)
	assert.Zero(t, resp.USN)
	assert.Equal(t, "alice", resp.Uname)
	assert.Zero(t, resp.HostNum)
	assert.InDelta(t, time.Now().Unix(), resp.TS, 5)
}

func TestMetaRejectsObsoleteClients(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Meta(ctx, sess, MetaRequest{V: 10, CV: testCV})
	assert.Equal(t, syncerr.CodeObsoleteClient, syncerr.CodeOf(err))

	_, err = e.Meta(ctx, sess, MetaRequest{V: 11, CV: "ankidesktop,2.1.50,mac:11"})
	assert.Equal(t, syncerr.CodeObsoleteClient, syncerr.CodeOf(err))

	// Non-desktop clients only need the protocol version.
	_, err = e.Meta(ctx, sess, MetaRequest{V: 11, CV: "ankidroid,2.17.5,android"})
	assert.NoError(t, err)
}

func TestMetaRefusesClockSkew(t *testing.T) {
	e, sess := newTestEngine(t)

	resp, err := e.Meta(context.Background(), sess, MetaRequest{
		V: 11, CV: testCV, TS: time.Now().Add(-time.Hour).Unix(),
	})
	require.NoError(t, err)
	assert.False(t, resp.Cont)
	assert.NotEmpty(t, resp.Msg)
}

func TestMetaSchemaMismatchLocksOutIncremental(t *testing.T) {
	e, sess := newTestEngine(t)

	resp, err := e.Meta(context.Background(), sess, MetaRequest{
		V: 11, CV: testCV, SCM: 12345,
	})
	require.NoError(t, err)
	assert.False(t, resp.Cont)
	assert.NotEmpty(t, resp.Msg)
	// The rest of the handshake still travels so the client can pick a
	// full-sync direction.
	assert.True(t, resp.Empty)
	assert.NotZero(t, resp.SCM)
}

func TestMetaReportsBusyUser(t *testing.T) {
	e, sess := newTestEngine(t)

	require.True(t, e.reg.Hub().TryAcquire("alice"))
	defer e.reg.Hub().Release("alice")

	resp, err := e.Meta(context.Background(), sess, MetaRequest{V: 11, CV: testCV})
	require.NoError(t, err)
	assert.False(t, resp.Cont)
}

func TestIncrementalSyncRoundTrip(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	// Client is the newer side and pushes one tag, one note, one card.
	graves, err := e.Start(ctx, sess, StartRequest{MinUSN: 0, LNewer: true})
	require.NoError(t, err)
	assert.Empty(t, graves.Cards)

	out, err := e.ApplyChanges(ctx, sess, ApplyChangesRequest{Changes: Changes{
		Tables: map[string][]schema.Row{
			"tags": {{"study", int64(-1), int64(0), nil}},
		},
		Crt: 1_600_000_000,
	}})
	require.NoError(t, err)
	// The client was newer, so the server does not push crt back.
	assert.Zero(t, out.Crt)

	err = e.ApplyChunk(ctx, sess, Chunk{Done: true, Tables: map[string][]schema.Row{
		"notes": {noteRow(100, 5000, -1, "front back")},
		"cards": {cardRow(200, 100, 5000, -1)},
	}})
	require.NoError(t, err)

	// Drain the server's chunks. The just-applied rows echo back with the
	// transaction usn; the client drops them by mod comparison.
	var got int
	for {
		c, err := e.Chunk(ctx, sess)
		require.NoError(t, err)
		for _, rows := range c.Tables {
			got += len(rows)
		}
		if c.Done {
			break
		}
	}
	assert.Equal(t, 2, got)

	sanity, err := e.SanityCheck(ctx, sess, SanityRequest{Client: []any{
		[]any{0, 0, 0}, 1, 1, 0, 0, 0, 0, 0, 1, 0,
	}})
	require.NoError(t, err)
	assert.Equal(t, "ok", sanity.Status)

	fin, err := e.Finish(ctx, sess)
	require.NoError(t, err)
	assert.NotZero(t, fin.Mod)

	// Committed state: usn bumped past the transaction value, rows stamped.
	h, err := e.reg.Collections().Open(ctx, "alice")
	require.NoError(t, err)
	defer h.Release(ctx)

	m, err := schema.ReadMeta(ctx, h.DB())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.USN)
	assert.Equal(t, int64(1_600_000_000), m.Crt)
	assert.Equal(t, fin.Mod, m.Mod)
	assert.Equal(t, fin.Mod, m.Ls)

	var usn int64
	require.NoError(t, h.DB().QueryRow("SELECT usn FROM notes WHERE id=100").Scan(&usn))
	assert.Zero(t, usn, "rows applied during the transaction carry its usn")

	assert.True(t, e.reg.Hub().TryAcquire("alice"), "slot released after finish")
	e.reg.Hub().Release("alice")
}

func TestApplyChangesConfigEntries(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, sess, StartRequest{MinUSN: 0, LNewer: true})
	require.NoError(t, err)

	// Config rows are keyed by a text name; "MQ==" is the base64 form the
	// wire uses for the blob value.
	_, err = e.ApplyChanges(ctx, sess, ApplyChangesRequest{Changes: Changes{
		Tables: map[string][]schema.Row{
			"config": {{"curDeck", int64(-1), int64(1000), "MQ=="}},
		},
	}})
	require.NoError(t, err)

	t2, err := e.lookup(sess.Key)
	require.NoError(t, err)
	var val []byte
	require.NoError(t, t2.tx.QueryRow(`SELECT val FROM config WHERE KEY='curDeck'`).Scan(&val))
	assert.Equal(t, []byte("1"), val)

	e.Abort(ctx, sess)
}

func TestStartRefusesConcurrentSync(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, sess, StartRequest{LNewer: true})
	require.NoError(t, err)
	defer e.Abort(ctx, sess)

	other, err := e.reg.Login(ctx, "alice", "secret", "host-2")
	require.NoError(t, err)
	_, err = e.Start(ctx, other, StartRequest{LNewer: true})
	assert.Equal(t, syncerr.CodeBusy, syncerr.CodeOf(err))
}

func TestGravesExchange(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	// Seed the server with a card, its note, and an old server-side grave.
	h, err := e.reg.Collections().Open(ctx, "alice")
	require.NoError(t, err)
	_, err = h.DB().Exec(`INSERT INTO notes (id, guid, mid, mod, usn, tags, flds, sfld, csum, flags, data)
		VALUES (100, 'g', 1, 10, 0, '', 'f', 0, 1, 0, '')`)
	require.NoError(t, err)
	_, err = h.DB().Exec(`INSERT INTO cards (id, nid, did, ord, mod, usn, type, queue, due,
		ivl, factor, reps, lapses, left, odue, odid, flags, data)
		VALUES (200, 100, 1, 0, 10, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, '')`)
	require.NoError(t, err)
	_, err = h.DB().Exec(`INSERT INTO graves (oid, type, usn) VALUES (7, 2, 0)`)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))

	graves, err := e.Start(ctx, sess, StartRequest{MinUSN: 0, LNewer: true,
		Graves: &schema.Graves{Cards: []int64{200}}})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, graves.Decks)

	// The client grave removed the card and its now-orphaned note.
	t2, err := e.lookup(sess.Key)
	require.NoError(t, err)
	var n int64
	require.NoError(t, t2.tx.QueryRow("SELECT count() FROM cards").Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, t2.tx.QueryRow("SELECT count() FROM notes").Scan(&n))
	assert.Zero(t, n)

	e.Abort(ctx, sess)
}

func TestSanityMismatchDiscardsTransaction(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, sess, StartRequest{MinUSN: 0, LNewer: true})
	require.NoError(t, err)

	err = e.ApplyChunk(ctx, sess, Chunk{Done: true, Tables: map[string][]schema.Row{
		"notes": {noteRow(100, 5000, -1, "front")},
	}})
	require.NoError(t, err)

	resp, err := e.SanityCheck(ctx, sess, SanityRequest{Client: []any{
		[]any{0, 0, 0}, 9, 9, 9, 9, 9, 9, 9, 9, 9,
	}})
	require.NoError(t, err)
	assert.Equal(t, "bad", resp.Status)
	assert.NotEmpty(t, resp.Server)

	// The transaction is gone and nothing was committed.
	_, err = e.Chunk(ctx, sess)
	assert.Equal(t, syncerr.CodeConflict, syncerr.CodeOf(err))

	h, err := e.reg.Collections().Open(ctx, "alice")
	require.NoError(t, err)
	defer h.Release(ctx)
	empty, err := schema.IsEmpty(ctx, h.DB())
	require.NoError(t, err)
	assert.True(t, empty)

	assert.True(t, e.reg.Hub().TryAcquire("alice"), "slot released after discard")
	e.reg.Hub().Release("alice")
}

func TestAbortReleasesSlot(t *testing.T) {
	e, sess := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx, sess, StartRequest{LNewer: true})
	require.NoError(t, err)

	e.Abort(ctx, sess)
	assert.True(t, e.reg.Hub().TryAcquire("alice"))
	e.reg.Hub().Release("alice")

	// Aborting again is harmless.
	e.Abort(ctx, sess)
}

func TestObsoleteClientParsing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cv       string
		obsolete bool
	}{
		{"ankidesktop,2.1.66 (70506aeb),mac:14", false},
		{"ankidesktop,2.1.57,win", false},
		{"ankidesktop,2.1.56,lin", true},
		{"ankidesktop,2.0.52,mac", true},
		{"ankidroid,2.17.5,android", false},
		{"", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.obsolete, obsoleteClient(tc.cv), tc.cv)
	}
}
