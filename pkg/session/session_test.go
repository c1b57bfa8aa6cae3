package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/syncdeck/pkg/collection"
	"github.com/marmos91/syncdeck/pkg/identity"
	"github.com/marmos91/syncdeck/pkg/syncerr"
)

func newRegistry(t *testing.T) (*Registry, identity.Gateway) {
	t.Helper()
	root := t.TempDir()

	users, err := identity.Open(filepath.Join(root, "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { users.Close() })

	cols := collection.NewStore(root)
	t.Cleanup(func() { cols.Close() })

	reg, err := Open(filepath.Join(root, "sessions.db"), users, cols)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	require.NoError(t, users.AddUser(context.Background(), "alice", "secret"))
	return reg, users
}

func TestLoginMintsResolvableKey(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Login(ctx, "alice", "secret", "host-1")
	require.NoError(t, err)
	assert.Len(t, sess.Key, 32)
	assert.Equal(t, "alice", sess.UserKey)

	got, err := reg.Resolve(ctx, sess.Key)
	require.NoError(t, err)
	assert.Equal(t, sess.Key, got.Key)
	assert.Equal(t, "alice", got.UserKey)
	assert.Equal(t, "host-1", got.HostID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.Login(context.Background(), "alice", "wrong", "host-1")
	require.Error(t, err)
	assert.Equal(t, syncerr.CodeUnauthorized, syncerr.CodeOf(err))
}

func TestLoginReplacesSessionForSameHost(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	old, err := reg.Login(ctx, "alice", "secret", "host-1")
	require.NoError(t, err)
	fresh, err := reg.Login(ctx, "alice", "secret", "host-1")
	require.NoError(t, err)
	assert.NotEqual(t, old.Key, fresh.Key)

	_, err = reg.Resolve(ctx, old.Key)
	assert.Equal(t, syncerr.CodeUnauthorized, syncerr.CodeOf(err))
	_, err = reg.Resolve(ctx, fresh.Key)
	assert.NoError(t, err)
}

func TestSessionsSurviveReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	users, err := identity.Open(filepath.Join(root, "auth.db"))
	require.NoError(t, err)
	defer users.Close()
	require.NoError(t, users.AddUser(ctx, "alice", "secret"))

	cols := collection.NewStore(root)
	defer cols.Close()

	reg, err := Open(filepath.Join(root, "sessions.db"), users, cols)
	require.NoError(t, err)
	sess, err := reg.Login(ctx, "alice", "secret", "host-1")
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	reg, err = Open(filepath.Join(root, "sessions.db"), users, cols)
	require.NoError(t, err)
	defer reg.Close()

	got, err := reg.Resolve(ctx, sess.Key)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserKey)
}

func TestResolveRejectsUnknownAndMalformedKeys(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Resolve(ctx, "short")
	assert.Equal(t, syncerr.CodeUnauthorized, syncerr.CodeOf(err))

	_, err = reg.Resolve(ctx, "00000000000000000000000000000000")
	assert.Equal(t, syncerr.CodeUnauthorized, syncerr.CodeOf(err))
}

func TestOpenCollectionReturnsHandle(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Login(ctx, "alice", "secret", "host-1")
	require.NoError(t, err)

	got, h, err := reg.OpenCollection(ctx, sess.Key)
	require.NoError(t, err)
	defer h.Release(ctx)
	assert.Equal(t, "alice", got.UserKey)
	assert.Equal(t, "alice", h.User())
}

func TestPurgeUserInvalidatesSessions(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Login(ctx, "alice", "secret", "host-1")
	require.NoError(t, err)
	require.NoError(t, reg.PurgeUser(ctx, "alice"))

	_, err = reg.Resolve(ctx, sess.Key)
	assert.Equal(t, syncerr.CodeUnauthorized, syncerr.CodeOf(err))
}

func TestHubSerializesPerUser(t *testing.T) {
	hub := NewHub()

	require.True(t, hub.TryAcquire("alice"))
	assert.False(t, hub.TryAcquire("alice"))
	assert.True(t, hub.Busy("alice"))
	assert.True(t, hub.TryAcquire("bob"), "slots are independent per user")

	hub.Release("alice")
	assert.False(t, hub.Busy("alice"))
	assert.True(t, hub.TryAcquire("alice"))
}
