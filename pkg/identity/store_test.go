package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddAndAuthenticate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddUser(ctx, "alice", "s3cret"))

	key, err := store.Authenticate(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "alice", key)

	_, err = store.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown users fail the same way as wrong passwords.
	_, err = store.Authenticate(ctx, "nobody", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAddDuplicateUser(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddUser(ctx, "alice", "one"))
	err := store.AddUser(ctx, "alice", "two")
	assert.ErrorIs(t, err, ErrDuplicateUser)
}

func TestInvalidUsernames(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"", "a/b", "a\\b", ".", ".."} {
		assert.Error(t, store.AddUser(ctx, name, "pw"), "username %q", name)
	}
}

func TestSetPassword(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddUser(ctx, "bob", "old"))
	require.NoError(t, store.SetPassword(ctx, "bob", "new"))

	_, err := store.Authenticate(ctx, "bob", "old")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = store.Authenticate(ctx, "bob", "new")
	assert.NoError(t, err)

	err = store.SetPassword(ctx, "ghost", "pw")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestDelUser(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddUser(ctx, "carol", "pw"))
	require.NoError(t, store.DelUser(ctx, "carol"))

	_, err := store.Authenticate(ctx, "carol", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	assert.ErrorIs(t, store.DelUser(ctx, "carol"), ErrUserNotFound)
}

func TestListUsers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddUser(ctx, "zoe", "pw"))
	require.NoError(t, store.AddUser(ctx, "adam", "pw"))

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "adam", users[0].Username)
	assert.Equal(t, "zoe", users[1].Username)
	assert.NotEmpty(t, users[0].ID)
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)
}
