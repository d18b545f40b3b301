package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ad-dirsync/internal/dirsync"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(t.Context()))
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}

func TestSQLiteStore_LoadMissing(t *testing.T) {
	store := newSQLiteStore(t)

	state, err := store.Load(t.Context(), "users")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSQLiteStore_SaveAndLoad(t *testing.T) {
	store := newSQLiteStore(t)
	polledAt := time.Date(2024, 1, 2, 15, 4, 5, 123456789, time.UTC)

	saved := &dirsync.State{
		Checkpoint: dirsync.Checkpoint{
			Token:      dirsync.Token{0x4d, 0x53, 0x44, 0x53, 0x00, 0xff},
			PolledAt:   polledAt,
			HighestUSN: 48213,
		},
		Membership: dirsync.MembershipSnapshot{
			"cn=sales,ou=groups,dc=example,dc=com": {
				"cn=bob,ou=users,dc=example,dc=com",
				"cn=alice,ou=users,dc=example,dc=com",
			},
			"cn=empty,ou=groups,dc=example,dc=com": {},
		},
	}
	require.NoError(t, store.Save(t.Context(), "users", saved))

	loaded, err := store.Load(t.Context(), "users")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, saved.Checkpoint.Token, loaded.Checkpoint.Token)
	assert.True(t, polledAt.Equal(loaded.Checkpoint.PolledAt))
	assert.Equal(t, uint64(48213), loaded.Checkpoint.HighestUSN)
	assert.Equal(t, dirsync.MembershipSnapshot{
		"cn=sales,ou=groups,dc=example,dc=com": {
			"cn=alice,ou=users,dc=example,dc=com",
			"cn=bob,ou=users,dc=example,dc=com",
		},
		"cn=empty,ou=groups,dc=example,dc=com": {},
	}, loaded.Membership)
}

func TestSQLiteStore_SaveReplaces(t *testing.T) {
	store := newSQLiteStore(t)

	require.NoError(t, store.Save(t.Context(), "users", &dirsync.State{
		Checkpoint: dirsync.Checkpoint{Token: dirsync.Token("first"), HighestUSN: 900},
		Membership: dirsync.MembershipSnapshot{"g1": {"a", "b"}, "g2": {"c"}},
	}))
	require.NoError(t, store.Save(t.Context(), "users", &dirsync.State{
		Checkpoint: dirsync.Checkpoint{Token: dirsync.Token("second")},
		Membership: dirsync.MembershipSnapshot{"g1": {"b"}},
	}))

	loaded, err := store.Load(t.Context(), "users")
	require.NoError(t, err)
	assert.Equal(t, dirsync.Token("second"), loaded.Checkpoint.Token)
	assert.True(t, loaded.Checkpoint.PolledAt.IsZero())
	assert.Zero(t, loaded.Checkpoint.HighestUSN)
	assert.Equal(t, dirsync.MembershipSnapshot{"g1": {"b"}}, loaded.Membership)
}

func TestSQLiteStore_ScopesAreIndependent(t *testing.T) {
	store := newSQLiteStore(t)

	require.NoError(t, store.Save(t.Context(), "users", &dirsync.State{
		Checkpoint: dirsync.Checkpoint{Token: dirsync.Token("u")},
		Membership: dirsync.MembershipSnapshot{"g": {"a"}},
	}))
	require.NoError(t, store.Save(t.Context(), "contacts", &dirsync.State{
		Checkpoint: dirsync.Checkpoint{Token: dirsync.Token("c")},
	}))

	scopes, err := store.Scopes(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"contacts", "users"}, scopes)

	contacts, err := store.Load(t.Context(), "contacts")
	require.NoError(t, err)
	assert.Empty(t, contacts.Membership)

	require.NoError(t, store.Delete(t.Context(), "users"))

	users, err := store.Load(t.Context(), "users")
	require.NoError(t, err)
	assert.Nil(t, users)

	contacts, err = store.Load(t.Context(), "contacts")
	require.NoError(t, err)
	assert.Equal(t, dirsync.Token("c"), contacts.Checkpoint.Token)
}

func TestSQLiteStore_AbsentToken(t *testing.T) {
	store := newSQLiteStore(t)

	require.NoError(t, store.Save(t.Context(), "users", &dirsync.State{}))

	loaded, err := store.Load(t.Context(), "users")
	require.NoError(t, err)
	assert.True(t, loaded.Checkpoint.Token.Absent())
}

func TestSQLiteStore_MalformedToken(t *testing.T) {
	store := newSQLiteStore(t)

	_, err := store.db.ExecContext(t.Context(),
		`INSERT INTO sync_state (scope, token, polled_at, updated_at) VALUES (?, ?, 0, 0)`,
		"users", "not base64!")
	require.NoError(t, err)

	_, err = store.Load(t.Context(), "users")
	assert.ErrorIs(t, err, dirsync.ErrMalformedToken)
	assert.ErrorIs(t, err, dirsync.ErrTokenRejected)
}

func TestSQLiteStore_Validation(t *testing.T) {
	store := newSQLiteStore(t)

	_, err := store.Load(t.Context(), "")
	assert.Error(t, err)
	assert.Error(t, store.Save(t.Context(), "", &dirsync.State{}))
	assert.Error(t, store.Save(t.Context(), "users", nil))
	assert.Error(t, store.Delete(t.Context(), ""))
}

func TestSQLiteStore_Persistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	first, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.Init(t.Context()))
	require.NoError(t, first.Save(t.Context(), "users", &dirsync.State{
		Checkpoint: dirsync.Checkpoint{Token: dirsync.Token("kept")},
	}))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, second.Init(t.Context()))
	t.Cleanup(func() { _ = second.Close() })

	loaded, err := second.Load(t.Context(), "users")
	require.NoError(t, err)
	assert.Equal(t, dirsync.Token("kept"), loaded.Checkpoint.Token)
}

func TestSQLiteStore_InitAddsHighUSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	legacy, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = legacy.db.ExecContext(t.Context(), `CREATE TABLE sync_state (
		scope TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		polled_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	_, err = legacy.db.ExecContext(t.Context(),
		`INSERT INTO sync_state (scope, token, polled_at, updated_at) VALUES (?, ?, 0, 0)`,
		"users", dirsync.EncodeToken(dirsync.Token("old")))
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Init(t.Context()))
	require.NoError(t, store.Init(t.Context()))

	loaded, err := store.Load(t.Context(), "users")
	require.NoError(t, err)
	assert.Equal(t, dirsync.Token("old"), loaded.Checkpoint.Token)
	assert.Zero(t, loaded.Checkpoint.HighestUSN)

	loaded.Checkpoint.HighestUSN = 77
	require.NoError(t, store.Save(t.Context(), "users", loaded))

	again, err := store.Load(t.Context(), "users")
	require.NoError(t, err)
	assert.Equal(t, uint64(77), again.Checkpoint.HighestUSN)
}
