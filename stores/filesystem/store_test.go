package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestNewStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "path")
	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NotNil(t, store)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestGet_Missing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "session")
	assert.ErrorIs(t, err, core.ErrNoCredential)
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, store.Put(ctx, "session", &oauth2.Token{
		AccessToken:  "access",
		TokenType:    "Bearer",
		RefreshToken: "refresh",
		Expiry:       expiry,
	}))

	info, err := os.Stat(filepath.Join(dir, "session.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	tok, err := store.Get(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, "access", tok.AccessToken)
	assert.Equal(t, "refresh", tok.RefreshToken)
	assert.True(t, expiry.Equal(tok.Expiry))

	require.NoError(t, store.Delete(ctx, "session"))
	_, err = store.Get(ctx, "session")
	assert.ErrorIs(t, err, core.ErrNoCredential)
}

func TestPut_Overwrites(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "session", &oauth2.Token{AccessToken: "first"}))
	require.NoError(t, store.Put(ctx, "session", &oauth2.Token{AccessToken: "second"}))

	tok, err := store.Get(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, "second", tok.AccessToken)
}

func TestPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "session", &oauth2.Token{AccessToken: "kept"}))

	second, err := NewStore(dir)
	require.NoError(t, err)
	tok, err := second.Get(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, "kept", tok.AccessToken)
}

func TestGet_Corrupted(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"), []byte("{not json"), 0600))

	_, err = store.Get(context.Background(), "session")
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrNoCredential)
}

func TestInvalidKey(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"", "..", "../escape", `a\b`} {
		assert.Error(t, store.Put(ctx, key, &oauth2.Token{AccessToken: "x"}), key)
	}
}

func TestDelete_Missing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Delete(context.Background(), "session"))
}
