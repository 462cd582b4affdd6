package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/StatsLateral/bonsaiway/apitest"
	"github.com/StatsLateral/bonsaiway/core"
	"github.com/StatsLateral/bonsaiway/stores/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type recorder struct {
	mu    sync.Mutex
	users []*core.User
}

func (r *recorder) record(u *core.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, u)
}

func (r *recorder) last() *core.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.users) == 0 {
		return nil
	}
	return r.users[len(r.users)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func newTestSession(t *testing.T) (*Session, *apitest.Server, core.TokenStore) {
	t.Helper()
	srv := apitest.NewServer()
	t.Cleanup(srv.Close)
	store := memory.NewStore()
	provider := NewPasswordProvider(srv.URL+"/auth", "bonsaiway", "", 5*time.Second)
	return New(provider, store), srv, store
}

func TestInit_NoStoredSession(t *testing.T) {
	s, _, _ := newTestSession(t)
	rec := &recorder{}
	s.OnChange(rec.record)

	require.NoError(t, s.Init(context.Background()))
	assert.Nil(t, s.CurrentUser())
	assert.Equal(t, 1, rec.count())
	assert.Nil(t, rec.last())

	_, err := s.Token()
	assert.ErrorIs(t, err, core.ErrNoCredential)
}

func TestSignIn(t *testing.T) {
	s, srv, store := newTestSession(t)
	subject := srv.AddUser("ada@example.com", "secret")
	rec := &recorder{}
	s.OnChange(rec.record)

	user, err := s.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, subject, user.Subject)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "ada", user.Name)
	assert.False(t, user.ExpiresAt.IsZero())

	assert.Equal(t, subject, s.CurrentUser().Subject)
	require.NotNil(t, rec.last())
	assert.Equal(t, subject, rec.last().Subject)

	stored, err := store.Get(context.Background(), DefaultKey)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.AccessToken)
	assert.NotEmpty(t, stored.RefreshToken)
}

func TestSignIn_WrongPassword(t *testing.T) {
	s, srv, _ := newTestSession(t)
	srv.AddUser("ada@example.com", "secret")

	_, err := s.SignIn(context.Background(), "ada@example.com", "nope")
	var herr *core.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusBadRequest, herr.Status)
	assert.Equal(t, "invalid_grant", herr.Message)
	assert.Nil(t, s.CurrentUser())
}

func TestSignUp(t *testing.T) {
	s, srv, _ := newTestSession(t)

	user, err := s.SignUp(context.Background(), "new@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", user.Email)
	assert.Equal(t, 1, srv.Calls(apitest.RouteSignup))
	assert.Equal(t, 1, srv.Calls(apitest.RouteToken))

	_, err = s.SignUp(context.Background(), "new@example.com", "pw")
	var herr *core.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "User already registered", herr.Message)
}

func TestInit_RestoresStoredSession(t *testing.T) {
	s, srv, store := newTestSession(t)
	srv.AddUser("ada@example.com", "secret")
	_, err := s.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	provider := NewPasswordProvider(srv.URL+"/auth", "bonsaiway", "", 5*time.Second)
	restored := New(provider, store)
	require.NoError(t, restored.Init(context.Background()))
	require.NotNil(t, restored.CurrentUser())
	assert.Equal(t, "ada@example.com", restored.CurrentUser().Email)

	tok, err := restored.Token()
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
}

func TestInit_DiscardsUnreadableToken(t *testing.T) {
	s, _, store := newTestSession(t)
	require.NoError(t, store.Put(context.Background(), DefaultKey, &oauth2.Token{AccessToken: "garbage"}))

	require.NoError(t, s.Init(context.Background()))
	assert.Nil(t, s.CurrentUser())
	_, err := store.Get(context.Background(), DefaultKey)
	assert.ErrorIs(t, err, core.ErrNoCredential)
}

func TestToken_RefreshesExpired(t *testing.T) {
	s, srv, store := newTestSession(t)
	srv.AddUser("ada@example.com", "secret")
	// shorter than the oauth2 expiry delta, so every Token call refreshes
	srv.TokenTTL = time.Second

	_, err := s.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	first, err := store.Get(context.Background(), DefaultKey)
	require.NoError(t, err)

	rec := &recorder{}
	s.OnChange(rec.record)
	tok, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Calls(apitest.RouteToken))
	assert.NotEqual(t, first.RefreshToken, tok.RefreshToken)

	stored, err := store.Get(context.Background(), DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, stored.AccessToken)
	assert.Equal(t, 1, rec.count())
	assert.NotNil(t, s.CurrentUser())
}

func TestToken_FailedRefreshEndsSession(t *testing.T) {
	s, srv, store := newTestSession(t)
	srv.AddUser("ada@example.com", "secret")
	srv.TokenTTL = time.Second
	_, err := s.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	rec := &recorder{}
	s.OnChange(rec.record)
	srv.FailNext(apitest.RouteToken, http.StatusBadRequest)

	_, err = s.Token()
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrNoCredential))
	assert.Nil(t, s.CurrentUser())
	assert.Equal(t, 1, rec.count())
	assert.Nil(t, rec.last())

	_, err = store.Get(context.Background(), DefaultKey)
	assert.ErrorIs(t, err, core.ErrNoCredential)

	_, err = s.Token()
	assert.ErrorIs(t, err, core.ErrNoCredential)
}

func TestToken_UnreachableProviderKeepsSession(t *testing.T) {
	s, srv, store := newTestSession(t)
	srv.AddUser("ada@example.com", "secret")
	srv.TokenTTL = time.Second
	_, err := s.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	rec := &recorder{}
	s.OnChange(rec.record)
	srv.Close()

	_, err = s.Token()
	var he *core.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 0, he.Status)
	assert.NotNil(t, s.CurrentUser())
	assert.Zero(t, rec.count())

	_, err = store.Get(context.Background(), DefaultKey)
	assert.NoError(t, err)
}

func TestToken_ProviderErrorKeepsSessionAndRecovers(t *testing.T) {
	s, srv, store := newTestSession(t)
	srv.AddUser("ada@example.com", "secret")
	srv.TokenTTL = time.Second
	_, err := s.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	rec := &recorder{}
	s.OnChange(rec.record)
	srv.FailNext(apitest.RouteToken, http.StatusServiceUnavailable)

	_, err = s.Token()
	var he *core.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusServiceUnavailable, he.Status)
	assert.NotNil(t, s.CurrentUser())
	_, err = store.Get(context.Background(), DefaultKey)
	require.NoError(t, err)

	tok, err := s.Token()
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Equal(t, 1, rec.count())
	assert.NotNil(t, rec.last())
}

func TestSignOut(t *testing.T) {
	s, srv, store := newTestSession(t)
	srv.AddUser("ada@example.com", "secret")
	_, err := s.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)

	require.NoError(t, s.SignOut(context.Background()))
	assert.Nil(t, s.CurrentUser())
	assert.Equal(t, 1, srv.Calls(apitest.RouteLogout))
	_, err = store.Get(context.Background(), DefaultKey)
	assert.ErrorIs(t, err, core.ErrNoCredential)

	// signed out already
	require.NoError(t, s.SignOut(context.Background()))
	assert.Equal(t, 1, srv.Calls(apitest.RouteLogout))
}

func TestSignOut_ProviderFailureStillClearsLocally(t *testing.T) {
	s, srv, _ := newTestSession(t)
	srv.AddUser("ada@example.com", "secret")
	_, err := s.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	srv.FailNext(apitest.RouteLogout, http.StatusBadGateway)

	require.NoError(t, s.SignOut(context.Background()))
	assert.Nil(t, s.CurrentUser())
}

func TestOnChange_Unsubscribe(t *testing.T) {
	s, srv, _ := newTestSession(t)
	srv.AddUser("ada@example.com", "secret")
	rec := &recorder{}
	unsubscribe := s.OnChange(rec.record)
	unsubscribe()

	_, err := s.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.count())
}

func TestClose_DropsListeners(t *testing.T) {
	s, srv, _ := newTestSession(t)
	srv.AddUser("ada@example.com", "secret")
	rec := &recorder{}
	s.OnChange(rec.record)
	s.Close()

	_, err := s.SignIn(context.Background(), "ada@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.count())
}
