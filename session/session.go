// Package session holds the signed-in account. A Session is created once by
// the shell, initialised from the credential store and handed to the API
// client as its token source.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// DefaultKey is the credential store key of the session token.
const DefaultKey = "session"

// Session is safe for concurrent use.
type Session struct {
	provider Provider
	store    core.TokenStore
	key      string

	mu        sync.Mutex
	token     *oauth2.Token
	source    oauth2.TokenSource
	user      *core.User
	listeners map[int]func(*core.User)
	nextID    int
}

var _ oauth2.TokenSource = (*Session)(nil)

// New creates an empty session. Call Init to restore a stored one.
func New(provider Provider, store core.TokenStore) *Session {
	return &Session{
		provider:  provider,
		store:     store,
		key:       DefaultKey,
		listeners: make(map[int]func(*core.User)),
	}
}

// Init restores the stored session, if any, and notifies listeners.
func (s *Session) Init(ctx context.Context) error {
	tok, err := s.store.Get(ctx, s.key)
	if errors.Is(err, core.ErrNoCredential) {
		logrus.Debug("No stored session")
		s.apply(nil, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	user, err := userFromToken(tok.AccessToken)
	if err != nil {
		logrus.WithField("error", err).Warn("Discarding unreadable stored session")
		if derr := s.store.Delete(ctx, s.key); derr != nil {
			logrus.WithField("error", derr).Warn("Failed to delete stored session")
		}
		s.apply(nil, nil)
		return nil
	}
	s.apply(tok, user)
	logrus.WithField("email", user.Email).Info("Session restored")
	return nil
}

// CurrentUser returns the signed-in account, or nil.
func (s *Session) CurrentUser() *core.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// OnChange registers cb for every sign-in, sign-out and token refresh. The
// returned func unsubscribes.
func (s *Session) OnChange(cb func(*core.User)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = cb
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// SignIn exchanges the credentials for a token and stores it.
func (s *Session) SignIn(ctx context.Context, email, password string) (*core.User, error) {
	tok, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		logrus.WithFields(logrus.Fields{"email": email, "error": err}).Warn("Sign in failed")
		return nil, fmt.Errorf("sign in: %w", err)
	}
	user, err := userFromToken(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, s.key, tok); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	s.apply(tok, user)
	logrus.WithField("email", user.Email).Info("Signed in")
	return user, nil
}

// SignUp registers the account, then signs in with it.
func (s *Session) SignUp(ctx context.Context, email, password string) (*core.User, error) {
	if err := s.provider.SignUp(ctx, email, password); err != nil {
		logrus.WithFields(logrus.Fields{"email": email, "error": err}).Warn("Sign up failed")
		return nil, fmt.Errorf("sign up: %w", err)
	}
	return s.SignIn(ctx, email, password)
}

// SignOut ends the session locally even when the provider cannot be reached.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()
	if tok == nil {
		return nil
	}

	if err := s.provider.SignOut(ctx, tok); err != nil {
		logrus.WithField("error", err).Warn("Provider sign out failed")
	}
	err := s.store.Delete(ctx, s.key)
	s.apply(nil, nil)
	logrus.Info("Signed out")
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Token returns a valid access token, refreshing it when expired. It returns
// core.ErrNoCredential when nobody is signed in. A refresh the token endpoint
// rejects ends the session; any other refresh failure only fails this call.
func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	source, current := s.source, s.token
	s.mu.Unlock()
	if source == nil {
		return nil, core.ErrNoCredential
	}

	tok, err := source.Token()
	if err != nil {
		if !rejected(err) {
			logrus.WithField("error", err).Warn("Token refresh failed, keeping session")
			return nil, fmt.Errorf("refresh session: %w", retrieveError(err))
		}
		logrus.WithField("error", err).Warn("Token refresh rejected, ending session")
		if derr := s.store.Delete(context.Background(), s.key); derr != nil {
			logrus.WithField("error", derr).Warn("Failed to delete stored session")
		}
		s.clear(source)
		return nil, fmt.Errorf("refresh session: %w", retrieveError(err))
	}
	if tok.AccessToken == current.AccessToken {
		return tok, nil
	}

	user, err := userFromToken(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(context.Background(), s.key, tok); err != nil {
		logrus.WithField("error", err).Warn("Failed to store refreshed session")
	}
	s.mu.Lock()
	if s.source != source {
		// signed out or in again meanwhile
		s.mu.Unlock()
		return tok, nil
	}
	s.token, s.user = tok, user
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	logrus.WithField("email", user.Email).Debug("Session refreshed")
	notify(listeners, user)
	return tok, nil
}

// Close drops every listener.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = make(map[int]func(*core.User))
}

func (s *Session) apply(tok *oauth2.Token, user *core.User) {
	s.mu.Lock()
	s.token, s.user = tok, user
	s.source = nil
	if tok != nil {
		s.source = s.provider.TokenSource(tok)
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	notify(listeners, user)
}

// clear ends the session only if it is still the one backed by source.
func (s *Session) clear(source oauth2.TokenSource) {
	s.mu.Lock()
	if s.source != source {
		s.mu.Unlock()
		return
	}
	s.token, s.user, s.source = nil, nil, nil
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	notify(listeners, nil)
}

func (s *Session) snapshotListeners() []func(*core.User) {
	out := make([]func(*core.User), 0, len(s.listeners))
	for _, cb := range s.listeners {
		out = append(out, cb)
	}
	return out
}

func notify(listeners []func(*core.User), user *core.User) {
	for _, cb := range listeners {
		var u *core.User
		if user != nil {
			cp := *user
			u = &cp
		}
		cb(u)
	}
}
