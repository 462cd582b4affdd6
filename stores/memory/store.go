package memory

import (
	"context"
	"sync"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type memStore struct {
	mu     sync.RWMutex
	tokens map[string]oauth2.Token
}

// NewStore creates a credential store that forgets everything on exit.
func NewStore() *memStore {
	return &memStore{
		tokens: make(map[string]oauth2.Token),
	}
}

func (s *memStore) Get(ctx context.Context, key string) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[key]
	if !ok {
		logrus.WithField("key", key).Debug("No token stored")
		return nil, core.ErrNoCredential
	}
	return &tok, nil
}

func (s *memStore) Put(ctx context.Context, key string, token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[key] = *token
	logrus.WithField("key", key).Debug("Token stored")
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, key)
	return nil
}
