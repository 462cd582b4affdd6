package core

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

type (
	// User is the signed-in account as seen by the client, read from the
	// access token claims.
	User struct {
		Subject   string    `json:"subject"`
		Email     string    `json:"email"`
		Name      string    `json:"name"`
		AvatarURL string    `json:"avatarUrl"`
		ExpiresAt time.Time `json:"expiresAt"`
	}

	// TokenStore persists the session token between runs. Get returns
	// ErrNoCredential when nothing is stored under key.
	TokenStore interface {
		Get(ctx context.Context, key string) (*oauth2.Token, error)
		Put(ctx context.Context, key string, token *oauth2.Token) error
		Delete(ctx context.Context, key string) error
	}
)
