package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Provider is the identity provider contract the session depends on.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*oauth2.Token, error)
	SignUp(ctx context.Context, email, password string) error
	SignOut(ctx context.Context, token *oauth2.Token) error
	// TokenSource returns a source that refreshes token when it expires.
	TokenSource(token *oauth2.Token) oauth2.TokenSource
}

// PasswordProvider signs users in with the OAuth2 resource owner password
// grant and refreshes through the same token endpoint.
type PasswordProvider struct {
	authURL    string
	config     *oauth2.Config
	httpClient *http.Client
}

// NewPasswordProvider creates a provider for the identity service at authURL.
func NewPasswordProvider(authURL, clientID, clientSecret string, timeout time.Duration) *PasswordProvider {
	authURL = strings.TrimRight(authURL, "/")
	return &PasswordProvider{
		authURL: authURL,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  authURL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *PasswordProvider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *PasswordProvider) SignIn(ctx context.Context, email, password string) (*oauth2.Token, error) {
	tok, err := p.config.PasswordCredentialsToken(p.oauthContext(ctx), email, password)
	if err != nil {
		return nil, retrieveError(err)
	}
	return tok, nil
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (p *PasswordProvider) SignUp(ctx context.Context, email, password string) error {
	body, err := json.Marshal(signupRequest{Email: email, Password: password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.authURL+"/signup", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req)
}

func (p *PasswordProvider) SignOut(ctx context.Context, token *oauth2.Token) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.authURL+"/logout", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	token.SetAuthHeader(req)
	return p.do(req)
}

func (p *PasswordProvider) TokenSource(token *oauth2.Token) oauth2.TokenSource {
	return p.config.TokenSource(p.oauthContext(context.Background()), token)
}

func (p *PasswordProvider) do(req *http.Request) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &core.HTTPError{Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var payload struct {
			Detail string `json:"detail"`
		}
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(data, &payload) == nil && payload.Detail != "" {
			msg = payload.Detail
		}
		logrus.WithFields(logrus.Fields{
			"path":   req.URL.Path,
			"status": resp.StatusCode,
		}).Warn("Identity provider rejected request")
		return &core.HTTPError{Status: resp.StatusCode, Message: msg}
	}
	return nil
}

// rejected reports whether the token endpoint refused the grant, as opposed to
// being unreachable or failing on its side.
func rejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return false
	}
	return re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
}

// retrieveError turns an OAuth2 token endpoint failure into an HTTPError.
func retrieveError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		msg := re.ErrorCode
		if msg == "" {
			msg = http.StatusText(re.Response.StatusCode)
		}
		return &core.HTTPError{Status: re.Response.StatusCode, Message: msg}
	}
	return &core.HTTPError{Message: err.Error()}
}
