// Package client is the typed wrapper over the remote bonsai API. Every call
// attaches the session's bearer token when one exists and reports failures as
// *core.HTTPError without retrying.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	DefaultPrefix  = "/api/bonsais"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the remote API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	prefix     string
	httpClient *http.Client
	tokens     oauth2.TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithPrefix sets the path prefix of the bonsai resource.
func WithPrefix(prefix string) Option {
	return func(c *Client) {
		if prefix != "" {
			c.prefix = "/" + strings.Trim(prefix, "/")
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient = &http.Client{Timeout: d} }
}

// WithTokenSource sets where the bearer credential comes from. A source that
// returns core.ErrNoCredential makes requests go out unauthenticated.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		prefix:     DefaultPrefix,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Multipart is a request body sent as multipart/form-data. File goes in the
// "file" field.
type Multipart struct {
	Fields map[string]string
	File   *core.File
}

// Call issues one request. body is JSON-encoded unless it is a *Multipart; a
// nil body sends none. A non-nil out receives the decoded JSON response.
func (c *Client) Call(ctx context.Context, method, path string, body, out any) error {
	start := time.Now()
	log := logrus.WithFields(logrus.Fields{"method": method, "path": path})

	reader, contentType, err := encodeBody(body)
	if err != nil {
		log.WithField("error", err).Error("Failed to encode request body")
		return &core.HTTPError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &core.HTTPError{Message: fmt.Sprintf("create request: %v", err)}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	if err := c.authorize(req); err != nil {
		log.WithField("error", err).Warn("Request not sent, credential unavailable")
		return &core.HTTPError{Message: fmt.Sprintf("credential unavailable: %v", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithFields(logrus.Fields{
			"error":    err,
			"duration": time.Since(start),
		}).Error("Request failed")
		return &core.HTTPError{Message: err.Error()}
	}
	defer resp.Body.Close()

	log = log.WithFields(logrus.Fields{"status": resp.StatusCode, "duration": time.Since(start)})
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &core.HTTPError{Status: resp.StatusCode, Message: errorMessage(resp)}
		log.WithField("error", herr.Message).Error("Remote call failed")
		return herr
	}
	log.Debug("Remote call completed")

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &core.HTTPError{Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	tok, err := c.tokens.Token()
	if errors.Is(err, core.ErrNoCredential) {
		return nil
	}
	if err != nil {
		return err
	}
	if tok == nil || tok.AccessToken == "" {
		return errors.New("empty access token")
	}
	tok.SetAuthHeader(req)
	return nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case *Multipart:
		return encodeMultipart(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode json: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func encodeMultipart(m *Multipart) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, value := range m.Fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", name, err)
		}
	}
	if m.File != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(m.File.Name)))
		h.Set("Content-Type", m.File.ContentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create file part: %w", err)
		}
		rc, err := m.File.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", m.File.Name, err)
		}
		_, err = io.Copy(part, rc)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", m.File.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// errorMessage reads the FastAPI-style "detail" or the OAuth-style "error"
// field, falling back to the status text.
func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if len(payload.Detail) > 0 {
			var s string
			if json.Unmarshal(payload.Detail, &s) == nil {
				return s
			}
			return string(payload.Detail)
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return http.StatusText(resp.StatusCode)
}
