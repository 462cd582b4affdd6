package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/StatsLateral/bonsaiway/apitest"
	"github.com/StatsLateral/bonsaiway/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

func newTestClient(t *testing.T) (*Client, *apitest.Server, string) {
	t.Helper()
	srv := apitest.NewServer()
	t.Cleanup(srv.Close)
	subject := srv.AddUser("ada@example.com", "secret")
	c := New(srv.URL, WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: srv.Token(subject, "ada@example.com"),
		TokenType:   "bearer",
	})))
	return c, srv, subject
}

func TestListBonsais(t *testing.T) {
	c, srv, subject := newTestClient(t)
	srv.Seed(subject, 3)

	list, err := c.ListBonsais(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "Bonsai 3", list[0].Title, "newest first")
	assert.Equal(t, 1, srv.Calls(apitest.RouteListBonsais))
}

func TestListBonsais_Empty(t *testing.T) {
	c, _, _ := newTestClient(t)

	list, err := c.ListBonsais(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCall_NoCredentialSendsUnauthenticated(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()

	c := New(srv.URL, WithTokenSource(tokenSourceFunc(func() (*oauth2.Token, error) {
		return nil, core.ErrNoCredential
	})))

	_, err := c.ListBonsais(context.Background())
	var herr *core.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusUnauthorized, herr.Status)
	assert.Equal(t, "Not authenticated", herr.Message)
	assert.True(t, herr.Unauthorized())
	assert.Equal(t, 1, srv.Calls(apitest.RouteListBonsais), "request must still be dispatched")
}

func TestCall_TokenErrorAbortsWithoutDispatch(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()

	c := New(srv.URL, WithTokenSource(tokenSourceFunc(func() (*oauth2.Token, error) {
		return nil, errors.New("refresh failed")
	})))

	_, err := c.ListBonsais(context.Background())
	var herr *core.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 0, herr.Status)
	assert.Contains(t, herr.Message, "refresh failed")
	assert.Equal(t, 0, srv.Calls(apitest.RouteListBonsais))
}

func TestCall_EmptyTokenAbortsWithoutDispatch(t *testing.T) {
	srv := apitest.NewServer()
	defer srv.Close()

	c := New(srv.URL, WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{})))

	_, err := c.ListBonsais(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, srv.Calls(apitest.RouteListBonsais))
}

func TestCall_ServerErrorIsHTTPError(t *testing.T) {
	c, srv, _ := newTestClient(t)
	srv.FailNext(apitest.RouteListBonsais, http.StatusInternalServerError)

	_, err := c.ListBonsais(context.Background())
	var herr *core.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusInternalServerError, herr.Status)
	assert.Equal(t, "Internal Server Error", herr.Message)

	// no retry
	assert.Equal(t, 1, srv.Calls(apitest.RouteListBonsais))
}

func TestCall_TransportError(t *testing.T) {
	srv := apitest.NewServer()
	url := srv.URL
	srv.Close()

	_, err := New(url).ListBonsais(context.Background())
	var herr *core.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 0, herr.Status)
}

func TestGetBonsai_NotFound(t *testing.T) {
	c, _, _ := newTestClient(t)

	_, err := c.GetBonsai(context.Background(), "missing")
	var herr *core.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusNotFound, herr.Status)
	assert.Equal(t, "Bonsai not found", herr.Message)
}

func TestCreateUpdateDeleteBonsai(t *testing.T) {
	c, srv, subject := newTestClient(t)
	ctx := context.Background()

	created, err := c.CreateBonsai(ctx, core.BonsaiInput{Title: "Juniper", Description: "Shimpaku"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Juniper", created.Title)
	assert.Empty(t, created.Images)

	updated, err := c.UpdateBonsai(ctx, created.ID, core.BonsaiInput{Title: "Juniper", Description: "Itoigawa"})
	require.NoError(t, err)
	assert.Equal(t, "Itoigawa", updated.Description)

	require.NoError(t, c.DeleteBonsai(ctx, created.ID))
	assert.Empty(t, srv.Bonsais(subject))
}

func TestCreateBonsaiWithImage(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	b, err := c.CreateBonsaiWithImage(ctx, core.BonsaiInput{Title: "Maple"}, apitest.PNGFile("maple.png", 4, 3))
	require.NoError(t, err)
	require.Len(t, b.Images, 1)
	assert.Equal(t, b.ID, b.Images[0].BonsaiID)

	resp, err := http.Get(b.Images[0].URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, apitest.PNG(4, 3), data)
}

func TestUploadAndDeleteImage(t *testing.T) {
	c, srv, subject := newTestClient(t)
	ctx := context.Background()
	b := srv.Seed(subject, 1)[0]

	img, err := c.UploadImage(ctx, b.ID, apitest.PNGFile("pine.png", 2, 2))
	require.NoError(t, err)
	assert.Equal(t, b.ID, img.BonsaiID)

	got, err := c.GetBonsai(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got.Images, 1)

	require.NoError(t, c.DeleteImage(ctx, b.ID, img.ID))
	got, err = c.GetBonsai(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Images)
}

func TestUploadImage_RejectedType(t *testing.T) {
	c, srv, subject := newTestClient(t)
	b := srv.Seed(subject, 1)[0]

	_, err := c.UploadImage(context.Background(), b.ID, core.NewFile("notes.txt", "text/plain", []byte("hello")))
	var herr *core.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusBadRequest, herr.Status)
}

func TestInsights(t *testing.T) {
	c, srv, subject := newTestClient(t)
	ctx := context.Background()
	b := srv.Seed(subject, 1)[0]

	in, err := c.CreateInsight(ctx, b.ID, "How often to water?")
	require.NoError(t, err)
	assert.True(t, in.Pending())

	assert.Equal(t, 1, srv.AnswerPending())
	list, err := c.ListInsights(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "How often to water?", list[0].UserQuestion)
	assert.False(t, list[0].Pending())

	require.NoError(t, c.DeleteInsight(ctx, b.ID, in.ID))
	list, err = c.ListInsights(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWithPrefix(t *testing.T) {
	c := New("http://example.test/", WithPrefix("v2/trees/"))
	assert.Equal(t, "http://example.test", c.baseURL)
	assert.Equal(t, "/v2/trees", c.prefix)
	assert.Equal(t, "/v2/trees/a%2Fb/images", c.bonsaiPath("a/b", "images"))
}
