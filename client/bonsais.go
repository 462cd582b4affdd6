package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/StatsLateral/bonsaiway/core"
)

var _ core.BonsaiAPI = (*Client)(nil)

func (c *Client) bonsaiPath(id string, rest ...string) string {
	p := c.prefix + "/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

func (c *Client) ListBonsais(ctx context.Context) ([]core.Bonsai, error) {
	var out []core.Bonsai
	if err := c.Call(ctx, http.MethodGet, c.prefix, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBonsai(ctx context.Context, id string) (*core.Bonsai, error) {
	var out core.Bonsai
	if err := c.Call(ctx, http.MethodGet, c.bonsaiPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateBonsai(ctx context.Context, in core.BonsaiInput) (*core.Bonsai, error) {
	var out core.Bonsai
	if err := c.Call(ctx, http.MethodPost, c.prefix, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateBonsaiWithImage creates the bonsai and uploads its first image in one
// multipart request.
func (c *Client) CreateBonsaiWithImage(ctx context.Context, in core.BonsaiInput, file *core.File) (*core.Bonsai, error) {
	body := &Multipart{
		Fields: map[string]string{"title": in.Title},
		File:   file,
	}
	if in.Description != "" {
		body.Fields["description"] = in.Description
	}
	var out core.Bonsai
	if err := c.Call(ctx, http.MethodPost, c.prefix+"/with-image", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateBonsai(ctx context.Context, id string, in core.BonsaiInput) (*core.Bonsai, error) {
	var out core.Bonsai
	if err := c.Call(ctx, http.MethodPut, c.bonsaiPath(id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteBonsai(ctx context.Context, id string) error {
	return c.Call(ctx, http.MethodDelete, c.bonsaiPath(id), nil, nil)
}

func (c *Client) UploadImage(ctx context.Context, bonsaiID string, file *core.File) (*core.Image, error) {
	var out core.Image
	if err := c.Call(ctx, http.MethodPost, c.bonsaiPath(bonsaiID, "images"), &Multipart{File: file}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteImage(ctx context.Context, bonsaiID, imageID string) error {
	return c.Call(ctx, http.MethodDelete, c.bonsaiPath(bonsaiID, "images", imageID), nil, nil)
}
