package client

import (
	"context"
	"net/http"

	"github.com/StatsLateral/bonsaiway/core"
)

var _ core.InsightAPI = (*Client)(nil)

type createInsightRequest struct {
	UserQuestion string `json:"user_question"`
}

// ListInsights returns the bonsai's insights, newest first.
func (c *Client) ListInsights(ctx context.Context, bonsaiID string) ([]core.Insight, error) {
	var out []core.Insight
	if err := c.Call(ctx, http.MethodGet, c.bonsaiPath(bonsaiID, "insights"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateInsight submits a question. The returned insight usually has no
// answer yet.
func (c *Client) CreateInsight(ctx context.Context, bonsaiID, question string) (*core.Insight, error) {
	var out core.Insight
	err := c.Call(ctx, http.MethodPost, c.bonsaiPath(bonsaiID, "insights"), createInsightRequest{UserQuestion: question}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteInsight(ctx context.Context, bonsaiID, insightID string) error {
	return c.Call(ctx, http.MethodDelete, c.bonsaiPath(bonsaiID, "insights", insightID), nil, nil)
}
