package core

import (
	"context"
	"time"
)

type (
	// Bonsai is a tracked specimen in the user's collection. The client only ever
	// holds a cached copy; the remote API is the source of truth.
	Bonsai struct {
		ID          string    `json:"id"`
		UserID      string    `json:"user_id,omitempty"`
		Title       string    `json:"title"`
		Description string    `json:"description,omitempty"`
		Images      []Image   `json:"images"`
		CreatedAt   time.Time `json:"created_at"`
	}

	// Image is a photo attached to a bonsai. Images are append-only.
	Image struct {
		ID        string    `json:"id"`
		BonsaiID  string    `json:"bonsai_id"`
		URL       string    `json:"image_url"`
		Caption   string    `json:"caption,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}

	// Insight is a stored question and its AI answer. AIResponse stays empty until
	// the remote generation finishes.
	Insight struct {
		ID           string    `json:"id"`
		BonsaiID     string    `json:"bonsai_id"`
		UserQuestion string    `json:"user_question"`
		AIResponse   string    `json:"ai_response"`
		CreatedAt    time.Time `json:"created_at"`
	}

	// BonsaiInput carries the editable fields of a bonsai for create and update.
	BonsaiInput struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	}

	// BonsaiAPI is the remote resource contract consumed by the pager and the
	// mutation coordinator.
	BonsaiAPI interface {
		ListBonsais(ctx context.Context) ([]Bonsai, error)
		GetBonsai(ctx context.Context, id string) (*Bonsai, error)
		CreateBonsai(ctx context.Context, in BonsaiInput) (*Bonsai, error)
		// CreateBonsaiWithImage creates a bonsai and its first image in one call.
		CreateBonsaiWithImage(ctx context.Context, in BonsaiInput, file *File) (*Bonsai, error)
		UpdateBonsai(ctx context.Context, id string, in BonsaiInput) (*Bonsai, error)
		DeleteBonsai(ctx context.Context, id string) error
		UploadImage(ctx context.Context, bonsaiID string, file *File) (*Image, error)
		DeleteImage(ctx context.Context, bonsaiID, imageID string) error
	}

	// InsightAPI is the remote contract for AI care insights of one bonsai.
	InsightAPI interface {
		ListInsights(ctx context.Context, bonsaiID string) ([]Insight, error)
		CreateInsight(ctx context.Context, bonsaiID, question string) (*Insight, error)
		DeleteInsight(ctx context.Context, bonsaiID, insightID string) error
	}
)

// Pending reports whether the AI answer has not been generated yet.
func (i Insight) Pending() bool {
	return i.AIResponse == ""
}

// Clone returns a copy whose image slice can be changed without touching b.
func (b Bonsai) Clone() Bonsai {
	out := b
	out.Images = append([]Image(nil), b.Images...)
	return out
}
