// Package mutation applies create, update, delete and image changes to the
// remote collection and reconciles the local views with the server's answer.
package mutation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/StatsLateral/bonsaiway/upload"
	"github.com/sirupsen/logrus"
)

type (
	// Sink is a local view that mirrors server results.
	Sink interface {
		// Insert applies a newly created bonsai.
		Insert(b core.Bonsai)
		// Replace applies a new state of a bonsai the sink may already hold.
		Replace(b core.Bonsai)
		Remove(id string)
	}

	// Lookuper is a sink that can return its copy of a bonsai.
	Lookuper interface {
		Lookup(id string) (core.Bonsai, bool)
	}

	// Reloader rebuilds a view from page 1.
	Reloader interface {
		Load(ctx context.Context) error
	}

	// ConfirmFunc asks the user to approve a destructive operation.
	ConfirmFunc func(ctx context.Context, prompt string) bool
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSinks attaches views that receive every applied result.
func WithSinks(sinks ...Sink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

// WithReloader sets the pager reset after create and delete.
func WithReloader(r Reloader) Option {
	return func(c *Coordinator) { c.reloader = r }
}

// WithConfirm sets the confirmation gate for delete and image removal.
func WithConfirm(fn ConfirmFunc) Option {
	return func(c *Coordinator) { c.confirm = fn }
}

// Coordinator runs two-phase mutations: the remote call completes first and
// only its result is applied locally. Mutations on the same id are not
// serialized; the last response wins.
type Coordinator struct {
	api      core.BonsaiAPI
	sinks    []Sink
	reloader Reloader
	confirm  ConfirmFunc

	mu     sync.Mutex
	closed bool
}

// New creates a coordinator over api.
func New(api core.BonsaiAPI, opts ...Option) *Coordinator {
	c := &Coordinator{api: api}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close stops applying results. Calls completing afterwards return
// core.ErrDiscarded.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func validateInput(in core.BonsaiInput) (core.BonsaiInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if in.Title == "" {
		return in, &core.ValidationError{Field: "title", Code: core.CodeEmptyTitle, Message: "title is required"}
	}
	return in, nil
}

// Create adds a bonsai and resets the pager to page 1.
func (c *Coordinator) Create(ctx context.Context, in core.BonsaiInput) (*core.Bonsai, error) {
	in, err := validateInput(in)
	if err != nil {
		return nil, err
	}
	b, err := c.api.CreateBonsai(ctx, in)
	if err != nil {
		logrus.WithFields(logrus.Fields{"title": in.Title, "error": err}).Error("Failed to create bonsai")
		return nil, fmt.Errorf("create bonsai: %w", err)
	}
	return c.applyCreated(ctx, b)
}

// CreateWithImage adds a bonsai together with its first image.
func (c *Coordinator) CreateWithImage(ctx context.Context, in core.BonsaiInput, file *core.File) (*core.Bonsai, error) {
	in, err := validateInput(in)
	if err != nil {
		return nil, err
	}
	if err := upload.Validate(file); err != nil {
		return nil, err
	}
	b, err := c.api.CreateBonsaiWithImage(ctx, in, file)
	if err != nil {
		logrus.WithFields(logrus.Fields{"title": in.Title, "error": err}).Error("Failed to create bonsai with image")
		return nil, fmt.Errorf("create bonsai: %w", err)
	}
	return c.applyCreated(ctx, b)
}

func (c *Coordinator) applyCreated(ctx context.Context, b *core.Bonsai) (*core.Bonsai, error) {
	if c.isClosed() {
		logrus.WithField("bonsai_id", b.ID).Warn("Discarding create result after close")
		return nil, core.ErrDiscarded
	}
	for _, s := range c.sinks {
		s.Insert(*b)
	}
	c.reload(ctx)
	logrus.WithFields(logrus.Fields{"bonsai_id": b.ID, "images": len(b.Images)}).Info("Bonsai created")
	return b, nil
}

// Update changes title and description.
func (c *Coordinator) Update(ctx context.Context, id string, in core.BonsaiInput) (*core.Bonsai, error) {
	in, err := validateInput(in)
	if err != nil {
		return nil, err
	}
	b, err := c.api.UpdateBonsai(ctx, id, in)
	if err != nil {
		logrus.WithFields(logrus.Fields{"bonsai_id": id, "error": err}).Error("Failed to update bonsai")
		return nil, fmt.Errorf("update bonsai %s: %w", id, err)
	}
	if c.isClosed() {
		return nil, core.ErrDiscarded
	}
	c.replace(*b)
	logrus.WithField("bonsai_id", id).Info("Bonsai updated")
	return b, nil
}

// Delete removes a bonsai once the confirmation gate approves, then resets
// the pager to page 1.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if !c.confirmed(ctx, "Delete this bonsai?") {
		logrus.WithField("bonsai_id", id).Info("Delete not confirmed")
		return core.ErrNotConfirmed
	}
	if err := c.api.DeleteBonsai(ctx, id); err != nil {
		logrus.WithFields(logrus.Fields{"bonsai_id": id, "error": err}).Error("Failed to delete bonsai")
		return fmt.Errorf("delete bonsai %s: %w", id, err)
	}
	if c.isClosed() {
		return core.ErrDiscarded
	}
	for _, s := range c.sinks {
		s.Remove(id)
	}
	c.reload(ctx)
	logrus.WithField("bonsai_id", id).Info("Bonsai deleted")
	return nil
}

// AddImage uploads a validated image and applies the refetched bonsai.
func (c *Coordinator) AddImage(ctx context.Context, id string, file *core.File) (*core.Image, error) {
	if err := upload.Validate(file); err != nil {
		return nil, err
	}
	img, err := c.api.UploadImage(ctx, id, file)
	if err != nil {
		logrus.WithFields(logrus.Fields{"bonsai_id": id, "error": err}).Error("Failed to upload image")
		return nil, fmt.Errorf("upload image to %s: %w", id, err)
	}
	err = c.refetch(ctx, id, func(b *core.Bonsai) {
		b.Images = append(b.Images, *img)
	})
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"bonsai_id": id, "image_id": img.ID}).Info("Image added")
	return img, nil
}

// RemoveImage deletes an image once the confirmation gate approves.
func (c *Coordinator) RemoveImage(ctx context.Context, id, imageID string) error {
	if !c.confirmed(ctx, "Delete this image?") {
		logrus.WithFields(logrus.Fields{"bonsai_id": id, "image_id": imageID}).Info("Image removal not confirmed")
		return core.ErrNotConfirmed
	}
	if err := c.api.DeleteImage(ctx, id, imageID); err != nil {
		logrus.WithFields(logrus.Fields{"bonsai_id": id, "image_id": imageID, "error": err}).Error("Failed to delete image")
		return fmt.Errorf("delete image %s: %w", imageID, err)
	}
	err := c.refetch(ctx, id, func(b *core.Bonsai) {
		kept := make([]core.Image, 0, len(b.Images))
		for _, img := range b.Images {
			if img.ID != imageID {
				kept = append(kept, img)
			}
		}
		b.Images = kept
	})
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"bonsai_id": id, "image_id": imageID}).Info("Image removed")
	return nil
}

// refetch applies the server copy of id. When the refetch fails, fallback
// edits a copy of the last known local state instead.
func (c *Coordinator) refetch(ctx context.Context, id string, fallback func(b *core.Bonsai)) error {
	b, err := c.api.GetBonsai(ctx, id)
	if c.isClosed() {
		return core.ErrDiscarded
	}
	if err == nil {
		c.replace(*b)
		return nil
	}

	logrus.WithFields(logrus.Fields{"bonsai_id": id, "error": err}).Warn("Refetch failed, patching local copy")
	local, ok := c.known(id)
	if !ok {
		return nil
	}
	fallback(&local)
	c.replace(local)
	return nil
}

// known returns the first copy of id held by a sink.
func (c *Coordinator) known(id string) (core.Bonsai, bool) {
	for _, s := range c.sinks {
		if l, ok := s.(Lookuper); ok {
			if b, found := l.Lookup(id); found {
				return b, true
			}
		}
	}
	return core.Bonsai{}, false
}

func (c *Coordinator) replace(b core.Bonsai) {
	for _, s := range c.sinks {
		s.Replace(b)
	}
}

func (c *Coordinator) reload(ctx context.Context) {
	if c.reloader == nil {
		return
	}
	if err := c.reloader.Load(ctx); err != nil {
		logrus.WithField("error", err).Warn("Reload after mutation failed")
	}
}

func (c *Coordinator) confirmed(ctx context.Context, prompt string) bool {
	if c.confirm == nil {
		return false
	}
	return c.confirm(ctx, prompt)
}
