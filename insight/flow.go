// Package insight submits care questions about one bonsai and keeps its list
// of AI insights. Answers are generated remotely after the question is stored,
// so a fresh insight can show up without an answer until the next refresh.
package insight

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/sirupsen/logrus"
)

var suggestions = []string{
	"How often should I water this bonsai?",
	"What is the best soil mix for this type of bonsai?",
	"When is the best time to prune this bonsai?",
	"How do I protect this bonsai during winter?",
	"What fertilizer should I use for this bonsai?",
}

// Suggestions returns canned questions to offer the user.
func Suggestions() []string {
	return append([]string(nil), suggestions...)
}

// ConfirmFunc asks the user to approve a destructive operation.
type ConfirmFunc func(ctx context.Context, prompt string) bool

// Option configures a Flow.
type Option func(*Flow)

// WithConfirm sets the confirmation gate for Delete.
func WithConfirm(fn ConfirmFunc) Option {
	return func(f *Flow) { f.confirm = fn }
}

// WithListener receives the insight list after every change.
func WithListener(fn func([]core.Insight)) Option {
	return func(f *Flow) { f.listener = fn }
}

// Flow is the insight state of one bonsai. Flows of different bonsais are
// independent.
type Flow struct {
	api      core.InsightAPI
	bonsaiID string
	confirm  ConfirmFunc
	listener func([]core.Insight)

	mu       sync.Mutex
	insights []core.Insight
	issued   uint64
	applied  uint64
	closed   bool
}

// New creates the flow for bonsaiID.
func New(api core.InsightAPI, bonsaiID string, opts ...Option) *Flow {
	f := &Flow{api: api, bonsaiID: bonsaiID}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Ask stores question and then refreshes the list exactly once, whether or
// not the answer is ready. A blank question is rejected locally.
func (f *Flow) Ask(ctx context.Context, question string) (*core.Insight, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &core.ValidationError{
			Field:   "user_question",
			Code:    core.CodeEmptyQuestion,
			Message: "question is required",
		}
	}
	if f.isClosed() {
		return nil, core.ErrDiscarded
	}
	log := logrus.WithField("bonsai_id", f.bonsaiID)

	created, err := f.api.CreateInsight(ctx, f.bonsaiID, question)
	if err != nil {
		log.WithField("error", err).Error("Failed to submit question")
		return nil, fmt.Errorf("ask about %s: %w", f.bonsaiID, err)
	}
	log.WithField("insight_id", created.ID).Info("Question submitted")

	if err := f.Refresh(ctx); err != nil {
		return created, err
	}
	return created, nil
}

// Refresh replaces the list with the server's. A response older than one
// already applied is dropped; a failure leaves the list as it was.
func (f *Flow) Refresh(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return core.ErrDiscarded
	}
	f.issued++
	seq := f.issued
	f.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{"bonsai_id": f.bonsaiID, "seq": seq})
	list, err := f.api.ListInsights(ctx, f.bonsaiID)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return core.ErrDiscarded
	}
	if err != nil {
		f.mu.Unlock()
		log.WithField("error", err).Error("Failed to refresh insights")
		return fmt.Errorf("refresh insights of %s: %w", f.bonsaiID, err)
	}
	if seq < f.applied {
		f.mu.Unlock()
		log.WithField("applied", f.applied).Warn("Dropping stale insight list")
		return nil
	}
	f.applied = seq
	if list == nil {
		list = []core.Insight{}
	}
	f.insights = list
	f.mu.Unlock()

	log.WithField("count", len(list)).Debug("Insights refreshed")
	f.notify(list)
	return nil
}

// Delete removes an insight once the confirmation gate approves.
func (f *Flow) Delete(ctx context.Context, insightID string) error {
	if f.isClosed() {
		return core.ErrDiscarded
	}
	log := logrus.WithFields(logrus.Fields{"bonsai_id": f.bonsaiID, "insight_id": insightID})
	if f.confirm == nil || !f.confirm(ctx, "Delete this insight?") {
		log.Info("Insight deletion not confirmed")
		return core.ErrNotConfirmed
	}
	if err := f.api.DeleteInsight(ctx, f.bonsaiID, insightID); err != nil {
		log.WithField("error", err).Error("Failed to delete insight")
		return fmt.Errorf("delete insight %s: %w", insightID, err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return core.ErrDiscarded
	}
	kept := make([]core.Insight, 0, len(f.insights))
	for _, in := range f.insights {
		if in.ID != insightID {
			kept = append(kept, in)
		}
	}
	f.insights = kept
	f.mu.Unlock()

	log.Info("Insight deleted")
	f.notify(kept)
	return nil
}

// Insights returns the current list, newest first.
func (f *Flow) Insights() []core.Insight {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Insight(nil), f.insights...)
}

// Pending returns the insights still waiting for an answer.
func (f *Flow) Pending() []core.Insight {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Insight
	for _, in := range f.insights {
		if in.Pending() {
			out = append(out, in)
		}
	}
	return out
}

// Close drops every later response. Ask and Delete send nothing afterwards.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *Flow) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Flow) notify(list []core.Insight) {
	if f.listener != nil {
		f.listener(append([]core.Insight(nil), list...))
	}
}
