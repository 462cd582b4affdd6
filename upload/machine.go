package upload

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// State is the phase of the upload machine.
type State int

const (
	Idle State = iota
	Selected
	Validated
	Previewing
	ReadyToSubmit
	Submitting
	Succeeded
	Failed
)

var stateNames = [...]string{
	Idle:          "idle",
	Selected:      "selected",
	Validated:     "validated",
	Previewing:    "previewing",
	ReadyToSubmit: "ready to submit",
	Submitting:    "submitting",
	Succeeded:     "succeeded",
	Failed:        "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Draft is one upload attempt. It is never persisted.
type Draft struct {
	ID      string
	File    *core.File
	Title   string
	Preview *Preview
}

// Submitter sends a validated draft to the remote API.
type Submitter[T any] func(ctx context.Context, d Draft) (T, error)

// Hooks receive the outcome of each phase. Any of them may be nil. They run
// on the goroutine that caused the transition, except OnPreview which runs on
// the preview goroutine.
type Hooks[T any] struct {
	OnInvalid func(err error)
	OnPreview func(d Draft)
	OnSuccess func(d Draft, result T)
	OnFailure func(d Draft, err error)
}

// Machine drives one draft at a time through validation and submission.
type Machine[T any] struct {
	submit Submitter[T]
	hooks  Hooks[T]

	mu     sync.Mutex
	state  State
	draft  *Draft
	closed bool
}

// New creates an idle machine.
func New[T any](submit Submitter[T], hooks Hooks[T]) *Machine[T] {
	return &Machine[T]{submit: submit, hooks: hooks}
}

// State returns the current phase.
func (m *Machine[T]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Draft returns a copy of the current draft, if any.
func (m *Machine[T]) Draft() (Draft, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draft == nil {
		return Draft{}, false
	}
	return *m.draft, true
}

func (m *Machine[T]) conflict(op string) error {
	state := m.state.String()
	if m.closed {
		state = "closed"
	}
	return &core.StateConflictError{Op: op, State: state}
}

// setState records a transition. Callers hold m.mu.
func (m *Machine[T]) setState(to State) {
	fields := logrus.Fields{"from": m.state.String(), "to": to.String()}
	if m.draft != nil {
		fields["draft_id"] = m.draft.ID
	}
	logrus.WithFields(fields).Debug("Upload state changed")
	m.state = to
}

// Select starts a new draft for f, replacing any draft not yet submitted.
func (m *Machine[T]) Select(f *core.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state == Submitting {
		return m.conflict("select")
	}
	if m.draft != nil {
		logrus.WithField("draft_id", m.draft.ID).Debug("Draft replaced by new selection")
	}
	d := &Draft{ID: ulid.Make().String(), File: f, Title: DefaultTitle}
	if f != nil {
		d.Title = TitleFromFilename(f.Name)
	}
	m.draft = d
	m.setState(Selected)
	return nil
}

// Validate checks the selected file. On success the machine is ready to
// submit and the preview renders in the background. On failure the draft is
// discarded and the machine returns to Idle.
func (m *Machine[T]) Validate() error {
	m.mu.Lock()
	if m.closed || m.state != Selected {
		err := m.conflict("validate")
		m.mu.Unlock()
		return err
	}
	d := m.draft
	if err := Validate(d.File); err != nil {
		m.setState(Idle)
		m.draft = nil
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{"draft_id": d.ID, "error": err}).Warn("Upload rejected")
		if m.hooks.OnInvalid != nil {
			m.hooks.OnInvalid(err)
		}
		return err
	}
	m.setState(Validated)
	m.setState(Previewing)
	go m.renderPreview(d.ID, d.File)
	m.setState(ReadyToSubmit)
	m.mu.Unlock()
	return nil
}

// Choose selects and validates f in one step.
func (m *Machine[T]) Choose(f *core.File) error {
	if err := m.Select(f); err != nil {
		return err
	}
	return m.Validate()
}

func (m *Machine[T]) renderPreview(draftID string, f *core.File) {
	preview, err := RenderPreview(context.Background(), f)
	log := logrus.WithField("draft_id", draftID)
	if err != nil {
		log.WithField("error", err).Warn("Preview unavailable")
		return
	}

	m.mu.Lock()
	if m.closed || m.draft == nil || m.draft.ID != draftID {
		m.mu.Unlock()
		log.Debug("Dropping preview of a stale draft")
		return
	}
	m.draft.Preview = preview
	d := *m.draft
	m.mu.Unlock()

	if m.hooks.OnPreview != nil {
		m.hooks.OnPreview(d)
	}
}

// SetTitle edits the title of a draft ready to submit.
func (m *Machine[T]) SetTitle(title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state != ReadyToSubmit {
		return m.conflict("set title")
	}
	if strings.TrimSpace(title) == "" {
		return &core.ValidationError{Field: "title", Code: core.CodeEmptyTitle, Message: "title is required"}
	}
	m.draft.Title = strings.TrimSpace(title)
	return nil
}

// Submit sends the draft. Only one submission per draft is ever in flight; a
// second call while submitting fails with a StateConflictError and sends
// nothing. The draft is discarded whatever the outcome.
func (m *Machine[T]) Submit(ctx context.Context) (T, error) {
	var zero T

	m.mu.Lock()
	if m.closed || m.state != ReadyToSubmit {
		err := m.conflict("submit")
		m.mu.Unlock()
		logrus.WithField("error", err).Warn("Submit rejected")
		return zero, err
	}
	m.setState(Submitting)
	d := *m.draft
	m.mu.Unlock()

	log := logrus.WithField("draft_id", d.ID)
	result, err := m.submit(ctx, d)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		log.Warn("Discarding submission result after close")
		return zero, core.ErrDiscarded
	}
	if err != nil {
		m.setState(Failed)
	} else {
		m.setState(Succeeded)
	}
	m.setState(Idle)
	m.draft = nil
	m.mu.Unlock()

	if err != nil {
		log.WithField("error", err).Error("Upload failed")
		if m.hooks.OnFailure != nil {
			m.hooks.OnFailure(d, err)
		}
		return zero, err
	}
	log.Info("Upload submitted")
	if m.hooks.OnSuccess != nil {
		m.hooks.OnSuccess(d, result)
	}
	return result, nil
}

// Cancel discards the draft. It is refused while submitting; the in-flight
// result is still applied.
func (m *Machine[T]) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Submitting {
		return m.conflict("cancel")
	}
	m.draft = nil
	m.state = Idle
	return nil
}

// Close tears the machine down. A pending submission's result is discarded
// and every later operation is refused.
func (m *Machine[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.draft = nil
	m.state = Idle
}
