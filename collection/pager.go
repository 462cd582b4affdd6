package collection

import (
	"context"
	"sync"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/sirupsen/logrus"
)

// DefaultPageSize is the number of bonsais added per page.
const DefaultPageSize = 5

// Lister fetches the complete collection.
type Lister interface {
	ListBonsais(ctx context.Context) ([]core.Bonsai, error)
}

// Option configures a Pager.
type Option func(*Pager)

// WithPageSize sets the page size. Values below 1 are ignored.
func WithPageSize(n int) Option {
	return func(p *Pager) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithTrigger sets the visibility trigger that drives LoadMore.
func WithTrigger(t VisibilityTrigger) Option {
	return func(p *Pager) { p.trigger = t }
}

// WithErrorHandler receives every failed fetch.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pager) { p.onError = fn }
}

// Pager owns the paginated View. The backend offers no stable cursor, so
// every fetch pulls the whole collection and re-slices it.
type Pager struct {
	api      Lister
	pageSize int
	trigger  VisibilityTrigger
	onError  func(error)
	view     *View

	mu          sync.Mutex
	epoch       uint64 // bumped by Load, invalidates older fetches
	fetching    bool
	observation uint64
	fired       bool
	release     func()
	unsubscribe func()
	closed      bool
}

// NewPager creates a pager over api. Call Start to mount it.
func NewPager(api Lister, opts ...Option) *Pager {
	p := &Pager{
		api:      api,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.view = newView(p.pageSize)
	return p
}

// View returns the view this pager fills. Mutation sinks write to it too.
func (p *Pager) View() *View {
	return p.view
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int {
	return p.pageSize
}

// Start subscribes the visibility trigger to view changes and loads page 1.
func (p *Pager) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.unsubscribe == nil && !p.closed {
		p.unsubscribe = p.view.Subscribe(func(Snapshot) { p.rearm() })
	}
	p.mu.Unlock()
	return p.Load(ctx)
}

// Load fetches the collection and rebuilds the view at page 1. Any fetch still
// outstanding is superseded and its result dropped.
func (p *Pager) Load(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return core.ErrDiscarded
	}
	p.epoch++
	epoch := p.epoch
	p.fetching = true
	mark := p.view.mark()
	p.mu.Unlock()

	all, err := p.api.ListBonsais(ctx)
	return p.commit(epoch, 1, mark, all, err, "load")
}

// LoadMore grows the view by one page. It does nothing when everything is
// shown, when a fetch is in flight, or after Close.
func (p *Pager) LoadMore(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	snap := p.view.Snapshot()
	if !snap.More || p.fetching {
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"page":     snap.Page,
			"more":     snap.More,
			"fetching": p.fetching,
		}).Debug("Load more suppressed")
		return nil
	}
	p.fetching = true
	epoch := p.epoch
	mark := p.view.mark()
	p.mu.Unlock()

	all, err := p.api.ListBonsais(ctx)
	return p.commit(epoch, snap.Page+1, mark, all, err, "load_more")
}

func (p *Pager) commit(epoch uint64, page int, mark uint64, all []core.Bonsai, err error, op string) error {
	log := logrus.WithFields(logrus.Fields{"op": op, "page": page})

	p.mu.Lock()
	if p.closed || epoch != p.epoch {
		p.mu.Unlock()
		log.Warn("Discarding superseded page fetch")
		return core.ErrDiscarded
	}
	p.fetching = false
	if err != nil {
		p.mu.Unlock()
		log.WithField("error", err).Error("Page fetch failed")
		if p.onError != nil {
			p.onError(err)
		}
		// the failed attempt consumed the observation; let a later scroll retry
		p.rearm()
		return err
	}
	notify := p.view.rebuild(all, page, mark)
	p.mu.Unlock()

	snap := p.view.Snapshot()
	log.WithFields(logrus.Fields{
		"shown": len(snap.Items),
		"total": snap.Total,
		"more":  snap.More,
	}).Info("Collection page loaded")
	notify()
	return nil
}

// rearm releases the previous observation and observes the last visible item.
func (p *Pager) rearm() {
	p.mu.Lock()
	if p.closed || p.trigger == nil {
		p.mu.Unlock()
		return
	}
	if p.release != nil {
		release := p.release
		p.release = nil
		defer release()
	}
	p.observation++
	obs := p.observation
	p.fired = false
	items := p.view.Snapshot().Items
	p.mu.Unlock()

	if len(items) == 0 {
		return
	}
	last := items[len(items)-1].ID
	release := p.trigger.Observe(last, func() { p.visible(obs) })

	p.mu.Lock()
	if p.closed || p.observation != obs {
		p.mu.Unlock()
		release()
		return
	}
	p.release = release
	p.mu.Unlock()
}

// visible fires LoadMore at most once per observation.
func (p *Pager) visible(obs uint64) {
	p.mu.Lock()
	if p.closed || obs != p.observation || p.fired {
		p.mu.Unlock()
		return
	}
	p.fired = true
	more, fetching := p.view.Snapshot().More, p.fetching
	p.mu.Unlock()

	if !more || fetching {
		logrus.WithFields(logrus.Fields{"more": more, "fetching": fetching}).Debug("Visibility trigger suppressed")
		return
	}
	if err := p.LoadMore(context.Background()); err != nil && err != core.ErrDiscarded {
		logrus.WithField("error", err).Debug("Triggered load more failed")
	}
}

// Close unmounts the pager. Outstanding fetches are discarded when they land.
func (p *Pager) Close() {
	p.mu.Lock()
	p.closed = true
	release, unsubscribe := p.release, p.unsubscribe
	p.release, p.unsubscribe = nil, nil
	p.mu.Unlock()

	if release != nil {
		release()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}
