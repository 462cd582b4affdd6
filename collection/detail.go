package collection

import (
	"context"
	"fmt"
	"sync"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/sirupsen/logrus"
)

// Getter fetches one bonsai.
type Getter interface {
	GetBonsai(ctx context.Context, id string) (*core.Bonsai, error)
}

// Detail is the snapshot of the bonsai open in the detail view. It is shared
// by the detail coordinator and the readers of the view, and is only ever
// replaced as a whole.
type Detail struct {
	api Getter
	id  string

	mu      sync.Mutex
	bonsai  *core.Bonsai
	deleted bool
	subs    map[int]func(*core.Bonsai)
	nextSub int
	closed  bool
}

// NewDetail creates an empty snapshot for the bonsai with id.
func NewDetail(api Getter, id string) *Detail {
	return &Detail{
		api:  api,
		id:   id,
		subs: make(map[int]func(*core.Bonsai)),
	}
}

// ID returns the id of the bonsai this snapshot tracks.
func (d *Detail) ID() string {
	return d.id
}

// Load fetches the bonsai and replaces the snapshot. A failure leaves the
// snapshot as it was.
func (d *Detail) Load(ctx context.Context) error {
	b, err := d.api.GetBonsai(ctx, d.id)
	if err != nil {
		logrus.WithFields(logrus.Fields{"bonsai_id": d.id, "error": err}).Error("Failed to load bonsai")
		return fmt.Errorf("load bonsai %s: %w", d.id, err)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return core.ErrDiscarded
	}
	d.mu.Unlock()
	d.Replace(*b)
	return nil
}

// Bonsai returns a copy of the snapshot. ok is false until the first load and
// after the bonsai was deleted.
func (d *Detail) Bonsai() (b core.Bonsai, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bonsai == nil {
		return core.Bonsai{}, false
	}
	return d.bonsai.Clone(), true
}

// Lookup returns the snapshot when id is the tracked bonsai.
func (d *Detail) Lookup(id string) (core.Bonsai, bool) {
	if id != d.id {
		return core.Bonsai{}, false
	}
	return d.Bonsai()
}

// Deleted reports whether the bonsai was deleted through a sink.
func (d *Detail) Deleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted
}

// Subscribe registers fn for every replacement. fn receives nil once the
// bonsai is deleted.
func (d *Detail) Subscribe(fn func(*core.Bonsai)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// Insert replaces the snapshot when b is the tracked bonsai.
func (d *Detail) Insert(b core.Bonsai) {
	d.Replace(b)
}

// Replace replaces the snapshot when b is the tracked bonsai.
func (d *Detail) Replace(b core.Bonsai) {
	if b.ID != d.id {
		return
	}
	cp := b.Clone()
	d.replace(&cp, false)
}

// Remove clears the snapshot when id is the tracked bonsai.
func (d *Detail) Remove(id string) {
	if id != d.id {
		return
	}
	d.replace(nil, true)
}

func (d *Detail) replace(b *core.Bonsai, deleted bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.bonsai, d.deleted = b, deleted
	subs := make([]func(*core.Bonsai), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	for _, fn := range subs {
		if b == nil {
			fn(nil)
			continue
		}
		cp := b.Clone()
		fn(&cp)
	}
}

// Close drops subscribers; later writes are ignored.
func (d *Detail) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.subs = make(map[int]func(*core.Bonsai))
}
