// Package collection keeps the paginated view of the user's bonsais and the
// snapshot of the bonsai open in the detail view.
package collection

import (
	"sync"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/sirupsen/logrus"
)

// Snapshot is an immutable state of the view. Items is never modified after
// the snapshot is published.
type Snapshot struct {
	Items    []core.Bonsai
	Page     int
	More     bool
	Total    int
	Revision uint64
}

// View is the materialised window over the collection. It is written only by
// its Pager (rebuild, append) and by mutation sinks (Insert, Replace, Remove), always
// by swapping in a new snapshot.
type View struct {
	pageSize int

	mu         sync.Mutex
	snap       Snapshot
	subs       map[int]func(Snapshot)
	nextSub    int
	removals   uint64
	tombstones map[string]uint64 // id -> removal sequence
}

func newView(pageSize int) *View {
	return &View{
		pageSize:   pageSize,
		subs:       make(map[int]func(Snapshot)),
		tombstones: make(map[string]uint64),
	}
}

// Snapshot returns the current state.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap
}

// Lookup returns the visible copy of the bonsai with id.
func (v *View) Lookup(id string) (core.Bonsai, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range v.snap.Items {
		if b.ID == id {
			return b.Clone(), true
		}
	}
	return core.Bonsai{}, false
}

// Subscribe registers fn for every change. The returned func unsubscribes.
func (v *View) Subscribe(fn func(Snapshot)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}

// Insert puts a newly created bonsai first, the way the API lists new
// entries, and keeps the window at its page size. A bonsai already shown is
// replaced in place.
func (v *View) Insert(b core.Bonsai) {
	v.mu.Lock()
	if items, ok := v.replaced(b); ok {
		next := v.snap
		next.Items = items
		notify := v.publish(next)
		v.mu.Unlock()
		logrus.WithField("bonsai_id", b.ID).Debug("View updated")
		notify()
		return
	}

	delete(v.tombstones, b.ID)
	next := v.snap
	items := append([]core.Bonsai{b.Clone()}, v.snap.Items...)
	next.Total++
	if limit := v.limit(next.Page); len(items) > limit {
		items = items[:limit]
	}
	next.Items = items
	next.More = len(items) < next.Total
	notify := v.publish(next)
	v.mu.Unlock()

	logrus.WithField("bonsai_id", b.ID).Debug("Inserted into view")
	notify()
}

// Replace swaps in b for the shown bonsai with the same id. A bonsai outside
// the window is left to the next fetch.
func (v *View) Replace(b core.Bonsai) {
	v.mu.Lock()
	items, ok := v.replaced(b)
	if !ok {
		v.mu.Unlock()
		logrus.WithField("bonsai_id", b.ID).Debug("Replace skipped, bonsai not shown")
		return
	}
	next := v.snap
	next.Items = items
	notify := v.publish(next)
	v.mu.Unlock()

	logrus.WithField("bonsai_id", b.ID).Debug("View updated")
	notify()
}

// replaced returns a copy of the items with b swapped in, and whether b was
// shown at all. Callers hold v.mu.
func (v *View) replaced(b core.Bonsai) ([]core.Bonsai, bool) {
	items := make([]core.Bonsai, 0, len(v.snap.Items))
	found := false
	for _, it := range v.snap.Items {
		if it.ID == b.ID {
			it = b.Clone()
			found = true
		}
		items = append(items, it)
	}
	return items, found
}

// Remove drops the bonsai with id. It stays filtered out of any fetch that was
// already in flight when it was removed.
func (v *View) Remove(id string) {
	v.mu.Lock()
	v.removals++
	v.tombstones[id] = v.removals

	items := make([]core.Bonsai, 0, len(v.snap.Items))
	for _, it := range v.snap.Items {
		if it.ID != id {
			items = append(items, it)
		}
	}
	next := v.snap
	removed := len(items) < len(v.snap.Items)
	// an id outside the window may still sit in the hidden remainder
	if removed || next.More {
		next.Total--
	}
	if next.Total < len(items) {
		next.Total = len(items)
	}
	next.Items = items
	next.More = len(items) < next.Total
	notify := v.publish(next)
	v.mu.Unlock()

	logrus.WithField("bonsai_id", id).Debug("Removed from view")
	notify()
}

// mark returns the current removal sequence. Fetches record it when they start.
func (v *View) mark() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.removals
}

// rebuild replaces the view with the first page×pageSize entries of all,
// minus whatever was removed after mark. Callers run the returned func
// once they hold no locks.
func (v *View) rebuild(all []core.Bonsai, page int, mark uint64) func() {
	v.mu.Lock()
	defer v.mu.Unlock()

	kept := make([]core.Bonsai, 0, len(all))
	for _, b := range all {
		if seq, ok := v.tombstones[b.ID]; ok && seq > mark {
			continue
		}
		kept = append(kept, b)
	}
	for id, seq := range v.tombstones {
		if seq <= mark {
			delete(v.tombstones, id)
		}
	}

	items := kept
	if limit := v.limit(page); len(items) > limit {
		items = items[:limit]
	}
	return v.publish(Snapshot{
		Items: items,
		Page:  page,
		More:  len(items) < len(kept),
		Total: len(kept),
	})
}

func (v *View) limit(page int) int {
	if page < 1 {
		page = 1
	}
	return page * v.pageSize
}

// publish installs next and returns the subscriber notification. Callers hold
// v.mu.
func (v *View) publish(next Snapshot) func() {
	next.Revision = v.snap.Revision + 1
	v.snap = next
	subs := make([]func(Snapshot), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn(next)
		}
	}
}
