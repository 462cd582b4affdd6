package collection

import (
	"sort"
	"sync"
)

// VisibilityTrigger reports when a rendered item enters the viewport.
// Observe calls onVisible each time itemID becomes visible until the returned
// release func is called.
type VisibilityTrigger interface {
	Observe(itemID string, onVisible func()) (release func())
}

// ManualTrigger is a VisibilityTrigger driven by explicit Reveal calls, for
// shells without a viewport.
type ManualTrigger struct {
	mu        sync.Mutex
	observers map[string]map[int]func()
	next      int
}

// NewManualTrigger creates a trigger with no observers.
func NewManualTrigger() *ManualTrigger {
	return &ManualTrigger{observers: make(map[string]map[int]func())}
}

// Observe registers onVisible for itemID. The returned release is safe to call
// more than once.
func (t *ManualTrigger) Observe(itemID string, onVisible func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.next
	t.next++
	if t.observers[itemID] == nil {
		t.observers[itemID] = make(map[int]func())
	}
	t.observers[itemID][id] = onVisible

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.observers[itemID], id)
			if len(t.observers[itemID]) == 0 {
				delete(t.observers, itemID)
			}
		})
	}
}

// Reveal marks itemID visible and returns how many observers were called.
func (t *ManualTrigger) Reveal(itemID string) int {
	t.mu.Lock()
	callbacks := make([]func(), 0, len(t.observers[itemID]))
	for _, cb := range t.observers[itemID] {
		callbacks = append(callbacks, cb)
	}
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return len(callbacks)
}

// Observed lists the items currently observed.
func (t *ManualTrigger) Observed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.observers))
	for id := range t.observers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
