package collection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/StatsLateral/bonsaiway/apitest"
	"github.com/StatsLateral/bonsaiway/client"
	"github.com/StatsLateral/bonsaiway/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeLister snapshots its items when called, then optionally waits for a
// release so tests can act while the fetch is in flight.
type fakeLister struct {
	mu      sync.Mutex
	items   []core.Bonsai
	err     error
	calls   int
	hold    chan struct{}
	started chan struct{}
}

func newFakeLister(n int) *fakeLister {
	f := &fakeLister{}
	for i := 1; i <= n; i++ {
		f.items = append(f.items, core.Bonsai{ID: fmt.Sprintf("b%02d", i), Title: fmt.Sprintf("Bonsai %d", i)})
	}
	return f
}

func (f *fakeLister) ListBonsais(ctx context.Context) ([]core.Bonsai, error) {
	f.mu.Lock()
	f.calls++
	items := append([]core.Bonsai(nil), f.items...)
	err := f.err
	hold, started := f.hold, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if hold != nil {
		<-hold
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

// holdNext makes the following calls block until the returned func is called.
func (f *fakeLister) holdNext() (started chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = make(chan struct{})
	f.started = make(chan struct{}, 4)
	hold := f.hold
	var once sync.Once
	return f.started, func() {
		once.Do(func() {
			f.mu.Lock()
			f.hold, f.started = nil, nil
			f.mu.Unlock()
			close(hold)
		})
	}
}

func (f *fakeLister) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range f.items {
		if b.ID == id {
			f.items = append(f.items[:i:i], f.items[i+1:]...)
			return
		}
	}
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func ids(items []core.Bonsai) []string {
	out := make([]string, 0, len(items))
	for _, b := range items {
		out = append(out, b.ID)
	}
	return out
}

func newAPIPager(t *testing.T, n int, opts ...Option) (*Pager, *apitest.Server, *client.Client, []core.Bonsai) {
	t.Helper()
	srv := apitest.NewServer()
	t.Cleanup(srv.Close)
	subject := srv.AddUser("ada@example.com", "secret")
	seeded := srv.Seed(subject, n)
	c := client.New(srv.URL, client.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: srv.Token(subject, "ada@example.com"),
	})))
	p := NewPager(c, opts...)
	t.Cleanup(p.Close)
	return p, srv, c, seeded
}

func TestPager_TwelveItemsPageSizeFive(t *testing.T) {
	p, srv, _, _ := newAPIPager(t, 12, WithPageSize(5))
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	snap := p.View().Snapshot()
	assert.Len(t, snap.Items, 5)
	assert.True(t, snap.More)
	assert.Equal(t, 1, snap.Page)
	assert.Equal(t, 12, snap.Total)

	require.NoError(t, p.LoadMore(ctx))
	require.NoError(t, p.LoadMore(ctx))
	snap = p.View().Snapshot()
	assert.Len(t, snap.Items, 10)
	assert.True(t, snap.More)

	require.NoError(t, p.LoadMore(ctx))
	snap = p.View().Snapshot()
	assert.Len(t, snap.Items, 12)
	assert.False(t, snap.More)
	assert.Equal(t, 4, snap.Page)

	// nothing left: no request
	require.NoError(t, p.LoadMore(ctx))
	assert.Equal(t, 4, srv.Calls(apitest.RouteListBonsais))
}

func TestPager_ConvergesForAllSizes(t *testing.T) {
	for size := 1; size <= 6; size++ {
		for total := 0; total <= 13; total++ {
			t.Run(fmt.Sprintf("P=%d/T=%d", size, total), func(t *testing.T) {
				p := NewPager(newFakeLister(total), WithPageSize(size))
				defer p.Close()
				ctx := context.Background()
				require.NoError(t, p.Load(ctx))

				for i := 0; i < total+2; i++ {
					snap := p.View().Snapshot()
					assert.LessOrEqual(t, len(snap.Items), total)
					want := snap.Page * size
					if want > total {
						want = total
					}
					assert.Len(t, snap.Items, want)
					assert.Equal(t, len(snap.Items) < total, snap.More)
					require.NoError(t, p.LoadMore(ctx))
				}
				snap := p.View().Snapshot()
				assert.Len(t, snap.Items, total)
				assert.False(t, snap.More)
			})
		}
	}
}

func TestPager_VisibilityTriggerDrivesLoadMore(t *testing.T) {
	trigger := NewManualTrigger()
	p, srv, _, _ := newAPIPager(t, 12, WithPageSize(5), WithTrigger(trigger))
	require.NoError(t, p.Start(context.Background()))

	snap := p.View().Snapshot()
	last := snap.Items[4].ID
	assert.Equal(t, []string{last}, trigger.Observed())

	assert.Equal(t, 1, trigger.Reveal(last))
	snap = p.View().Snapshot()
	assert.Len(t, snap.Items, 10)

	// the old target was released when the view changed
	assert.Equal(t, 0, trigger.Reveal(last))
	assert.Equal(t, []string{snap.Items[9].ID}, trigger.Observed())

	trigger.Reveal(snap.Items[9].ID)
	snap = p.View().Snapshot()
	assert.Len(t, snap.Items, 12)
	assert.False(t, snap.More)

	// fully loaded: revealing the last item issues nothing
	trigger.Reveal(snap.Items[11].ID)
	assert.Equal(t, 3, srv.Calls(apitest.RouteListBonsais))
}

func TestPager_TriggerFiresOncePerObservation(t *testing.T) {
	trigger := NewManualTrigger()
	lister := newFakeLister(12)
	p := NewPager(lister, WithTrigger(trigger))
	defer p.Close()
	require.NoError(t, p.Start(context.Background()))
	last := p.View().Snapshot().Items[4].ID

	started, release := lister.holdNext()
	done := make(chan struct{})
	go func() {
		trigger.Reveal(last)
		close(done)
	}()
	<-started

	// rapid scroll events on the same target while the fetch is in flight
	trigger.Reveal(last)
	trigger.Reveal(last)
	release()
	<-done

	assert.Equal(t, 2, lister.callCount(), "one load plus exactly one load more")
	assert.Len(t, p.View().Snapshot().Items, 10)
}

func TestPager_LoadMoreSuppressedWhileInFlight(t *testing.T) {
	p, srv, _, _ := newAPIPager(t, 12)
	ctx := context.Background()
	require.NoError(t, p.Load(ctx))

	gate := srv.Hold(apitest.RouteListBonsais)
	done := make(chan error, 1)
	go func() { done <- p.LoadMore(ctx) }()
	<-gate.Arrived()

	require.NoError(t, p.LoadMore(ctx))
	require.NoError(t, p.LoadMore(ctx))
	gate.Release()
	require.NoError(t, <-done)

	assert.Equal(t, 2, srv.Calls(apitest.RouteListBonsais))
	snap := p.View().Snapshot()
	assert.Equal(t, 2, snap.Page)
	assert.Len(t, snap.Items, 10)
}

func TestPager_FailedLoadMoreLeavesViewIntact(t *testing.T) {
	var reported []error
	trigger := NewManualTrigger()
	p, srv, _, _ := newAPIPager(t, 12, WithTrigger(trigger), WithErrorHandler(func(err error) {
		reported = append(reported, err)
	}))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	before := p.View().Snapshot()

	srv.FailNext(apitest.RouteListBonsais, http.StatusServiceUnavailable)
	last := before.Items[4].ID
	trigger.Reveal(last)

	after := p.View().Snapshot()
	assert.Equal(t, before, after)
	require.Len(t, reported, 1)
	var herr *core.HTTPError
	require.ErrorAs(t, reported[0], &herr)
	assert.Equal(t, http.StatusServiceUnavailable, herr.Status)

	// re-armed: a later scroll retries
	assert.Equal(t, 1, trigger.Reveal(last))
	assert.Len(t, p.View().Snapshot().Items, 10)
}

func TestPager_FailedLoadKeepsPreviousView(t *testing.T) {
	p, srv, _, _ := newAPIPager(t, 7)
	ctx := context.Background()
	require.NoError(t, p.Load(ctx))
	require.NoError(t, p.LoadMore(ctx))
	before := p.View().Snapshot()

	srv.FailNext(apitest.RouteListBonsais, http.StatusInternalServerError)
	err := p.Load(ctx)
	require.Error(t, err)
	assert.Equal(t, before, p.View().Snapshot())
}

func TestPager_LoadDiscardsInFlightLoadMore(t *testing.T) {
	lister := newFakeLister(12)
	p := NewPager(lister)
	defer p.Close()
	ctx := context.Background()
	require.NoError(t, p.Load(ctx))

	started, release := lister.holdNext()
	done := make(chan error, 1)
	go func() { done <- p.LoadMore(ctx) }()
	<-started

	// the Load fetch is held too; release both once it has started
	loadDone := make(chan error, 1)
	go func() { loadDone <- p.Load(ctx) }()
	<-started
	release()

	require.NoError(t, <-loadDone)
	assert.ErrorIs(t, <-done, core.ErrDiscarded)
	snap := p.View().Snapshot()
	assert.Equal(t, 1, snap.Page)
	assert.Len(t, snap.Items, 5)
	assert.Equal(t, 3, lister.callCount())
}

func TestPager_DeleteDuringLoadMoreConverges(t *testing.T) {
	lister := newFakeLister(12)
	p := NewPager(lister)
	defer p.Close()
	ctx := context.Background()
	require.NoError(t, p.Load(ctx))

	started, release := lister.holdNext()
	done := make(chan error, 1)
	go func() { done <- p.LoadMore(ctx) }()
	<-started

	// The in-flight fetch already captured the old set, b03 included.
	deleted := "b03"
	lister.remove(deleted)
	p.View().Remove(deleted)
	release()
	require.NoError(t, <-done)

	snap := p.View().Snapshot()
	assert.NotContains(t, ids(snap.Items), deleted)
	assert.Equal(t, 11, snap.Total)
	assert.Len(t, snap.Items, 10)
	assert.True(t, snap.More)

	require.NoError(t, p.LoadMore(ctx))
	snap = p.View().Snapshot()
	assert.NotContains(t, ids(snap.Items), deleted)
	assert.Len(t, snap.Items, 11)
	assert.False(t, snap.More)
}

func TestPager_CreateThenLoadIsIdempotent(t *testing.T) {
	p, _, c, _ := newAPIPager(t, 3)
	ctx := context.Background()
	require.NoError(t, p.Load(ctx))

	created, err := c.CreateBonsai(ctx, core.BonsaiInput{Title: "Azalea"})
	require.NoError(t, err)
	p.View().Insert(*created)
	require.NoError(t, p.Load(ctx))
	require.NoError(t, p.Load(ctx))

	count := 0
	for _, b := range p.View().Snapshot().Items {
		if b.ID == created.ID {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, p.View().Snapshot().Items, 4)
}

func TestPager_CloseDiscardsOutstandingFetch(t *testing.T) {
	trigger := NewManualTrigger()
	lister := newFakeLister(8)
	p := NewPager(lister, WithTrigger(trigger))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	before := p.View().Snapshot()

	started, release := lister.holdNext()
	done := make(chan error, 1)
	go func() { done <- p.LoadMore(ctx) }()
	<-started
	p.Close()
	release()

	assert.ErrorIs(t, <-done, core.ErrDiscarded)
	assert.Equal(t, before, p.View().Snapshot())
	assert.Empty(t, trigger.Observed())
	assert.NoError(t, p.LoadMore(ctx))
	assert.True(t, errors.Is(p.Load(ctx), core.ErrDiscarded))
}

func TestPager_EmptyCollection(t *testing.T) {
	trigger := NewManualTrigger()
	p, _, _, _ := newAPIPager(t, 0, WithTrigger(trigger))
	require.NoError(t, p.Start(context.Background()))

	snap := p.View().Snapshot()
	assert.Empty(t, snap.Items)
	assert.False(t, snap.More)
	assert.Empty(t, trigger.Observed())
}
