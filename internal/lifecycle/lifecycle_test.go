package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/backend/local"
	"github.com/fruitsalade/assetsync/internal/kvstore"
	"github.com/fruitsalade/assetsync/internal/projectmanager/pmtest"
	"github.com/fruitsalade/assetsync/internal/querycache"
)

const root = "/projects"

func TestNextInterval(t *testing.T) {
	tests := []struct {
		backend backend.Type
		state   backend.ProjectState
		want    time.Duration
	}{
		{backend.TypeLocal, backend.StateOpened, StaticInterval},
		{backend.TypeRemote, backend.StateClosed, StaticInterval},
		{backend.TypeLocal, backend.StateOpenInProgress, LocalTransitionInterval},
		{backend.TypeRemote, backend.StateOpenInProgress, RemoteTransitionInterval},
		{backend.TypeRemote, backend.StateProvisioned, RemoteTransitionInterval},
		{backend.TypeLocal, backend.StateClosing, LocalTransitionInterval},
		{backend.TypeLocal, backend.StateCreated, LocalTransitionInterval},
		{backend.TypeRemote, backend.StateNew, RemoteTransitionInterval},
		{backend.TypeRemote, "Hibernating", UnknownStateInterval},
	}
	for _, tt := range tests {
		got, ok := NextInterval(tt.backend, tt.state, nil)
		if !ok || got != tt.want {
			t.Errorf("NextInterval(%s, %s) = %v, %v; want %v", tt.backend, tt.state, got, ok, tt.want)
		}
	}

	l, _ := NextInterval(backend.TypeLocal, backend.StateOpenInProgress, nil)
	r, _ := NextInterval(backend.TypeRemote, backend.StateOpenInProgress, nil)
	if l >= r {
		t.Errorf("local opening should poll faster than remote: %v >= %v", l, r)
	}

	if _, ok := NextInterval(backend.TypeRemote, backend.StateOpened, errors.New("boom")); ok {
		t.Error("a failed poll should stop polling")
	}
}

func fastInterval(bt backend.Type, s backend.ProjectState, err error) (time.Duration, bool) {
	d, ok := NextInterval(bt, s, err)
	if ok && d > 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d, ok
}

type fixture struct {
	pm       *pmtest.Fake
	tracker  *Tracker
	launched *LaunchedProjects
	cache    *querycache.Cache
}

func newFixture(t *testing.T, multi bool) *fixture {
	t.Helper()
	pm := pmtest.New(root)
	b, err := local.New(local.Config{ProjectManager: pm, RootDirectory: root})
	if err != nil {
		t.Fatal(err)
	}
	cache := querycache.New()
	launched := NewLaunchedProjects(kvstore.NewMemory())
	tr, err := New(Config{
		Backends:     []backend.Backend{b},
		Cache:        cache,
		Launched:     launched,
		MultiProject: multi,
		Interval:     fastInterval,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		tr.Stop()
		b.Close()
	})
	return &fixture{pm: pm, tracker: tr, launched: launched, cache: cache}
}

func (f *fixture) project(name string) Project {
	id := f.pm.AddProject(root, name)
	return Project{Backend: backend.TypeLocal, ID: assetid.LocalProject(id), Title: name}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) stateIs(p Project, want backend.ProjectState) func() bool {
	return func() bool {
		s, ok := f.tracker.State(p)
		return ok && s == want
	}
}

func TestOpenIsIdempotentWhileOpening(t *testing.T) {
	f := newFixture(t, true)
	f.pm.OpenGate = make(chan struct{})
	p := f.project("Alpha")
	ctx := context.Background()

	if err := f.tracker.Open(ctx, p); err != nil {
		t.Fatalf("Open: %v", err)
	}
	eventually(t, "open in progress", f.stateIs(p, backend.StateOpenInProgress))
	if err := f.tracker.Open(ctx, p); err != nil {
		t.Fatalf("second Open: %v", err)
	}

	close(f.pm.OpenGate)
	eventually(t, "opened", f.stateIs(p, backend.StateOpened))
	if f.pm.Opens != 1 {
		t.Errorf("expected one open call, got %d", f.pm.Opens)
	}

	launched, _ := f.launched.List()
	if len(launched) != 1 || launched[0].ID != p.ID {
		t.Errorf("launched = %+v", launched)
	}
}

func TestCloseBeforeOpenWithoutMultiProject(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a, b := f.project("Alpha"), f.project("Beta")
	aID, _ := assetid.DecodeLocal(a.ID)
	bID, _ := assetid.DecodeLocal(b.ID)

	if err := f.tracker.Open(ctx, a); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alpha opened", f.stateIs(a, backend.StateOpened))

	if err := f.tracker.Open(ctx, b); err != nil {
		t.Fatal(err)
	}
	if f.pm.IsOpen(aID.ProjectID) {
		t.Error("alpha should be closed before beta opens")
	}
	eventually(t, "beta opened", func() bool { return f.pm.IsOpen(bID.ProjectID) })
	eventually(t, "alpha closed", f.stateIs(a, backend.StateClosed))

	launched, _ := f.launched.List()
	if len(launched) != 1 || launched[0].ID != b.ID {
		t.Errorf("launched = %+v", launched)
	}
}

func TestMultiProjectKeepsOthersOpen(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a, b := f.project("Alpha"), f.project("Beta")
	aID, _ := assetid.DecodeLocal(a.ID)

	if err := f.tracker.Open(ctx, a); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alpha opened", f.stateIs(a, backend.StateOpened))
	if err := f.tracker.Open(ctx, b); err != nil {
		t.Fatal(err)
	}
	eventually(t, "beta opened", f.stateIs(b, backend.StateOpened))
	if !f.pm.IsOpen(aID.ProjectID) {
		t.Error("alpha should stay open")
	}
}

func TestCloseSetsClosingThenClosed(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	p := f.project("Alpha")

	if err := f.tracker.Open(ctx, p); err != nil {
		t.Fatal(err)
	}
	eventually(t, "opened", f.stateIs(p, backend.StateOpened))

	if err := f.tracker.Close(ctx, p); err != nil {
		t.Fatalf("Close: %v", err)
	}
	eventually(t, "closed", f.stateIs(p, backend.StateClosed))
	if launched, _ := f.launched.List(); len(launched) != 0 {
		t.Errorf("launched = %+v", launched)
	}
}

// closeOnOpen closes the project from a second goroutine as soon as the
// open request has been accepted.
type closeOnOpen struct {
	backend.Backend
	close func()
}

func (c *closeOnOpen) OpenProject(ctx context.Context, id assetid.ID, req backend.OpenProjectRequest) error {
	err := c.Backend.OpenProject(ctx, id, req)
	go c.close()
	return err
}

func TestCloseDuringOpenLeavesNoOpenPoll(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, true)
		wrapped := &closeOnOpen{Backend: f.tracker.backends[backend.TypeLocal]}
		f.tracker.backends[backend.TypeLocal] = wrapped

		p := f.project("Alpha")
		closed := make(chan error, 1)
		wrapped.close = func() { closed <- f.tracker.Close(context.Background(), p) }

		if err := f.tracker.Open(context.Background(), p); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := <-closed; err != nil {
			t.Fatalf("Close: %v", err)
		}
		eventually(t, "polling to stop", func() bool {
			f.tracker.mu.Lock()
			defer f.tracker.mu.Unlock()
			_, polling := f.tracker.polls[p.ID]
			return !polling
		})
		if launched, _ := f.launched.List(); len(launched) != 0 {
			t.Fatalf("launched = %+v", launched)
		}
	}
}

func TestRefetchUnknownProject(t *testing.T) {
	f := newFixture(t, true)
	missing := Project{Backend: backend.TypeLocal, ID: assetid.LocalProject([16]byte{1})}

	if _, err := f.tracker.Refetch(context.Background(), missing); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, ok := f.tracker.State(missing); ok {
		t.Error("no state should be recorded for a failed fetch")
	}
}

func TestUnknownBackend(t *testing.T) {
	f := newFixture(t, true)
	p := Project{Backend: backend.TypeRemote, ID: "project-x"}
	if err := f.tracker.Open(context.Background(), p); err == nil {
		t.Fatal("expected an error for an unconfigured backend")
	}
}

func TestLaunchedProjects(t *testing.T) {
	l := NewLaunchedProjects(kvstore.NewMemory())
	ch, cancel := l.Subscribe()
	defer cancel()

	a := Project{Backend: backend.TypeRemote, ID: "project-a", Title: "A"}
	b := Project{Backend: backend.TypeLocal, ID: "project-b", Title: "B"}
	for _, p := range []Project{a, b, a} {
		if err := l.Add(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Rename("project-b", "project-c", "C"); err != nil {
		t.Fatal(err)
	}
	if err := l.Remove("project-a"); err != nil {
		t.Fatal(err)
	}

	got, err := l.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "project-c" || got[0].Title != "C" {
		t.Fatalf("List = %+v", got)
	}

	timeout := time.After(time.Second)
	for {
		select {
		case latest := <-ch:
			if len(latest) == 1 && latest[0].ID == "project-c" {
				return
			}
		case <-timeout:
			t.Fatal("final list was never delivered")
		}
	}
}
