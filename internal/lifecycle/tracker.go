package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/metrics"
	"github.com/fruitsalade/assetsync/internal/querycache"
)

// Config configures a Tracker.
type Config struct {
	Backends []backend.Backend
	Cache    *querycache.Cache
	Launched *LaunchedProjects

	// MultiProject allows several projects to be open at once. Without it,
	// opening a project first closes every other launched project.
	MultiProject bool

	// Interval overrides NextInterval, for tests.
	Interval func(backend.Type, backend.ProjectState, error) (time.Duration, bool)
}

// poller is the status poll of one project.
type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker opens and closes projects and polls them until their state
// settles. Results land in the cache under querycache.ProjectKey.
type Tracker struct {
	backends map[backend.Type]backend.Backend
	cache    *querycache.Cache
	launched *LaunchedProjects
	multi    bool
	interval func(backend.Type, backend.ProjectState, error) (time.Duration, bool)
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	opening map[assetid.ID]struct{}
	polls   map[assetid.ID]*poller
	wg      sync.WaitGroup
}

func New(cfg Config) (*Tracker, error) {
	if cfg.Cache == nil || cfg.Launched == nil {
		return nil, errors.New("lifecycle: cache and launched projects are required")
	}
	if cfg.Interval == nil {
		cfg.Interval = NextInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		backends: make(map[backend.Type]backend.Backend),
		cache:    cfg.Cache,
		launched: cfg.Launched,
		multi:    cfg.MultiProject,
		interval: cfg.Interval,
		log:      logging.Named("lifecycle"),
		ctx:      ctx,
		cancel:   cancel,
		opening:  make(map[assetid.ID]struct{}),
		polls:    make(map[assetid.ID]*poller),
	}
	for _, b := range cfg.Backends {
		t.backends[b.Type()] = b
	}
	return t, nil
}

func (t *Tracker) backend(p Project) (backend.Backend, error) {
	b, ok := t.backends[p.Backend]
	if !ok {
		return nil, fmt.Errorf("lifecycle: no %q backend", p.Backend)
	}
	return b, nil
}

// Open starts opening p. It returns once the backend accepted the request;
// the cache follows the project until it is opened. Opening a project that
// is already opening does nothing.
func (t *Tracker) Open(ctx context.Context, p Project) error {
	b, err := t.backend(p)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if _, busy := t.opening[p.ID]; busy {
		t.mu.Unlock()
		t.log.Debug("open already in progress", zap.String("project", string(p.ID)))
		return nil
	}
	t.opening[p.ID] = struct{}{}
	t.mu.Unlock()

	if !t.multi {
		if err := t.closeOthers(ctx, p.ID); err != nil {
			t.clearOpening(p.ID)
			return err
		}
	}

	t.cache.SetProjectState(p.Backend, p.ID, backend.StateOpenInProgress)
	if err := t.launched.Add(p); err != nil {
		t.log.Warn("record launched project", zap.Error(err))
	}

	err = b.OpenProject(ctx, p.ID, backend.OpenProjectRequest{ParentID: p.ParentID, ExecuteAsync: true})
	if err != nil {
		t.clearOpening(p.ID)
		if rmErr := t.launched.Remove(p.ID); rmErr != nil {
			t.log.Warn("forget launched project", zap.Error(rmErr))
		}
		t.startPoll(p, true)
		return fmt.Errorf("open project %s: %w", p.ID, err)
	}

	// A Close while the open request was in flight has already cleared
	// opening; the poll must not replace the one Close started.
	t.launchPoll(p, false, true)
	return nil
}

func (t *Tracker) clearOpening(id assetid.ID) {
	t.mu.Lock()
	delete(t.opening, id)
	t.mu.Unlock()
}

// closeOthers closes every launched project except keep and waits for all
// of them.
func (t *Tracker) closeOthers(ctx context.Context, keep assetid.ID) error {
	launched, err := t.launched.List()
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, other := range launched {
		if other.ID == keep {
			continue
		}
		g.Go(func() error {
			if err := t.Close(ctx, other); err != nil {
				t.log.Warn("close before open failed", zap.String("project", string(other.ID)), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops following p, closes it, and polls until it is closed.
func (t *Tracker) Close(ctx context.Context, p Project) error {
	b, err := t.backend(p)
	if err != nil {
		return err
	}
	t.clearOpening(p.ID)
	t.stopPoll(p.ID)

	t.cache.SetProjectState(p.Backend, p.ID, backend.StateClosing)
	if err := t.launched.Remove(p.ID); err != nil {
		t.log.Warn("forget launched project", zap.Error(err))
	}

	err = b.CloseProject(ctx, p.ID)
	t.startPoll(p, true)
	if err != nil {
		return fmt.Errorf("close project %s: %w", p.ID, err)
	}
	return nil
}

// Refetch loads p's details now and resumes polling, which a failed poll
// stops.
func (t *Tracker) Refetch(ctx context.Context, p Project) (*backend.Project, error) {
	b, err := t.backend(p)
	if err != nil {
		return nil, err
	}
	details, err := t.fetch(ctx, b, p)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	_, running := t.polls[p.ID]
	t.mu.Unlock()
	if !running {
		t.startPoll(p, settled(details.State.Type))
	}
	return details, nil
}

// State returns the last known state of p.
func (t *Tracker) State(p Project) (backend.ProjectState, bool) {
	details, ok := querycache.Peek[*backend.Project](t.cache, querycache.ProjectKey(p.Backend, p.ID))
	if !ok || details == nil {
		return "", false
	}
	return details.State.Type, true
}

// Stop cancels every poll and waits for them to exit.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) fetch(ctx context.Context, b backend.Backend, p Project) (*backend.Project, error) {
	return querycache.Load(ctx, t.cache, querycache.ProjectKey(p.Backend, p.ID), func(ctx context.Context) (*backend.Project, error) {
		return b.GetProjectDetails(ctx, p.ID, p.ParentID)
	})
}

func (t *Tracker) stopPoll(id assetid.ID) {
	t.mu.Lock()
	pl := t.polls[id]
	delete(t.polls, id)
	t.mu.Unlock()
	if pl != nil {
		pl.cancel()
		<-pl.done
	}
}

// startPoll replaces any poll of p. With untilSettled the poll ends once p
// reaches a static state; otherwise it continues at the static interval.
func (t *Tracker) startPoll(p Project, untilSettled bool) {
	t.launchPoll(p, untilSettled, false)
}

// launchPoll is startPoll that, with whileOpening, registers the poll only
// if p is still opening. The check and the registration happen under one
// lock.
func (t *Tracker) launchPoll(p Project, untilSettled, whileOpening bool) {
	b, err := t.backend(p)
	if err != nil {
		return
	}
	t.stopPoll(p.ID)

	ctx, cancel := context.WithCancel(t.ctx)
	pl := &poller{cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	if whileOpening {
		if _, ok := t.opening[p.ID]; !ok {
			t.mu.Unlock()
			cancel()
			return
		}
	}
	prev := t.polls[p.ID]
	t.polls[p.ID] = pl
	t.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(pl.done)
		defer func() {
			t.mu.Lock()
			if t.polls[p.ID] == pl {
				delete(t.polls, p.ID)
			}
			t.mu.Unlock()
		}()
		t.poll(ctx, b, p, untilSettled)
	}()
}

func (t *Tracker) poll(ctx context.Context, b backend.Backend, p Project, untilSettled bool) {
	log := t.log.With(zap.String("project", string(p.ID)), zap.String("backend", string(p.Backend)))
	for {
		details, err := t.fetch(ctx, b, p)
		if ctx.Err() != nil {
			return
		}
		var state backend.ProjectState
		if err == nil {
			state = details.State.Type
		}
		metrics.RecordProjectPoll(string(p.Backend), string(state))

		if settled(state) {
			t.clearOpening(p.ID)
		}
		wait, ok := t.interval(p.Backend, state, err)
		if !ok {
			t.clearOpening(p.ID)
			log.Warn("project poll failed, polling stopped", zap.Error(err))
			return
		}
		if untilSettled && settled(state) {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
