package lifecycle

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/kvstore"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/metrics"
)

// Project identifies a project on a backend.
type Project struct {
	Backend  backend.Type `json:"backend"`
	ID       assetid.ID   `json:"id"`
	ParentID assetid.ID   `json:"parentId,omitempty"`
	Title    string       `json:"title"`
}

// LaunchedProjects is the ordered list of projects the user has open,
// persisted in a kvstore.
type LaunchedProjects struct {
	store kvstore.Store
	mu    sync.Mutex
}

func NewLaunchedProjects(store kvstore.Store) *LaunchedProjects {
	return &LaunchedProjects{store: store}
}

func (l *LaunchedProjects) List() ([]Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *LaunchedProjects) load() ([]Project, error) {
	var projects []Project
	if _, err := l.store.Get(kvstore.KeyLaunchedProjects, &projects); err != nil {
		return nil, fmt.Errorf("read launched projects: %w", err)
	}
	return projects, nil
}

func (l *LaunchedProjects) modify(fn func([]Project) []Project) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	projects, err := l.load()
	if err != nil {
		return err
	}
	projects = fn(projects)
	if err := l.store.Set(kvstore.KeyLaunchedProjects, projects); err != nil {
		return fmt.Errorf("write launched projects: %w", err)
	}
	for _, t := range []backend.Type{backend.TypeLocal, backend.TypeRemote} {
		metrics.SetLaunchedProjects(string(t), lo.CountBy(projects, func(p Project) bool { return p.Backend == t }))
	}
	return nil
}

// Add appends p unless it is already launched.
func (l *LaunchedProjects) Add(p Project) error {
	return l.modify(func(projects []Project) []Project {
		if lo.ContainsBy(projects, func(q Project) bool { return q.ID == p.ID }) {
			return projects
		}
		return append(projects, p)
	})
}

func (l *LaunchedProjects) Remove(id assetid.ID) error {
	return l.modify(func(projects []Project) []Project {
		return lo.Reject(projects, func(q Project, _ int) bool { return q.ID == id })
	})
}

// Rename updates the entry for id, which may also have moved to newID.
func (l *LaunchedProjects) Rename(id, newID assetid.ID, title string) error {
	return l.modify(func(projects []Project) []Project {
		for i := range projects {
			if projects[i].ID == id {
				projects[i].ID = newID
				projects[i].Title = title
			}
		}
		return projects
	})
}

// Move updates the entry for id after it moved under parentID. Moving can
// give a project the new identifier newID.
func (l *LaunchedProjects) Move(id, newID, parentID assetid.ID) error {
	return l.modify(func(projects []Project) []Project {
		for i := range projects {
			if projects[i].ID == id {
				projects[i].ID = newID
				projects[i].ParentID = parentID
			}
		}
		return projects
	})
}

// Subscribe delivers the list each time it changes.
func (l *LaunchedProjects) Subscribe() (<-chan []Project, func()) {
	raw, cancel := l.store.Subscribe(kvstore.KeyLaunchedProjects)
	out := make(chan []Project, 1)
	go func() {
		defer close(out)
		for data := range raw {
			var projects []Project
			if data != nil {
				if err := json.Unmarshal(data, &projects); err != nil {
					logging.Warn("malformed launched projects", zap.Error(err))
					continue
				}
			}
			// Only the latest list matters to a slow reader.
			select {
			case out <- projects:
			default:
				select {
				case <-out:
				default:
				}
				out <- projects
			}
		}
	}()
	return out, cancel
}
