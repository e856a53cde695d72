// Package pmtest provides an in-memory project manager for tests.
package pmtest

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/projectmanager"
)

type node struct {
	kind     projectmanager.EntryType
	modified time.Time
	meta     *projectmanager.ProjectMetadata
}

// Fake is an in-memory project manager. Like the real one, it identifies
// projects by location: a project that moves is registered again under a
// new identifier.
type Fake struct {
	mu    sync.Mutex
	nodes map[string]*node
	open  map[uuid.UUID]bool

	// OpenGate, when set, blocks OpenProject until it is closed.
	OpenGate chan struct{}
	// OpenErr, when set, fails every OpenProject.
	OpenErr error

	Opens  int
	Closes int
}

var _ projectmanager.Client = (*Fake)(nil)

// New creates a fake whose filesystem contains root.
func New(root string) *Fake {
	f := &Fake{nodes: make(map[string]*node), open: make(map[uuid.UUID]bool)}
	f.nodes[filepath.Clean(root)] = &node{kind: projectmanager.DirectoryEntry, modified: time.Now()}
	return f
}

// AddFile creates a file, and any missing parent directories.
func (f *Fake) AddFile(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAll(filepath.Dir(path))
	f.nodes[filepath.Clean(path)] = &node{kind: projectmanager.FileEntry, modified: time.Now()}
}

// AddProject creates a project directory and returns its identifier.
func (f *Fake) AddProject(dir, name string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAll(dir)
	return f.addProject(filepath.Join(dir, name), name)
}

// IsOpen reports whether a project is currently open.
func (f *Fake) IsOpen(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[id]
}

// Has reports whether path exists.
func (f *Fake) Has(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[filepath.Clean(path)]
	return ok
}

func (f *Fake) addProject(path, name string) uuid.UUID {
	id := uuid.New()
	f.nodes[filepath.Clean(path)] = &node{
		kind:     projectmanager.ProjectEntry,
		modified: time.Now(),
		meta:     &projectmanager.ProjectMetadata{ID: id, Name: name, Namespace: "local", Created: time.Now()},
	}
	return id
}

func (f *Fake) mkdirAll(path string) {
	path = filepath.Clean(path)
	for p := path; ; p = filepath.Dir(p) {
		if _, ok := f.nodes[p]; ok {
			break
		}
		f.nodes[p] = &node{kind: projectmanager.DirectoryEntry, modified: time.Now()}
		if p == filepath.Dir(p) {
			break
		}
	}
}

func (f *Fake) findProject(id uuid.UUID) (string, *node, bool) {
	for path, n := range f.nodes {
		if n.meta != nil && n.meta.ID == id {
			return path, n, true
		}
	}
	return "", nil, false
}

func within(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

func (f *Fake) ListDirectory(_ context.Context, path string) ([]projectmanager.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path = filepath.Clean(path)
	n, ok := f.nodes[path]
	if !ok || n.kind != projectmanager.DirectoryEntry {
		return nil, apierr.NotFound("listDirectory", path)
	}
	var entries []projectmanager.Entry
	for p, n := range f.nodes {
		if p == path || filepath.Dir(p) != path {
			continue
		}
		e := projectmanager.Entry{Type: n.kind, Path: p, Attributes: projectmanager.Attributes{LastModifiedTime: n.modified}}
		if n.meta != nil {
			meta := *n.meta
			e.Metadata = &meta
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (f *Fake) Exists(_ context.Context, path string) (bool, error) {
	return f.Has(path), nil
}

func (f *Fake) CreateDirectory(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[filepath.Clean(path)]; ok {
		return apierr.Conflict("createDirectory", path)
	}
	f.mkdirAll(path)
	return nil
}

func (f *Fake) DeleteFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path = filepath.Clean(path)
	if _, ok := f.nodes[path]; !ok {
		return apierr.NotFound("deleteFile", path)
	}
	for p := range f.nodes {
		if within(p, path) {
			delete(f.nodes, p)
		}
	}
	return nil
}

func (f *Fake) MoveFile(_ context.Context, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to = filepath.Clean(from), filepath.Clean(to)
	if _, ok := f.nodes[from]; !ok {
		return apierr.NotFound("moveFile", from)
	}
	if _, ok := f.nodes[to]; ok {
		return apierr.Conflict("moveFile", to)
	}
	if _, ok := f.nodes[filepath.Dir(to)]; !ok {
		return apierr.NotFound("moveFile", filepath.Dir(to))
	}
	moved := make(map[string]*node)
	for p, n := range f.nodes {
		if within(p, from) {
			moved[to+strings.TrimPrefix(p, from)] = n
			delete(f.nodes, p)
		}
	}
	for p, n := range moved {
		if n.meta != nil {
			meta := *n.meta
			meta.ID = uuid.New()
			n.meta = &meta
		}
		f.nodes[p] = n
	}
	return nil
}

func (f *Fake) CreateProject(_ context.Context, params projectmanager.CreateProjectParams) (*projectmanager.CreatedProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Clean(params.ProjectsDirectory)
	if _, ok := f.nodes[dir]; !ok {
		return nil, apierr.NotFound("createProject", dir)
	}
	path := filepath.Join(dir, params.Name)
	if _, ok := f.nodes[path]; ok {
		return nil, apierr.Conflict("createProject", params.Name)
	}
	id := f.addProject(path, params.Name)
	return &projectmanager.CreatedProject{ProjectID: id, ProjectName: params.Name, ProjectNormalizedName: params.Name}, nil
}

func (f *Fake) OpenProject(ctx context.Context, params projectmanager.OpenProjectParams) (*projectmanager.OpenedProject, error) {
	if gate := f.OpenGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Opens++
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	_, n, ok := f.findProject(params.ProjectID)
	if !ok {
		return nil, apierr.NotFound("openProject", params.ProjectID.String())
	}
	f.open[params.ProjectID] = true
	now := time.Now()
	n.meta.LastOpened = &now
	return &projectmanager.OpenedProject{
		ProjectName:                 n.meta.Name,
		ProjectNormalizedName:       n.meta.Name,
		ProjectNamespace:            n.meta.Namespace,
		EngineVersion:               "0.0.0-dev",
		LanguageServerJSONAddress:   projectmanager.Address{Host: "127.0.0.1", Port: 30616},
		LanguageServerBinaryAddress: projectmanager.Address{Host: "127.0.0.1", Port: 30617},
	}, nil
}

func (f *Fake) CloseProject(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closes++
	if _, _, ok := f.findProject(id); !ok {
		return apierr.NotFound("closeProject", id.String())
	}
	delete(f.open, id)
	return nil
}

func (f *Fake) DuplicateProject(_ context.Context, id uuid.UUID) (*projectmanager.CreatedProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, n, ok := f.findProject(id)
	if !ok {
		return nil, apierr.NotFound("duplicateProject", id.String())
	}
	name := n.meta.Name
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (copy %d)", n.meta.Name, i)
		if _, taken := f.nodes[filepath.Join(filepath.Dir(path), candidate)]; !taken {
			name = candidate
			break
		}
	}
	dup := f.addProject(filepath.Join(filepath.Dir(path), name), name)
	return &projectmanager.CreatedProject{ProjectID: dup, ProjectName: name, ProjectNormalizedName: name}, nil
}

func (f *Fake) RenameProject(_ context.Context, id uuid.UUID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, n, ok := f.findProject(id)
	if !ok {
		return apierr.NotFound("renameProject", id.String())
	}
	meta := *n.meta
	meta.Name = name
	n.meta = &meta
	return nil
}

func (f *Fake) DeleteProject(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, _, ok := f.findProject(id)
	if !ok {
		return apierr.NotFound("deleteProject", id.String())
	}
	for p := range f.nodes {
		if within(p, path) {
			delete(f.nodes, p)
		}
	}
	delete(f.open, id)
	return nil
}

func (f *Fake) ListProjects(context.Context) ([]projectmanager.ProjectMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []projectmanager.ProjectMetadata
	for _, n := range f.nodes {
		if n.meta != nil {
			out = append(out, *n.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
