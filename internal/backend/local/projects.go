package local

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/projectmanager"
)

func (b *Backend) ListProjects(ctx context.Context) ([]backend.ProjectSummary, error) {
	projects, err := b.pm.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]backend.ProjectSummary, 0, len(projects))
	for _, p := range projects {
		s := backend.ProjectSummary{
			ID:    assetid.LocalProject(p.ID),
			Name:  p.Name,
			State: backend.ProjectStateInfo{Type: b.stateOf(p.ID)},
		}
		if path, ok := b.projectPath(p.ID); ok {
			s.ParentID = assetid.LocalDirectory(filepath.Dir(path))
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *Backend) CreateProject(ctx context.Context, req backend.CreateProjectRequest) (*backend.CreatedProject, error) {
	if req.DatalinkID != "" {
		return nil, backend.Unsupported(backend.TypeLocal, "createProject from datalink")
	}
	parent, err := b.dirPath(req.ParentDirectoryID)
	if err != nil {
		return nil, err
	}
	created, err := b.pm.CreateProject(ctx, projectmanager.CreateProjectParams{
		Name:              req.ProjectName,
		ProjectTemplate:   req.ProjectTemplateName,
		ProjectsDirectory: parent,
	})
	if err != nil {
		return nil, err
	}
	return &backend.CreatedProject{
		ID:          assetid.LocalProject(created.ProjectID),
		Name:        created.ProjectName,
		ParentID:    assetid.LocalDirectory(parent),
		PackageName: created.ProjectNormalizedName,
		State:       backend.ProjectStateInfo{Type: backend.StateClosed},
	}, nil
}

// GetProjectDetails reports an opened project from its handle, and any other
// project from a listing of its directory.
func (b *Backend) GetProjectDetails(ctx context.Context, id, parentID assetid.ID) (*backend.Project, error) {
	uid, err := projectUUID(id)
	if err != nil {
		return nil, err
	}

	dir, err := b.projectDir(uid, parentID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	h := b.handles[uid]
	b.mu.Unlock()
	if h != nil && h.state == backend.StateOpened && h.opened != nil {
		return &backend.Project{
			ID:            id,
			Name:          h.opened.ProjectName,
			ParentID:      assetid.LocalDirectory(dir),
			PackageName:   h.opened.ProjectNormalizedName,
			State:         backend.ProjectStateInfo{Type: backend.StateOpened},
			JSONAddress:   h.opened.LanguageServerJSONAddress.String(),
			BinaryAddress: h.opened.LanguageServerBinaryAddress.String(),
			EngineVersion: h.opened.EngineVersion,
		}, nil
	}

	entries, err := b.pm.ListDirectory(ctx, dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type != projectmanager.ProjectEntry || e.Metadata == nil || e.Metadata.ID != uid {
			continue
		}
		b.rememberPath(uid, e.Path)
		return &backend.Project{
			ID:            id,
			Name:          e.Metadata.Name,
			ParentID:      assetid.LocalDirectory(dir),
			PackageName:   e.Metadata.Name,
			State:         backend.ProjectStateInfo{Type: b.stateOf(uid)},
			EngineVersion: e.Metadata.EngineVersion,
		}, nil
	}
	return nil, apierr.NotFound("getProjectDetails", fmt.Sprintf("project %s not found in %s", id, dir))
}

// projectDir picks the directory to look for a project in: the caller's
// hint, then where it was last seen, then the root.
func (b *Backend) projectDir(uid uuid.UUID, parentID assetid.ID) (string, error) {
	if parentID != "" {
		return b.dirPath(parentID)
	}
	if path, ok := b.projectPath(uid); ok {
		return filepath.Dir(path), nil
	}
	return b.RootPath(), nil
}

// OpenProject starts the project's language server. An open already in
// progress is joined rather than repeated. With ExecuteAsync the call
// returns as soon as the open has been issued.
func (b *Backend) OpenProject(ctx context.Context, id assetid.ID, req backend.OpenProjectRequest) error {
	uid, err := projectUUID(id)
	if err != nil {
		return err
	}
	var projectsDir string
	if req.ParentID != "" {
		if projectsDir, err = b.dirPath(req.ParentID); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if h, ok := b.handles[uid]; ok && h.state != backend.StateClosing {
		b.mu.Unlock()
		if req.ExecuteAsync {
			return nil
		}
		return waitHandle(ctx, h)
	}
	h := &handle{state: backend.StateOpenInProgress, done: make(chan struct{})}
	b.handles[uid] = h
	b.mu.Unlock()

	open := func(ctx context.Context) error {
		opened, err := b.pm.OpenProject(ctx, projectmanager.OpenProjectParams{ProjectID: uid, ProjectsDirectory: projectsDir})
		b.mu.Lock()
		if err != nil {
			h.err = fmt.Errorf("open project %s: %w", id, err)
			if b.handles[uid] == h {
				delete(b.handles, uid)
			}
		} else {
			h.state = backend.StateOpened
			h.opened = opened
		}
		close(h.done)
		b.mu.Unlock()
		return h.err
	}

	if req.ExecuteAsync {
		go func() {
			if err := open(context.WithoutCancel(ctx)); err != nil {
				b.log.Error("open project failed", zap.String("project", string(id)), zap.Error(err))
			}
		}()
		return nil
	}
	return open(ctx)
}

func waitHandle(ctx context.Context, h *handle) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseProject waits for a pending open to settle, since the project
// manager cannot close a project that is still opening.
func (b *Backend) CloseProject(ctx context.Context, id assetid.ID) error {
	uid, err := projectUUID(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	h := b.handles[uid]
	b.mu.Unlock()
	if h != nil {
		// A failed open leaves nothing to close beyond what the project
		// manager itself reports.
		_ = waitHandle(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.mu.Lock()
		h.state = backend.StateClosing
		b.mu.Unlock()
	}

	err = b.pm.CloseProject(ctx, uid)
	b.mu.Lock()
	if b.handles[uid] == h {
		delete(b.handles, uid)
	}
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("close project %s: %w", id, err)
	}
	return nil
}

// UpdateProject renames and/or moves a project. A move registers the
// project under a new identifier, which is returned.
func (b *Backend) UpdateProject(ctx context.Context, id assetid.ID, req backend.UpdateProjectRequest) (*backend.UpdatedProject, error) {
	uid, err := projectUUID(id)
	if err != nil {
		return nil, err
	}
	if req.ProjectName != nil {
		if err := b.pm.RenameProject(ctx, uid, *req.ProjectName); err != nil {
			return nil, fmt.Errorf("rename project %s: %w", id, err)
		}
	}
	current := id
	if req.ParentID != "" {
		if current, err = b.moveProject(ctx, uid, req.ParentID); err != nil {
			return nil, err
		}
	}
	p, err := b.GetProjectDetails(ctx, current, req.ParentID)
	if err != nil {
		return nil, err
	}
	return &backend.UpdatedProject{ID: p.ID, Name: p.Name, State: p.State}, nil
}

func (b *Backend) moveProject(ctx context.Context, uid uuid.UUID, parentID assetid.ID) (assetid.ID, error) {
	const op = "moveProject"
	from, ok := b.projectPath(uid)
	if !ok {
		return "", apierr.NotFound(op, fmt.Sprintf("location of project %s is unknown", uid))
	}
	target, err := b.dirPath(parentID)
	if err != nil {
		return "", err
	}
	to := filepath.Join(target, filepath.Base(from))
	if to == from {
		return assetid.LocalProject(uid), nil
	}
	if err := b.pm.MoveFile(ctx, from, to); err != nil {
		return "", err
	}
	b.forget(uid)

	entries, err := b.pm.ListDirectory(ctx, target)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Type == projectmanager.ProjectEntry && e.Metadata != nil && e.Path == to {
			b.rememberPath(e.Metadata.ID, e.Path)
			return assetid.LocalProject(e.Metadata.ID), nil
		}
	}
	return "", apierr.NotFound(op, fmt.Sprintf("moved project not found at %s", to))
}

func (b *Backend) DuplicateProject(ctx context.Context, id assetid.ID, _ string) (*backend.CreatedProject, error) {
	uid, err := projectUUID(id)
	if err != nil {
		return nil, err
	}
	dup, err := b.pm.DuplicateProject(ctx, uid)
	if err != nil {
		return nil, err
	}
	created := &backend.CreatedProject{
		ID:          assetid.LocalProject(dup.ProjectID),
		Name:        dup.ProjectName,
		PackageName: dup.ProjectNormalizedName,
		State:       backend.ProjectStateInfo{Type: backend.StateClosed},
	}
	if path, ok := b.projectPath(uid); ok {
		created.ParentID = assetid.LocalDirectory(filepath.Dir(path))
	}
	return created, nil
}
