package drive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/lifecycle"
	"github.com/fruitsalade/assetsync/internal/querycache"
)

// creation describes one optimistic create.
type creation[T any] struct {
	op       string
	kind     assetid.Kind
	parentID assetid.ID
	title    string
	base     string
	create   func(ctx context.Context, b backend.Backend, parentID assetid.ID, title string) (T, assetid.ID, error)
}

// createWithPlaceholder shows a placeholder in the parent's listing while
// the backend creates the asset. On success the placeholder takes the
// server identifier, otherwise it disappears.
func createWithPlaceholder[T any](ctx context.Context, d *Drive, t backend.Type, c creation[T]) (T, error) {
	var zero T
	parentID, err := d.resolveParent(ctx, t, c.parentID)
	if err != nil {
		return zero, err
	}
	req := backend.ListDirectoryRequest{ParentID: parentID}
	siblings, err := d.ListDirectory(ctx, t, req)
	if err != nil {
		return zero, err
	}

	title := c.title
	if title == "" {
		base := c.base
		if base == "" {
			base = defaultBase[c.kind]
		}
		title = NewTitle(siblings, c.kind, base)
	}

	placeholder := backend.Asset{
		Type:       c.kind,
		ParentID:   parentID,
		Title:      title,
		ModifiedAt: time.Now(),
	}
	if c.kind == assetid.Project {
		placeholder.ProjectState = &backend.ProjectStateInfo{Type: backend.StateNew}
	}
	pending := d.cache.InsertPlaceholder(querycache.ListDirectoryKey(t, req), placeholder)

	v, err := Mutate(ctx, d, t, c.op, func(ctx context.Context, b backend.Backend) (T, error) {
		v, id, err := c.create(ctx, b, parentID, title)
		if err != nil {
			return v, err
		}
		pending.Reconcile(id)
		return v, nil
	})
	if err != nil {
		pending.Rollback()
		return zero, err
	}
	return v, nil
}

// CreateDirectory creates a folder under parentID, the root when empty. An
// empty title picks the next free "New Folder N".
func (d *Drive) CreateDirectory(ctx context.Context, t backend.Type, parentID assetid.ID, title string) (*backend.CreatedDirectory, error) {
	return createWithPlaceholder(ctx, d, t, creation[*backend.CreatedDirectory]{
		op:       "createDirectory",
		kind:     assetid.Directory,
		parentID: parentID,
		title:    title,
		create: func(ctx context.Context, b backend.Backend, parentID assetid.ID, title string) (*backend.CreatedDirectory, assetid.ID, error) {
			created, err := b.CreateDirectory(ctx, backend.CreateDirectoryRequest{ParentID: parentID, Title: title})
			if err != nil {
				return nil, "", err
			}
			return created, created.ID, nil
		},
	})
}

// NewProject describes a project to create.
type NewProject struct {
	ParentID     assetid.ID
	Name         string
	TemplateName string
	DatalinkID   assetid.ID

	// Open hands the project to the lifecycle tracker once it exists.
	Open bool
}

// CreateProject creates a project. Without a name it is called after the
// template, or "New Project N".
func (d *Drive) CreateProject(ctx context.Context, t backend.Type, p NewProject) (*backend.CreatedProject, error) {
	created, err := createWithPlaceholder(ctx, d, t, creation[*backend.CreatedProject]{
		op:       "createProject",
		kind:     assetid.Project,
		parentID: p.ParentID,
		title:    p.Name,
		base:     p.TemplateName,
		create: func(ctx context.Context, b backend.Backend, parentID assetid.ID, title string) (*backend.CreatedProject, assetid.ID, error) {
			created, err := b.CreateProject(ctx, backend.CreateProjectRequest{
				ParentDirectoryID:   parentID,
				ProjectName:         title,
				ProjectTemplateName: p.TemplateName,
				DatalinkID:          p.DatalinkID,
			})
			if err != nil {
				return nil, "", err
			}
			if created.ParentID == "" {
				created.ParentID = parentID
			}
			return created, created.ID, nil
		},
	})
	if err != nil || !p.Open || d.tracker == nil {
		return created, err
	}
	return created, d.OpenProject(ctx, lifecycle.Project{
		Backend:  t,
		ID:       created.ID,
		ParentID: created.ParentID,
		Title:    created.Name,
	})
}

func (d *Drive) CreateSecret(ctx context.Context, t backend.Type, parentID assetid.ID, name, value string) (assetid.ID, error) {
	return createWithPlaceholder(ctx, d, t, creation[assetid.ID]{
		op:       "createSecret",
		kind:     assetid.Secret,
		parentID: parentID,
		title:    name,
		create: func(ctx context.Context, b backend.Backend, parentID assetid.ID, title string) (assetid.ID, assetid.ID, error) {
			id, err := b.CreateSecret(ctx, backend.CreateSecretRequest{ParentDirectoryID: parentID, Name: title, Value: value})
			return id, id, err
		},
	})
}

func (d *Drive) CreateDatalink(ctx context.Context, t backend.Type, parentID assetid.ID, name string, value json.RawMessage) (*backend.DatalinkInfo, error) {
	return createWithPlaceholder(ctx, d, t, creation[*backend.DatalinkInfo]{
		op:       "createDatalink",
		kind:     assetid.Datalink,
		parentID: parentID,
		title:    name,
		create: func(ctx context.Context, b backend.Backend, parentID assetid.ID, title string) (*backend.DatalinkInfo, assetid.ID, error) {
			info, err := b.CreateDatalink(ctx, backend.CreateDatalinkRequest{ParentDirectoryID: parentID, Name: title, Value: value})
			if err != nil {
				return nil, "", err
			}
			return info, info.ID, nil
		},
	})
}
