// Package local implements the backend contract on top of the project
// manager running on this machine. Directory and file identifiers carry
// filesystem paths, so they change when an asset moves.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/kvstore"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/projectmanager"
)

// Config holds local backend settings.
type Config struct {
	ProjectManager projectmanager.Client
	RootDirectory  string

	// Store, when set, supplies a user override of RootDirectory under
	// kvstore.KeyLocalRootDirectory. Changes apply immediately.
	Store kvstore.Store

	// ServerURL is the local app server that imports uploaded projects.
	ServerURL  string
	HTTPClient *http.Client
}

// handle tracks a project this backend opened.
type handle struct {
	state  backend.ProjectState
	done   chan struct{}
	opened *projectmanager.OpenedProject
	err    error
}

// Backend is the local project-manager backend.
type Backend struct {
	pm         projectmanager.Client
	serverURL  string
	httpClient *http.Client
	configured string
	log        *zap.Logger

	mu       sync.Mutex
	override string
	handles  map[uuid.UUID]*handle
	paths    map[uuid.UUID]string
	uploads  map[string]*backend.UploadedAsset

	unsubscribe func()
}

var _ backend.Backend = (*Backend)(nil)

// New creates a local backend.
func New(cfg Config) (*Backend, error) {
	if cfg.ProjectManager == nil {
		return nil, fmt.Errorf("project manager client is required")
	}
	if cfg.RootDirectory == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}

	b := &Backend{
		pm:         cfg.ProjectManager,
		serverURL:  cfg.ServerURL,
		httpClient: cfg.HTTPClient,
		configured: filepath.Clean(cfg.RootDirectory),
		log:        logging.Named("local"),
		handles:    make(map[uuid.UUID]*handle),
		paths:      make(map[uuid.UUID]string),
		uploads:    make(map[string]*backend.UploadedAsset),
	}

	if cfg.Store != nil {
		var override string
		if _, err := cfg.Store.Get(kvstore.KeyLocalRootDirectory, &override); err != nil {
			return nil, fmt.Errorf("read root directory override: %w", err)
		}
		b.override = override
		ch, cancel := cfg.Store.Subscribe(kvstore.KeyLocalRootDirectory)
		b.unsubscribe = cancel
		go b.followOverride(ch)
	}
	return b, nil
}

func (b *Backend) followOverride(ch <-chan json.RawMessage) {
	for raw := range ch {
		var override string
		if raw != nil {
			if err := json.Unmarshal(raw, &override); err != nil {
				b.log.Warn("ignoring malformed root directory override", zap.Error(err))
				continue
			}
		}
		b.mu.Lock()
		b.override = override
		b.mu.Unlock()
		b.log.Info("root directory changed", zap.String("root", b.RootPath()))
	}
}

// Close stops following the root directory override.
func (b *Backend) Close() error {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	return nil
}

func (b *Backend) Type() backend.Type { return backend.TypeLocal }

func (b *Backend) RootDirectoryID(_ *backend.User, _ *backend.Organization, override string) assetid.ID {
	return backend.LocalRootDirectoryID(b.configured, override)
}

// RootPath is the effective root directory, honoring the override.
func (b *Backend) RootPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.override != "" {
		return filepath.Clean(b.override)
	}
	return b.configured
}

// dirPath resolves a directory identifier, "" meaning the root.
func (b *Backend) dirPath(id assetid.ID) (string, error) {
	if id == "" {
		return b.RootPath(), nil
	}
	ref, err := assetid.DecodeLocal(id)
	if err != nil {
		return "", err
	}
	if ref.Kind != assetid.Directory {
		return "", apierr.InvalidIdentifier(string(id), "not a directory")
	}
	return ref.Path, nil
}

func projectUUID(id assetid.ID) (uuid.UUID, error) {
	ref, err := assetid.DecodeLocal(id)
	if err != nil {
		return uuid.Nil, err
	}
	if ref.Kind != assetid.Project {
		return uuid.Nil, apierr.InvalidIdentifier(string(id), "not a project")
	}
	return ref.ProjectID, nil
}

func (b *Backend) stateOf(id uuid.UUID) backend.ProjectState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handles[id]; ok {
		return h.state
	}
	return backend.StateClosed
}

func (b *Backend) rememberPath(id uuid.UUID, path string) {
	b.mu.Lock()
	b.paths[id] = path
	b.mu.Unlock()
}

// projectPath returns the directory a project was last seen in.
func (b *Backend) projectPath(id uuid.UUID) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.paths[id]
	return p, ok
}

func (b *Backend) forget(id uuid.UUID) {
	b.mu.Lock()
	delete(b.paths, id)
	delete(b.handles, id)
	b.mu.Unlock()
}

// Listing.

func (b *Backend) ListDirectory(ctx context.Context, req backend.ListDirectoryRequest) ([]backend.Asset, error) {
	path, err := b.dirPath(req.ParentID)
	if err != nil {
		return nil, err
	}
	// Nothing is ever trashed or labelled locally.
	if req.FilterBy == backend.FilterTrashed || len(req.Labels) > 0 {
		return []backend.Asset{}, nil
	}

	entries, err := b.pm.ListDirectory(ctx, path)
	if err != nil {
		return b.listFailure(ctx, path, err)
	}

	parentID := assetid.LocalDirectory(path)
	assets := make([]backend.Asset, 0, len(entries))
	for _, e := range entries {
		if a, ok := b.toAsset(e, parentID); ok {
			assets = append(assets, a)
		}
	}
	backend.SortAssets(assets)
	return assets, nil
}

// listFailure decides what a failed listing means: a missing root is
// created, a missing directory is an error, anything else lists as empty.
func (b *Backend) listFailure(ctx context.Context, path string, cause error) ([]backend.Asset, error) {
	exists, err := b.pm.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	switch {
	case exists:
		b.log.Warn("list directory failed", zap.String("path", path), zap.Error(cause))
		return []backend.Asset{}, nil
	case path == b.RootPath():
		b.log.Info("creating missing root directory", zap.String("path", path))
		if err := b.pm.CreateDirectory(ctx, path); err != nil {
			return nil, err
		}
		return []backend.Asset{}, nil
	default:
		return nil, apierr.DirectoryDoesNotExist("listDirectory", path)
	}
}

func (b *Backend) toAsset(e projectmanager.Entry, parentID assetid.ID) (backend.Asset, bool) {
	switch e.Type {
	case projectmanager.DirectoryEntry:
		return backend.Asset{
			Type:       assetid.Directory,
			ID:         assetid.LocalDirectory(e.Path),
			ParentID:   parentID,
			Title:      filepath.Base(e.Path),
			ModifiedAt: e.Attributes.LastModifiedTime,
		}, true
	case projectmanager.ProjectEntry:
		if e.Metadata == nil {
			return backend.Asset{}, false
		}
		m := e.Metadata
		b.rememberPath(m.ID, e.Path)
		modified := m.Created
		if m.LastOpened != nil {
			modified = *m.LastOpened
		}
		return backend.Asset{
			Type:         assetid.Project,
			ID:           assetid.LocalProject(m.ID),
			ParentID:     parentID,
			Title:        m.Name,
			ModifiedAt:   modified,
			ProjectState: &backend.ProjectStateInfo{Type: b.stateOf(m.ID)},
		}, true
	case projectmanager.FileEntry:
		title := filepath.Base(e.Path)
		_, ext := backend.SplitFileName(title)
		return backend.Asset{
			Type:       assetid.File,
			ID:         assetid.LocalFile(e.Path),
			ParentID:   parentID,
			Title:      title,
			ModifiedAt: e.Attributes.LastModifiedTime,
			Extension:  ext,
		}, true
	default:
		b.log.Warn("skipping unknown entry type", zap.String("type", string(e.Type)), zap.String("path", e.Path))
		return backend.Asset{}, false
	}
}

func (b *Backend) CreateDirectory(ctx context.Context, req backend.CreateDirectoryRequest) (*backend.CreatedDirectory, error) {
	parent, err := b.dirPath(req.ParentID)
	if err != nil {
		return nil, err
	}
	if err := checkFileName("createDirectory", parent, req.Title); err != nil {
		return nil, err
	}
	path := filepath.Join(parent, req.Title)
	if err := b.pm.CreateDirectory(ctx, path); err != nil {
		return nil, err
	}
	return &backend.CreatedDirectory{
		ID:       assetid.LocalDirectory(path),
		ParentID: assetid.LocalDirectory(parent),
		Title:    req.Title,
	}, nil
}

func (b *Backend) DeleteAsset(ctx context.Context, id assetid.ID, _ bool) error {
	ref, err := assetid.DecodeLocal(id)
	if err != nil {
		return err
	}
	switch ref.Kind {
	case assetid.Directory, assetid.File:
		return b.pm.DeleteFile(ctx, ref.Path)
	case assetid.Project:
		if err := b.pm.DeleteProject(ctx, ref.ProjectID); err != nil {
			return fmt.Errorf("delete project %s: %w", id, err)
		}
		b.forget(ref.ProjectID)
		return nil
	default:
		return backend.Unsupported(backend.TypeLocal, "deleteAsset")
	}
}

// CopyAsset duplicates a project next to itself. Nothing else can be copied
// locally.
func (b *Backend) CopyAsset(ctx context.Context, id, parentID assetid.ID) (*backend.CopiedAsset, error) {
	ref, err := assetid.DecodeLocal(id)
	if err != nil {
		return nil, err
	}
	if ref.Kind != assetid.Project {
		return nil, backend.Unsupported(backend.TypeLocal, "copyAsset")
	}
	target, err := b.dirPath(parentID)
	if err != nil {
		return nil, err
	}
	path, ok := b.projectPath(ref.ProjectID)
	if !ok || filepath.Dir(path) != target {
		return nil, &apierr.Error{
			Kind:    apierr.ErrUnsupported,
			Op:      "copyAsset",
			Message: "projects can only be copied within their own directory",
		}
	}

	dup, err := b.pm.DuplicateProject(ctx, ref.ProjectID)
	if err != nil {
		return nil, err
	}
	return &backend.CopiedAsset{
		ID:       assetid.LocalProject(dup.ProjectID),
		ParentID: parentID,
		Title:    dup.ProjectName,
	}, nil
}
