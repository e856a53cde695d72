package drive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
)

// memBackend is an in-memory cloud backend. Calls it does not implement
// panic through the nil embedded interface.
type memBackend struct {
	backend.Backend

	mu        sync.Mutex
	user      backend.User
	groups    []backend.UserGroupInfo
	assets    map[assetid.ID]backend.Asset
	trashed   map[assetid.ID]bool
	next      int
	listCalls int
	tagCalls  int

	failDelete  map[assetid.ID]bool
	onDelete    func()
	failCreate  error
	failUpload  map[string]bool
	createGate  chan struct{}
	uploadedIDs []assetid.ID
	updated     []assetid.ID

	// rekeyMoves gives a moved project a new identifier, as the project
	// manager does.
	rekeyMoves bool
}

const rootID assetid.ID = "directory-root"

func newMemBackend() *memBackend {
	return &memBackend{
		user:       backend.User{UserID: "user-1", Name: "Ada", RootDirectoryID: rootID, Plan: backend.PlanSolo},
		assets:     make(map[assetid.ID]backend.Asset),
		trashed:    make(map[assetid.ID]bool),
		failDelete: make(map[assetid.ID]bool),
		failUpload: make(map[string]bool),
	}
}

func (m *memBackend) add(kind assetid.Kind, parent assetid.ID, title string) backend.Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(kind, parent, title)
}

func (m *memBackend) addLocked(kind assetid.Kind, parent assetid.ID, title string) backend.Asset {
	m.next++
	a := backend.Asset{
		Type:       kind,
		ID:         assetid.Encode(kind, fmt.Sprintf("%d", m.next)),
		ParentID:   parent,
		Title:      title,
		ModifiedAt: time.Now(),
	}
	m.assets[a.ID] = a
	return a
}

func (m *memBackend) Type() backend.Type { return backend.TypeRemote }

func (m *memBackend) RootDirectoryID(user *backend.User, org *backend.Organization, _ string) assetid.ID {
	return backend.RemoteRootDirectoryID(user, org)
}

func (m *memBackend) UsersMe(context.Context) (*backend.User, error) {
	u := m.user
	return &u, nil
}

func (m *memBackend) GetOrganization(context.Context) (*backend.Organization, error) {
	return &backend.Organization{ID: "organization-acme", Name: "Acme"}, nil
}

func (m *memBackend) ListUserGroups(context.Context) ([]backend.UserGroupInfo, error) {
	return m.groups, nil
}

func (m *memBackend) ListDirectory(_ context.Context, req backend.ListDirectoryRequest) ([]backend.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []backend.Asset
	for id, a := range m.assets {
		if a.ParentID != req.ParentID {
			continue
		}
		if m.trashed[id] != (req.FilterBy == backend.FilterTrashed) {
			continue
		}
		out = append(out, a)
	}
	backend.SortAssets(out)
	return out, nil
}

func (m *memBackend) CreateDirectory(ctx context.Context, req backend.CreateDirectoryRequest) (*backend.CreatedDirectory, error) {
	if m.createGate != nil {
		select {
		case <-m.createGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.failCreate != nil {
		return nil, m.failCreate
	}
	a := m.add(assetid.Directory, req.ParentID, req.Title)
	return &backend.CreatedDirectory{ID: a.ID, ParentID: a.ParentID, Title: a.Title}, nil
}

func (m *memBackend) CreateProject(_ context.Context, req backend.CreateProjectRequest) (*backend.CreatedProject, error) {
	a := m.add(assetid.Project, req.ParentDirectoryID, req.ProjectName)
	return &backend.CreatedProject{ID: a.ID, Name: a.Title, ParentID: a.ParentID}, nil
}

func (m *memBackend) CreateSecret(_ context.Context, req backend.CreateSecretRequest) (assetid.ID, error) {
	return m.add(assetid.Secret, req.ParentDirectoryID, req.Name).ID, nil
}

func (m *memBackend) UpdateProject(_ context.Context, id assetid.ID, req backend.UpdateProjectRequest) (*backend.UpdatedProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return nil, apierr.NotFound("updateProject", string(id))
	}
	if req.ProjectName != nil {
		a.Title = *req.ProjectName
	}
	m.assets[id] = a
	return &backend.UpdatedProject{ID: id, Name: a.Title}, nil
}

func (m *memBackend) DeleteAsset(_ context.Context, id assetid.ID, force bool) error {
	if m.onDelete != nil {
		m.onDelete()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete[id] {
		return apierr.Forbidden("deleteAsset", "asset is locked")
	}
	if _, ok := m.assets[id]; !ok {
		return apierr.NotFound("deleteAsset", string(id))
	}
	if force {
		delete(m.assets, id)
		delete(m.trashed, id)
		return nil
	}
	m.trashed[id] = true
	return nil
}

func (m *memBackend) UndoDeleteAsset(_ context.Context, id assetid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.trashed[id] {
		return apierr.NotFound("undoDeleteAsset", string(id))
	}
	delete(m.trashed, id)
	return nil
}

func (m *memBackend) CopyAsset(_ context.Context, id, parentID assetid.ID) (*backend.CopiedAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.assets[id]
	if !ok {
		return nil, apierr.NotFound("copyAsset", string(id))
	}
	a := m.addLocked(src.Type, parentID, src.Title)
	return &backend.CopiedAsset{ID: a.ID, ParentID: parentID, Title: a.Title}, nil
}

func (m *memBackend) UpdateAsset(_ context.Context, id assetid.ID, req backend.UpdateAssetRequest) (assetid.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return "", apierr.NotFound("updateAsset", string(id))
	}
	if req.ParentDirectoryID != "" {
		a.ParentID = req.ParentDirectoryID
	}
	if m.rekeyMoves && a.Type == assetid.Project && req.ParentDirectoryID != "" {
		delete(m.assets, id)
		m.next++
		a.ID = assetid.Encode(a.Type, fmt.Sprintf("%d", m.next))
	}
	m.assets[a.ID] = a
	return a.ID, nil
}

func (m *memBackend) AssociateTag(_ context.Context, id assetid.ID, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tagCalls++
	a := m.assets[id]
	a.Labels = labels
	m.assets[id] = a
	return nil
}

func (m *memBackend) UploadFileStart(_ context.Context, req backend.UploadFileRequest, _ backend.UploadSource) (*backend.UploadSession, error) {
	if m.failUpload[req.FileName] {
		return nil, apierr.Forbidden("uploadFileStart", "quota exceeded")
	}
	return &backend.UploadSession{UploadID: "up-" + req.FileName}, nil
}

func (m *memBackend) UploadFileEnd(_ context.Context, req backend.UploadFileEndRequest) (*backend.UploadedAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.FileID != "" {
		a := m.assets[req.FileID]
		a.ModifiedAt = time.Now()
		m.assets[req.FileID] = a
		m.updated = append(m.updated, req.FileID)
		return &backend.UploadedAsset{ID: req.FileID}, nil
	}
	kind, title := assetid.File, req.FileName
	if backend.IsProjectFileName(req.FileName) {
		kind, title = assetid.Project, backend.StripProjectExtension(req.FileName)
	}
	a := m.addLocked(kind, req.ParentDirectoryID, title)
	m.uploadedIDs = append(m.uploadedIDs, a.ID)
	return &backend.UploadedAsset{ID: a.ID}, nil
}

func (m *memBackend) titles(parent assetid.ID) []string {
	list, _ := m.ListDirectory(context.Background(), backend.ListDirectoryRequest{ParentID: parent})
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Title
	}
	return out
}

// bytesSource is an in-memory upload source.
type bytesSource []byte

func (s bytesSource) Size() int64 { return int64(len(s)) }

func (s bytesSource) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, s[off:]), nil
}
