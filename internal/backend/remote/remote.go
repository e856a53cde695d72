// Package remote implements the backend contract against the cloud HTTP API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/auth"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/config"
	"github.com/fruitsalade/assetsync/internal/execution"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/metrics"
)

// Config holds remote backend settings.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	Tokens    auth.TokenSource
	RateLimit float64 // requests per second, 0 = unlimited
	RateBurst int
	ChunkSize int64

	// HTTPClient overrides the API client; ChunkClient the client used for
	// presigned chunk PUTs. Both default to a tuned transport.
	HTTPClient  *http.Client
	ChunkClient *http.Client
}

// Backend talks to the cloud API.
type Backend struct {
	c           *client
	chunkClient *http.Client
	chunkSize   int64
	log         *zap.Logger

	mu sync.RWMutex
	me *backend.LiveUser
}

var _ backend.Backend = (*Backend)(nil)

// New creates a remote backend.
func New(cfg Config) *Backend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout, Transport: newTransport()}
	}
	if cfg.ChunkClient == nil {
		cfg.ChunkClient = &http.Client{Transport: newTransport()}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	log := logging.Named("remote")
	return &Backend{
		c: &client{
			baseURL:    cfg.BaseURL,
			httpClient: cfg.HTTPClient,
			tokens:     cfg.Tokens,
			limiter:    limiter,
			log:        log,
		},
		chunkClient: cfg.ChunkClient,
		chunkSize:   cfg.ChunkSize,
		log:         log,
	}
}

func (b *Backend) Type() backend.Type { return backend.TypeRemote }

func (b *Backend) RootDirectoryID(user *backend.User, org *backend.Organization, _ string) assetid.ID {
	return backend.RemoteRootDirectoryID(user, org)
}

// currentUser returns the shared reference for the signed-in user, or nil
// before UsersMe has succeeded.
func (b *Backend) currentUser() *backend.LiveUser {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.me
}

func (b *Backend) setCurrentUser(info backend.UserInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.me == nil {
		b.me = backend.NewLiveUser(info)
		return
	}
	b.me.Set(info)
}

func escape(id assetid.ID) string {
	return url.PathEscape(string(id))
}

func is(err error, kinds ...error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// Users and organizations.

func (b *Backend) UsersMe(ctx context.Context) (*backend.User, error) {
	var user backend.User
	err := b.c.do(ctx, "usersMe", http.MethodGet, pathUsersMe, nil, nil, &user)
	if is(err, apierr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.setCurrentUser(user.Info())
	return &user, nil
}

func (b *Backend) ListUsers(ctx context.Context) ([]backend.UserInfo, error) {
	var resp struct {
		Users []backend.UserInfo `json:"users"`
	}
	err := b.c.do(ctx, "listUsers", http.MethodGet, pathUsers, nil, nil, &resp)
	if is(err, apierr.ErrForbidden) {
		return []backend.UserInfo{}, nil
	}
	return resp.Users, err
}

func (b *Backend) UpdateUser(ctx context.Context, req backend.UpdateUserRequest) error {
	if err := b.c.do(ctx, "updateUser", http.MethodPut, pathUsersMe, nil, req, nil); err != nil {
		return err
	}
	if me := b.currentUser(); me != nil && req.Username != nil {
		info := me.Get()
		info.Name = *req.Username
		me.Set(info)
	}
	return nil
}

func (b *Backend) GetOrganization(ctx context.Context) (*backend.Organization, error) {
	var org backend.Organization
	err := b.c.do(ctx, "getOrganization", http.MethodGet, pathOrganization, nil, nil, &org)
	if is(err, apierr.ErrNotFound, apierr.ErrForbidden) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (b *Backend) UpdateOrganization(ctx context.Context, req backend.UpdateOrganizationRequest) (*backend.Organization, error) {
	var org backend.Organization
	if err := b.c.do(ctx, "updateOrganization", http.MethodPatch, pathOrganization, nil, req, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

func (b *Backend) ListUserGroups(ctx context.Context) ([]backend.UserGroupInfo, error) {
	var resp struct {
		UserGroups []backend.UserGroupInfo `json:"userGroups"`
	}
	err := b.c.do(ctx, "listUserGroups", http.MethodGet, pathUserGroups, nil, nil, &resp)
	if is(err, apierr.ErrForbidden) {
		return []backend.UserGroupInfo{}, nil
	}
	return resp.UserGroups, err
}

func (b *Backend) CreateUserGroup(ctx context.Context, req backend.CreateUserGroupRequest) (*backend.UserGroupInfo, error) {
	var group backend.UserGroupInfo
	if err := b.c.do(ctx, "createUserGroup", http.MethodPost, pathUserGroups, nil, req, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

func (b *Backend) DeleteUserGroup(ctx context.Context, id string) error {
	return b.c.do(ctx, "deleteUserGroup", http.MethodDelete, pathUserGroups+"/"+url.PathEscape(id), nil, nil, nil)
}

func (b *Backend) AcceptInvitation(ctx context.Context) error {
	return b.c.do(ctx, "acceptInvitation", http.MethodPatch, pathInvitationAccept, nil, nil, nil)
}

func (b *Backend) DeclineInvitation(ctx context.Context, email string) error {
	return b.c.do(ctx, "declineInvitation", http.MethodDelete, pathInvitations+"/"+url.PathEscape(email), nil, nil, nil)
}

func (b *Backend) CreatePermission(ctx context.Context, req backend.CreatePermissionRequest) error {
	return b.c.do(ctx, "createPermission", http.MethodPost, pathPermissions, nil, req, nil)
}

// Assets.

func (b *Backend) ListDirectory(ctx context.Context, req backend.ListDirectoryRequest) ([]backend.Asset, error) {
	query := url.Values{}
	if req.ParentID != "" {
		query.Set("parent_id", string(req.ParentID))
	}
	if req.FilterBy != backend.FilterActive {
		query.Set("filter_by", string(req.FilterBy))
	}
	if len(req.Labels) > 0 {
		for _, l := range req.Labels {
			query.Add("labels", l)
		}
	}
	if req.RecentProjects {
		query.Set("recent_projects", "true")
	}

	var resp struct {
		Assets []backend.Asset `json:"assets"`
	}
	err := b.c.do(ctx, "listDirectory", http.MethodGet, pathDirectories, query, nil, &resp)
	if is(err, apierr.ErrServer) {
		// Keep the tree renderable; the failure was logged at classification.
		return []backend.Asset{}, nil
	}
	if err != nil {
		return nil, err
	}
	return b.normalizeListing(req.ParentID, resp.Assets)
}

// normalizeListing derives each asset's type from its identifier, pins the
// parent to the requested one, and shares the current user's permission
// entries through one live reference.
func (b *Backend) normalizeListing(parentID assetid.ID, assets []backend.Asset) ([]backend.Asset, error) {
	me := b.currentUser()
	var myID string
	if me != nil {
		myID = me.Get().UserID
	}

	for i := range assets {
		a := &assets[i]
		kind, err := assetid.KindOf(a.ID)
		if err != nil {
			return nil, err
		}
		a.Type = kind
		if parentID != "" {
			a.ParentID = parentID
		}
		for j := range a.Permissions {
			p := &a.Permissions[j]
			if me != nil && p.User != nil && p.User.Get().UserID == myID {
				p.User = me
			}
		}
		backend.SortPermissions(a.Permissions)
	}
	backend.SortAssets(assets)
	return assets, nil
}

func (b *Backend) CreateDirectory(ctx context.Context, req backend.CreateDirectoryRequest) (*backend.CreatedDirectory, error) {
	var dir backend.CreatedDirectory
	if err := b.c.do(ctx, "createDirectory", http.MethodPost, pathDirectories, nil, req, &dir); err != nil {
		return nil, err
	}
	return &dir, nil
}

func (b *Backend) UpdateDirectory(ctx context.Context, id assetid.ID, req backend.UpdateDirectoryRequest) (*backend.UpdatedDirectory, error) {
	var dir backend.UpdatedDirectory
	if err := b.c.do(ctx, "updateDirectory", http.MethodPut, pathDirectories+"/"+escape(id), nil, req, &dir); err != nil {
		return nil, err
	}
	return &dir, nil
}

func (b *Backend) UpdateAsset(ctx context.Context, id assetid.ID, req backend.UpdateAssetRequest) (assetid.ID, error) {
	if err := b.c.do(ctx, "updateAsset", http.MethodPatch, pathAssets+"/"+escape(id), nil, req, nil); err != nil {
		return "", err
	}
	return id, nil
}

func (b *Backend) DeleteAsset(ctx context.Context, id assetid.ID, force bool) error {
	query := url.Values{"force": {strconv.FormatBool(force)}}
	return b.c.do(ctx, "deleteAsset", http.MethodDelete, pathAssets+"/"+escape(id), query, nil, nil)
}

func (b *Backend) UndoDeleteAsset(ctx context.Context, id assetid.ID) error {
	body := map[string]assetid.ID{"assetId": id}
	return b.c.do(ctx, "undoDeleteAsset", http.MethodPatch, pathAssets, nil, body, nil)
}

func (b *Backend) CopyAsset(ctx context.Context, id, parentID assetid.ID) (*backend.CopiedAsset, error) {
	body := map[string]assetid.ID{"parentDirectoryId": parentID}
	var resp struct {
		Asset backend.CopiedAsset `json:"asset"`
	}
	if err := b.c.do(ctx, "copyAsset", http.MethodPost, pathAssets+"/"+escape(id)+"/copy", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Asset, nil
}

func (b *Backend) ListAssetVersions(ctx context.Context, id assetid.ID) ([]backend.AssetVersion, error) {
	var resp struct {
		Versions []backend.AssetVersion `json:"versions"`
	}
	if err := b.c.do(ctx, "listAssetVersions", http.MethodGet, pathAssets+"/"+escape(id)+"/versions", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

func (b *Backend) AssociateTag(ctx context.Context, id assetid.ID, labels []string) error {
	if labels == nil {
		labels = []string{}
	}
	body := map[string][]string{"labels": labels}
	return b.c.do(ctx, "associateTag", http.MethodPatch, pathAssets+"/"+escape(id)+"/labels", nil, body, nil)
}

// Projects.

func (b *Backend) ListProjects(ctx context.Context) ([]backend.ProjectSummary, error) {
	var resp struct {
		Projects []backend.ProjectSummary `json:"projects"`
	}
	if err := b.c.do(ctx, "listProjects", http.MethodGet, pathProjects, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

func (b *Backend) CreateProject(ctx context.Context, req backend.CreateProjectRequest) (*backend.CreatedProject, error) {
	var p backend.CreatedProject
	if err := b.c.do(ctx, "createProject", http.MethodPost, pathProjects, nil, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *Backend) GetProjectDetails(ctx context.Context, id, _ assetid.ID) (*backend.Project, error) {
	var p backend.Project
	if err := b.c.do(ctx, "getProjectDetails", http.MethodGet, pathProjects+"/"+escape(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *Backend) OpenProject(ctx context.Context, id assetid.ID, req backend.OpenProjectRequest) error {
	return b.c.do(ctx, "openProject", http.MethodPost, pathProjects+"/"+escape(id)+"/open", nil, req, nil)
}

func (b *Backend) CloseProject(ctx context.Context, id assetid.ID) error {
	return b.c.do(ctx, "closeProject", http.MethodPost, pathProjects+"/"+escape(id)+"/close", nil, nil, nil)
}

func (b *Backend) UpdateProject(ctx context.Context, id assetid.ID, req backend.UpdateProjectRequest) (*backend.UpdatedProject, error) {
	var p backend.UpdatedProject
	if err := b.c.do(ctx, "updateProject", http.MethodPut, pathProjects+"/"+escape(id), nil, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *Backend) DuplicateProject(ctx context.Context, id assetid.ID, versionID string) (*backend.CreatedProject, error) {
	body := map[string]string{"versionId": versionID}
	var p backend.CreatedProject
	if err := b.c.do(ctx, "duplicateProject", http.MethodPost, pathProjects+"/"+escape(id)+"/duplicate", nil, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *Backend) RestoreProject(ctx context.Context, id assetid.ID, versionID string) error {
	body := map[string]string{"versionId": versionID}
	return b.c.do(ctx, "restoreProject", http.MethodPost, pathProjects+"/"+escape(id)+"/restore", nil, body, nil)
}

// Scheduled executions.

func (b *Backend) ListProjectExecutions(ctx context.Context, projectID assetid.ID) ([]backend.ProjectExecution, error) {
	var resp struct {
		Executions []backend.ProjectExecution `json:"executions"`
	}
	if err := b.c.do(ctx, "listProjectExecutions", http.MethodGet, pathProjects+"/"+escape(projectID)+"/executions", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

func (b *Backend) CreateProjectExecution(ctx context.Context, req backend.CreateProjectExecutionRequest) (*backend.ProjectExecution, error) {
	if err := execution.ValidateCreate(req); err != nil {
		return nil, err
	}
	var pe backend.ProjectExecution
	if err := b.c.do(ctx, "createProjectExecution", http.MethodPost, pathProjectExecutions, nil, req, &pe); err != nil {
		return nil, err
	}
	return &pe, nil
}

func (b *Backend) UpdateProjectExecution(ctx context.Context, id string, req backend.UpdateProjectExecutionRequest) (*backend.ProjectExecution, error) {
	if err := execution.ValidateUpdate(req); err != nil {
		return nil, err
	}
	var pe backend.ProjectExecution
	if err := b.c.do(ctx, "updateProjectExecution", http.MethodPut, pathProjectExecutions+"/"+url.PathEscape(id), nil, req, &pe); err != nil {
		return nil, err
	}
	return &pe, nil
}

func (b *Backend) DeleteProjectExecution(ctx context.Context, id string) error {
	return b.c.do(ctx, "deleteProjectExecution", http.MethodDelete, pathProjectExecutions+"/"+url.PathEscape(id), nil, nil, nil)
}

// Files and uploads.

// UpdateFile is unsupported: cloud files are replaced by uploading again
// under the existing identifier.
func (b *Backend) UpdateFile(context.Context, assetid.ID, backend.UpdateFileRequest) (assetid.ID, error) {
	return "", backend.Unsupported(backend.TypeRemote, "updateFile")
}

func (b *Backend) UploadFileStart(ctx context.Context, req backend.UploadFileRequest, src backend.UploadSource) (*backend.UploadSession, error) {
	body := struct {
		backend.UploadFileRequest
		Size int64 `json:"size"`
	}{req, src.Size()}
	var session backend.UploadSession
	if err := b.c.do(ctx, "uploadFileStart", http.MethodPost, pathUploadStart, nil, body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UploadFileChunk PUTs chunk index of src to its presigned URL. The URL
// carries its own credentials, so no session header is sent.
func (b *Backend) UploadFileChunk(ctx context.Context, presignedURL string, src backend.UploadSource, index int) (*backend.UploadedPart, error) {
	const op = "uploadFileChunk"
	size := src.Size()
	start := int64(index) * b.chunkSize
	if index < 0 || (start >= size && !(start == 0 && size == 0)) {
		return nil, apierr.InvalidInput(op, fmt.Sprintf("chunk %d out of range for %d bytes", index, size))
	}
	end := min(start+b.chunkSize, size)

	begin := time.Now()
	part, status, err := b.putChunk(ctx, presignedURL, io.NewSectionReader(src, start, end-start), end-start, index)
	metrics.RecordBackendStatus("remote", op, status, time.Since(begin))
	if err != nil {
		b.c.logFailure(op, err)
		return nil, err
	}
	return part, nil
}

func (b *Backend) putChunk(ctx context.Context, presignedURL string, body io.Reader, length int64, index int) (*backend.UploadedPart, int, error) {
	const op = "uploadFileChunk"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, body)
	if err != nil {
		return nil, 0, apierr.Internal(op, "build request", err)
	}
	req.ContentLength = length

	resp, err := b.chunkClient.Do(req)
	if err != nil {
		return nil, 0, apierr.Network(op, err)
	}
	defer resp.Body.Close()
	if err := classify(op, resp); err != nil {
		return nil, resp.StatusCode, err
	}
	io.Copy(io.Discard, resp.Body)

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return nil, resp.StatusCode, &apierr.Error{Kind: apierr.ErrServer, Op: op, Status: resp.StatusCode, Message: "response has no ETag header"}
	}
	return &backend.UploadedPart{ETag: etag, PartNumber: index + 1}, resp.StatusCode, nil
}

func (b *Backend) UploadFileEnd(ctx context.Context, req backend.UploadFileEndRequest) (*backend.UploadedAsset, error) {
	body := struct {
		ParentDirectoryID assetid.ID             `json:"parentDirectoryId"`
		Parts             []backend.UploadedPart `json:"parts"`
		SourcePath        string                 `json:"sourcePath"`
		UploadID          string                 `json:"uploadId"`
		AssetID           assetid.ID             `json:"assetId,omitempty"`
		FileName          string                 `json:"fileName"`
	}{
		ParentDirectoryID: req.ParentDirectoryID,
		Parts:             req.Parts,
		SourcePath:        req.SourcePath,
		UploadID:          req.UploadID,
		AssetID:           req.FileID,
		FileName:          req.FileName,
	}
	var uploaded backend.UploadedAsset
	if err := b.c.do(ctx, "uploadFileEnd", http.MethodPost, pathUploadEnd, nil, body, &uploaded); err != nil {
		return nil, err
	}
	return &uploaded, nil
}

// Secrets, datalinks and tags.

func (b *Backend) CreateSecret(ctx context.Context, req backend.CreateSecretRequest) (assetid.ID, error) {
	var resp struct {
		ID assetid.ID `json:"id"`
	}
	if err := b.c.do(ctx, "createSecret", http.MethodPost, pathSecrets, nil, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (b *Backend) GetSecret(ctx context.Context, id assetid.ID) (*backend.Secret, error) {
	var s backend.Secret
	if err := b.c.do(ctx, "getSecret", http.MethodGet, pathSecrets+"/"+escape(id), nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *Backend) UpdateSecret(ctx context.Context, id assetid.ID, value string) error {
	body := map[string]string{"value": value}
	return b.c.do(ctx, "updateSecret", http.MethodPut, pathSecrets+"/"+escape(id), nil, body, nil)
}

func (b *Backend) ListSecrets(ctx context.Context) ([]backend.SecretInfo, error) {
	var resp struct {
		Secrets []backend.SecretInfo `json:"secrets"`
	}
	if err := b.c.do(ctx, "listSecrets", http.MethodGet, pathSecrets, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Secrets, nil
}

func (b *Backend) CreateDatalink(ctx context.Context, req backend.CreateDatalinkRequest) (*backend.DatalinkInfo, error) {
	var d backend.DatalinkInfo
	if err := b.c.do(ctx, "createDatalink", http.MethodPost, pathDatalinks, nil, req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (b *Backend) GetDatalink(ctx context.Context, id assetid.ID) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := b.c.do(ctx, "getDatalink", http.MethodGet, pathDatalinks+"/"+escape(id), nil, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (b *Backend) DeleteDatalink(ctx context.Context, id assetid.ID) error {
	return b.c.do(ctx, "deleteDatalink", http.MethodDelete, pathDatalinks+"/"+escape(id), nil, nil, nil)
}

func (b *Backend) CreateTag(ctx context.Context, req backend.CreateTagRequest) (*backend.Label, error) {
	var l backend.Label
	if err := b.c.do(ctx, "createTag", http.MethodPost, pathTags, nil, req, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (b *Backend) ListTags(ctx context.Context) ([]backend.Label, error) {
	var resp struct {
		Tags []backend.Label `json:"tags"`
	}
	if err := b.c.do(ctx, "listTags", http.MethodGet, pathTags, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tags, nil
}

func (b *Backend) DeleteTag(ctx context.Context, id, _ string) error {
	return b.c.do(ctx, "deleteTag", http.MethodDelete, pathTags+"/"+url.PathEscape(id), nil, nil, nil)
}
