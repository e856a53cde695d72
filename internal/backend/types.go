package backend

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/assetsync/internal/assetid"
)

// Type identifies a backend implementation.
type Type string

const (
	TypeLocal  Type = "local"
	TypeRemote Type = "remote"
)

// ProjectState is the lifecycle state of a project as reported by a backend.
type ProjectState string

const (
	StateCreated        ProjectState = "Created"
	StateNew            ProjectState = "New"
	StateOpenInProgress ProjectState = "OpenInProgress"
	StateProvisioned    ProjectState = "Provisioned"
	StateScheduled      ProjectState = "Scheduled"
	StateOpened         ProjectState = "Opened"
	StateClosing        ProjectState = "Closing"
	StateClosed         ProjectState = "Closed"
)

// IsStatic reports whether s is a resting state.
func (s ProjectState) IsStatic() bool {
	return s == StateOpened || s == StateClosed
}

// IsOpening reports whether s is a transitional state.
func (s ProjectState) IsOpening() bool {
	switch s {
	case StateOpenInProgress, StateProvisioned, StateScheduled, StateClosing:
		return true
	}
	return false
}

// IsCreated reports whether s is a freshly-created state.
func (s ProjectState) IsCreated() bool {
	return s == StateCreated || s == StateNew
}

// ProjectStateInfo is the projectState attribute of a project asset.
type ProjectStateInfo struct {
	Type     ProjectState `json:"type"`
	VolumeID string       `json:"volume_id,omitempty"`
	OpenedBy string       `json:"openedBy,omitempty"`
	Path     string       `json:"path,omitempty"`
}

// Plan is a remote subscription plan.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanSolo       Plan = "solo"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

// User is the signed-in user.
type User struct {
	UserID          string     `json:"userId"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	OrganizationID  string     `json:"organizationId"`
	RootDirectoryID assetid.ID `json:"rootDirectoryId"`
	Plan            Plan       `json:"plan,omitempty"`
	IsEnabled       bool       `json:"isEnabled"`
}

// Info returns the permission-subject view of u.
func (u User) Info() UserInfo {
	return UserInfo{UserID: u.UserID, Name: u.Name, Email: u.Email}
}

// UserInfo identifies a user as a permission subject.
type UserInfo struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// UserRef resolves to a user's info at read time.
type UserRef interface {
	Get() UserInfo
}

// StaticUser is a UserRef fixed at decode time.
type StaticUser UserInfo

func (u StaticUser) Get() UserInfo { return UserInfo(u) }

// LiveUser is a shared UserRef for the signed-in user. Every permission entry
// that points at it sees renames without a refetch.
type LiveUser struct {
	mu   sync.RWMutex
	info UserInfo
}

func NewLiveUser(info UserInfo) *LiveUser {
	return &LiveUser{info: info}
}

func (u *LiveUser) Get() UserInfo {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.info
}

func (u *LiveUser) Set(info UserInfo) {
	u.mu.Lock()
	u.info = info
	u.mu.Unlock()
}

// Organization is the remote organization of the signed-in user.
type Organization struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
	Address string `json:"address,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// UserGroupInfo is a named group of users in an organization.
type UserGroupInfo struct {
	ID             string `json:"id"`
	Name           string `json:"groupName"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// PermissionAction is the access level a permission grants.
type PermissionAction string

const (
	ActionOwn   PermissionAction = "own"
	ActionAdmin PermissionAction = "admin"
	ActionEdit  PermissionAction = "edit"
	ActionRead  PermissionAction = "read"
	ActionView  PermissionAction = "view"
)

// Permission grants Action to either a user or a group.
type Permission struct {
	Action PermissionAction
	User   UserRef
	Group  *UserGroupInfo
}

type permissionWire struct {
	Permission PermissionAction `json:"permission"`
	User       *UserInfo        `json:"user,omitempty"`
	UserGroup  *UserGroupInfo   `json:"userGroup,omitempty"`
}

func (p Permission) MarshalJSON() ([]byte, error) {
	w := permissionWire{Permission: p.Action, UserGroup: p.Group}
	if p.User != nil {
		info := p.User.Get()
		w.User = &info
	}
	return json.Marshal(w)
}

func (p *Permission) UnmarshalJSON(data []byte) error {
	var w permissionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Action = w.Permission
	p.Group = w.UserGroup
	p.User = nil
	if w.User != nil {
		p.User = StaticUser(*w.User)
	}
	return nil
}

// Asset is a node of the asset tree. Type is the tag; the kind prefix of ID
// always equals Type.
type Asset struct {
	Type         assetid.Kind      `json:"type"`
	ID           assetid.ID        `json:"id"`
	ParentID     assetid.ID        `json:"parentId"`
	Title        string            `json:"title"`
	ModifiedAt   time.Time         `json:"modifiedAt"`
	Permissions  []Permission      `json:"permissions,omitempty"`
	Labels       []string          `json:"labels,omitempty"`
	Description  string            `json:"description,omitempty"`
	ProjectState *ProjectStateInfo `json:"projectState,omitempty"`
	Extension    string            `json:"extension,omitempty"`

	// Placeholder marks an optimistic asset not yet confirmed by the backend.
	Placeholder bool `json:"-"`
}

// Consistent reports whether the asset's tag matches its identifier.
func (a Asset) Consistent() bool {
	k, err := assetid.KindOf(a.ID)
	return err == nil && k == a.Type
}

// HasLabel reports whether the asset carries label.
func (a Asset) HasLabel(label string) bool {
	for _, l := range a.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Filter selects which assets a listing returns.
type Filter string

const (
	FilterActive  Filter = ""
	FilterTrashed Filter = "trashed"
	FilterRecent  Filter = "recent"
	FilterAll     Filter = "all"
)

// ListDirectoryRequest selects a directory listing.
type ListDirectoryRequest struct {
	ParentID       assetid.ID
	FilterBy       Filter
	Labels         []string
	RecentProjects bool
}

type CreateDirectoryRequest struct {
	ParentID assetid.ID `json:"parentId"`
	Title    string     `json:"title"`
}

type CreatedDirectory struct {
	ID       assetid.ID `json:"id"`
	ParentID assetid.ID `json:"parentId"`
	Title    string     `json:"title"`
}

type UpdateDirectoryRequest struct {
	Title string `json:"title"`
}

type UpdatedDirectory = CreatedDirectory

// UpdateAssetRequest moves an asset and/or edits its description. Zero
// fields are left unchanged.
type UpdateAssetRequest struct {
	ParentDirectoryID assetid.ID `json:"parentDirectoryId,omitempty"`
	Description       *string    `json:"description,omitempty"`
}

type UpdateFileRequest struct {
	Title string `json:"title"`
}

type CopiedAsset struct {
	ID       assetid.ID `json:"id"`
	ParentID assetid.ID `json:"parentId"`
	Title    string     `json:"title"`
}

// AssetVersion is one entry of an asset's version history.
type AssetVersion struct {
	VersionID    string    `json:"versionId"`
	LastModified time.Time `json:"lastModified"`
	IsLatest     bool      `json:"isLatest"`
}

// ProjectSummary is an entry of the project registry.
type ProjectSummary struct {
	ID       assetid.ID       `json:"projectId"`
	Name     string           `json:"name"`
	ParentID assetid.ID       `json:"parentId,omitempty"`
	State    ProjectStateInfo `json:"state"`
}

type CreateProjectRequest struct {
	ParentDirectoryID   assetid.ID `json:"parentDirectoryId,omitempty"`
	ProjectName         string     `json:"projectName"`
	ProjectTemplateName string     `json:"projectTemplateName,omitempty"`
	DatalinkID          assetid.ID `json:"datalinkId,omitempty"`
}

type CreatedProject struct {
	ID          assetid.ID       `json:"projectId"`
	Name        string           `json:"name"`
	ParentID    assetid.ID       `json:"parentId,omitempty"`
	PackageName string           `json:"packageName,omitempty"`
	State       ProjectStateInfo `json:"state"`
}

// Project is the detailed view of a project used by the lifecycle tracker.
type Project struct {
	ID            assetid.ID       `json:"projectId"`
	Name          string           `json:"name"`
	ParentID      assetid.ID       `json:"parentId,omitempty"`
	PackageName   string           `json:"packageName,omitempty"`
	State         ProjectStateInfo `json:"state"`
	JSONAddress   string           `json:"jsonAddress,omitempty"`
	BinaryAddress string           `json:"binaryAddress,omitempty"`
	EngineVersion string           `json:"engineVersion,omitempty"`
}

type OpenProjectRequest struct {
	ParentID     assetid.ID `json:"-"`
	ExecuteAsync bool       `json:"executeAsync"`
}

type UpdateProjectRequest struct {
	ProjectName *string    `json:"projectName,omitempty"`
	ParentID    assetid.ID `json:"-"`
}

type UpdatedProject struct {
	ID    assetid.ID       `json:"projectId"`
	Name  string           `json:"name"`
	State ProjectStateInfo `json:"state"`
}

// UploadSource is the content of a file being uploaded.
type UploadSource interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

// UploadFileRequest describes a file or project upload. FileID is set when
// replacing an existing file.
type UploadFileRequest struct {
	FileID            assetid.ID `json:"fileId,omitempty"`
	FileName          string     `json:"fileName"`
	ParentDirectoryID assetid.ID `json:"parentDirectoryId"`
	FilePath          string     `json:"filePath,omitempty"`
}

// UploadSession is the result of the start phase.
type UploadSession struct {
	UploadID      string   `json:"uploadId"`
	SourcePath    string   `json:"sourcePath"`
	PresignedURLs []string `json:"presignedUrls"`
}

// UploadedPart is the result of one chunk.
type UploadedPart struct {
	ETag       string `json:"eTag"`
	PartNumber int    `json:"partNumber"`
}

type UploadFileEndRequest struct {
	UploadFileRequest
	UploadID   string         `json:"uploadId"`
	SourcePath string         `json:"sourcePath"`
	Parts      []UploadedPart `json:"parts"`
}

// UploadedAsset is the asset created or replaced by an upload.
type UploadedAsset struct {
	ID      assetid.ID      `json:"id"`
	Project *CreatedProject `json:"project,omitempty"`
}

type CreateSecretRequest struct {
	ParentDirectoryID assetid.ID `json:"parentDirectoryId,omitempty"`
	Name              string     `json:"name"`
	Value             string     `json:"value"`
}

type SecretInfo struct {
	ID   assetid.ID `json:"id"`
	Name string     `json:"name"`
	Path string     `json:"path,omitempty"`
}

type Secret struct {
	ID    assetid.ID `json:"id"`
	Value string     `json:"value"`
}

type CreateDatalinkRequest struct {
	ParentDirectoryID assetid.ID      `json:"parentDirectoryId,omitempty"`
	Name              string          `json:"name"`
	Value             json.RawMessage `json:"value"`
}

type DatalinkInfo struct {
	ID   assetid.ID `json:"id"`
	Name string     `json:"name,omitempty"`
}

// Label is a tag that can be associated with assets.
type Label struct {
	ID    string `json:"id"`
	Value string `json:"value"`
	Color string `json:"color,omitempty"`
}

type CreateTagRequest struct {
	Value string `json:"value"`
	Color string `json:"color,omitempty"`
}

type UpdateUserRequest struct {
	Username *string `json:"username,omitempty"`
}

type UpdateOrganizationRequest struct {
	Name    *string `json:"name,omitempty"`
	Email   *string `json:"email,omitempty"`
	Website *string `json:"website,omitempty"`
	Address *string `json:"address,omitempty"`
}

type CreateUserGroupRequest struct {
	Name string `json:"name"`
}

type CreatePermissionRequest struct {
	ActorIDs   []string          `json:"actorsIds"`
	ResourceID assetid.ID        `json:"resourceId"`
	Action     *PermissionAction `json:"action"`
}
