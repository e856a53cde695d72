// Package backend defines the contract both asset backends implement. The
// remote backend talks to the cloud API over HTTP; the local backend drives a
// project-manager process on this machine.
package backend

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
)

// Backend is the asset-management surface shared by both implementations.
// Operations that make no sense for a backend are still present and fail
// with apierr.ErrUnsupported.
type Backend interface {
	Type() Type

	// RootDirectoryID resolves the root directory for user. It is pure and
	// never performs I/O.
	RootDirectoryID(user *User, org *Organization, override string) assetid.ID

	// Users and organizations.
	UsersMe(ctx context.Context) (*User, error)
	ListUsers(ctx context.Context) ([]UserInfo, error)
	UpdateUser(ctx context.Context, req UpdateUserRequest) error
	GetOrganization(ctx context.Context) (*Organization, error)
	UpdateOrganization(ctx context.Context, req UpdateOrganizationRequest) (*Organization, error)
	ListUserGroups(ctx context.Context) ([]UserGroupInfo, error)
	CreateUserGroup(ctx context.Context, req CreateUserGroupRequest) (*UserGroupInfo, error)
	DeleteUserGroup(ctx context.Context, id string) error
	AcceptInvitation(ctx context.Context) error
	DeclineInvitation(ctx context.Context, email string) error
	CreatePermission(ctx context.Context, req CreatePermissionRequest) error

	// Assets.
	ListDirectory(ctx context.Context, req ListDirectoryRequest) ([]Asset, error)
	CreateDirectory(ctx context.Context, req CreateDirectoryRequest) (*CreatedDirectory, error)
	UpdateDirectory(ctx context.Context, id assetid.ID, req UpdateDirectoryRequest) (*UpdatedDirectory, error)
	// UpdateAsset returns the asset's identifier after the update, which
	// differs from id when the backend derives identifiers from location.
	UpdateAsset(ctx context.Context, id assetid.ID, req UpdateAssetRequest) (assetid.ID, error)
	DeleteAsset(ctx context.Context, id assetid.ID, force bool) error
	UndoDeleteAsset(ctx context.Context, id assetid.ID) error
	CopyAsset(ctx context.Context, id, parentID assetid.ID) (*CopiedAsset, error)
	ListAssetVersions(ctx context.Context, id assetid.ID) ([]AssetVersion, error)
	AssociateTag(ctx context.Context, id assetid.ID, labels []string) error

	// Projects.
	ListProjects(ctx context.Context) ([]ProjectSummary, error)
	CreateProject(ctx context.Context, req CreateProjectRequest) (*CreatedProject, error)
	GetProjectDetails(ctx context.Context, id, parentID assetid.ID) (*Project, error)
	OpenProject(ctx context.Context, id assetid.ID, req OpenProjectRequest) error
	CloseProject(ctx context.Context, id assetid.ID) error
	UpdateProject(ctx context.Context, id assetid.ID, req UpdateProjectRequest) (*UpdatedProject, error)
	DuplicateProject(ctx context.Context, id assetid.ID, versionID string) (*CreatedProject, error)
	RestoreProject(ctx context.Context, id assetid.ID, versionID string) error

	// Scheduled executions.
	ListProjectExecutions(ctx context.Context, projectID assetid.ID) ([]ProjectExecution, error)
	CreateProjectExecution(ctx context.Context, req CreateProjectExecutionRequest) (*ProjectExecution, error)
	UpdateProjectExecution(ctx context.Context, id string, req UpdateProjectExecutionRequest) (*ProjectExecution, error)
	DeleteProjectExecution(ctx context.Context, id string) error

	// Files and uploads.
	UpdateFile(ctx context.Context, id assetid.ID, req UpdateFileRequest) (assetid.ID, error)
	UploadFileStart(ctx context.Context, req UploadFileRequest, src UploadSource) (*UploadSession, error)
	UploadFileChunk(ctx context.Context, url string, src UploadSource, index int) (*UploadedPart, error)
	UploadFileEnd(ctx context.Context, req UploadFileEndRequest) (*UploadedAsset, error)

	// Secrets, datalinks and tags.
	CreateSecret(ctx context.Context, req CreateSecretRequest) (assetid.ID, error)
	GetSecret(ctx context.Context, id assetid.ID) (*Secret, error)
	UpdateSecret(ctx context.Context, id assetid.ID, value string) error
	ListSecrets(ctx context.Context) ([]SecretInfo, error)
	CreateDatalink(ctx context.Context, req CreateDatalinkRequest) (*DatalinkInfo, error)
	GetDatalink(ctx context.Context, id assetid.ID) (json.RawMessage, error)
	DeleteDatalink(ctx context.Context, id assetid.ID) error
	CreateTag(ctx context.Context, req CreateTagRequest) (*Label, error)
	ListTags(ctx context.Context) ([]Label, error)
	DeleteTag(ctx context.Context, id, value string) error
}

// Unsupported is the shared failure for operations a backend does not offer.
func Unsupported(t Type, op string) error {
	return apierr.Unsupported(string(t), op)
}

// RemoteRootDirectoryID resolves the cloud root. Free and solo users own a
// personal root; team and enterprise users share the organization root,
// which does not exist yet when org is nil.
func RemoteRootDirectoryID(user *User, org *Organization) assetid.ID {
	if user == nil {
		return ""
	}
	switch user.Plan {
	case PlanTeam, PlanEnterprise:
		if org == nil {
			return ""
		}
		return assetid.OrganizationRootDirectory(org.ID)
	default:
		return user.RootDirectoryID
	}
}

// LocalRootDirectoryID resolves the local root, preferring override.
func LocalRootDirectoryID(configured, override string) assetid.ID {
	root := configured
	if override != "" {
		root = override
	}
	return assetid.LocalDirectory(filepath.Clean(root))
}
