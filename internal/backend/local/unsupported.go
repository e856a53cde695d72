package local

import (
	"context"
	"encoding/json"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
)

// Accounts, sharing, secrets, datalinks, tags, version history and
// scheduling only exist in the cloud.

func unsupported(op string) error {
	return backend.Unsupported(backend.TypeLocal, op)
}

func (b *Backend) UsersMe(context.Context) (*backend.User, error) {
	return nil, unsupported("usersMe")
}

func (b *Backend) ListUsers(context.Context) ([]backend.UserInfo, error) {
	return nil, unsupported("listUsers")
}

func (b *Backend) UpdateUser(context.Context, backend.UpdateUserRequest) error {
	return unsupported("updateUser")
}

// GetOrganization reports no organization, which root resolution relies on.
func (b *Backend) GetOrganization(context.Context) (*backend.Organization, error) {
	return nil, nil
}

func (b *Backend) UpdateOrganization(context.Context, backend.UpdateOrganizationRequest) (*backend.Organization, error) {
	return nil, unsupported("updateOrganization")
}

func (b *Backend) ListUserGroups(context.Context) ([]backend.UserGroupInfo, error) {
	return nil, unsupported("listUserGroups")
}

func (b *Backend) CreateUserGroup(context.Context, backend.CreateUserGroupRequest) (*backend.UserGroupInfo, error) {
	return nil, unsupported("createUserGroup")
}

func (b *Backend) DeleteUserGroup(context.Context, string) error {
	return unsupported("deleteUserGroup")
}

func (b *Backend) AcceptInvitation(context.Context) error {
	return unsupported("acceptInvitation")
}

func (b *Backend) DeclineInvitation(context.Context, string) error {
	return unsupported("declineInvitation")
}

func (b *Backend) CreatePermission(context.Context, backend.CreatePermissionRequest) error {
	return unsupported("createPermission")
}

func (b *Backend) UndoDeleteAsset(context.Context, assetid.ID) error {
	return unsupported("undoDeleteAsset")
}

func (b *Backend) ListAssetVersions(context.Context, assetid.ID) ([]backend.AssetVersion, error) {
	return nil, unsupported("listAssetVersions")
}

func (b *Backend) AssociateTag(context.Context, assetid.ID, []string) error {
	return unsupported("associateTag")
}

func (b *Backend) RestoreProject(context.Context, assetid.ID, string) error {
	return unsupported("restoreProject")
}

func (b *Backend) ListProjectExecutions(context.Context, assetid.ID) ([]backend.ProjectExecution, error) {
	return nil, unsupported("listProjectExecutions")
}

func (b *Backend) CreateProjectExecution(context.Context, backend.CreateProjectExecutionRequest) (*backend.ProjectExecution, error) {
	return nil, unsupported("createProjectExecution")
}

func (b *Backend) UpdateProjectExecution(context.Context, string, backend.UpdateProjectExecutionRequest) (*backend.ProjectExecution, error) {
	return nil, unsupported("updateProjectExecution")
}

func (b *Backend) DeleteProjectExecution(context.Context, string) error {
	return unsupported("deleteProjectExecution")
}

func (b *Backend) CreateSecret(context.Context, backend.CreateSecretRequest) (assetid.ID, error) {
	return "", unsupported("createSecret")
}

func (b *Backend) GetSecret(context.Context, assetid.ID) (*backend.Secret, error) {
	return nil, unsupported("getSecret")
}

func (b *Backend) UpdateSecret(context.Context, assetid.ID, string) error {
	return unsupported("updateSecret")
}

func (b *Backend) ListSecrets(context.Context) ([]backend.SecretInfo, error) {
	return nil, unsupported("listSecrets")
}

func (b *Backend) CreateDatalink(context.Context, backend.CreateDatalinkRequest) (*backend.DatalinkInfo, error) {
	return nil, unsupported("createDatalink")
}

func (b *Backend) GetDatalink(context.Context, assetid.ID) (json.RawMessage, error) {
	return nil, unsupported("getDatalink")
}

func (b *Backend) DeleteDatalink(context.Context, assetid.ID) error {
	return unsupported("deleteDatalink")
}

func (b *Backend) CreateTag(context.Context, backend.CreateTagRequest) (*backend.Label, error) {
	return nil, unsupported("createTag")
}

func (b *Backend) ListTags(context.Context) ([]backend.Label, error) {
	return nil, unsupported("listTags")
}

func (b *Backend) DeleteTag(context.Context, string, string) error {
	return unsupported("deleteTag")
}
