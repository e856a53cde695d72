package drive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/lifecycle"
)

// Users and organizations.

func (d *Drive) UpdateUser(ctx context.Context, t backend.Type, req backend.UpdateUserRequest) error {
	_, err := Mutate(ctx, d, t, "updateUser", exec(func(ctx context.Context, b backend.Backend) error {
		return b.UpdateUser(ctx, req)
	}))
	return err
}

func (d *Drive) UpdateOrganization(ctx context.Context, t backend.Type, req backend.UpdateOrganizationRequest) (*backend.Organization, error) {
	return Mutate(ctx, d, t, "updateOrganization", func(ctx context.Context, b backend.Backend) (*backend.Organization, error) {
		return b.UpdateOrganization(ctx, req)
	})
}

func (d *Drive) CreateUserGroup(ctx context.Context, t backend.Type, req backend.CreateUserGroupRequest) (*backend.UserGroupInfo, error) {
	return Mutate(ctx, d, t, "createUserGroup", func(ctx context.Context, b backend.Backend) (*backend.UserGroupInfo, error) {
		return b.CreateUserGroup(ctx, req)
	})
}

func (d *Drive) DeleteUserGroup(ctx context.Context, t backend.Type, id string) error {
	_, err := Mutate(ctx, d, t, "deleteUserGroup", exec(func(ctx context.Context, b backend.Backend) error {
		return b.DeleteUserGroup(ctx, id)
	}))
	return err
}

func (d *Drive) AcceptInvitation(ctx context.Context, t backend.Type) error {
	_, err := Mutate(ctx, d, t, "acceptInvitation", exec(func(ctx context.Context, b backend.Backend) error {
		return b.AcceptInvitation(ctx)
	}))
	return err
}

func (d *Drive) DeclineInvitation(ctx context.Context, t backend.Type, email string) error {
	_, err := Mutate(ctx, d, t, "declineInvitation", exec(func(ctx context.Context, b backend.Backend) error {
		return b.DeclineInvitation(ctx, email)
	}))
	return err
}

func (d *Drive) CreatePermission(ctx context.Context, t backend.Type, req backend.CreatePermissionRequest) error {
	_, err := Mutate(ctx, d, t, "createPermission", exec(func(ctx context.Context, b backend.Backend) error {
		return b.CreatePermission(ctx, req)
	}))
	return err
}

// Tags.

func (d *Drive) CreateTag(ctx context.Context, t backend.Type, req backend.CreateTagRequest) (*backend.Label, error) {
	return Mutate(ctx, d, t, "createTag", func(ctx context.Context, b backend.Backend) (*backend.Label, error) {
		return b.CreateTag(ctx, req)
	})
}

func (d *Drive) DeleteTag(ctx context.Context, t backend.Type, id, value string) error {
	_, err := Mutate(ctx, d, t, "deleteTag", exec(func(ctx context.Context, b backend.Backend) error {
		return b.DeleteTag(ctx, id, value)
	}))
	return err
}

// Assets.

func (d *Drive) UpdateDirectory(ctx context.Context, t backend.Type, id assetid.ID, title string) (*backend.UpdatedDirectory, error) {
	return Mutate(ctx, d, t, "updateDirectory", func(ctx context.Context, b backend.Backend) (*backend.UpdatedDirectory, error) {
		return b.UpdateDirectory(ctx, id, backend.UpdateDirectoryRequest{Title: title})
	})
}

func (d *Drive) UpdateFile(ctx context.Context, t backend.Type, id assetid.ID, title string) (assetid.ID, error) {
	return Mutate(ctx, d, t, "updateFile", func(ctx context.Context, b backend.Backend) (assetid.ID, error) {
		return b.UpdateFile(ctx, id, backend.UpdateFileRequest{Title: title})
	})
}

func (d *Drive) UpdateAsset(ctx context.Context, t backend.Type, id assetid.ID, req backend.UpdateAssetRequest) (assetid.ID, error) {
	newID, err := Mutate(ctx, d, t, "updateAsset", func(ctx context.Context, b backend.Backend) (assetid.ID, error) {
		return b.UpdateAsset(ctx, id, req)
	})
	if err != nil {
		return "", err
	}
	d.followMove(id, newID, req.ParentDirectoryID)
	return newID, nil
}

// followMove points the launched entry of a moved project at its new
// identifier and parent. Other kinds are not launched.
func (d *Drive) followMove(id, newID, parentID assetid.ID) {
	if d.launched == nil || parentID == "" {
		return
	}
	if k, err := assetid.KindOf(id); err != nil || k != assetid.Project {
		return
	}
	if newID == "" {
		newID = id
	}
	if err := d.launched.Move(id, newID, parentID); err != nil {
		d.log.Warn("move launched project", zap.String("project", string(id)), zap.Error(err))
	}
}

func (d *Drive) UpdateSecret(ctx context.Context, t backend.Type, id assetid.ID, value string) error {
	_, err := Mutate(ctx, d, t, "updateSecret", exec(func(ctx context.Context, b backend.Backend) error {
		return b.UpdateSecret(ctx, id, value)
	}))
	return err
}

func (d *Drive) DeleteDatalink(ctx context.Context, t backend.Type, id assetid.ID) error {
	_, err := Mutate(ctx, d, t, "deleteDatalink", exec(func(ctx context.Context, b backend.Backend) error {
		return b.DeleteDatalink(ctx, id)
	}))
	return err
}

// Projects.

// RenameProject renames a project and the launched-project entry that
// points at it.
func (d *Drive) RenameProject(ctx context.Context, t backend.Type, id assetid.ID, name string) (*backend.UpdatedProject, error) {
	updated, err := Mutate(ctx, d, t, "updateProject", func(ctx context.Context, b backend.Backend) (*backend.UpdatedProject, error) {
		return b.UpdateProject(ctx, id, backend.UpdateProjectRequest{ProjectName: &name})
	})
	if err != nil {
		return nil, err
	}
	if d.launched != nil {
		if err := d.launched.Rename(id, updated.ID, updated.Name); err != nil {
			d.log.Warn("rename launched project", zap.String("project", string(id)), zap.Error(err))
		}
	}
	return updated, nil
}

func (d *Drive) DuplicateProject(ctx context.Context, t backend.Type, id assetid.ID, versionID string) (*backend.CreatedProject, error) {
	return Mutate(ctx, d, t, "duplicateProject", func(ctx context.Context, b backend.Backend) (*backend.CreatedProject, error) {
		return b.DuplicateProject(ctx, id, versionID)
	})
}

func (d *Drive) RestoreProject(ctx context.Context, t backend.Type, id assetid.ID, versionID string) error {
	_, err := Mutate(ctx, d, t, "restoreProject", exec(func(ctx context.Context, b backend.Backend) error {
		return b.RestoreProject(ctx, id, versionID)
	}))
	return err
}

// OpenProject hands the project to the lifecycle tracker, which follows it
// until it is opened.
func (d *Drive) OpenProject(ctx context.Context, p lifecycle.Project) error {
	if d.tracker == nil {
		return fmt.Errorf("drive: no lifecycle tracker configured")
	}
	_, err := Mutate(ctx, d, p.Backend, "openProject", exec(func(ctx context.Context, _ backend.Backend) error {
		return d.tracker.Open(ctx, p)
	}), WithoutAwait())
	return err
}

func (d *Drive) CloseProject(ctx context.Context, p lifecycle.Project) error {
	if d.tracker == nil {
		return fmt.Errorf("drive: no lifecycle tracker configured")
	}
	_, err := Mutate(ctx, d, p.Backend, "closeProject", exec(func(ctx context.Context, _ backend.Backend) error {
		return d.tracker.Close(ctx, p)
	}), WithoutAwait())
	return err
}

// Scheduled executions.

func (d *Drive) CreateProjectExecution(ctx context.Context, t backend.Type, req backend.CreateProjectExecutionRequest) (*backend.ProjectExecution, error) {
	return Mutate(ctx, d, t, "createProjectExecution", func(ctx context.Context, b backend.Backend) (*backend.ProjectExecution, error) {
		return b.CreateProjectExecution(ctx, req)
	})
}

func (d *Drive) UpdateProjectExecution(ctx context.Context, t backend.Type, id string, req backend.UpdateProjectExecutionRequest) (*backend.ProjectExecution, error) {
	return Mutate(ctx, d, t, "updateProjectExecution", func(ctx context.Context, b backend.Backend) (*backend.ProjectExecution, error) {
		return b.UpdateProjectExecution(ctx, id, req)
	})
}

func (d *Drive) DeleteProjectExecution(ctx context.Context, t backend.Type, id string) error {
	_, err := Mutate(ctx, d, t, "deleteProjectExecution", exec(func(ctx context.Context, b backend.Backend) error {
		return b.DeleteProjectExecution(ctx, id)
	}))
	return err
}
