package drive

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
)

// CategoryType names a top-level view of the asset tree.
type CategoryType string

const (
	CategoryCloud          CategoryType = "cloud"
	CategoryRecent         CategoryType = "recent"
	CategoryTrash          CategoryType = "trash"
	CategoryUser           CategoryType = "user"
	CategoryTeam           CategoryType = "team"
	CategoryLocal          CategoryType = "local"
	CategoryLocalDirectory CategoryType = "local-directory"
)

// Category is a top-level view: a backend, the directory it starts at, and
// the filter its listings use.
type Category struct {
	Type  CategoryType
	ID    string
	Label string
	Root  assetid.ID
}

// Backend is the backend the category lists from.
func (c Category) Backend() backend.Type {
	switch c.Type {
	case CategoryLocal, CategoryLocalDirectory:
		return backend.TypeLocal
	default:
		return backend.TypeRemote
	}
}

func (c Category) Filter() backend.Filter {
	switch c.Type {
	case CategoryRecent:
		return backend.FilterRecent
	case CategoryTrash:
		return backend.FilterTrashed
	default:
		return backend.FilterActive
	}
}

// ListRequest lists parentID inside the category, its root when empty.
func (c Category) ListRequest(parentID assetid.ID) backend.ListDirectoryRequest {
	if parentID == "" {
		parentID = c.Root
	}
	return backend.ListDirectoryRequest{
		ParentID:       parentID,
		FilterBy:       c.Filter(),
		RecentProjects: c.Type == CategoryRecent,
	}
}

// List lists parentID inside category c through the cache.
func (d *Drive) List(ctx context.Context, c Category, parentID assetid.ID) ([]backend.Asset, error) {
	return d.ListDirectory(ctx, c.Backend(), c.ListRequest(parentID))
}

const userGroupPrefix = "usergroup-"

// TeamDirectoryID is the shared directory of a user group.
func TeamDirectoryID(groupID string) assetid.ID {
	return assetid.Encode(assetid.Directory, strings.TrimPrefix(groupID, userGroupPrefix))
}

// Categories lists the views available to the signed-in user. Team and
// enterprise users get one view for their own space and one per team.
// localDirs adds extra local folders next to the local root.
func (d *Drive) Categories(ctx context.Context, localDirs []string) ([]Category, error) {
	var out []Category

	if _, err := d.Backend(backend.TypeRemote); err == nil {
		root, err := d.RootDirectoryID(ctx, backend.TypeRemote)
		if err != nil {
			return nil, err
		}
		user, err := d.UsersMe(ctx, backend.TypeRemote)
		if err != nil {
			return nil, err
		}
		out = append(out,
			Category{Type: CategoryCloud, ID: string(CategoryCloud), Label: "Cloud", Root: root},
			Category{Type: CategoryRecent, ID: string(CategoryRecent), Label: "Recent", Root: root},
			Category{Type: CategoryTrash, ID: string(CategoryTrash), Label: "Trash", Root: root},
		)
		if user.Plan == backend.PlanTeam || user.Plan == backend.PlanEnterprise {
			out = append(out, Category{
				Type:  CategoryUser,
				ID:    "user-" + user.UserID,
				Label: user.Name,
				Root:  user.RootDirectoryID,
			})
			groups, err := d.ListUserGroups(ctx, backend.TypeRemote)
			if err != nil {
				return nil, err
			}
			for _, g := range groups {
				out = append(out, Category{Type: CategoryTeam, ID: g.ID, Label: g.Name, Root: TeamDirectoryID(g.ID)})
			}
		}
	}

	if _, err := d.Backend(backend.TypeLocal); err == nil {
		root, err := d.RootDirectoryID(ctx, backend.TypeLocal)
		if err != nil {
			return nil, err
		}
		out = append(out, Category{Type: CategoryLocal, ID: string(CategoryLocal), Label: "Local", Root: root})
		for _, dir := range localDirs {
			id := assetid.LocalDirectory(filepath.Clean(dir))
			out = append(out, Category{
				Type:  CategoryLocalDirectory,
				ID:    string(id),
				Label: filepath.Base(dir),
				Root:  id,
			})
		}
	}
	return out, nil
}
