package querycache

import (
	"strconv"
	"strings"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
)

// Query kinds.
const (
	QueryListDirectory         = "listDirectory"
	QueryGetProjectDetails     = "getProjectDetails"
	QueryListAssetVersions     = "listAssetVersions"
	QueryUsersMe               = "usersMe"
	QueryListUsers             = "listUsers"
	QueryGetOrganization       = "getOrganization"
	QueryListUserGroups        = "listUserGroups"
	QueryListTags              = "listTags"
	QueryGetDatalink           = "getDatalink"
	QueryListSecrets           = "listSecrets"
	QueryListProjectExecutions = "listProjectExecutions"
)

// BackendKey matches every query of a backend.
func BackendKey(t backend.Type) Key {
	return Key{string(t)}
}

// KindKey matches every query of one kind on a backend.
func KindKey(t backend.Type, kind string) Key {
	return Key{string(t), kind}
}

// ListDirectoryKey identifies one directory listing.
func ListDirectoryKey(t backend.Type, req backend.ListDirectoryRequest) Key {
	return Key{
		string(t), QueryListDirectory, string(req.ParentID), string(req.FilterBy),
		strings.Join(req.Labels, ","), strconv.FormatBool(req.RecentProjects),
	}
}

// DirectoryKey matches every listing of one parent, whatever the filter.
func DirectoryKey(t backend.Type, parentID assetid.ID) Key {
	return Key{string(t), QueryListDirectory, string(parentID)}
}

// ProjectKey identifies the details of one project.
func ProjectKey(t backend.Type, id assetid.ID) Key {
	return Key{string(t), QueryGetProjectDetails, string(id)}
}
