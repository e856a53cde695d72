package drive

import (
	"context"
	"encoding/json"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/querycache"
)

// query serves key from the cache, loading it from backend t on a miss.
func query[T any](ctx context.Context, d *Drive, t backend.Type, key querycache.Key, fn func(ctx context.Context, b backend.Backend) (T, error)) (T, error) {
	b, err := d.Backend(t)
	if err != nil {
		var zero T
		return zero, err
	}
	return querycache.Fetch(ctx, d.cache, key, func(ctx context.Context) (T, error) {
		return fn(ctx, b)
	})
}

func (d *Drive) ListDirectory(ctx context.Context, t backend.Type, req backend.ListDirectoryRequest) ([]backend.Asset, error) {
	return query(ctx, d, t, querycache.ListDirectoryKey(t, req), func(ctx context.Context, b backend.Backend) ([]backend.Asset, error) {
		return b.ListDirectory(ctx, req)
	})
}

func (d *Drive) UsersMe(ctx context.Context, t backend.Type) (*backend.User, error) {
	return query(ctx, d, t, querycache.KindKey(t, querycache.QueryUsersMe), func(ctx context.Context, b backend.Backend) (*backend.User, error) {
		return b.UsersMe(ctx)
	})
}

func (d *Drive) Organization(ctx context.Context, t backend.Type) (*backend.Organization, error) {
	return query(ctx, d, t, querycache.KindKey(t, querycache.QueryGetOrganization), func(ctx context.Context, b backend.Backend) (*backend.Organization, error) {
		return b.GetOrganization(ctx)
	})
}

func (d *Drive) ListUsers(ctx context.Context, t backend.Type) ([]backend.UserInfo, error) {
	return query(ctx, d, t, querycache.KindKey(t, querycache.QueryListUsers), func(ctx context.Context, b backend.Backend) ([]backend.UserInfo, error) {
		return b.ListUsers(ctx)
	})
}

func (d *Drive) ListUserGroups(ctx context.Context, t backend.Type) ([]backend.UserGroupInfo, error) {
	return query(ctx, d, t, querycache.KindKey(t, querycache.QueryListUserGroups), func(ctx context.Context, b backend.Backend) ([]backend.UserGroupInfo, error) {
		return b.ListUserGroups(ctx)
	})
}

func (d *Drive) ListTags(ctx context.Context, t backend.Type) ([]backend.Label, error) {
	return query(ctx, d, t, querycache.KindKey(t, querycache.QueryListTags), func(ctx context.Context, b backend.Backend) ([]backend.Label, error) {
		return b.ListTags(ctx)
	})
}

func (d *Drive) ListSecrets(ctx context.Context, t backend.Type) ([]backend.SecretInfo, error) {
	return query(ctx, d, t, querycache.KindKey(t, querycache.QueryListSecrets), func(ctx context.Context, b backend.Backend) ([]backend.SecretInfo, error) {
		return b.ListSecrets(ctx)
	})
}

func (d *Drive) ListAssetVersions(ctx context.Context, t backend.Type, id assetid.ID) ([]backend.AssetVersion, error) {
	key := querycache.Key{string(t), querycache.QueryListAssetVersions, string(id)}
	return query(ctx, d, t, key, func(ctx context.Context, b backend.Backend) ([]backend.AssetVersion, error) {
		return b.ListAssetVersions(ctx, id)
	})
}

func (d *Drive) ListProjectExecutions(ctx context.Context, t backend.Type, projectID assetid.ID) ([]backend.ProjectExecution, error) {
	key := querycache.Key{string(t), querycache.QueryListProjectExecutions, string(projectID)}
	return query(ctx, d, t, key, func(ctx context.Context, b backend.Backend) ([]backend.ProjectExecution, error) {
		return b.ListProjectExecutions(ctx, projectID)
	})
}

func (d *Drive) GetDatalink(ctx context.Context, t backend.Type, id assetid.ID) (json.RawMessage, error) {
	key := querycache.Key{string(t), querycache.QueryGetDatalink, string(id)}
	return query(ctx, d, t, key, func(ctx context.Context, b backend.Backend) (json.RawMessage, error) {
		return b.GetDatalink(ctx, id)
	})
}
