package drive

import (
	"context"

	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/querycache"
)

// everything invalidates every query of every backend.
const everything = "*"

// invalidations lists, per mutation, the query kinds its success can make
// stale.
var invalidations = map[string][]string{
	"createUser":                {querycache.QueryUsersMe},
	"updateUser":                {querycache.QueryUsersMe},
	"deleteUser":                {querycache.QueryUsersMe},
	"restoreUser":               {querycache.QueryUsersMe},
	"uploadUserPicture":         {querycache.QueryUsersMe},
	"updateOrganization":        {querycache.QueryGetOrganization},
	"uploadOrganizationPicture": {querycache.QueryGetOrganization},
	"createUserGroup":           {querycache.QueryListUserGroups},
	"deleteUserGroup":           {querycache.QueryListUserGroups},
	"changeUserGroup":           {querycache.QueryListUsers},
	"createTag":                 {querycache.QueryListTags},
	"deleteTag":                 {querycache.QueryListTags},
	"associateTag":              {querycache.QueryListDirectory},
	"acceptInvitation":          {everything},
	"declineInvitation":         {querycache.QueryUsersMe},
	"createProject":             {querycache.QueryListDirectory},
	"duplicateProject":          {querycache.QueryListDirectory},
	"createDirectory":           {querycache.QueryListDirectory},
	"createSecret":              {querycache.QueryListDirectory},
	"updateSecret":              {querycache.QueryListDirectory},
	"updateProject":             {querycache.QueryListDirectory},
	"updateFile":                {querycache.QueryListDirectory},
	"updateDirectory":           {querycache.QueryListDirectory},
	"uploadFileEnd":             {querycache.QueryListDirectory},
	"undoDeleteAsset":           {querycache.QueryListDirectory},
	"openProject":               {querycache.QueryListDirectory},
	"createPermission":          {querycache.QueryListDirectory},
	"createDatalink":            {querycache.QueryListDirectory, querycache.QueryGetDatalink},
	"deleteDatalink":            {querycache.QueryListDirectory, querycache.QueryGetDatalink},
	"copyAsset":                 {querycache.QueryListDirectory, querycache.QueryListAssetVersions},
	"deleteAsset":               {querycache.QueryListDirectory, querycache.QueryListAssetVersions},
	"updateAsset":               {querycache.QueryListDirectory, querycache.QueryListAssetVersions},
	"closeProject":              {querycache.QueryListDirectory, querycache.QueryListAssetVersions},
	"restoreProject":            {querycache.QueryListDirectory, querycache.QueryListAssetVersions},
	"createProjectExecution":    {querycache.QueryListProjectExecutions},
	"updateProjectExecution":    {querycache.QueryListProjectExecutions},
	"deleteProjectExecution":    {querycache.QueryListProjectExecutions},
}

// Invalidates returns the query kinds op invalidates on success.
func Invalidates(op string) []string {
	return invalidations[op]
}

// prefixes turns op's query kinds into cache key prefixes on backend t.
func prefixes(t backend.Type, op string) []querycache.Key {
	kinds := invalidations[op]
	out := make([]querycache.Key, 0, len(kinds))
	for _, kind := range kinds {
		if kind == everything {
			return []querycache.Key{{}}
		}
		out = append(out, querycache.KindKey(t, kind))
	}
	return out
}

type mutateOptions struct {
	await bool
}

// MutateOption adjusts Mutate.
type MutateOption func(*mutateOptions)

// WithoutAwait returns as soon as the mutation succeeded; the refetches it
// triggers finish in the background.
func WithoutAwait() MutateOption {
	return func(o *mutateOptions) { o.await = false }
}

// Mutate runs fn against backend t and, when it succeeds, invalidates the
// queries op is mapped to. By default it returns only after the affected
// queries have been refetched, so a following read sees the change.
func Mutate[T any](ctx context.Context, d *Drive, t backend.Type, op string, fn func(ctx context.Context, b backend.Backend) (T, error), opts ...MutateOption) (T, error) {
	o := mutateOptions{await: true}
	for _, opt := range opts {
		opt(&o)
	}

	b, err := d.Backend(t)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx, b)
	if err != nil {
		return v, err
	}
	return v, d.invalidate(ctx, t, op, o.await)
}

func (d *Drive) invalidate(ctx context.Context, t backend.Type, op string, await bool) error {
	keys := prefixes(t, op)
	if len(keys) == 0 {
		d.log.Debug("mutation invalidates nothing", zap.String("op", op))
		return nil
	}
	return d.cache.Invalidate(ctx, keys, await)
}

// exec adapts an error-only mutation to Mutate.
func exec(fn func(ctx context.Context, b backend.Backend) error) func(ctx context.Context, b backend.Backend) (struct{}, error) {
	return func(ctx context.Context, b backend.Backend) (struct{}, error) {
		return struct{}{}, fn(ctx, b)
	}
}
