package drive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/kvstore"
	"github.com/fruitsalade/assetsync/internal/lifecycle"
	"github.com/fruitsalade/assetsync/internal/querycache"
	"github.com/fruitsalade/assetsync/internal/upload"
)

func newTestDrive(t *testing.T, m *memBackend) *Drive {
	t.Helper()
	d, err := New(Config{
		Backends:    []backend.Backend{m},
		Cache:       querycache.New(),
		Uploader:    upload.New(upload.Config{}),
		Launched:    lifecycle.NewLaunchedProjects(kvstore.NewMemory()),
		Parallelism: 2,
	})
	require.NoError(t, err)
	return d
}

func rootListing(d *Drive) ([]backend.Asset, bool) {
	return querycache.Peek[[]backend.Asset](d.cache, querycache.ListDirectoryKey(backend.TypeRemote, backend.ListDirectoryRequest{ParentID: rootID}))
}

func TestCreateDirectoryShowsPlaceholderUntilConfirmed(t *testing.T) {
	m := newMemBackend()
	m.createGate = make(chan struct{})
	d := newTestDrive(t, m)
	ctx := context.Background()

	type result struct {
		created *backend.CreatedDirectory
		err     error
	}
	done := make(chan result, 1)
	go func() {
		created, err := d.CreateDirectory(ctx, backend.TypeRemote, "", "Foo")
		done <- result{created, err}
	}()

	var placeholder backend.Asset
	require.Eventually(t, func() bool {
		list, ok := rootListing(d)
		if !ok || len(list) != 1 {
			return false
		}
		placeholder = list[0]
		return true
	}, time.Second, 5*time.Millisecond)
	assert.True(t, placeholder.Placeholder)
	assert.True(t, assetid.IsPlaceholder(placeholder.ID))
	assert.Equal(t, "Foo", placeholder.Title)
	assert.Equal(t, assetid.Directory, placeholder.Type)

	close(m.createGate)
	res := <-done
	require.NoError(t, res.err)

	list, ok := rootListing(d)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, res.created.ID, list[0].ID)
	assert.Equal(t, "Foo", list[0].Title)
	assert.False(t, list[0].Placeholder)
}

func TestCreateDirectoryRollsBackOnFailure(t *testing.T) {
	m := newMemBackend()
	m.failCreate = apierr.Forbidden("createDirectory", "read only")
	d := newTestDrive(t, m)

	_, err := d.CreateDirectory(context.Background(), backend.TypeRemote, rootID, "Foo")
	require.ErrorIs(t, err, apierr.ErrForbidden)

	list, ok := rootListing(d)
	require.True(t, ok)
	assert.Empty(t, list)
}

func TestCreateDirectoryPicksNextFreeTitle(t *testing.T) {
	m := newMemBackend()
	m.add(assetid.Directory, rootID, "New Folder 1")
	m.add(assetid.Directory, rootID, "New Folder 3")
	m.add(assetid.File, rootID, "New Folder 9")
	d := newTestDrive(t, m)

	created, err := d.CreateDirectory(context.Background(), backend.TypeRemote, rootID, "")
	require.NoError(t, err)
	assert.Equal(t, "New Folder 4", created.Title)
}

func TestCreateProjectNamedAfterTemplate(t *testing.T) {
	m := newMemBackend()
	m.add(assetid.Project, rootID, "Orders 1")
	d := newTestDrive(t, m)

	created, err := d.CreateProject(context.Background(), backend.TypeRemote, NewProject{TemplateName: "Orders"})
	require.NoError(t, err)
	assert.Equal(t, "Orders 2", created.Name)

	created, err = d.CreateProject(context.Background(), backend.TypeRemote, NewProject{})
	require.NoError(t, err)
	assert.Equal(t, "New Project 1", created.Name)
}

func TestCreateSecretReconcilesIdentifier(t *testing.T) {
	m := newMemBackend()
	d := newTestDrive(t, m)

	id, err := d.CreateSecret(context.Background(), backend.TypeRemote, rootID, "token", "s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, assetid.Secret, assetid.MustKind(id))

	list, _ := rootListing(d)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestNewTitle(t *testing.T) {
	siblings := []backend.Asset{
		{Type: assetid.Directory, Title: "New Folder 2"},
		{Type: assetid.Directory, Title: "New Folder x"},
		{Type: assetid.Directory, Title: "New Folder 10"},
		{Type: assetid.Project, Title: "New Folder 40"},
	}
	assert.Equal(t, "New Folder 11", NewTitle(siblings, assetid.Directory, "New Folder"))
	assert.Equal(t, "New Project 1", NewTitle(siblings, assetid.Project, "New Project"))
	assert.Equal(t, "a.b (c) 1", NewTitle(nil, assetid.Project, "a.b (c)"))
}

func TestUniqueTitle(t *testing.T) {
	taken := map[string]bool{"report.csv": true, "report 2.csv": true, "Demo": true}
	assert.Equal(t, "report 3.csv", uniqueTitle(assetid.File, "report.csv", taken))
	assert.Equal(t, "notes 2", uniqueTitle(assetid.File, "notes", taken))
	assert.Equal(t, "Demo 2", uniqueTitle(assetid.Project, "Demo", taken))
}

func TestInvalidates(t *testing.T) {
	assert.Equal(t, []string{querycache.QueryListDirectory, querycache.QueryListAssetVersions}, Invalidates("deleteAsset"))
	assert.Equal(t, []string{querycache.QueryListDirectory, querycache.QueryGetDatalink}, Invalidates("createDatalink"))
	assert.Equal(t, []string{querycache.QueryListUsers}, Invalidates("changeUserGroup"))
	assert.Nil(t, Invalidates("listDirectory"))

	assert.Equal(t, []querycache.Key{{}}, prefixes(backend.TypeRemote, "acceptInvitation"))
}

func TestMutateRefetchesMappedQueries(t *testing.T) {
	m := newMemBackend()
	d := newTestDrive(t, m)
	ctx := context.Background()

	_, err := d.ListDirectory(ctx, backend.TypeRemote, backend.ListDirectoryRequest{ParentID: rootID})
	require.NoError(t, err)

	_, err = Mutate(ctx, d, backend.TypeRemote, "createDirectory", func(ctx context.Context, b backend.Backend) (*backend.CreatedDirectory, error) {
		return b.CreateDirectory(ctx, backend.CreateDirectoryRequest{ParentID: rootID, Title: "Later"})
	})
	require.NoError(t, err)

	list, _ := rootListing(d)
	require.Len(t, list, 1)
	assert.Equal(t, "Later", list[0].Title)

	// A failed mutation leaves the cache alone.
	calls := m.listCalls
	_, err = Mutate(ctx, d, backend.TypeRemote, "createDirectory", func(context.Context, backend.Backend) (struct{}, error) {
		return struct{}{}, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, calls, m.listCalls)
}

func TestDeleteAssetsReportsEveryFailure(t *testing.T) {
	m := newMemBackend()
	var ids []assetid.ID
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, m.add(assetid.Directory, rootID, title).ID)
	}
	m.failDelete[ids[1]] = true
	m.failDelete[ids[3]] = true
	d := newTestDrive(t, m)
	ctx := context.Background()

	_, err := d.ListDirectory(ctx, backend.TypeRemote, backend.ListDirectoryRequest{ParentID: rootID})
	require.NoError(t, err)

	err = d.DeleteAssets(ctx, backend.TypeRemote, ids, false)
	require.ErrorIs(t, err, apierr.ErrAggregate)
	var agg *apierr.AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, 2, agg.Failed)
	assert.Equal(t, 5, agg.Total)
	assert.Len(t, agg.Errors, 2)
	assert.ErrorIs(t, err, apierr.ErrForbidden)

	list, _ := rootListing(d)
	var remaining []assetid.ID
	for _, a := range list {
		remaining = append(remaining, a.ID)
	}
	assert.ElementsMatch(t, []assetid.ID{ids[1], ids[3]}, remaining)
}

func TestBulkRefreshFailureKeepsItemCounts(t *testing.T) {
	m := newMemBackend()
	a := m.add(assetid.Directory, rootID, "a")
	b := m.add(assetid.Directory, rootID, "b")
	m.failDelete[b.ID] = true
	d := newTestDrive(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := d.ListDirectory(ctx, backend.TypeRemote, backend.ListDirectoryRequest{ParentID: rootID})
	require.NoError(t, err)

	// Both deletes still reach the backend; only the refresh sees the
	// cancelled context.
	m.onDelete = cancel
	err = d.DeleteAssets(ctx, backend.TypeRemote, []assetid.ID{a.ID, b.ID}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var agg *apierr.AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, 1, agg.Failed)
	assert.Equal(t, 2, agg.Total)
	assert.ErrorIs(t, agg, apierr.ErrForbidden)
}

func TestBulkWithoutSuccessSkipsInvalidation(t *testing.T) {
	m := newMemBackend()
	a := m.add(assetid.Directory, rootID, "a")
	m.failDelete[a.ID] = true
	d := newTestDrive(t, m)
	ctx := context.Background()

	_, err := d.ListDirectory(ctx, backend.TypeRemote, backend.ListDirectoryRequest{ParentID: rootID})
	require.NoError(t, err)
	calls := m.listCalls

	err = d.DeleteAssets(ctx, backend.TypeRemote, []assetid.ID{a.ID}, false)
	require.Error(t, err)
	assert.Equal(t, calls, m.listCalls)
}

func TestRestoreAndClearTrash(t *testing.T) {
	m := newMemBackend()
	a := m.add(assetid.File, rootID, "a.txt")
	b := m.add(assetid.File, rootID, "b.txt")
	d := newTestDrive(t, m)
	ctx := context.Background()

	require.NoError(t, d.DeleteAssets(ctx, backend.TypeRemote, []assetid.ID{a.ID, b.ID}, false))
	require.NoError(t, d.RestoreAssets(ctx, backend.TypeRemote, []assetid.ID{a.ID}))
	assert.Equal(t, []string{"a.txt"}, m.titles(rootID))

	require.NoError(t, d.ClearTrash(ctx, backend.TypeRemote))
	m.mu.Lock()
	_, kept := m.assets[b.ID]
	m.mu.Unlock()
	assert.False(t, kept)
	assert.Equal(t, []string{"a.txt"}, m.titles(rootID))
}

func TestCopyAndMoveAssets(t *testing.T) {
	m := newMemBackend()
	dir := m.add(assetid.Directory, rootID, "dir")
	f := m.add(assetid.File, rootID, "f.txt")
	d := newTestDrive(t, m)
	ctx := context.Background()

	require.NoError(t, d.CopyAssets(ctx, backend.TypeRemote, []assetid.ID{f.ID}, dir.ID))
	assert.Equal(t, []string{"f.txt"}, m.titles(dir.ID))

	require.NoError(t, d.MoveAssets(ctx, backend.TypeRemote, []assetid.ID{f.ID}, dir.ID))
	assert.Equal(t, []string{"dir"}, m.titles(rootID))
	assert.Equal(t, []string{"f.txt", "f.txt"}, m.titles(dir.ID))
}

func TestLabelsOnlyChangeWhenSetChanges(t *testing.T) {
	m := newMemBackend()
	a := m.add(assetid.File, rootID, "a.txt")
	b := m.add(assetid.File, rootID, "b.txt")
	a.Labels = []string{"red"}
	d := newTestDrive(t, m)
	ctx := context.Background()

	require.NoError(t, d.AddLabels(ctx, backend.TypeRemote, []backend.Asset{a, b}, []string{"red"}))
	assert.Equal(t, 1, m.tagCalls)

	b.Labels = []string{"red"}
	require.NoError(t, d.RemoveLabels(ctx, backend.TypeRemote, []backend.Asset{a, b}, []string{"blue"}))
	assert.Equal(t, 1, m.tagCalls)

	require.NoError(t, d.RemoveLabels(ctx, backend.TypeRemote, []backend.Asset{a, b}, []string{"red"}))
	assert.Equal(t, 3, m.tagCalls)
}

func TestUploadFilesSingleConflict(t *testing.T) {
	m := newMemBackend()
	m.add(assetid.File, rootID, "data.csv")
	d := newTestDrive(t, m)
	ctx := context.Background()

	batch, err := d.UploadFiles(ctx, backend.TypeRemote, rootID, []UploadItem{
		{Name: "data.csv", Source: bytesSource("1,2")},
		{Name: "other.csv", Source: bytesSource("3,4")},
	})
	require.NoError(t, err)

	conflicts := batch.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, 0, conflicts[0].Index)
	assert.Equal(t, "data.csv", conflicts[0].Existing.Title)
	assert.Equal(t, "data 2.csv", conflicts[0].Suggested)

	title, err := batch.Rename(0)
	require.NoError(t, err)
	assert.Equal(t, "data 2.csv", title)
	assert.Empty(t, batch.Conflicts())
	require.ErrorIs(t, batch.Skip(0), ErrNoConflict)

	results, err := batch.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "data 2.csv", results[0].Name)

	assert.ElementsMatch(t, []string{"data.csv", "data 2.csv", "other.csv"}, m.titles(rootID))
	list, _ := rootListing(d)
	assert.Len(t, list, 3)
}

func TestRenameAvoidsBatchAndCommittedTitles(t *testing.T) {
	m := newMemBackend()
	m.add(assetid.File, rootID, "a.txt")
	m.add(assetid.Project, rootID, "Demo")
	d := newTestDrive(t, m)
	ctx := context.Background()

	batch, err := d.UploadFiles(ctx, backend.TypeRemote, rootID, []UploadItem{
		{Name: "a.txt", Source: bytesSource("x")},
		{Name: "a 2.txt", Source: bytesSource("y")},
		{Name: "Demo.enso-project", Source: bytesSource("z")},
		{Name: "a.txt", Source: bytesSource("w")},
	})
	require.NoError(t, err)

	conflicts := batch.Conflicts()
	require.Len(t, conflicts, 3)
	assert.Equal(t, "a 3.txt", conflicts[0].Suggested)
	assert.Equal(t, assetid.Project, conflicts[1].Kind)
	assert.Equal(t, "Demo 2", conflicts[1].Suggested)

	first, err := batch.Rename(0)
	require.NoError(t, err)
	second, err := batch.Rename(3)
	require.NoError(t, err)
	assert.Equal(t, "a 3.txt", first)
	assert.Equal(t, "a 4.txt", second)

	project, err := batch.Rename(2)
	require.NoError(t, err)
	assert.Equal(t, "Demo 2", project)

	_, err = batch.Wait(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"Demo", "Demo 2", "a.txt", "a 2.txt", "a 3.txt", "a 4.txt"},
		m.titles(rootID))
}

func TestUploadFilesUpdateSkipAndFailures(t *testing.T) {
	m := newMemBackend()
	existing := m.add(assetid.File, rootID, "keep.txt")
	m.add(assetid.File, rootID, "drop.txt")
	m.failUpload["bad.txt"] = true
	d := newTestDrive(t, m)
	ctx := context.Background()

	batch, err := d.UploadFiles(ctx, backend.TypeRemote, rootID, []UploadItem{
		{Name: "keep.txt", Source: bytesSource("new")},
		{Name: "drop.txt", Source: bytesSource("new")},
		{Name: "bad.txt", Source: bytesSource("new")},
	})
	require.NoError(t, err)
	require.NoError(t, batch.Update(0))
	require.NoError(t, batch.Skip(1))

	results, err := batch.Wait(ctx)
	var agg *apierr.AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, 1, agg.Failed)
	assert.Equal(t, 2, agg.Total)
	assert.True(t, results[1].Skipped)
	assert.Error(t, results[2].Err)
	assert.Equal(t, []assetid.ID{existing.ID}, m.updated)
}

func TestCancelSkipsPendingConflicts(t *testing.T) {
	m := newMemBackend()
	m.add(assetid.File, rootID, "a.txt")
	d := newTestDrive(t, m)
	ctx := context.Background()

	batch, err := d.UploadFiles(ctx, backend.TypeRemote, rootID, []UploadItem{{Name: "a.txt", Source: bytesSource("x")}})
	require.NoError(t, err)
	batch.Cancel()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	results, err := batch.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, results[0].Skipped)
}

func TestRenameProjectRenamesLaunchedEntry(t *testing.T) {
	m := newMemBackend()
	p := m.add(assetid.Project, rootID, "Old")
	d := newTestDrive(t, m)
	ctx := context.Background()
	require.NoError(t, d.launched.Add(lifecycle.Project{Backend: backend.TypeRemote, ID: p.ID, ParentID: rootID, Title: "Old"}))

	_, err := d.RenameProject(ctx, backend.TypeRemote, p.ID, "New")
	require.NoError(t, err)

	launched, err := d.launched.List()
	require.NoError(t, err)
	require.Len(t, launched, 1)
	assert.Equal(t, "New", launched[0].Title)
}

func TestMoveProjectFollowsLaunchedEntry(t *testing.T) {
	m := newMemBackend()
	m.rekeyMoves = true
	dst := m.add(assetid.Directory, rootID, "dst")
	other := m.add(assetid.Directory, rootID, "other")
	p := m.add(assetid.Project, rootID, "Alpha")
	q := m.add(assetid.Project, rootID, "Beta")
	d := newTestDrive(t, m)
	ctx := context.Background()
	require.NoError(t, d.launched.Add(lifecycle.Project{Backend: backend.TypeRemote, ID: p.ID, ParentID: rootID, Title: "Alpha"}))
	require.NoError(t, d.launched.Add(lifecycle.Project{Backend: backend.TypeRemote, ID: q.ID, ParentID: rootID, Title: "Beta"}))

	newID, err := d.UpdateAsset(ctx, backend.TypeRemote, p.ID, backend.UpdateAssetRequest{ParentDirectoryID: dst.ID})
	require.NoError(t, err)
	require.NotEqual(t, p.ID, newID)
	require.NoError(t, d.MoveAssets(ctx, backend.TypeRemote, []assetid.ID{q.ID}, other.ID))

	launched, err := d.launched.List()
	require.NoError(t, err)
	require.Len(t, launched, 2)
	assert.Equal(t, newID, launched[0].ID)
	assert.Equal(t, dst.ID, launched[0].ParentID)
	assert.NotEqual(t, q.ID, launched[1].ID)
	assert.Equal(t, other.ID, launched[1].ParentID)
	assert.Equal(t, "Beta", launched[1].Title)
}

func TestCategories(t *testing.T) {
	m := newMemBackend()
	d := newTestDrive(t, m)
	ctx := context.Background()

	cats, err := d.Categories(ctx, nil)
	require.NoError(t, err)
	require.Len(t, cats, 3)
	assert.Equal(t, CategoryCloud, cats[0].Type)
	assert.Equal(t, rootID, cats[0].Root)
	assert.Equal(t, backend.FilterTrashed, cats[2].Filter())
	assert.True(t, cats[1].ListRequest("").RecentProjects)

	m.user.Plan = backend.PlanTeam
	m.groups = []backend.UserGroupInfo{{ID: "usergroup-42", Name: "Data"}}
	d = newTestDrive(t, m)
	cats, err = d.Categories(ctx, nil)
	require.NoError(t, err)
	require.Len(t, cats, 5)
	assert.Equal(t, assetid.ID("directory-acme"), cats[0].Root)
	assert.Equal(t, CategoryUser, cats[3].Type)
	assert.Equal(t, rootID, cats[3].Root)
	assert.Equal(t, CategoryTeam, cats[4].Type)
	assert.Equal(t, assetid.ID("directory-42"), cats[4].Root)
	assert.Equal(t, backend.TypeRemote, cats[4].Backend())
}

func TestUnknownBackend(t *testing.T) {
	d := newTestDrive(t, newMemBackend())
	_, err := d.ListDirectory(context.Background(), backend.TypeLocal, backend.ListDirectoryRequest{})
	assert.ErrorIs(t, err, apierr.ErrUnsupported)
	assert.ErrorIs(t, d.WatchLocal(context.Background()), apierr.ErrUnsupported)
}
