package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/kvstore"
	"github.com/fruitsalade/assetsync/internal/projectmanager/pmtest"
)

const root = "/projects"

func newBackend(t *testing.T, pm *pmtest.Fake, root string) *Backend {
	t.Helper()
	b, err := New(Config{ProjectManager: pm, RootDirectory: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func findTitle(assets []backend.Asset, title string) (backend.Asset, bool) {
	for _, a := range assets {
		if a.Title == title {
			return a, true
		}
	}
	return backend.Asset{}, false
}

func TestListDirectory(t *testing.T) {
	pm := pmtest.New(root)
	pm.AddFile(root + "/notes.txt")
	pm.AddFile(root + "/data/raw.csv")
	pm.AddProject(root, "Alpha")
	b := newBackend(t, pm, root)

	assets, err := b.ListDirectory(context.Background(), backend.ListDirectoryRequest{})
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if len(assets) != 3 {
		t.Fatalf("expected 3 assets, got %+v", assets)
	}
	wantTypes := []assetid.Kind{assetid.Directory, assetid.Project, assetid.File}
	for i, a := range assets {
		if a.Type != wantTypes[i] {
			t.Errorf("asset %d: type %s, want %s", i, a.Type, wantTypes[i])
		}
		if a.ParentID != assetid.LocalDirectory(root) {
			t.Errorf("asset %d: parent %s", i, a.ParentID)
		}
	}
	if f, _ := findTitle(assets, "notes.txt"); f.Extension != "txt" || f.ID != assetid.LocalFile(root+"/notes.txt") {
		t.Errorf("unexpected file asset %+v", f)
	}
	if p, _ := findTitle(assets, "Alpha"); p.ProjectState == nil || p.ProjectState.Type != backend.StateClosed {
		t.Errorf("unexpected project asset %+v", p)
	}
}

func TestListDirectoryFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing root is created", func(t *testing.T) {
		pm := pmtest.New("/other")
		b := newBackend(t, pm, root)
		assets, err := b.ListDirectory(ctx, backend.ListDirectoryRequest{})
		if err != nil || len(assets) != 0 {
			t.Fatalf("got %v, %v", assets, err)
		}
		if !pm.Has(root) {
			t.Error("root directory was not created")
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		b := newBackend(t, pmtest.New(root), root)
		_, err := b.ListDirectory(ctx, backend.ListDirectoryRequest{ParentID: assetid.LocalDirectory(root + "/gone")})
		if !errors.Is(err, apierr.ErrDirectoryDoesNotExist) || !errors.Is(err, apierr.ErrNotFound) {
			t.Fatalf("expected DirectoryDoesNotExist, got %v", err)
		}
	})

	t.Run("unlistable but present", func(t *testing.T) {
		pm := pmtest.New(root)
		pm.AddFile(root + "/file.txt")
		b := newBackend(t, pm, root)
		assets, err := b.ListDirectory(ctx, backend.ListDirectoryRequest{ParentID: assetid.LocalDirectory(root + "/file.txt")})
		if err != nil || len(assets) != 0 {
			t.Fatalf("got %v, %v", assets, err)
		}
	})

	t.Run("trash is always empty", func(t *testing.T) {
		pm := pmtest.New(root)
		pm.AddFile(root + "/file.txt")
		b := newBackend(t, pm, root)
		assets, err := b.ListDirectory(ctx, backend.ListDirectoryRequest{FilterBy: backend.FilterTrashed})
		if err != nil || len(assets) != 0 {
			t.Fatalf("got %v, %v", assets, err)
		}
	})

	t.Run("wrong identifier kind", func(t *testing.T) {
		b := newBackend(t, pmtest.New(root), root)
		_, err := b.ListDirectory(ctx, backend.ListDirectoryRequest{ParentID: assetid.LocalFile(root + "/x")})
		if !errors.Is(err, apierr.ErrInvalidIdentifierKind) {
			t.Fatalf("expected invalid identifier, got %v", err)
		}
	})
}

func TestMoveProjectChangesIdentifier(t *testing.T) {
	ctx := context.Background()
	pm := pmtest.New(root)
	pm.AddProject(root, "Alpha")
	b := newBackend(t, pm, root)

	sub, err := b.CreateDirectory(ctx, backend.CreateDirectoryRequest{Title: "archive"})
	if err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	assets, err := b.ListDirectory(ctx, backend.ListDirectoryRequest{})
	if err != nil {
		t.Fatal(err)
	}
	alpha, ok := findTitle(assets, "Alpha")
	if !ok {
		t.Fatalf("project missing from %+v", assets)
	}

	updated, err := b.UpdateProject(ctx, alpha.ID, backend.UpdateProjectRequest{ParentID: sub.ID})
	if err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	if updated.ID == alpha.ID {
		t.Fatal("moved project kept its identifier")
	}
	if _, err := b.GetProjectDetails(ctx, updated.ID, sub.ID); err != nil {
		t.Fatalf("new identifier does not resolve: %v", err)
	}
	if _, err := b.GetProjectDetails(ctx, alpha.ID, ""); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("old identifier should be gone, got %v", err)
	}
}

func TestUpdateAssetMovesFiles(t *testing.T) {
	ctx := context.Background()
	pm := pmtest.New(root)
	pm.AddFile(root + "/a.txt")
	pm.AddFile(root + "/dst/keep.txt")
	b := newBackend(t, pm, root)

	id, err := b.UpdateAsset(ctx, assetid.LocalFile(root+"/a.txt"), backend.UpdateAssetRequest{ParentDirectoryID: assetid.LocalDirectory(root + "/dst")})
	if err != nil {
		t.Fatalf("UpdateAsset: %v", err)
	}
	if id != assetid.LocalFile(root+"/dst/a.txt") || !pm.Has(root+"/dst/a.txt") || pm.Has(root+"/a.txt") {
		t.Fatalf("unexpected move result %s", id)
	}

	renamed, err := b.UpdateFile(ctx, id, backend.UpdateFileRequest{Title: "b.txt"})
	if err != nil || renamed != assetid.LocalFile(root+"/dst/b.txt") {
		t.Fatalf("UpdateFile = %s, %v", renamed, err)
	}

	dir, err := b.UpdateDirectory(ctx, assetid.LocalDirectory(root+"/dst"), backend.UpdateDirectoryRequest{Title: "out"})
	if err != nil || dir.ID != assetid.LocalDirectory(root+"/out") || !pm.Has(root+"/out/b.txt") {
		t.Fatalf("UpdateDirectory = %+v, %v", dir, err)
	}
}

func TestOpenCloseProject(t *testing.T) {
	ctx := context.Background()
	pm := pmtest.New(root)
	uid := pm.AddProject(root, "Alpha")
	pm.OpenGate = make(chan struct{})
	b := newBackend(t, pm, root)
	id := assetid.LocalProject(uid)

	if err := b.OpenProject(ctx, id, backend.OpenProjectRequest{ExecuteAsync: true}); err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	// A second open joins the first.
	if err := b.OpenProject(ctx, id, backend.OpenProjectRequest{ExecuteAsync: true}); err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	p, err := b.GetProjectDetails(ctx, id, "")
	if err != nil || p.State.Type != backend.StateOpenInProgress {
		t.Fatalf("expected open in progress, got %+v, %v", p, err)
	}

	close(pm.OpenGate)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.OpenProject(waitCtx, id, backend.OpenProjectRequest{}); err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	p, err = b.GetProjectDetails(ctx, id, "")
	if err != nil || p.State.Type != backend.StateOpened || p.JSONAddress != "ws://127.0.0.1:30616" {
		t.Fatalf("expected opened project, got %+v, %v", p, err)
	}
	if pm.Opens != 1 {
		t.Errorf("expected one open, got %d", pm.Opens)
	}

	if err := b.CloseProject(ctx, id); err != nil {
		t.Fatalf("CloseProject: %v", err)
	}
	if pm.IsOpen(uid) {
		t.Error("project still open")
	}
	if b.stateOf(uid) != backend.StateClosed {
		t.Errorf("state = %s", b.stateOf(uid))
	}
}

func TestOpenProjectFailure(t *testing.T) {
	pm := pmtest.New(root)
	uid := pm.AddProject(root, "Alpha")
	pm.OpenErr = apierr.NotFound("openProject", "gone")
	b := newBackend(t, pm, root)

	err := b.OpenProject(context.Background(), assetid.LocalProject(uid), backend.OpenProjectRequest{})
	if !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if b.stateOf(uid) != backend.StateClosed {
		t.Errorf("failed open left state %s", b.stateOf(uid))
	}
}

func TestCopyAssetOnlyWithinDirectory(t *testing.T) {
	ctx := context.Background()
	pm := pmtest.New(root)
	uid := pm.AddProject(root, "Alpha")
	pm.AddFile(root + "/other/x.txt")
	b := newBackend(t, pm, root)
	if _, err := b.ListDirectory(ctx, backend.ListDirectoryRequest{}); err != nil {
		t.Fatal(err)
	}
	id := assetid.LocalProject(uid)

	copied, err := b.CopyAsset(ctx, id, assetid.LocalDirectory(root))
	if err != nil || copied.Title != "Alpha (copy 1)" {
		t.Fatalf("CopyAsset = %+v, %v", copied, err)
	}
	if _, err := b.CopyAsset(ctx, id, assetid.LocalDirectory(root+"/other")); !errors.Is(err, apierr.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if _, err := b.CopyAsset(ctx, assetid.LocalFile(root+"/other/x.txt"), assetid.LocalDirectory(root)); !errors.Is(err, apierr.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, pmtest.New(root), root)

	calls := map[string]func() error{
		"usersMe":        func() error { _, err := b.UsersMe(ctx); return err },
		"listUsers":      func() error { _, err := b.ListUsers(ctx); return err },
		"listTags":       func() error { _, err := b.ListTags(ctx); return err },
		"createSecret":   func() error { _, err := b.CreateSecret(ctx, backend.CreateSecretRequest{}); return err },
		"undoDelete":     func() error { return b.UndoDeleteAsset(ctx, assetid.LocalFile(root+"/x")) },
		"versions":       func() error { _, err := b.ListAssetVersions(ctx, assetid.LocalFile(root+"/x")); return err },
		"executions":     func() error { _, err := b.ListProjectExecutions(ctx, "project-x"); return err },
		"restoreProject": func() error { return b.RestoreProject(ctx, "project-x", "v1") },
		"acceptInvite":   func() error { return b.AcceptInvitation(ctx) },
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, apierr.ErrUnsupported) {
			t.Errorf("%s: expected unsupported, got %v", name, err)
		}
	}

	org, err := b.GetOrganization(ctx)
	if org != nil || err != nil {
		t.Errorf("GetOrganization = %v, %v", org, err)
	}
}

func TestRootDirectoryOverride(t *testing.T) {
	store := kvstore.NewMemory()
	b, err := New(Config{ProjectManager: pmtest.New(root), RootDirectory: root, Store: store})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if got := b.RootDirectoryID(nil, nil, ""); got != assetid.LocalDirectory(root) {
		t.Errorf("RootDirectoryID = %s", got)
	}
	if got := b.RootDirectoryID(nil, nil, "/elsewhere/"); got != assetid.LocalDirectory("/elsewhere") {
		t.Errorf("RootDirectoryID with override = %s", got)
	}

	if err := store.Set(kvstore.KeyLocalRootDirectory, "/mnt/work"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for b.RootPath() != "/mnt/work" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.RootPath() != "/mnt/work" {
		t.Errorf("RootPath = %s", b.RootPath())
	}
}

func TestUploadFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := newBackend(t, pmtest.New(dir), dir)

	src := bytes.NewReader([]byte("hello, world"))
	req := backend.UploadFileRequest{FileName: "hello.txt", ParentDirectoryID: assetid.LocalDirectory(dir)}
	session, err := b.UploadFileStart(ctx, req, src)
	if err != nil {
		t.Fatalf("UploadFileStart: %v", err)
	}
	if len(session.PresignedURLs) != 0 {
		t.Errorf("local uploads have no chunks, got %d", len(session.PresignedURLs))
	}

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil || string(data) != "hello, world" {
		t.Fatalf("file content %q, %v", data, err)
	}

	end := backend.UploadFileEndRequest{UploadFileRequest: req, UploadID: session.UploadID}
	asset, err := b.UploadFileEnd(ctx, end)
	if err != nil || asset.ID != assetid.LocalFile(filepath.Join(dir, "hello.txt")) {
		t.Fatalf("UploadFileEnd = %+v, %v", asset, err)
	}
	if _, err := b.UploadFileEnd(ctx, end); !errors.Is(err, apierr.ErrNotFound) {
		t.Errorf("second UploadFileEnd should fail, got %v", err)
	}
}

func TestUploadFileNameMustStayInParent(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	dir := filepath.Join(base, "root")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	b := newBackend(t, pmtest.New(dir), dir)

	for _, name := range []string{"../escaped.txt", "..", "sub/inner.txt", `..\\escaped.txt`, ""} {
		req := backend.UploadFileRequest{FileName: name, ParentDirectoryID: assetid.LocalDirectory(dir)}
		_, err := b.UploadFileStart(ctx, req, bytes.NewReader([]byte("x")))
		if !errors.Is(err, apierr.ErrInvalidInput) {
			t.Errorf("UploadFileStart(%q) = %v, want invalid input", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(base, "escaped.txt")); !os.IsNotExist(err) {
		t.Errorf("file written outside its directory: %v", err)
	}

	_, err := b.CreateDirectory(ctx, backend.CreateDirectoryRequest{ParentID: assetid.LocalDirectory(dir), Title: "../up"})
	if !errors.Is(err, apierr.ErrInvalidInput) {
		t.Errorf("CreateDirectory with a parent reference = %v, want invalid input", err)
	}
}

func TestUploadProject(t *testing.T) {
	ctx := context.Background()
	pm := pmtest.New(root)

	var gotQuery, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upload-project" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		gotQuery, gotBody = r.URL.RawQuery, string(body)
		uid := pm.AddProject(r.URL.Query().Get("directory"), r.URL.Query().Get("name"))
		io.WriteString(w, uid.String())
	}))
	defer srv.Close()

	b, err := New(Config{ProjectManager: pm, RootDirectory: root, ServerURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	session, err := b.UploadFileStart(ctx, backend.UploadFileRequest{FileName: "Demo.enso-project"}, bytes.NewReader([]byte("bundle")))
	if err != nil {
		t.Fatalf("UploadFileStart: %v", err)
	}
	if gotBody != "bundle" || gotQuery != "directory=%2Fprojects&name=Demo" {
		t.Errorf("server got query %q body %q", gotQuery, gotBody)
	}
	asset, err := b.UploadFileEnd(ctx, backend.UploadFileEndRequest{UploadID: session.UploadID})
	if err != nil {
		t.Fatalf("UploadFileEnd: %v", err)
	}
	if asset.Project == nil || asset.Project.Name != "Demo" || asset.Project.ParentID != assetid.LocalDirectory(root) {
		t.Fatalf("unexpected project %+v", asset.Project)
	}
}

func TestWatchReportsChangedDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	b := newBackend(t, pmtest.New(dir), dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []assetid.ID, 4)
	go b.Watch(ctx, func(dirs []assetid.ID) { got <- dirs })
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case dirs := <-got:
		if len(dirs) != 1 || dirs[0] != assetid.LocalDirectory(filepath.Join(dir, "sub")) {
			t.Errorf("changed dirs = %v", dirs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
}
