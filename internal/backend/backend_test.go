package backend

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
)

func TestSortAssets(t *testing.T) {
	assets := []Asset{
		{Type: assetid.File, ID: "file-1", Title: "b.txt"},
		{Type: assetid.Secret, ID: "secret-1", Title: "a"},
		{Type: assetid.Directory, ID: "directory-2", Title: "beta"},
		{Type: assetid.Project, ID: "project-1", Title: "Zed"},
		{Type: assetid.Directory, ID: "directory-1", Title: "Alpha"},
		{Type: assetid.Datalink, ID: "datalink-1", Title: "a"},
		{Type: assetid.File, ID: "file-0", Title: "B.txt"},
	}
	SortAssets(assets)

	want := []assetid.ID{"directory-1", "directory-2", "project-1", "file-0", "file-1", "datalink-1", "secret-1"}
	for i, id := range want {
		if assets[i].ID != id {
			t.Fatalf("position %d: got %s, want %s (full: %v)", i, assets[i].ID, id, ids(assets))
		}
	}
}

func ids(assets []Asset) []assetid.ID {
	out := make([]assetid.ID, len(assets))
	for i, a := range assets {
		out[i] = a.ID
	}
	return out
}

func TestSortPermissions(t *testing.T) {
	perms := []Permission{
		{Action: ActionView, User: StaticUser{UserID: "u3", Name: "Carol"}},
		{Action: ActionOwn, Group: &UserGroupInfo{ID: "g1", Name: "Admins"}},
		{Action: ActionOwn, User: StaticUser{UserID: "u1", Name: "bob"}},
		{Action: ActionEdit, User: StaticUser{UserID: "u2", Name: "Alice"}},
		{Action: ActionOwn, User: StaticUser{UserID: "u0", Name: "Alice"}},
	}
	SortPermissions(perms)

	got := []string{}
	for _, p := range perms {
		_, _, id := subject(p)
		got = append(got, id)
	}
	want := []string{"u0", "u1", "g1", "u2", "u3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got order %v, want %v", got, want)
		}
	}
}

func TestLiveUserIsSharedByPermissions(t *testing.T) {
	me := NewLiveUser(UserInfo{UserID: "u1", Name: "Old"})
	perms := []Permission{{Action: ActionOwn, User: me}, {Action: ActionRead, User: me}}

	me.Set(UserInfo{UserID: "u1", Name: "New"})
	for _, p := range perms {
		if p.User.Get().Name != "New" {
			t.Errorf("permission did not follow rename: %+v", p.User.Get())
		}
	}
}

func TestPermissionJSON(t *testing.T) {
	raw := `{"permission":"edit","user":{"userId":"u1","name":"Ann","email":"a@x"}}`
	var p Permission
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatal(err)
	}
	if p.Action != ActionEdit || p.User == nil || p.User.Get().Name != "Ann" {
		t.Fatalf("unexpected permission %+v", p)
	}
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != raw {
		t.Errorf("marshal = %s", out)
	}
}

func TestRemoteRootDirectoryID(t *testing.T) {
	solo := &User{Plan: PlanSolo, RootDirectoryID: "directory-mine"}
	team := &User{Plan: PlanTeam, RootDirectoryID: "directory-mine"}
	org := &Organization{ID: "organization-abc"}

	if got := RemoteRootDirectoryID(solo, org); got != "directory-mine" {
		t.Errorf("solo: %q", got)
	}
	if got := RemoteRootDirectoryID(team, org); got != "directory-abc" {
		t.Errorf("team: %q", got)
	}
	if got := RemoteRootDirectoryID(team, nil); got != "" {
		t.Errorf("team without org: %q", got)
	}
	if got := RemoteRootDirectoryID(nil, org); got != "" {
		t.Errorf("no user: %q", got)
	}
}

func TestLocalRootDirectoryID(t *testing.T) {
	if got := LocalRootDirectoryID("/home/me/projects", ""); got != "directory-/home/me/projects" {
		t.Errorf("configured: %q", got)
	}
	if got := LocalRootDirectoryID("/home/me/projects", "/mnt/work/"); got != "directory-/mnt/work" {
		t.Errorf("override: %q", got)
	}
}

func TestProjectNames(t *testing.T) {
	cases := map[string]string{
		"Model.enso-project": "Model",
		"Model.tar.gz":       "Model",
		"data.csv":           "data.csv",
	}
	for in, want := range cases {
		if got := StripProjectExtension(in); got != want {
			t.Errorf("StripProjectExtension(%q) = %q", in, got)
		}
	}
	if !IsProjectFileName("x.enso-project") || IsProjectFileName("x.csv") {
		t.Error("IsProjectFileName misclassified")
	}

	base, ext := SplitFileName("report.final.csv")
	if base != "report.final" || ext != "csv" {
		t.Errorf("SplitFileName = %q %q", base, ext)
	}
	if base, ext := SplitFileName("README"); base != "README" || ext != "" {
		t.Errorf("SplitFileName(README) = %q %q", base, ext)
	}
}

func TestUnsupported(t *testing.T) {
	err := Unsupported(TypeLocal, "createSecret")
	if !errors.Is(err, apierr.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestAssetConsistent(t *testing.T) {
	if !(Asset{Type: assetid.File, ID: "file-x"}).Consistent() {
		t.Error("expected consistent")
	}
	if (Asset{Type: assetid.Directory, ID: "file-x"}).Consistent() {
		t.Error("expected inconsistent")
	}
}
