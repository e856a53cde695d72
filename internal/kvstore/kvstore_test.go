package kvstore

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

type launched struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func exercise(t *testing.T, s Store) {
	t.Helper()

	var got []launched
	ok, err := s.Get(KeyLaunchedProjects, &got)
	if err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	ch, cancel := s.Subscribe(KeyLaunchedProjects)
	defer cancel()
	other, cancelOther := s.Subscribe(KeyLocalRootDirectory)
	defer cancelOther()

	want := []launched{{ID: "project-1", Title: "A"}}
	if err := s.Set(KeyLaunchedProjects, want); err != nil {
		t.Fatal(err)
	}

	select {
	case raw := <-ch:
		var decoded []launched
		if err := json.Unmarshal(raw, &decoded); err != nil || len(decoded) != 1 || decoded[0].ID != "project-1" {
			t.Errorf("notification = %s (%v)", raw, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	select {
	case raw := <-other:
		t.Errorf("unrelated key notified: %s", raw)
	default:
	}

	ok, err = s.Get(KeyLaunchedProjects, &got)
	if err != nil || !ok || len(got) != 1 || got[0].Title != "A" {
		t.Fatalf("Get after Set: ok=%v err=%v got=%v", ok, err, got)
	}

	if err := s.Set(KeyLaunchedProjects, nil); err != nil {
		t.Fatal(err)
	}
	if raw := <-ch; raw != nil {
		t.Errorf("deletion should notify nil, got %s", raw)
	}
	if ok, _ := s.Get(KeyLaunchedProjects, &got); ok {
		t.Error("value should be deleted")
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemory())
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	exercise(t, s)

	if err := s.Set(KeyLocalRootDirectory, "/mnt/projects"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	var root string
	if ok, err := reopened.Get(KeyLocalRootDirectory, &root); err != nil || !ok || root != "/mnt/projects" {
		t.Errorf("persisted root = %q ok=%v err=%v", root, ok, err)
	}
}
