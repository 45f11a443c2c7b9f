package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestPushRecentGame_MostRecentFirstCapped(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"g1", "g2", "g3", "g1", "g4"} {
		if _, err := s.PushRecentGame("u1", id); err != nil {
			t.Fatalf("PushRecentGame failed: %v", err)
		}
	}

	want := []string{"g4", "g1", "g3"}
	if got := s.RecentGames("u1"); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if got := s.RecentGames("u2"); len(got) != 0 {
		t.Errorf("Expected other user empty, got %v", got)
	}
}

func TestAddLocation_DedupesIgnoringCase(t *testing.T) {
	s, _ := Open("")
	for i := 0; i < 12; i++ {
		s.AddLocation("u1", fmt.Sprintf("Store %d", i))
	}
	s.AddLocation("u1", "  ")
	got, err := s.AddLocation("u1", "store 5")
	if err != nil {
		t.Fatalf("AddLocation failed: %v", err)
	}

	if len(got) != MaxLocations {
		t.Fatalf("Expected %d locations, got %v", MaxLocations, got)
	}
	if got[0] != "store 5" || got[1] != "Store 11" {
		t.Errorf("Unexpected order: %v", got)
	}
	for _, loc := range got[1:] {
		if loc == "Store 5" {
			t.Errorf("Expected older spelling replaced, got %v", got)
		}
	}
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "local.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.PushRecentGame("github:42", "g1")
	s.AddLocation("github:42", "Warhammer World")
	if err := s.Set("user.with.dots", "theme", "dark"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := reopened.RecentGames("github:42"); !reflect.DeepEqual(got, []string{"g1"}) {
		t.Errorf("Expected recent games kept, got %v", got)
	}
	if got := reopened.Locations("github:42"); !reflect.DeepEqual(got, []string{"Warhammer World"}) {
		t.Errorf("Expected locations kept, got %v", got)
	}
	if got := reopened.Get("user.with.dots", "theme").String(); got != "dark" {
		t.Errorf("Expected escaped key kept, got %q", got)
	}
	if got := reopened.Get("user", "theme"); got.Exists() {
		t.Errorf("Expected dotted id not split into a path, got %s", got.Raw)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Expected temporary file replaced, got %v", err)
	}
}

func TestOpen_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := s.RecentGames("u1"); len(got) != 0 {
		t.Errorf("Expected empty list, got %v", got)
	}
	if _, err := s.PushRecentGame("u1", "g1"); err != nil {
		t.Fatalf("PushRecentGame failed: %v", err)
	}
}

func TestDelete(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "local.json"))
	s.PushRecentGame("u1", "g1")
	s.PushRecentGame("u2", "g2")

	if err := s.Delete("u1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(s.RecentGames("u1")) != 0 || len(s.RecentGames("u2")) != 1 {
		t.Errorf("Expected only u1 removed, got %v and %v", s.RecentGames("u1"), s.RecentGames("u2"))
	}
}
