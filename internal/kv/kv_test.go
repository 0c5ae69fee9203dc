package kv

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetUnset(t *testing.T) {
	s := testStore(t)
	v, err := s.GetItem(KeyLastGroupID)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("GetItem(unset) = %q, want empty", v)
	}
}

func TestSetGetRoundtrip(t *testing.T) {
	s := testStore(t)
	if err := s.SetItem(KeyLastGroupID, "group-abc-def123"); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetItem(KeyLastGroupID)
	if err != nil {
		t.Fatal(err)
	}
	if v != "group-abc-def123" {
		t.Errorf("GetItem = %q, want group-abc-def123", v)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := testStore(t)
	_ = s.SetItem(KeySignedInBefore, "false")
	_ = s.SetItem(KeySignedInBefore, "true")
	v, _ := s.GetItem(KeySignedInBefore)
	if v != "true" {
		t.Errorf("GetItem = %q, want true", v)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.SetItem(KeyLastGroupID, "g1")
	_ = s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()
	v, _ := s2.GetItem(KeyLastGroupID)
	if v != "g1" {
		t.Errorf("GetItem after reopen = %q, want g1", v)
	}
}
