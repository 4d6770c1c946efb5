package vars

import (
	"testing"
)

func TestStore_Resolve_Precedence(t *testing.T) {
	s := NewStore()
	s.Set(ScopeGroup, "port", 80)
	s.Set(ScopeHost, "port", 8080)
	s.Set(ScopePlay, "name", "web")

	if got := s.Resolve("port"); got != 8080 {
		t.Errorf("Expected host scope to win, got %v", got)
	}

	s.Set(ScopeExtra, "port", 9090)
	if got := s.Resolve("port"); got != 9090 {
		t.Errorf("Expected extra scope to win, got %v", got)
	}
}

func TestStore_Resolve_Undefined(t *testing.T) {
	s := NewStore()
	if got := s.Resolve("missing"); !IsUndefined(got) {
		t.Errorf("Expected undefined sentinel, got %v", got)
	}
	if s.Defined("missing") {
		t.Error("Expected Defined to be false for missing variable")
	}
}

func TestStore_Resolve_DottedPath(t *testing.T) {
	s := NewStore()
	s.Set(ScopeHost, "db", map[string]interface{}{
		"primary": map[string]interface{}{"port": 5432},
	})

	if got := s.Resolve("db.primary.port"); got != 5432 {
		t.Errorf("Expected 5432, got %v", got)
	}
	if got := s.Resolve("db.replica.port"); !IsUndefined(got) {
		t.Errorf("Expected undefined for missing path, got %v", got)
	}
}

func TestStore_Set_ShallowOverride(t *testing.T) {
	s := NewStore()
	s.Set(ScopeGroup, "db", map[string]interface{}{"host": "a", "port": 5432})
	s.Set(ScopeHost, "db", map[string]interface{}{"host": "b"})

	// A higher scope replaces the whole dictionary; keys do not merge.
	if got := s.Resolve("db.port"); !IsUndefined(got) {
		t.Errorf("Expected shallow override to drop port, got %v", got)
	}
	if got := s.Resolve("db.host"); got != "b" {
		t.Errorf("Expected b, got %v", got)
	}
}

func TestStore_MergeAll_DeepMerge(t *testing.T) {
	s := NewStore()
	s.Set(ScopeHost, "db", map[string]interface{}{"host": "a", "port": 5432})
	s.MergeAll(ScopeHost, map[string]interface{}{
		"db": map[string]interface{}{"host": "b"},
	})

	if got := s.Resolve("db.host"); got != "b" {
		t.Errorf("Expected b, got %v", got)
	}
	if got := s.Resolve("db.port"); got != 5432 {
		t.Errorf("Expected deep merge to keep port, got %v", got)
	}
}

func TestStore_Clone_Isolated(t *testing.T) {
	s := NewStore()
	s.Set(ScopeHost, "a", 1)

	c := s.Clone()
	c.Set(ScopeHost, "a", 2)
	c.Set(ScopeHost, "b", 3)

	if got := s.Resolve("a"); got != 1 {
		t.Errorf("Expected original unchanged, got %v", got)
	}
	if s.Defined("b") {
		t.Error("Expected clone writes not to leak into original")
	}
}

func TestStore_SnapshotScope_Restore(t *testing.T) {
	s := NewStore()
	s.Set(ScopeBlock, "mode", "outer")

	snap := s.SnapshotScope(ScopeBlock)
	s.Set(ScopeBlock, "mode", "inner")
	s.Set(ScopeBlock, "extra", true)

	s.RestoreScope(ScopeBlock, snap)
	if got := s.Resolve("mode"); got != "outer" {
		t.Errorf("Expected outer after restore, got %v", got)
	}
	if s.Defined("extra") {
		t.Error("Expected restored scope to drop later additions")
	}
}

func TestCombine_NonMutating(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1},
	}
	src := map[string]interface{}{
		"a": map[string]interface{}{"y": 2},
		"b": 3,
	}

	out := Combine(dst, src)

	inner := out["a"].(map[string]interface{})
	if inner["x"] != 1 || inner["y"] != 2 {
		t.Errorf("Expected merged inner map, got %v", inner)
	}
	if out["b"] != 3 {
		t.Errorf("Expected b=3, got %v", out["b"])
	}
	if _, ok := dst["b"]; ok {
		t.Error("Expected Combine not to mutate dst")
	}
}
