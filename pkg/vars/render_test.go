package vars

import (
	"testing"
)

func TestStore_Render_Substitution(t *testing.T) {
	s := NewStore()
	s.Set(ScopeHost, "name", "web01")
	s.Set(ScopeHost, "port", 8080)

	out, err := s.Render("restart {{ name }} on {{ port }}")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "restart web01 on 8080" {
		t.Errorf("Expected rendered string, got %q", out)
	}
}

func TestStore_Render_UndefinedFails(t *testing.T) {
	s := NewStore()
	if _, err := s.Render("echo {{ missing }}"); err == nil {
		t.Fatal("Expected error for undefined reference")
	}
}

func TestStore_Render_DefaultFilter(t *testing.T) {
	s := NewStore()
	out, err := s.Render("{{ missing | default('fallback') }}")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "fallback" {
		t.Errorf("Expected fallback, got %q", out)
	}

	s.Set(ScopeHost, "missing", "present")
	out, err = s.Render("{{ missing | default('fallback') }}")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "present" {
		t.Errorf("Expected present, got %q", out)
	}
}

func TestStore_RenderValue_PreservesType(t *testing.T) {
	s := NewStore()
	s.Set(ScopeHost, "count", 3)

	// A string that is exactly one reference keeps the referent's type.
	v, err := s.RenderValue("{{ count }}")
	if err != nil {
		t.Fatalf("RenderValue failed: %v", err)
	}
	if v != 3 {
		t.Errorf("Expected int 3, got %v (%T)", v, v)
	}

	v, err = s.RenderValue("n={{ count }}")
	if err != nil {
		t.Fatalf("RenderValue failed: %v", err)
	}
	if v != "n=3" {
		t.Errorf("Expected stringified form, got %v", v)
	}
}

func TestStore_RenderParams_Nested(t *testing.T) {
	s := NewStore()
	s.Set(ScopeHost, "dest", "/etc/app")

	params, err := s.RenderParams(map[string]interface{}{
		"path":  "{{ dest }}/app.conf",
		"other": []interface{}{"{{ dest }}", "static"},
	})
	if err != nil {
		t.Fatalf("RenderParams failed: %v", err)
	}
	if params["path"] != "/etc/app/app.conf" {
		t.Errorf("Expected rendered path, got %v", params["path"])
	}
	list := params["other"].([]interface{})
	if list[0] != "/etc/app" || list[1] != "static" {
		t.Errorf("Expected rendered list, got %v", list)
	}
}
