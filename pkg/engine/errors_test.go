package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRunError_Classification(t *testing.T) {
	cases := []struct {
		name        string
		err         *RunError
		class       ErrorClass
		load        bool
		unreachable bool
	}{
		{"load", NewLoadError("bad inventory", nil), ErrorClassLoad, true, false},
		{"render", NewRenderError("undefined variable", nil), ErrorClassRender, false, false},
		{"task", NewTaskError("nonzero rc", nil), ErrorClassTask, false, false},
		{"unreachable", NewUnreachableError("dial failed", nil), ErrorClassUnreachable, false, true},
		{"timeout", NewTimeoutError("deadline", nil), ErrorClassTimeout, false, false},
		{"vault", NewVaultError("bad passphrase", nil), ErrorClassVault, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Class != tc.class {
				t.Errorf("Expected class %s, got %s", tc.class, tc.err.Class)
			}
			if got := IsLoadError(tc.err); got != tc.load {
				t.Errorf("IsLoadError: expected %v, got %v", tc.load, got)
			}
			if got := IsUnreachable(tc.err); got != tc.unreachable {
				t.Errorf("IsUnreachable: expected %v, got %v", tc.unreachable, got)
			}
		})
	}
}

func TestRunError_IsMatchesOnClass(t *testing.T) {
	err := NewUnreachableError("dial tcp: refused", nil)
	if !errors.Is(err, &RunError{Class: ErrorClassUnreachable}) {
		t.Error("Expected class-based match")
	}
	if errors.Is(err, &RunError{Class: ErrorClassLoad}) {
		t.Error("Expected no match across classes")
	}
}

func TestRunError_ContextAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewUnreachableError("connecting", cause).WithHost("web01").WithTask("deploy")

	msg := err.Error()
	for _, want := range []string{"[unreachable]", "host=web01", "task=deploy", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("Expected the cause to unwrap")
	}
}

func TestIsUnreachable_WrappedThroughClassification(t *testing.T) {
	// The dial path wraps transport errors before they reach the result.
	wrapped := fmt.Errorf("task deploy: %w", NewUnreachableError("connecting", nil))
	if !IsUnreachable(wrapped) {
		t.Error("Expected classification to survive wrapping")
	}
	if IsUnreachable(fmt.Errorf("plain failure")) {
		t.Error("Expected plain errors not to classify")
	}
}
