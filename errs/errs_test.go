package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_MessageIncludesContextFields(t *testing.T) {
	err := New(NotFound, "app missing").WithApp("checkout").WithService("web")

	got := err.Error()
	want := "not_found: app missing (app=checkout) (service=web)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWrap_UnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(InfrastructureError, cause, "failed to reach docker daemon")

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	if got := err.Error(); got == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestWithX_DoesNotMutateOriginal(t *testing.T) {
	base := New(NotFound, "missing")
	annotated := base.WithApp("checkout")

	if base.AppName != "" {
		t.Errorf("expected base error to be unmodified, got AppName=%q", base.AppName)
	}
	if annotated.AppName != "checkout" {
		t.Errorf("expected annotated copy to carry the app name, got %q", annotated.AppName)
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", New(Conflict, "already exists"))

	kind, ok := KindOf(wrapped)
	if !ok {
		t.Fatal("expected KindOf to find the wrapped *Error")
	}
	if kind != Conflict {
		t.Errorf("got kind %q, want %q", kind, Conflict)
	}

	if _, ok := KindOf(fmt.Errorf("plain error")); ok {
		t.Error("expected KindOf to report false for a plain error")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{NotFound, 404},
		{ImageRegistryNotFound, 404},
		{Conflict, 409},
		{LimitExceeded, 412},
		{InvalidUserDefinedParameters, 400},
		{InfrastructureError, 500},
		{Kind("unmapped_kind"), 500},
	}

	for _, tt := range tests {
		if got := tt.kind.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus(): got %d, want %d", tt.kind, got, tt.want)
		}
	}
}
