package tenant

import (
	"context"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithContext(context.Background(), "acme")
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got != "acme" {
		t.Errorf("FromContext = %q, want %q", got, "acme")
	}
}

func TestFromContext_Missing(t *testing.T) {
	t.Parallel()

	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected ok=false on plain context")
	}
}

func TestWithContext_EmptyID(t *testing.T) {
	t.Parallel()

	// An empty id must not smuggle a "present" tenant into the context.
	ctx := WithContext(context.Background(), "")
	if _, ok := FromContext(ctx); ok {
		t.Error("expected ok=false for empty tenant id")
	}
}

func TestWithContext_Overwrite(t *testing.T) {
	t.Parallel()

	ctx := WithContext(context.Background(), "acme")
	ctx = WithContext(ctx, "globex")
	got, _ := FromContext(ctx)
	if got != "globex" {
		t.Errorf("FromContext = %q, want %q", got, "globex")
	}
}
