package toolregistry

import (
	"context"
	"testing"
)

type stubTool struct {
	name       string
	visibility Visibility
}

func (s stubTool) Describe() Descriptor {
	return Descriptor{Name: s.name, Visibility: s.visibility}
}

func (s stubTool) Execute(ctx context.Context, args map[string]any, conv ConversationHandle, progress ProgressSink) (*Result, error) {
	return &Result{Value: "ok"}, nil
}

func TestAddAndGetHandler(t *testing.T) {
	r := New()
	r.Add(func() Tool { return stubTool{name: "chat", visibility: VisibilityPublic} })

	tool, ok := r.GetHandler("chat")
	if !ok {
		t.Fatal("expected \"chat\" to be registered")
	}
	if tool.Describe().Name != "chat" {
		t.Errorf("Describe().Name = %q, want %q", tool.Describe().Name, "chat")
	}

	if _, ok := r.GetHandler("missing"); ok {
		t.Error("expected GetHandler to report false for an unregistered tool")
	}
}

func TestAddReplacesExistingEntry(t *testing.T) {
	r := New()
	r.Add(func() Tool { return stubTool{name: "chat", visibility: VisibilityPublic} })
	r.Add(func() Tool { return stubTool{name: "chat", visibility: VisibilityHidden} })

	desc, err := r.Describe("chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.Visibility != VisibilityHidden {
		t.Errorf("Visibility = %q, want %q (re-adding should replace the entry)", desc.Visibility, VisibilityHidden)
	}
}

func TestListFiltersHiddenAndSortsByName(t *testing.T) {
	r := New()
	r.Add(func() Tool { return stubTool{name: "zeta", visibility: VisibilityPublic} })
	r.Add(func() Tool { return stubTool{name: "alpha", visibility: VisibilityPublic} })
	r.Add(func() Tool { return stubTool{name: "secret", visibility: VisibilityHidden} })

	list := r.List(Filter{})
	if len(list) != 2 {
		t.Fatalf("List() returned %d tools, want 2 (hidden excluded)", len(list))
	}
	if list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Errorf("List() = %+v, want sorted [alpha, zeta]", list)
	}
}

func TestFilterAllowList(t *testing.T) {
	f := Filter{Allow: map[string]struct{}{"chat": {}}}
	if !f.Allows("chat") {
		t.Error("expected \"chat\" to be allowed")
	}
	if f.Allows("other") {
		t.Error("expected tools outside the allow-list to be denied")
	}
}

func TestFilterDenyListOverridesAllowAll(t *testing.T) {
	f := Filter{Deny: map[string]struct{}{"chat": {}}}
	if f.Allows("chat") {
		t.Error("expected a denied tool to be disallowed even with no allow-list")
	}
	if !f.Allows("other") {
		t.Error("expected a nil allow-list to permit everything else")
	}
}

func TestDescribeUnknownTool(t *testing.T) {
	r := New()
	if _, err := r.Describe("missing"); err == nil {
		t.Error("expected an error describing an unregistered tool")
	}
}
