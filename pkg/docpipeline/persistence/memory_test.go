package persistence_test

import (
	"context"
	"testing"

	"github.com/docpipeline/engine/pkg/docpipeline"
	"github.com/docpipeline/engine/pkg/docpipeline/persistence"
)

func TestMemory_InsertAndGet(t *testing.T) {
	m := persistence.NewMemory()
	ctx := context.Background()

	content := "hello"
	ids, err := m.InsertMany(ctx, []docpipeline.Document{
		{ID: "a", State: "new", Content: &content, MediaType: "text/plain", Metadata: map[string]any{}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("unexpected ids: %+v", ids)
	}

	got, err := m.Get(ctx, "a", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected document to exist")
	}
	if got.Content != nil {
		t.Fatal("expected content to be stripped when includeContent is false")
	}

	withContent, err := m.Get(ctx, "a", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if withContent.Content == nil || *withContent.Content != "hello" {
		t.Fatal("expected content when includeContent is true")
	}
}

func TestMemory_InsertDuplicateID(t *testing.T) {
	m := persistence.NewMemory()
	ctx := context.Background()
	if _, err := m.InsertMany(ctx, []docpipeline.Document{{ID: "a", State: "new", Metadata: map[string]any{}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.InsertMany(ctx, []docpipeline.Document{{ID: "a", State: "new", Metadata: map[string]any{}}}); err == nil {
		t.Fatal("expected error inserting a duplicate id")
	}
}

func TestMemory_AppendChildrenLinksBothSides(t *testing.T) {
	m := persistence.NewMemory()
	ctx := context.Background()

	if _, err := m.InsertMany(ctx, []docpipeline.Document{
		{ID: "parent", State: "new", Metadata: map[string]any{}},
		{ID: "child", State: "new", Metadata: map[string]any{}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.AppendChildren(ctx, "parent", []docpipeline.DocumentID{"child"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parent, err := m.Get(ctx, "parent", false)
	if err != nil || parent == nil {
		t.Fatalf("unexpected error fetching parent: %v", err)
	}
	if len(parent.Children) != 1 || parent.Children[0] != "child" {
		t.Fatalf("expected parent to list child, got %+v", parent.Children)
	}

	child, err := m.Get(ctx, "child", false)
	if err != nil || child == nil {
		t.Fatalf("unexpected error fetching child: %v", err)
	}
	if child.ParentID == nil || *child.ParentID != "parent" {
		t.Fatalf("expected child to reference parent, got %+v", child.ParentID)
	}
}

func TestMemory_AppendChildrenIsIdempotent(t *testing.T) {
	m := persistence.NewMemory()
	ctx := context.Background()

	if _, err := m.InsertMany(ctx, []docpipeline.Document{
		{ID: "parent", State: "new", Metadata: map[string]any{}},
		{ID: "child", State: "new", Metadata: map[string]any{}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.AppendChildren(ctx, "parent", []docpipeline.DocumentID{"child"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Re-linking an already-linked child must be a no-op, not a duplicate.
	if err := m.AppendChildren(ctx, "parent", []docpipeline.DocumentID{"child"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A batch call can also repeat an id within itself.
	if err := m.AppendChildren(ctx, "parent", []docpipeline.DocumentID{"child", "child"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parent, err := m.Get(ctx, "parent", false)
	if err != nil || parent == nil {
		t.Fatalf("unexpected error fetching parent: %v", err)
	}
	if len(parent.Children) != 1 {
		t.Fatalf("expected exactly one child after repeated appends, got %+v", parent.Children)
	}
}

func TestMemory_DeleteCascades(t *testing.T) {
	m := persistence.NewMemory()
	ctx := context.Background()

	if _, err := m.InsertMany(ctx, []docpipeline.Document{
		{ID: "root", State: "new", Metadata: map[string]any{}},
		{ID: "child", State: "new", Metadata: map[string]any{}},
		{ID: "grandchild", State: "new", Metadata: map[string]any{}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AppendChildren(ctx, "root", []docpipeline.DocumentID{"child"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AppendChildren(ctx, "child", []docpipeline.DocumentID{"grandchild"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Delete(ctx, "root"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, id := range []docpipeline.DocumentID{"root", "child", "grandchild"} {
		doc, err := m.Get(ctx, id, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if doc != nil {
			t.Fatalf("expected %s to be deleted", id)
		}
	}
}

func TestMemory_ListFiltersByStateLeafAndMetadata(t *testing.T) {
	m := persistence.NewMemory()
	ctx := context.Background()

	if _, err := m.InsertMany(ctx, []docpipeline.Document{
		{ID: "a", State: "new", Metadata: map[string]any{"kind": "x"}},
		{ID: "b", State: "new", Metadata: map[string]any{"kind": "y"}},
		{ID: "c", State: "done", Metadata: map[string]any{"kind": "x"}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AppendChildren(ctx, "a", []docpipeline.DocumentID{"c"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byState, err := m.List(ctx, docpipeline.ListFilter{State: "new"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byState) != 2 {
		t.Fatalf("expected 2 documents in state new, got %d", len(byState))
	}

	leaves, err := m.List(ctx, docpipeline.ListFilter{LeafOnly: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, d := range leaves {
		if d.ID == "a" {
			t.Fatal("expected a to be excluded: it has a child")
		}
	}

	byMeta, err := m.List(ctx, docpipeline.ListFilter{Metadata: map[string]any{"kind": "x"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byMeta) != 2 {
		t.Fatalf("expected 2 documents with kind=x, got %d", len(byMeta))
	}
}

func TestMemory_Update(t *testing.T) {
	m := persistence.NewMemory()
	ctx := context.Background()
	if _, err := m.InsertMany(ctx, []docpipeline.Document{{ID: "a", State: "new", Metadata: map[string]any{"x": 1}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := m.Update(ctx, "a", docpipeline.Patch{Metadata: map[string]any{"y": 2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Metadata["x"] != 1 || updated.Metadata["y"] != 2 {
		t.Fatalf("expected merged metadata, got %+v", updated.Metadata)
	}

	if _, err := m.Update(ctx, "missing", docpipeline.Patch{}); err != docpipeline.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_StreamContentNoContent(t *testing.T) {
	m := persistence.NewMemory()
	ctx := context.Background()
	if _, err := m.InsertMany(ctx, []docpipeline.Document{{ID: "a", State: "new", Metadata: map[string]any{}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.StreamContent(ctx, "a", 4); err != docpipeline.ErrNoContent {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
}

func TestMemory_Count(t *testing.T) {
	m := persistence.NewMemory()
	ctx := context.Background()
	if _, err := m.InsertMany(ctx, []docpipeline.Document{
		{ID: "a", State: "new", Metadata: map[string]any{}},
		{ID: "b", State: "done", Metadata: map[string]any{}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := m.Count(ctx, nil)
	if err != nil || n != 2 {
		t.Fatalf("expected 2, got %d err %v", n, err)
	}
	state := "new"
	n, err = m.Count(ctx, &state)
	if err != nil || n != 1 {
		t.Fatalf("expected 1, got %d err %v", n, err)
	}
}
