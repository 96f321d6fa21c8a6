package docupdater

import (
	"context"
	"testing"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/ranges"
	"papyrus/api/internal/sharedoc"
)

func trackedInsert(id, userID string, p int, text string) *ranges.Change {
	return &ranges.Change{ID: id, Op: sharedoc.Insert(p, text), Metadata: ranges.Meta{UserID: userID}}
}

func TestSetDocDiffsFlushesAndDrops(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.seedDoc("project-1", "doc-1", 1, ranges.Ranges{}, "hello world")

	err := f.docs.SetDocWithLock(ctx, "project-1", "doc-1", []string{"goodbye world"}, "upload", "user-1", false)
	if err != nil {
		t.Fatalf("SetDocWithLock: %v", err)
	}

	// Nobody had the doc open, so the write flushes and evicts it.
	stored := f.persistence.docs["project-1/doc-1"]
	if len(stored.Lines) != 1 || stored.Lines[0] != "goodbye world" {
		t.Errorf("stored lines = %v", stored.Lines)
	}
	if stored.Version != 2 {
		t.Errorf("stored version = %d, want 2", stored.Version)
	}
	if _, found, err := f.redis.GetDoc(ctx, "project-1", "doc-1"); err != nil || found {
		t.Errorf("doc still cached after set (found=%v err=%v)", found, err)
	}

	// The replacement went through the update pipeline, so it is in history.
	raw, err := f.history.GetOldestDocUpdates(ctx, "doc-1", 10)
	if err != nil {
		t.Fatalf("GetOldestDocUpdates: %v", err)
	}
	if len(raw) != 1 {
		t.Errorf("history queue length = %d, want 1", len(raw))
	}
}

func TestSetDocKeepsOpenDocCached(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.seedDoc("project-1", "doc-1", 1, ranges.Ranges{}, "hello")

	// Load first, as an editing session would.
	if _, err := f.docs.GetDoc(ctx, "project-1", "doc-1"); err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	if err := f.docs.SetDocWithLock(ctx, "project-1", "doc-1", []string{"hi"}, "upload", "user-1", false); err != nil {
		t.Fatalf("SetDocWithLock: %v", err)
	}

	doc, found, err := f.redis.GetDoc(ctx, "project-1", "doc-1")
	if err != nil || !found {
		t.Fatalf("doc evicted although it was open (found=%v err=%v)", found, err)
	}
	if doc.UnflushedTime != 0 {
		t.Errorf("unflushed time = %d, want cleared after flush", doc.UnflushedTime)
	}
}

func TestFlushAndDeleteDocKeepsHistoryQueue(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.seedDoc("project-1", "doc-1", 1, ranges.Ranges{}, "hello")

	update := editUpdate("doc-1", 1, "editor-a", sharedoc.Insert(5, "!"))
	if err := f.updates.ApplyUpdate(ctx, "project-1", "doc-1", &update); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if err := f.docs.FlushAndDeleteDocWithLock(ctx, "project-1", "doc-1", false); err != nil {
		t.Fatalf("FlushAndDeleteDocWithLock: %v", err)
	}

	if _, found, _ := f.redis.GetDoc(ctx, "project-1", "doc-1"); found {
		t.Error("doc still cached after delete")
	}
	raw, err := f.history.GetOldestDocUpdates(ctx, "doc-1", 10)
	if err != nil {
		t.Fatalf("GetOldestDocUpdates: %v", err)
	}
	if len(raw) != 1 {
		t.Errorf("history queue length = %d, deleting the cache must not drop history", len(raw))
	}
	if f.persistence.docs["project-1/doc-1"].Version != 2 {
		t.Errorf("stored version = %d, want flush before delete", f.persistence.docs["project-1/doc-1"].Version)
	}
}

func TestFlushProjectFlushesEveryLoadedDoc(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.seedDoc("project-1", "doc-1", 1, ranges.Ranges{}, "one")
	f.seedDoc("project-1", "doc-2", 1, ranges.Ranges{}, "two")

	for _, docID := range []string{"doc-1", "doc-2"} {
		update := editUpdate(docID, 1, "editor-a", sharedoc.Insert(0, "x"))
		if err := f.updates.ApplyUpdate(ctx, "project-1", docID, &update); err != nil {
			t.Fatalf("ApplyUpdate %s: %v", docID, err)
		}
	}
	if err := f.docs.FlushProject(ctx, "project-1"); err != nil {
		t.Fatalf("FlushProject: %v", err)
	}
	for _, docID := range []string{"doc-1", "doc-2"} {
		if got := f.persistence.docs["project-1/"+docID].Version; got != 2 {
			t.Errorf("%s stored version = %d, want 2", docID, got)
		}
	}
}

func TestAcceptChangesRemovesMarkerOnly(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	rg := ranges.Ranges{Changes: []*ranges.Change{trackedInsert("change-1", "user-1", 6, "brave ")}}
	f.seedDoc("project-1", "doc-1", 3, rg, "hello brave world")

	if err := f.docs.AcceptChangesWithLock(ctx, "project-1", "doc-1", []string{"change-1"}); err != nil {
		t.Fatalf("AcceptChangesWithLock: %v", err)
	}

	doc, err := f.docs.GetDoc(ctx, "project-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	if doc.Content() != "hello brave world" {
		t.Errorf("content = %q, accept must not change text", doc.Content())
	}
	if doc.Version != 3 {
		t.Errorf("version = %d, accept must not bump the version", doc.Version)
	}
	if len(doc.Ranges.Changes) != 0 {
		t.Errorf("changes = %d, want marker removed", len(doc.Ranges.Changes))
	}
}

func TestAcceptChangesUnknownIDIsNoop(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	rg := ranges.Ranges{Changes: []*ranges.Change{trackedInsert("change-1", "user-1", 0, "hi")}}
	f.seedDoc("project-1", "doc-1", 1, rg, "hi there")

	if err := f.docs.AcceptChangesWithLock(ctx, "project-1", "doc-1", []string{"nope"}); err != nil {
		t.Fatalf("AcceptChangesWithLock: %v", err)
	}
	doc, err := f.docs.GetDoc(ctx, "project-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	if len(doc.Ranges.Changes) != 1 {
		t.Errorf("changes = %d, unknown id must not remove anything", len(doc.Ranges.Changes))
	}
}

func TestRejectChangesUndoesTrackedInsert(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	rg := ranges.Ranges{Changes: []*ranges.Change{trackedInsert("change-1", "user-1", 6, "brave ")}}
	f.seedDoc("project-1", "doc-1", 3, rg, "hello brave world")

	if err := f.docs.RejectChangesWithLock(ctx, "project-1", "doc-1", []string{"change-1"}, "user-2"); err != nil {
		t.Fatalf("RejectChangesWithLock: %v", err)
	}

	doc, err := f.docs.GetDoc(ctx, "project-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	if doc.Content() != "hello world" {
		t.Errorf("content = %q, want the tracked insert removed", doc.Content())
	}
	if doc.Version != 4 {
		t.Errorf("version = %d, reject is a real edit", doc.Version)
	}
	if len(doc.Ranges.Changes) != 0 {
		t.Errorf("changes = %d, want marker cancelled", len(doc.Ranges.Changes))
	}
}

func TestRejectChangesRestoresTrackedDelete(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	deleted := "brave "
	rg := ranges.Ranges{Changes: []*ranges.Change{{
		ID:       "change-1",
		Op:       sharedoc.Delete(6, deleted),
		Metadata: ranges.Meta{UserID: "user-1"},
	}}}
	f.seedDoc("project-1", "doc-1", 3, rg, "hello world")

	if err := f.docs.RejectChangesWithLock(ctx, "project-1", "doc-1", []string{"change-1"}, "user-2"); err != nil {
		t.Fatalf("RejectChangesWithLock: %v", err)
	}

	doc, err := f.docs.GetDoc(ctx, "project-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	if doc.Content() != "hello brave world" {
		t.Errorf("content = %q, want the deleted text back", doc.Content())
	}
	if len(doc.Ranges.Changes) != 0 {
		t.Errorf("changes = %d, want delete marker cancelled", len(doc.Ranges.Changes))
	}
}

func TestDeleteComment(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	rg := ranges.Ranges{Comments: []*ranges.Comment{{
		ID: "thread-1",
		Op: sharedoc.Comment(0, "hello", "thread-1"),
	}}}
	f.seedDoc("project-1", "doc-1", 2, rg, "hello world")

	if err := f.docs.DeleteCommentWithLock(ctx, "project-1", "doc-1", "thread-1"); err != nil {
		t.Fatalf("DeleteCommentWithLock: %v", err)
	}
	doc, err := f.docs.GetDoc(ctx, "project-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	if len(doc.Ranges.Comments) != 0 {
		t.Errorf("comments = %d, want anchor removed", len(doc.Ranges.Comments))
	}
}

func TestGetDocAndRecentOpsCatchUp(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.seedDoc("project-1", "doc-1", 1, ranges.Ranges{}, "a")

	for i, text := range []string{"b", "c"} {
		update := editUpdate("doc-1", int64(1+i), "editor-a", sharedoc.Insert(1+i, text))
		if err := f.updates.ApplyUpdate(ctx, "project-1", "doc-1", &update); err != nil {
			t.Fatalf("ApplyUpdate: %v", err)
		}
	}

	doc, ops, err := f.docs.GetDocAndRecentOpsWithLock(ctx, "project-1", "doc-1", 2)
	if err != nil {
		t.Fatalf("GetDocAndRecentOpsWithLock: %v", err)
	}
	if doc.Version != 3 {
		t.Errorf("version = %d", doc.Version)
	}
	if len(ops) != 1 || ops[0].V != 2 {
		t.Fatalf("ops = %+v, want just the v2 op", ops)
	}

	_, ops, err = f.docs.GetDocAndRecentOpsWithLock(ctx, "project-1", "doc-1", -1)
	if err != nil {
		t.Fatalf("GetDocAndRecentOpsWithLock(-1): %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("ops = %d, fromVersion -1 skips catch-up", len(ops))
	}
}

func TestGetDocWrongProjectIsNotFound(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.seedDoc("project-1", "doc-1", 1, ranges.Ranges{}, "hello")

	if _, err := f.docs.GetDoc(ctx, "project-1", "doc-1"); err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	_, err := f.docs.GetDoc(ctx, "project-2", "doc-1")
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("want not-found for doc cached under another project, got %v", err)
	}
}

func TestHistoryDocsRoundTrip(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	f.seedDoc("project-1", "doc-1", 2, ranges.Ranges{}, "hello", "world")

	adapter := NewHistoryDocs(f.docs)
	content, version, err := adapter.GetDoc(ctx, "project-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	if content != "hello\nworld" || version != 2 {
		t.Errorf("content = %q v%d", content, version)
	}

	if err := adapter.SetDoc(ctx, "project-1", "doc-1", "hello\nthere", "restore", "user-1"); err != nil {
		t.Fatalf("SetDoc: %v", err)
	}
	content, version, err = adapter.GetDoc(ctx, "project-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDoc after restore: %v", err)
	}
	if content != "hello\nthere" || version != 3 {
		t.Errorf("content = %q v%d after restore", content, version)
	}
}
