package history

import (
	"context"
	"testing"

	"papyrus/api/internal/sharedoc"
)

type fakeDocStore struct {
	// contents is consumed one entry per GetDoc call; the last entry
	// repeats.
	contents []string
	version  int64

	setContent string
	setSource  string
	setUserID  string
}

func (f *fakeDocStore) GetDoc(context.Context, string, string) (string, int64, error) {
	content := f.contents[0]
	if len(f.contents) > 1 {
		f.contents = f.contents[1:]
	}
	return content, f.version, nil
}

func (f *fakeDocStore) SetDoc(_ context.Context, _, _ string, content, source, userID string) error {
	f.setContent = content
	f.setSource = source
	f.setUserID = userID
	return nil
}

func newDiffFixture(t *testing.T) (*DiffManager, *RestoreManager, *fakeDocStore) {
	t.Helper()
	m, _, packs := newTestUpdatesManager(t)
	ctx := context.Background()
	err := packs.InsertCompressedUpdates(ctx, "project-1", "doc-1", nil, []sharedoc.Update{
		compressedUpdate(1, 1000, "user-a", sharedoc.Insert(0, "hello")),
		compressedUpdate(2, 2000, "user-a", sharedoc.Insert(5, " world")),
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	docs := &fakeDocStore{contents: []string{"hello world"}, version: 2}
	diff := NewDiffManager(m, docs)
	return diff, NewRestoreManager(diff, docs), docs
}

func TestGetDocumentBeforeVersion(t *testing.T) {
	diff, _, _ := newDiffFixture(t)
	content, err := diff.GetDocumentBeforeVersion(context.Background(), "project-1", "doc-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if content != "hello" {
		t.Errorf("content before v2 = %q, want \"hello\"", content)
	}
}

func TestGetDiff(t *testing.T) {
	diff, _, _ := newDiffFixture(t)
	parts, err := diff.GetDiff(context.Background(), "project-1", "doc-1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("diff = %+v, want unchanged prefix plus insert", parts)
	}
	if parts[0].U != "hello" {
		t.Errorf("parts[0] = %+v, want unchanged \"hello\"", parts[0])
	}
	if parts[1].I != " world" || parts[1].Meta == nil || parts[1].Meta.UserID != "user-a" {
		t.Errorf("parts[1] = %+v, want insert with author", parts[1])
	}
}

func TestGetDocumentBeforeVersionRetriesOnRace(t *testing.T) {
	m, _, packs := newTestUpdatesManager(t)
	ctx := context.Background()
	err := packs.InsertCompressedUpdates(ctx, "project-1", "doc-1", nil, []sharedoc.Update{
		compressedUpdate(1, 1000, "user-a", sharedoc.Insert(3, "bbb")),
		compressedUpdate(2, 2000, "user-a", sharedoc.Insert(6, "ccc")),
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	// The first read races with a concurrent edit; the second read is
	// consistent with the stored updates again.
	docs := &fakeDocStore{contents: []string{"WRONGWRONGX", "aaabbbccc"}, version: 2}
	diff := NewDiffManager(m, docs)

	content, err := diff.GetDocumentBeforeVersion(ctx, "project-1", "doc-1", 1)
	if err != nil {
		t.Fatalf("retry did not recover: %v", err)
	}
	if content != "aaa" {
		t.Errorf("content before v1 = %q, want \"aaa\"", content)
	}
}

func TestRestoreToBeforeVersion(t *testing.T) {
	_, restore, docs := newDiffFixture(t)
	err := restore.RestoreToBeforeVersion(context.Background(), "project-1", "doc-1", 2, "user-b")
	if err != nil {
		t.Fatal(err)
	}
	if docs.setContent != "hello" {
		t.Errorf("restored content = %q, want \"hello\"", docs.setContent)
	}
	if docs.setSource != "restore" || docs.setUserID != "user-b" {
		t.Errorf("restore metadata = %q/%q", docs.setSource, docs.setUserID)
	}
}
