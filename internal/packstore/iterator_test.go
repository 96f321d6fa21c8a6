package packstore

import (
	"context"
	"testing"

	"papyrus/api/internal/sharedoc"
)

func insertDocPack(t *testing.T, store *MemoryStore, docID, packID string, updates []sharedoc.Update) {
	t.Helper()
	first, last := updates[0], updates[len(updates)-1]
	err := store.InsertPack(context.Background(), &Pack{
		ID: packID, ProjectID: "project-1", DocID: docID,
		Updates: updates,
		N:       len(updates), Sz: UpdatesSize(updates),
		Meta: PackMeta{StartTS: first.Meta.StartTS, EndTS: last.Meta.EndTS},
		V:    first.V, VEnd: last.V,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func collectTimestamps(t *testing.T, it *ProjectIterator) []int64 {
	t.Helper()
	var out []int64
	for !it.Done() {
		updates, err := it.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		for _, u := range updates {
			out = append(out, u.Meta.EndTS)
		}
	}
	return out
}

func TestDocIteratorNewestPackFirst(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	insertDocPack(t, store, "doc-1", "pack-a", []sharedoc.Update{
		histUpdate(1, 1000, "a"),
		histUpdate(2, 2000, "b"),
	})
	insertDocPack(t, store, "doc-1", "pack-b", []sharedoc.Update{
		histUpdate(3, 3000, "c"),
	})

	it, err := m.MakeDocIterator(ctx, "project-1", "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	first, err := it.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0].V != 3 {
		t.Fatalf("first batch = %+v, want v3", first)
	}
	second, err := it.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 || second[0].V != 2 || second[1].V != 1 {
		t.Fatalf("second batch = %+v, want v2 then v1", second)
	}
	if !it.Done() {
		t.Error("iterator not done after both packs")
	}
}

func TestProjectIteratorInterleavesDocs(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	insertDocPack(t, store, "doc-a", "pack-a", []sharedoc.Update{
		histUpdate(1, 1000, "a"),
		histUpdate(2, 2000, "b"),
		histUpdate(3, 5000, "c"),
	})
	insertDocPack(t, store, "doc-b", "pack-b", []sharedoc.Update{
		histUpdate(1, 3000, "d"),
		histUpdate(2, 4000, "e"),
	})

	it, err := m.MakeProjectIterator(ctx, "project-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	got := collectTimestamps(t, it)
	want := []int64{5000, 4000, 3000, 2000, 1000}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestProjectIteratorHonoursBefore(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	insertDocPack(t, store, "doc-a", "pack-a", []sharedoc.Update{
		histUpdate(1, 1000, "a"),
		histUpdate(2, 5000, "b"),
	})
	insertDocPack(t, store, "doc-b", "pack-b", []sharedoc.Update{
		histUpdate(1, 3000, "c"),
	})

	it, err := m.MakeProjectIterator(ctx, "project-1", 4000)
	if err != nil {
		t.Fatal(err)
	}
	got := collectTimestamps(t, it)
	want := []int64{3000, 1000}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProjectIteratorIncludesIndexOnlyPacks(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	pack := archiveFixture(t, m, store)
	if err := m.ArchivePack(ctx, "project-1", "doc-1", pack.ID); err != nil {
		t.Fatal(err)
	}

	// Index-only entries (archived packs) still appear in the stream; the
	// one-day cache on the primary copy also means the pack may still be
	// live, in which case the primary copy must win the tie.
	it, err := m.MakeProjectIterator(ctx, "project-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	got := collectTimestamps(t, it)
	want := []int64{2000, 1000}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}
