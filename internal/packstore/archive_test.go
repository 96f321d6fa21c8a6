package packstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/sharedoc"
)

// archiveFixture inserts one finalised, indexed pack ready for archiving.
func archiveFixture(t *testing.T, m *Manager, store *MemoryStore) *Pack {
	t.Helper()
	ctx := context.Background()
	err := m.InsertCompressedUpdates(ctx, "project-1", "doc-1", nil, []sharedoc.Update{
		histUpdate(1, 1000, "a"),
		histUpdate(2, 2000, "b"),
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	pack, _ := store.GetLastDocPack(ctx, "doc-1")
	if err := store.SetFinalised(ctx, pack.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateIndex(ctx, "project-1", "doc-1"); err != nil {
		t.Fatal(err)
	}
	pack, _ = store.GetLastDocPack(ctx, "doc-1")
	return pack
}

func TestArchivePackRoundTrip(t *testing.T) {
	m, store, cold := newTestManager(t)
	ctx := context.Background()
	pack := archiveFixture(t, m, store)

	if err := m.ArchivePack(ctx, "project-1", "doc-1", pack.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	idx, _ := store.GetDocIndex(ctx, "doc-1")
	entry := idx.Entry(pack.ID)
	if entry == nil || entry.InCold == nil || !*entry.InCold {
		t.Fatalf("index entry not marked archived: %+v", entry)
	}
	archived, _ := store.GetPack(ctx, pack.ID)
	if archived.ExpiresAt == nil {
		t.Errorf("primary copy kept no expiry after archive")
	}
	if len(cold.Keys()) != 1 {
		t.Errorf("cold store holds %d objects, want 1", len(cold.Keys()))
	}

	// A second attempt must refuse to run.
	err := m.ArchivePack(ctx, "project-1", "doc-1", pack.ID)
	if !apperr.Is(err, apperr.Consistency) {
		t.Errorf("re-archive error = %v, want consistency", err)
	}
}

func TestArchiveFailureClearsInProgressFlag(t *testing.T) {
	m, store, cold := newTestManager(t)
	ctx := context.Background()
	pack := archiveFixture(t, m, store)

	cold.FailPut = errors.New("upload interrupted")
	if err := m.ArchivePack(ctx, "project-1", "doc-1", pack.ID); err == nil {
		t.Fatal("expected upload error")
	}

	idx, _ := store.GetDocIndex(ctx, "doc-1")
	if entry := idx.Entry(pack.ID); entry.InCold != nil {
		t.Fatalf("in-progress flag not cleared: %+v", entry)
	}

	// The retry goes through.
	if err := m.ArchivePack(ctx, "project-1", "doc-1", pack.ID); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestUnArchiveOnVersionRangeRead(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	pack := archiveFixture(t, m, store)

	if err := m.ArchivePack(ctx, "project-1", "doc-1", pack.ID); err != nil {
		t.Fatal(err)
	}

	// Let the primary copy expire; only the cold copy remains.
	future := time.Now().Add(48 * time.Hour)
	store.Now = func() time.Time { return future }
	m.now = store.Now
	if _, err := store.GetPack(ctx, pack.ID); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("primary copy still live: %v", err)
	}

	updates, err := m.GetOpsByVersionRange(ctx, "project-1", "doc-1", 1, 2)
	if err != nil {
		t.Fatalf("read after archive: %v", err)
	}
	if len(updates) != 2 || updates[0].V != 2 {
		t.Fatalf("got %+v, want v2 then v1 from cold copy", updates)
	}

	// The pack is cached again with a 7-day expiry.
	cached, err := store.GetPack(ctx, pack.ID)
	if err != nil {
		t.Fatalf("pack not re-cached: %v", err)
	}
	if cached.ExpiresAt == nil || cached.ExpiresAt.Before(future.Add(6*24*time.Hour)) {
		t.Errorf("cached copy expiry = %v", cached.ExpiresAt)
	}
}

func TestFinaliseIfNeeded(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Now()
	m.now = func() time.Time { return now }

	mkPack := func(id string, ageDays int, sz, n int) Pack {
		endTS := now.Add(-time.Duration(ageDays) * 24 * time.Hour).UnixMilli()
		p := Pack{ID: id, ProjectID: "project-1", DocID: "doc-1", Sz: sz, N: n, Meta: PackMeta{EndTS: endTS}}
		if err := store.InsertPack(ctx, &p); err != nil {
			t.Fatal(err)
		}
		return p
	}

	cases := []struct {
		name      string
		pack      Pack
		finalised bool
	}{
		{"young pack stays open", mkPack("pack-young", 10, 10 << 20, 2000), false},
		{"old small pack stays open", mkPack("pack-small", 40, 1024, 10), false},
		{"old big pack finalised", mkPack("pack-big", 40, 2 << 20, 10), true},
		{"old busy pack finalised", mkPack("pack-busy", 40, 1024, 1000), true},
		{"ancient pack always finalised", mkPack("pack-ancient", 100, 1024, 10), true},
	}
	for _, tc := range cases {
		if err := m.FinaliseIfNeeded(ctx, "doc-1", tc.pack); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		got, _ := store.GetPack(ctx, tc.pack.ID)
		if got.Finalised != tc.finalised {
			t.Errorf("%s: finalised = %v, want %v", tc.name, got.Finalised, tc.finalised)
		}
	}
}

func TestSweepArchivesOldPacks(t *testing.T) {
	m, store, cold := newTestManager(t)
	ctx := context.Background()

	// One pack old enough to finalise and archive.
	old := time.Now().Add(-100 * 24 * time.Hour)
	err := m.InsertCompressedUpdates(ctx, "project-1", "doc-1", nil, []sharedoc.Update{
		histUpdate(1, old.UnixMilli(), "a"),
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.SweepArchivable(ctx, time.Minute, 10); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	pack, _ := store.GetLastDocPack(ctx, "doc-1")
	if !pack.Finalised {
		t.Errorf("sweep did not finalise the old pack")
	}
	if pack.LastChecked == nil {
		t.Errorf("sweep did not stamp last_checked")
	}
	idx, _ := store.GetDocIndex(ctx, "doc-1")
	entry := idx.Entry(pack.ID)
	if entry == nil || entry.InCold == nil || !*entry.InCold {
		t.Errorf("sweep did not archive the pack: %+v", entry)
	}
	if len(cold.Keys()) != 1 {
		t.Errorf("cold store holds %d objects after sweep, want 1", len(cold.Keys()))
	}
}
