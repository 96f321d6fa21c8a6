package history

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/coldstore"
	"papyrus/api/internal/lock"
	"papyrus/api/internal/packstore"
	"papyrus/api/internal/sharedoc"
)

func newTestUpdatesManager(t *testing.T) (*UpdatesManager, *packstore.MemoryStore, *packstore.Manager) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	store := packstore.NewMemoryStore()
	locker := lock.NewLocker(client)
	packs := packstore.NewManager(store, coldstore.NewMemory(), locker)
	return NewUpdatesManager(NewRedisManager(client), packs, locker), store, packs
}

func rawUpdate(v int64, ts int64, userID string, op sharedoc.Op) sharedoc.Update {
	return sharedoc.Update{
		Op:   sharedoc.Ops{op},
		V:    v,
		Meta: sharedoc.UpdateMeta{UserID: userID, TS: ts},
	}
}

func compressedUpdate(v int64, ts int64, userID string, op sharedoc.Op) sharedoc.Update {
	return sharedoc.Update{
		Op:   sharedoc.Ops{op},
		V:    v,
		Meta: sharedoc.UpdateMeta{UserID: userID, StartTS: ts, EndTS: ts},
	}
}

func pushRaw(t *testing.T, m *UpdatesManager, projectID, docID string, updates ...sharedoc.Update) {
	t.Helper()
	if _, err := m.redis.PushUncompressedHistoryOps(context.Background(), projectID, docID, updates); err != nil {
		t.Fatal(err)
	}
}

func TestProcessUncompressedUpdatesDrainsQueue(t *testing.T) {
	m, store, _ := newTestUpdatesManager(t)
	ctx := context.Background()

	pushRaw(t, m, "project-1", "doc-1",
		rawUpdate(1, 1000, "user-1", sharedoc.Insert(0, "a")),
		rawUpdate(2, 2000, "user-1", sharedoc.Insert(1, "b")),
	)

	if err := m.ProcessUncompressedUpdatesWithLock(ctx, "project-1", "doc-1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	pack, err := store.GetLastDocPack(ctx, "doc-1")
	if err != nil || pack == nil {
		t.Fatalf("no pack written: %v", err)
	}
	// The two adjacent inserts compress into one update.
	if pack.N != 1 || pack.VEnd != 2 {
		t.Errorf("pack n=%d v_end=%d, want 1 and 2", pack.N, pack.VEnd)
	}
	if got := pack.Updates[0].Op[0].Ins(); got != "ab" {
		t.Errorf("compressed insert = %q, want \"ab\"", got)
	}
	if pack.Updates[0].Meta.StartTS != 1000 || pack.Updates[0].Meta.EndTS != 2000 {
		t.Errorf("compressed meta = %+v", pack.Updates[0].Meta)
	}

	raw, _ := m.redis.GetOldestDocUpdates(ctx, "doc-1", 10)
	if len(raw) != 0 {
		t.Errorf("queue not drained: %v", raw)
	}
	pending, _ := m.redis.GetProjectIDsWithHistoryOps(ctx)
	if len(pending) != 0 {
		t.Errorf("project still pending: %v", pending)
	}
}

func TestProcessDiscardsAlreadyCompressedVersions(t *testing.T) {
	m, store, _ := newTestUpdatesManager(t)
	ctx := context.Background()

	pushRaw(t, m, "project-1", "doc-1",
		rawUpdate(1, 1000, "user-1", sharedoc.Insert(0, "a")),
		rawUpdate(2, 200000, "user-1", sharedoc.Insert(1, "b")),
	)
	if err := m.ProcessUncompressedUpdatesWithLock(ctx, "project-1", "doc-1"); err != nil {
		t.Fatal(err)
	}

	// A redelivery overlaps the compressed history.
	pushRaw(t, m, "project-1", "doc-1",
		rawUpdate(2, 200000, "user-1", sharedoc.Insert(1, "b")),
		rawUpdate(3, 400000, "user-2", sharedoc.Insert(2, "c")),
	)
	if err := m.ProcessUncompressedUpdatesWithLock(ctx, "project-1", "doc-1"); err != nil {
		t.Fatal(err)
	}

	pack, _ := store.GetLastDocPack(ctx, "doc-1")
	if pack.VEnd != 3 {
		t.Fatalf("v_end = %d, want 3", pack.VEnd)
	}
	last := pack.Updates[len(pack.Updates)-1]
	if last.V != 3 || last.Op[0].Ins() != "c" {
		t.Errorf("last compressed update = %+v, want only v3", last)
	}
}

func TestProcessRejectsVersionGap(t *testing.T) {
	m, _, _ := newTestUpdatesManager(t)
	ctx := context.Background()

	pushRaw(t, m, "project-1", "doc-1",
		rawUpdate(1, 1000, "user-1", sharedoc.Insert(0, "a")),
	)
	if err := m.ProcessUncompressedUpdatesWithLock(ctx, "project-1", "doc-1"); err != nil {
		t.Fatal(err)
	}

	pushRaw(t, m, "project-1", "doc-1",
		rawUpdate(5, 2000, "user-1", sharedoc.Insert(1, "b")),
	)
	err := m.ProcessUncompressedUpdatesWithLock(ctx, "project-1", "doc-1")
	if !apperr.Is(err, apperr.Consistency) {
		t.Fatalf("err = %v, want consistency error for version gap", err)
	}

	// The unprocessable update stays queued.
	raw, _ := m.redis.GetOldestDocUpdates(ctx, "doc-1", 10)
	if len(raw) != 1 {
		t.Errorf("queue = %v, want the rejected update kept", raw)
	}
}

func TestOversizedOpsAreBlanked(t *testing.T) {
	m, store, _ := newTestUpdatesManager(t)
	ctx := context.Background()

	big := strings.Repeat("x", RejectLargeOpSize+1)
	pushRaw(t, m, "project-1", "doc-1",
		rawUpdate(1, 1000, "user-1", sharedoc.Insert(0, big)),
	)
	if err := m.ProcessUncompressedUpdatesWithLock(ctx, "project-1", "doc-1"); err != nil {
		t.Fatal(err)
	}

	pack, _ := store.GetLastDocPack(ctx, "doc-1")
	if pack == nil || pack.VEnd != 1 {
		t.Fatalf("blanked update not recorded: %+v", pack)
	}
	if len(pack.Updates[0].Op) != 0 {
		t.Errorf("oversized op kept its content")
	}
}

func TestGetSummarizedProjectUpdates(t *testing.T) {
	m, _, packs := newTestUpdatesManager(t)
	ctx := context.Background()

	bigDelete := strings.Repeat("d", SplitOnDeleteSize+4)
	err := packs.InsertCompressedUpdates(ctx, "project-1", "doc-1", nil, []sharedoc.Update{
		compressedUpdate(1, 1000, "user-a", sharedoc.Insert(0, "x")),
		compressedUpdate(2, 2000, "user-a", sharedoc.Insert(1, "y")),
		compressedUpdate(3, 500000, "user-b", sharedoc.Delete(0, bigDelete)),
		compressedUpdate(4, 501000, "user-a", sharedoc.Insert(0, "z")),
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	summaries, nextBefore, err := m.GetSummarizedProjectUpdates(ctx, "project-1", 0, 25)
	if err != nil {
		t.Fatal(err)
	}
	if nextBefore != 0 {
		t.Errorf("nextBefore = %d, want 0 when history exhausted", nextBefore)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2 (split on big delete): %+v", len(summaries), summaries)
	}

	recent := summaries[0]
	if recent.Meta.StartTS != 500000 || recent.Meta.EndTS != 501000 {
		t.Errorf("recent entry spans %d..%d", recent.Meta.StartTS, recent.Meta.EndTS)
	}
	if len(recent.Meta.UserIDs) != 2 {
		t.Errorf("recent entry users = %v, want both editors", recent.Meta.UserIDs)
	}
	if doc := recent.Docs["doc-1"]; doc.FromV != 3 || doc.ToV != 4 {
		t.Errorf("recent entry versions = %+v, want 3..4", doc)
	}

	older := summaries[1]
	if doc := older.Docs["doc-1"]; doc.FromV != 1 || doc.ToV != 2 {
		t.Errorf("older entry versions = %+v, want 1..2", doc)
	}
	if len(older.Meta.UserIDs) != 1 || older.Meta.UserIDs[0] != "user-a" {
		t.Errorf("older entry users = %v", older.Meta.UserIDs)
	}
}

func TestExportProject(t *testing.T) {
	m, _, packs := newTestUpdatesManager(t)
	ctx := context.Background()

	err := packs.InsertCompressedUpdates(ctx, "project-1", "doc-1", nil, []sharedoc.Update{
		compressedUpdate(1, 1000, "bob", sharedoc.Insert(0, "a")),
		compressedUpdate(2, 2000, "alice", sharedoc.Insert(1, "b")),
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	var streamed []sharedoc.Update
	userIDs, err := m.ExportProject(ctx, "project-1", func(updates []sharedoc.Update) error {
		streamed = append(streamed, updates...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(streamed) != 2 || streamed[0].V != 2 {
		t.Errorf("streamed = %+v, want both updates newest first", streamed)
	}
	if len(userIDs) != 2 || userIDs[0] != "alice" || userIDs[1] != "bob" {
		t.Errorf("userIDs = %v, want sorted [alice bob]", userIDs)
	}
}

func TestExportProjectConsumerAbort(t *testing.T) {
	m, _, packs := newTestUpdatesManager(t)
	ctx := context.Background()

	err := packs.InsertCompressedUpdates(ctx, "project-1", "doc-1", nil, []sharedoc.Update{
		compressedUpdate(1, 1000, "bob", sharedoc.Insert(0, "a")),
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	wantErr := context.Canceled
	_, err = m.ExportProject(ctx, "project-1", func([]sharedoc.Update) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("err = %v, want consumer error passed through", err)
	}
}

func TestFlushAll(t *testing.T) {
	m, store, _ := newTestUpdatesManager(t)
	ctx := context.Background()

	pushRaw(t, m, "project-1", "doc-1", rawUpdate(1, 1000, "user-1", sharedoc.Insert(0, "a")))
	pushRaw(t, m, "project-2", "doc-2", rawUpdate(1, 1000, "user-2", sharedoc.Insert(0, "b")))

	result, err := m.FlushAll(ctx, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Succeeded) != 2 || len(result.Failed) != 0 {
		t.Fatalf("result = %+v, want both projects flushed", result)
	}

	for _, docID := range []string{"doc-1", "doc-2"} {
		pack, _ := store.GetLastDocPack(ctx, docID)
		if pack == nil {
			t.Errorf("doc %s has no pack after flush", docID)
		}
	}
	pending, _ := m.redis.GetProjectIDsWithHistoryOps(ctx)
	if len(pending) != 0 {
		t.Errorf("projects still pending: %v", pending)
	}
}
