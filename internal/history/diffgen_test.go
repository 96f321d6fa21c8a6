package history

import (
	"testing"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/sharedoc"
)

var testMeta = sharedoc.UpdateMeta{StartTS: 100, EndTS: 200, UserID: "mock-user-id"}

func TestRewindOp(t *testing.T) {
	op := sharedoc.Insert(6, "wo")
	content, err := RewindOp("hello world", &op)
	if err != nil {
		t.Fatalf("RewindOp failed: %v", err)
	}
	if content != "hello rld" {
		t.Errorf("rewound insert produced %q", content)
	}

	op = sharedoc.Delete(6, "wo")
	content, err = RewindOp("hello rld", &op)
	if err != nil {
		t.Fatalf("RewindOp failed: %v", err)
	}
	if content != "hello world" {
		t.Errorf("rewound delete produced %q", content)
	}
}

func TestRewindOpInconsistent(t *testing.T) {
	op := sharedoc.Insert(6, "foo")
	_, err := RewindOp("hello world", &op)
	if err == nil {
		t.Fatal("expected consistency error")
	}
	if !apperr.Is(err, apperr.Consistency) {
		t.Errorf("expected consistency error, got %v", err)
	}
}

func TestRewindOpClampsPosition(t *testing.T) {
	op := sharedoc.Insert(4, "bar")
	content, err := RewindOp("foobar", &op)
	if err != nil {
		t.Fatalf("RewindOp failed: %v", err)
	}
	if content != "foo" {
		t.Errorf("clamped rewind produced %q", content)
	}
	// The clamped position is written back for later passes.
	if op.P != 3 {
		t.Errorf("op position not updated, got %d", op.P)
	}
}

func TestRewindUpdateReversesOps(t *testing.T) {
	update := sharedoc.Update{Op: sharedoc.Ops{
		sharedoc.Insert(3, "bbb"),
		sharedoc.Insert(6, "ccc"),
	}}
	content, err := RewindUpdate("aaabbbccc", &update, false)
	if err != nil {
		t.Fatalf("RewindUpdate failed: %v", err)
	}
	if content != "aaa" {
		t.Errorf("got %q", content)
	}
}

func TestRewindUpdates(t *testing.T) {
	updates := []sharedoc.Update{
		{Op: sharedoc.Ops{sharedoc.Insert(3, "bbb")}},
		{Op: sharedoc.Ops{sharedoc.Insert(6, "ccc")}},
	}
	content, err := RewindUpdates("aaabbbccc", updates)
	if err != nil {
		t.Fatalf("RewindUpdates failed: %v", err)
	}
	if content != "aaa" {
		t.Errorf("got %q", content)
	}
}

func TestRewindUpdatesToleratesBrokenFinalUpdate(t *testing.T) {
	// The newest update never made it into the document; its rewind fails,
	// gets flagged broken and is skipped.
	updates := []sharedoc.Update{
		{V: 1, Op: sharedoc.Ops{sharedoc.Insert(3, "bbb")}},
		{V: 2, Op: sharedoc.Ops{sharedoc.Insert(0, "never-applied")}},
	}
	content, err := RewindUpdates("aaabbb", updates)
	if err != nil {
		t.Fatalf("RewindUpdates failed: %v", err)
	}
	if content != "aaa" {
		t.Errorf("got %q", content)
	}
	if !updates[1].Op[0].Broken {
		t.Error("failing op was not flagged broken")
	}

	// The same failure below the newest update aborts.
	updates = []sharedoc.Update{
		{V: 1, Op: sharedoc.Ops{sharedoc.Insert(0, "never-applied")}},
		{V: 2, Op: sharedoc.Ops{sharedoc.Insert(3, "bbb")}},
	}
	if _, err := RewindUpdates("aaabbb", updates); err == nil {
		t.Fatal("expected abort for a broken interior update")
	}
}

func TestApplyUpdateToDiffInserts(t *testing.T) {
	diff, err := ApplyUpdateToDiff([]DiffPart{{U: "foobar"}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Insert(3, "baz")}, Meta: testMeta})
	if err != nil {
		t.Fatalf("ApplyUpdateToDiff failed: %v", err)
	}
	want := []DiffPart{{U: "foo"}, {I: "baz", Meta: metaForUpdate(testMeta)}, {U: "bar"}}
	assertDiff(t, diff, want)

	diff, _ = ApplyUpdateToDiff([]DiffPart{{U: "foobar"}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Insert(0, "baz")}, Meta: testMeta})
	assertDiff(t, diff, []DiffPart{{I: "baz", Meta: metaForUpdate(testMeta)}, {U: "foobar"}})

	diff, _ = ApplyUpdateToDiff([]DiffPart{{U: "foobar"}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Insert(6, "baz")}, Meta: testMeta})
	assertDiff(t, diff, []DiffPart{{U: "foobar"}, {I: "baz", Meta: metaForUpdate(testMeta)}})
}

func TestApplyUpdateToDiffInsertSkipsDeletes(t *testing.T) {
	meta := metaForUpdate(testMeta)
	diff, err := ApplyUpdateToDiff([]DiffPart{{D: "deleted", Meta: meta}, {U: "foobar"}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Insert(3, "baz")}, Meta: testMeta})
	if err != nil {
		t.Fatalf("ApplyUpdateToDiff failed: %v", err)
	}
	assertDiff(t, diff, []DiffPart{
		{D: "deleted", Meta: meta}, {U: "foo"}, {I: "baz", Meta: meta}, {U: "bar"},
	})
}

func TestApplyUpdateToDiffInsertBeforeTrailingDelete(t *testing.T) {
	meta := metaForUpdate(testMeta)
	diff, err := ApplyUpdateToDiff([]DiffPart{{U: "foo"}, {D: "bar", Meta: meta}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Insert(3, "baz")}, Meta: testMeta})
	if err != nil {
		t.Fatalf("ApplyUpdateToDiff failed: %v", err)
	}
	assertDiff(t, diff, []DiffPart{{U: "foo"}, {I: "baz", Meta: meta}, {D: "bar", Meta: meta}})

	// With only a delete in the diff, an insert at 0 goes after it.
	diff, err = ApplyUpdateToDiff([]DiffPart{{D: "bar", Meta: meta}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Insert(0, "baz")}, Meta: testMeta})
	if err != nil {
		t.Fatalf("ApplyUpdateToDiff failed: %v", err)
	}
	assertDiff(t, diff, []DiffPart{{D: "bar", Meta: meta}, {I: "baz", Meta: meta}})
}

func TestApplyUpdateToDiffDeletes(t *testing.T) {
	meta := metaForUpdate(testMeta)

	diff, err := ApplyUpdateToDiff([]DiffPart{{U: "foobazbar"}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Delete(3, "baz")}, Meta: testMeta})
	if err != nil {
		t.Fatalf("ApplyUpdateToDiff failed: %v", err)
	}
	assertDiff(t, diff, []DiffPart{{U: "foo"}, {D: "baz", Meta: meta}, {U: "bar"}})

	// Across multiple unchanged parts.
	diff, err = ApplyUpdateToDiff([]DiffPart{{U: "foo"}, {U: "baz"}, {U: "bar"}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Delete(2, "obazb")}, Meta: testMeta})
	if err != nil {
		t.Fatalf("ApplyUpdateToDiff failed: %v", err)
	}
	assertDiff(t, diff, []DiffPart{
		{U: "fo"}, {D: "o", Meta: meta}, {D: "baz", Meta: meta}, {D: "b", Meta: meta}, {U: "ar"},
	})

	// Deleting inserted text cancels it without leaving a delete part.
	diff, err = ApplyUpdateToDiff([]DiffPart{{I: "foobazbar", Meta: meta}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Delete(3, "baz")}, Meta: testMeta})
	if err != nil {
		t.Fatalf("ApplyUpdateToDiff failed: %v", err)
	}
	assertDiff(t, diff, []DiffPart{{I: "foo", Meta: meta}, {I: "bar", Meta: meta}})

	// Mixed unchanged and inserted parts.
	diff, err = ApplyUpdateToDiff([]DiffPart{{U: "foo"}, {I: "baz", Meta: meta}, {U: "bar"}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Delete(2, "obazb")}, Meta: testMeta})
	if err != nil {
		t.Fatalf("ApplyUpdateToDiff failed: %v", err)
	}
	assertDiff(t, diff, []DiffPart{{U: "fo"}, {D: "o", Meta: meta}, {D: "b", Meta: meta}, {U: "ar"}})

	// Existing deletes pass through.
	diff, err = ApplyUpdateToDiff([]DiffPart{{U: "foo"}, {D: "baz", Meta: meta}, {U: "bar"}},
		&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Delete(2, "ob")}, Meta: testMeta})
	if err != nil {
		t.Fatalf("ApplyUpdateToDiff failed: %v", err)
	}
	assertDiff(t, diff, []DiffPart{
		{U: "fo"}, {D: "o", Meta: meta}, {D: "baz", Meta: meta}, {D: "b", Meta: meta}, {U: "ar"},
	})
}

func TestApplyUpdateToDiffDeleteMismatch(t *testing.T) {
	for _, p := range []int{0, 3, 6} {
		_, err := ApplyUpdateToDiff([]DiffPart{{U: "foobazbar"}},
			&sharedoc.Update{Op: sharedoc.Ops{sharedoc.Delete(p, "xxx")}, Meta: testMeta})
		if err == nil {
			t.Errorf("expected mismatch error at p=%d", p)
		} else if !apperr.Is(err, apperr.Consistency) {
			t.Errorf("expected consistency error at p=%d, got %v", p, err)
		}
	}
}

func TestCompressDiff(t *testing.T) {
	diff := CompressDiff([]DiffPart{
		{I: "foo", Meta: &PartMeta{StartTS: 10, EndTS: 20, UserID: "u1"}},
		{I: "bar", Meta: &PartMeta{StartTS: 5, EndTS: 15, UserID: "u1"}},
	})
	if len(diff) != 1 {
		t.Fatalf("expected merged parts, got %d", len(diff))
	}
	if diff[0].I != "foobar" || diff[0].Meta.StartTS != 5 || diff[0].Meta.EndTS != 20 {
		t.Errorf("merged part wrong: %+v", diff[0])
	}

	// Different users stay apart.
	diff = CompressDiff([]DiffPart{
		{I: "foo", Meta: &PartMeta{StartTS: 10, EndTS: 20, UserID: "u1"}},
		{I: "bar", Meta: &PartMeta{StartTS: 5, EndTS: 15, UserID: "u2"}},
	})
	if len(diff) != 2 {
		t.Errorf("cross-user parts merged: %+v", diff)
	}

	// Deletes merge the same way.
	diff = CompressDiff([]DiffPart{
		{D: "foo", Meta: &PartMeta{StartTS: 10, EndTS: 20, UserID: "u1"}},
		{D: "bar", Meta: &PartMeta{StartTS: 5, EndTS: 15, UserID: "u1"}},
	})
	if len(diff) != 1 || diff[0].D != "foobar" {
		t.Errorf("deletes did not merge: %+v", diff)
	}
}

func TestBuildDiff(t *testing.T) {
	updates := []sharedoc.Update{
		{Op: sharedoc.Ops{sharedoc.Insert(5, " there")}, Meta: testMeta},
		{Op: sharedoc.Ops{sharedoc.Delete(0, "hello")}, Meta: testMeta},
	}
	diff, err := BuildDiff("hello", updates)
	if err != nil {
		t.Fatalf("BuildDiff failed: %v", err)
	}
	assertDiff(t, diff, []DiffPart{
		{D: "hello", Meta: metaForUpdate(testMeta)},
		{I: " there", Meta: metaForUpdate(testMeta)},
	})
}

func assertDiff(t *testing.T, got, want []DiffPart) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("diff length %d, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].U != want[i].U || got[i].I != want[i].I || got[i].D != want[i].D {
			t.Errorf("part %d: got %+v, want %+v", i, got[i], want[i])
		}
		if (got[i].Meta == nil) != (want[i].Meta == nil) {
			t.Errorf("part %d meta presence mismatch: %+v vs %+v", i, got[i], want[i])
		}
	}
}
