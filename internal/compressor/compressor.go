// Package compressor squashes raw editing updates into the compact form
// stored in history packs. Raw updates arrive one version per update with
// possibly several op components; compression splits them into single-op
// updates, merges adjacent ops from the same author, and re-groups the
// result by version.
package compressor

import (
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"papyrus/api/internal/sharedoc"
)

const (
	// MaxTimeBetweenUpdates is the merge window: ops further apart in time
	// stay separate so the history keeps meaningful boundaries.
	MaxTimeBetweenUpdates = 60 * 1000 // milliseconds
	// MaxUpdateSize caps the combined size of merged inserts or deletes.
	MaxUpdateSize = 2 * 1024 * 1024
)

var dmp = newDiffer()

func newDiffer() *diffmatchpatch.DiffMatchPatch {
	d := diffmatchpatch.New()
	// Stop the diff from searching too hard for changes in unrelated content.
	d.DiffTimeout = 100 * time.Millisecond
	return d
}

// SingleOpUpdate is the intermediate working form: at most one op component
// per update. A nil Op is a no-op placeholder standing in for an update
// that carried only comment ops (or none), so its version is still recorded.
type SingleOpUpdate struct {
	Op   *sharedoc.Op
	Meta sharedoc.UpdateMeta
	V    int64
}

func normalizeMeta(meta sharedoc.UpdateMeta) sharedoc.UpdateMeta {
	out := sharedoc.UpdateMeta{UserID: meta.UserID}
	out.StartTS = meta.StartTS
	if out.StartTS == 0 {
		out.StartTS = meta.TS
	}
	out.EndTS = meta.EndTS
	if out.EndTS == 0 {
		out.EndTS = meta.TS
	}
	return out
}

// ConvertToSingleOpUpdates splits each raw update into one update per op
// component. Comment components are not history material and are dropped;
// an update left with no components becomes a no-op placeholder.
func ConvertToSingleOpUpdates(updates []sharedoc.Update) []SingleOpUpdate {
	var split []SingleOpUpdate
	for _, update := range updates {
		meta := normalizeMeta(update.Meta)
		var ops sharedoc.Ops
		for _, op := range update.Op {
			if op.IsComment() {
				continue
			}
			ops = append(ops, op)
		}
		if len(ops) == 0 {
			split = append(split, SingleOpUpdate{Op: nil, Meta: meta, V: update.V})
			continue
		}
		for _, op := range ops {
			op := op
			split = append(split, SingleOpUpdate{Op: &op, Meta: meta, V: update.V})
		}
	}
	return split
}

// CompressUpdates merges consecutive single-op updates wherever doing so
// yields an op with the same effect.
func CompressUpdates(updates []SingleOpUpdate) []SingleOpUpdate {
	if len(updates) == 0 {
		return nil
	}
	compressed := []SingleOpUpdate{updates[0]}
	for _, update := range updates[1:] {
		last := compressed[len(compressed)-1]
		compressed = append(compressed[:len(compressed)-1], concatTwoUpdates(last, update)...)
	}
	return compressed
}

func mergeUpdatesWithOp(first, second SingleOpUpdate, op sharedoc.Op) SingleOpUpdate {
	return SingleOpUpdate{
		Op: &op,
		Meta: sharedoc.UpdateMeta{
			UserID:  first.Meta.UserID,
			StartTS: first.Meta.StartTS,
			EndTS:   second.Meta.EndTS,
		},
		V: second.V,
	}
}

func concatTwoUpdates(first, second SingleOpUpdate) []SingleOpUpdate {
	first.Meta = normalizeMeta(first.Meta)
	second.Meta = normalizeMeta(second.Meta)
	both := []SingleOpUpdate{first, second}

	if first.Op == nil || second.Op == nil {
		return both
	}
	if first.Meta.UserID != second.Meta.UserID {
		return both
	}
	if second.Meta.StartTS-first.Meta.EndTS > MaxTimeBetweenUpdates {
		return both
	}

	firstOp, secondOp := *first.Op, *second.Op
	firstSize := len(firstOp.Ins()) + len(firstOp.Del())
	secondSize := len(secondOp.Ins()) + len(secondOp.Del())
	underSizeLimit := firstSize+secondSize < MaxUpdateSize

	switch {
	// Two inserts, the second within the first.
	case firstOp.IsInsert() && secondOp.IsInsert() &&
		firstOp.P <= secondOp.P && secondOp.P <= firstOp.P+firstSize && underSizeLimit:
		merged := sharedoc.Insert(firstOp.P,
			strInject(firstOp.Ins(), secondOp.P-firstOp.P, secondOp.Ins()))
		return []SingleOpUpdate{mergeUpdatesWithOp(first, second, merged)}

	// Two deletes, the first within the second.
	case firstOp.IsDelete() && secondOp.IsDelete() &&
		secondOp.P <= firstOp.P && firstOp.P <= secondOp.P+secondSize && underSizeLimit:
		merged := sharedoc.Delete(secondOp.P,
			strInject(secondOp.Del(), firstOp.P-secondOp.P, firstOp.Del()))
		return []SingleOpUpdate{mergeUpdatesWithOp(first, second, merged)}

	// An insert then a delete fully contained within it cancels out.
	case firstOp.IsInsert() && secondOp.IsDelete() &&
		firstOp.P <= secondOp.P && secondOp.P <= firstOp.P+firstSize:
		offset := secondOp.P - firstOp.P
		if offset+len(secondOp.Del()) > len(firstOp.Ins()) ||
			firstOp.Ins()[offset:offset+len(secondOp.Del())] != secondOp.Del() {
			// The delete extends outside the insert.
			return both
		}
		merged := sharedoc.Insert(firstOp.P,
			firstOp.Ins()[:offset]+firstOp.Ins()[offset+len(secondOp.Del()):])
		return []SingleOpUpdate{mergeUpdatesWithOp(first, second, merged)}

	// A delete then an insert at the same place: likely replaced content,
	// so keep only the difference between the two texts.
	case firstOp.IsDelete() && secondOp.IsInsert() && firstOp.P == secondOp.P:
		offset := firstOp.P
		diffOps := DiffAsOps(firstOp.Del(), secondOp.Ins())
		if len(diffOps) == 0 {
			empty := sharedoc.Insert(offset, "")
			return []SingleOpUpdate{mergeUpdatesWithOp(first, second, empty)}
		}
		out := make([]SingleOpUpdate, 0, len(diffOps))
		for _, op := range diffOps {
			op.P += offset
			out = append(out, mergeUpdatesWithOp(first, second, op))
		}
		return out

	default:
		return both
	}
}

// ConcatUpdatesWithSameVersion re-groups single-op updates into one update
// per version, with op component lists. No-op placeholders become updates
// with an empty op list.
func ConcatUpdatesWithSameVersion(updates []SingleOpUpdate) []sharedoc.Update {
	var out []sharedoc.Update
	for _, update := range updates {
		meta := normalizeMeta(update.Meta)
		if len(out) > 0 && out[len(out)-1].V == update.V {
			last := &out[len(out)-1]
			if update.Op != nil {
				last.Op = append(last.Op, *update.Op)
			}
			if meta.StartTS < last.Meta.StartTS {
				last.Meta.StartTS = meta.StartTS
			}
			if meta.EndTS > last.Meta.EndTS {
				last.Meta.EndTS = meta.EndTS
			}
			continue
		}
		concatted := sharedoc.Update{Op: sharedoc.Ops{}, Meta: meta, V: update.V}
		if update.Op != nil {
			concatted.Op = sharedoc.Ops{*update.Op}
		}
		out = append(out, concatted)
	}
	return out
}

// CompressRawUpdates compresses rawUpdates, merging into the tail of the
// previously compressed stream where possible. A previous update holding
// several op components is an indivisible record and is never merged into.
func CompressRawUpdates(lastPreviousCompressedUpdate *sharedoc.Update, rawUpdates []sharedoc.Update) []sharedoc.Update {
	if lastPreviousCompressedUpdate != nil && len(lastPreviousCompressedUpdate.Op) > 1 {
		return append([]sharedoc.Update{*lastPreviousCompressedUpdate},
			CompressRawUpdates(nil, rawUpdates)...)
	}

	updates := ConvertToSingleOpUpdates(rawUpdates)
	if lastPreviousCompressedUpdate != nil {
		single := SingleOpUpdate{
			Meta: normalizeMeta(lastPreviousCompressedUpdate.Meta),
			V:    lastPreviousCompressedUpdate.V,
		}
		if len(lastPreviousCompressedUpdate.Op) == 1 {
			op := lastPreviousCompressedUpdate.Op[0]
			single.Op = &op
		}
		updates = append([]SingleOpUpdate{single}, updates...)
	}
	return ConcatUpdatesWithSameVersion(CompressUpdates(updates))
}

// DiffAsOps expresses the difference between two strings as op components
// with positions relative to the start of the text.
func DiffAsOps(before, after string) sharedoc.Ops {
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))
	var ops sharedoc.Ops
	position := 0
	for _, diff := range diffs {
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			ops = append(ops, sharedoc.Insert(position, diff.Text))
			position += len(diff.Text)
		case diffmatchpatch.DiffDelete:
			ops = append(ops, sharedoc.Delete(position, diff.Text))
		case diffmatchpatch.DiffEqual:
			position += len(diff.Text)
		}
	}
	return ops
}

func strInject(s1 string, pos int, s2 string) string {
	return s1[:pos] + s2 + s1[pos:]
}
