// Package ranges tracks a document's tracked changes and comments, keeping
// them consistent as edits are applied. Changes are stored as op components
// against the current text: inserts cover text that is in the document,
// deletes cover text that is no longer there.
//
// The maintenance rules match word-processor track changes:
//   - text inserted at a delete goes to the left of the delete
//   - deleting inserted text removes the insert marker rather than adding a
//     delete marker
//   - overlapping deletes merge; deletes consume earlier deletes
//   - an insert by another user splits an existing insert rather than
//     merging with it
package ranges

import (
	"fmt"
	"sort"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/sharedoc"
	"papyrus/api/internal/util"
)

// Meta records who made a change and when.
type Meta struct {
	UserID string    `json:"user_id,omitempty"`
	TS     time.Time `json:"ts,omitempty"`
}

// Change is one tracked insert or delete.
type Change struct {
	ID       string      `json:"id"`
	Op       sharedoc.Op `json:"op"`
	Metadata Meta        `json:"metadata"`
}

// Comment anchors a comment thread to a span of text.
type Comment struct {
	ID       string      `json:"id"`
	Op       sharedoc.Op `json:"op"`
	Metadata Meta        `json:"metadata"`
}

// Ranges is the persisted form: a document's tracked changes plus comments.
type Ranges struct {
	Changes  []*Change  `json:"changes,omitempty"`
	Comments []*Comment `json:"comments,omitempty"`
}

type dirtyState struct {
	ChangeAdded    map[string]*Change
	ChangeMoved    map[string]*Change
	ChangeRemoved  map[string]*Change
	CommentAdded   map[string]*Comment
	CommentMoved   map[string]*Comment
	CommentRemoved map[string]*Comment
}

// Tracker applies document ops to a set of ranges. TrackChanges switches
// whether new edits create change markers; position maintenance happens
// either way.
type Tracker struct {
	Changes      []*Change
	Comments     []*Comment
	TrackChanges bool

	idSeed      string
	idIncrement int
	dirty       dirtyState
}

func NewTracker(changes []*Change, comments []*Comment) *Tracker {
	t := &Tracker{Changes: changes, Comments: comments}
	t.SetIDSeed(util.NewIDSeed())
	t.ResetDirtyState()
	return t
}

func (t *Tracker) IDSeed() string { return t.idSeed }

// SetIDSeed fixes the prefix for newly minted change ids, so ids from one
// update share a seed supplied by the client.
func (t *Tracker) SetIDSeed(seed string) {
	t.idSeed = seed
	t.idIncrement = 0
}

func (t *Tracker) newID() string {
	t.idIncrement++
	return fmt.Sprintf("%s%06x", t.idSeed, t.idIncrement)
}

func (t *Tracker) GetComment(id string) *Comment {
	for _, c := range t.Comments {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (t *Tracker) RemoveCommentID(id string) {
	comment := t.GetComment(id)
	if comment == nil {
		return
	}
	kept := t.Comments[:0]
	for _, c := range t.Comments {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	t.Comments = kept
	t.dirty.CommentRemoved[comment.ID] = comment
}

func (t *Tracker) moveComment(id string, position int, text string) {
	for _, comment := range t.Comments {
		if comment.ID == id {
			comment.Op.P = position
			comment.Op.C = &text
			t.dirty.CommentMoved[comment.ID] = comment
		}
	}
}

func (t *Tracker) GetChange(id string) *Change {
	for _, c := range t.Changes {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// GetChanges returns the tracked changes matching ids, in document order.
func (t *Tracker) GetChanges(ids []string) []*Change {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*Change
	for _, c := range t.Changes {
		if want[c.ID] {
			delete(want, c.ID)
			out = append(out, c)
		}
	}
	return out
}

// RemoveChangeIDs drops the named changes. Unknown ids are ignored, so the
// operation is order-independent and idempotent.
func (t *Tracker) RemoveChangeIDs(ids []string) {
	if len(ids) == 0 {
		return
	}
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	var remaining []*Change
	for _, c := range t.Changes {
		if remove[c.ID] {
			delete(remove, c.ID)
			t.dirty.ChangeRemoved[c.ID] = c
		} else {
			remaining = append(remaining, c)
		}
	}
	t.Changes = remaining
}

// Validate checks every tracked insert and comment against the document
// text they claim to cover.
func (t *Tracker) Validate(text string) error {
	for _, change := range t.Changes {
		if change.Op.IsInsert() {
			end := change.Op.P + len(change.Op.Ins())
			if end > len(text) || text[change.Op.P:end] != change.Op.Ins() {
				return apperr.New(apperr.Consistency,
					fmt.Sprintf("tracked change %s does not match document text", change.ID))
			}
		}
	}
	for _, comment := range t.Comments {
		end := comment.Op.P + len(comment.Op.Com())
		if end > len(text) || text[comment.Op.P:end] != comment.Op.Com() {
			return apperr.New(apperr.Consistency,
				fmt.Sprintf("comment %s does not match document text", comment.ID))
		}
	}
	return nil
}

// ApplyOp updates the ranges for one op that has already been applied to
// the document.
func (t *Tracker) ApplyOp(op sharedoc.Op, metadata Meta) error {
	if metadata.TS.IsZero() {
		metadata.TS = time.Now()
	}
	switch {
	case op.IsInsert():
		t.applyInsertToChanges(op, metadata)
		t.applyInsertToComments(op)
		return nil
	case op.IsDelete():
		if err := t.applyDeleteToChanges(op, metadata); err != nil {
			return err
		}
		return t.applyDeleteToComments(op)
	case op.IsComment():
		t.addComment(op, metadata)
		return nil
	default:
		return apperr.New(apperr.Consistency, "unknown op type")
	}
}

func (t *Tracker) ApplyOps(ops sharedoc.Ops, metadata Meta) error {
	for _, op := range ops {
		if err := t.ApplyOp(op, metadata); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) addComment(op sharedoc.Op, metadata Meta) *Comment {
	if existing := t.GetComment(op.T); existing != nil {
		t.moveComment(op.T, op.P, op.Com())
		return existing
	}
	id := op.T
	if id == "" {
		id = t.newID()
	}
	comment := &Comment{
		ID:       id,
		Op:       sharedoc.Comment(op.P, op.Com(), op.T),
		Metadata: metadata,
	}
	t.Comments = append(t.Comments, comment)
	t.dirty.CommentAdded[comment.ID] = comment
	return comment
}

func (t *Tracker) applyInsertToComments(op sharedoc.Op) {
	for _, comment := range t.Comments {
		if op.P <= comment.Op.P {
			comment.Op.P += len(op.Ins())
			t.dirty.CommentMoved[comment.ID] = comment
		} else if op.P < comment.Op.P+len(comment.Op.Com()) {
			// Insert lands inside the comment: the comment grows.
			offset := op.P - comment.Op.P
			grown := comment.Op.Com()[:offset] + op.Ins() + comment.Op.Com()[offset:]
			comment.Op.C = &grown
			t.dirty.CommentMoved[comment.ID] = comment
		}
	}
}

func (t *Tracker) applyDeleteToComments(op sharedoc.Op) error {
	opStart := op.P
	opLength := len(op.Del())
	opEnd := op.P + opLength
	for _, comment := range t.Comments {
		commentStart := comment.Op.P
		commentEnd := comment.Op.P + len(comment.Op.Com())
		commentLength := commentEnd - commentStart
		switch {
		case opEnd <= commentStart:
			comment.Op.P -= opLength
			t.dirty.CommentMoved[comment.ID] = comment
		case opStart >= commentEnd:
			// delete is fully after the comment
		default:
			remainingBefore := ""
			if opStart > commentStart {
				remainingBefore = comment.Op.Com()[:opStart-commentStart]
			}
			remainingAfter := ""
			if opEnd < commentEnd {
				remainingAfter = comment.Op.Com()[opEnd-commentStart:]
			}

			deletedComment := comment.Op.Com()[len(remainingBefore) : commentLength-len(remainingAfter)]
			offset := max(0, commentStart-opStart)
			deletedOpContent := op.Del()[offset:]
			if len(deletedOpContent) > len(deletedComment) {
				deletedOpContent = deletedOpContent[:len(deletedComment)]
			}
			if deletedComment != deletedOpContent {
				return apperr.New(apperr.Consistency, "deleted content does not match comment content")
			}

			comment.Op.P = min(commentStart, opStart)
			remaining := remainingBefore + remainingAfter
			comment.Op.C = &remaining
			t.dirty.CommentMoved[comment.ID] = comment
		}
	}
	return nil
}

func (t *Tracker) applyInsertToChanges(op sharedoc.Op, metadata Meta) {
	opStart := op.P
	opLength := len(op.Ins())
	opEnd := op.P + opLength
	undoing := op.U

	alreadyMerged := false
	var previousChange *Change
	var movedChanges, removeChanges []*Change
	type newChange struct {
		op   sharedoc.Op
		meta Meta
	}
	var newChanges []newChange

	for i := 0; i < len(t.Changes); i++ {
		change := t.Changes[i]
		changeStart := change.Op.P

		if change.Op.IsDelete() {
			if opStart < changeStart {
				change.Op.P += opLength
				movedChanges = append(movedChanges, change)
			} else if opStart == changeStart {
				// An undo that matches the start of a delete cancels out of
				// the delete instead of inserting in front of it.
				if undoing && len(change.Op.Del()) >= opLength && change.Op.Del()[:opLength] == op.Ins() {
					shrunk := change.Op.Del()[opLength:]
					change.Op.D = &shrunk
					change.Op.P += opLength
					if shrunk == "" {
						removeChanges = append(removeChanges, change)
					} else {
						movedChanges = append(movedChanges, change)
					}
					alreadyMerged = true
				} else {
					change.Op.P += opLength
					movedChanges = append(movedChanges, change)
				}
			}
		} else if change.Op.IsInsert() {
			changeEnd := changeStart + len(change.Op.Ins())
			isChangeOverlapping := opStart >= changeStart && opStart <= changeEnd
			isSameUser := metadata.UserID == change.Metadata.UserID

			// An undo adjacent to a following delete should cancel into the
			// delete, not append onto this insert.
			var nextChange *Change
			if i+1 < len(t.Changes) {
				nextChange = t.Changes[i+1]
			}
			isOpAdjacentToNextDelete := nextChange != nil && nextChange.Op.IsDelete() &&
				op.P == changeEnd && nextChange.Op.P == op.P
			willOpCancelNextDelete := undoing && isOpAdjacentToNextDelete &&
				len(nextChange.Op.Del()) >= opLength && nextChange.Op.Del()[:opLength] == op.Ins()

			// A delete marker sitting at the end of this insert partitions
			// it from the following insert, blocking a merge.
			isInsertBlockedByDelete := previousChange != nil && previousChange.Op.IsDelete() &&
				previousChange.Op.P == opEnd

			if t.TrackChanges && isChangeOverlapping && !isInsertBlockedByDelete &&
				!alreadyMerged && !willOpCancelNextDelete && isSameUser {
				offset := opStart - changeStart
				merged := change.Op.Ins()[:offset] + op.Ins() + change.Op.Ins()[offset:]
				change.Op.I = &merged
				change.Metadata.TS = metadata.TS
				alreadyMerged = true
				movedChanges = append(movedChanges, change)
			} else if opStart <= changeStart {
				change.Op.P += opLength
				movedChanges = append(movedChanges, change)
			} else if (!isSameUser || !t.TrackChanges) && changeStart < opStart && opStart < changeEnd {
				// Inserting inside another user's insert splits it in two.
				offset := opStart - changeStart
				beforeContent := change.Op.Ins()[:offset]
				afterContent := change.Op.Ins()[offset:]

				change.Op.I = &beforeContent
				movedChanges = append(movedChanges, change)

				newChanges = append(newChanges, newChange{
					op:   sharedoc.Insert(changeStart+offset+opLength, afterContent),
					meta: change.Metadata,
				})
			}
		}
		previousChange = change
	}

	if t.TrackChanges && !alreadyMerged {
		t.addOp(op, metadata)
	}
	for _, nc := range newChanges {
		t.addOp(nc.op, nc.meta)
	}
	for _, change := range removeChanges {
		t.removeChange(change)
	}
	for _, change := range movedChanges {
		t.dirty.ChangeMoved[change.ID] = change
	}
}

func (t *Tracker) applyDeleteToChanges(op sharedoc.Op, metadata Meta) error {
	opStart := op.P
	opLength := len(op.Del())
	opEnd := op.P + opLength
	var removeChanges, movedChanges []*Change

	// The delete op itself may be modified as it cancels against inserts or
	// swallows earlier deletes. Modifications are collected and applied in
	// one go afterwards so offsets stay valid during the scan.
	var opModifications sharedoc.Ops
	for _, change := range t.Changes {
		if change.Op.IsInsert() {
			changeStart := change.Op.P
			changeEnd := changeStart + len(change.Op.Ins())
			if opEnd <= changeStart {
				change.Op.P -= opLength
				movedChanges = append(movedChanges, change)
			} else if opStart >= changeEnd {
				// delete is after the insert
			} else {
				// Delete overlaps the insert: the overlap cancels out of both.
				var deleteRemainingBefore, insertRemainingBefore string
				if opStart >= changeStart {
					insertRemainingBefore = change.Op.Ins()[:opStart-changeStart]
				} else {
					deleteRemainingBefore = op.Del()[:changeStart-opStart]
				}
				var deleteRemainingAfter, insertRemainingAfter string
				if opEnd <= changeEnd {
					insertRemainingAfter = change.Op.Ins()[opEnd-changeStart:]
				} else {
					deleteRemainingAfter = op.Del()[changeEnd-opStart:]
				}

				insertRemaining := insertRemainingBefore + insertRemainingAfter
				if len(insertRemaining) > 0 {
					change.Op.I = &insertRemaining
					change.Op.P = min(changeStart, opStart)
					change.Metadata.TS = metadata.TS
					movedChanges = append(movedChanges, change)
				} else {
					removeChanges = append(removeChanges, change)
				}

				deleteRemovedLength := len(op.Del()) - len(deleteRemainingBefore) - len(deleteRemainingAfter)
				deleteRemovedStart := len(deleteRemainingBefore)
				if deleteRemovedLength > 0 {
					opModifications = append(opModifications,
						sharedoc.Delete(deleteRemovedStart, op.Del()[deleteRemovedStart:deleteRemovedStart+deleteRemovedLength]))
				}
			}
		} else if change.Op.IsDelete() {
			changeStart := change.Op.P
			if opEnd < changeStart || (!t.TrackChanges && opEnd == changeStart) {
				// When tracking, touching deletes merge below instead.
				change.Op.P -= opLength
				movedChanges = append(movedChanges, change)
			} else if opStart <= changeStart && changeStart <= opEnd {
				if t.TrackChanges {
					// Swallow the existing delete into our content and drop
					// the old marker.
					offset := changeStart - opStart
					opModifications = append(opModifications, sharedoc.Insert(offset, change.Op.Del()))
					removeChanges = append(removeChanges, change)
				} else {
					change.Op.P = opStart
					movedChanges = append(movedChanges, change)
				}
			}
		}
	}

	modified, err := applyOpModifications(op.Del(), opModifications)
	if err != nil {
		return err
	}
	op = sharedoc.Delete(op.P, modified)

	for _, change := range removeChanges {
		// Reuse an overlapped delete marker in place instead of removing it
		// and adding a new one.
		if len(op.Del()) > 0 && change.Op.IsDelete() &&
			op.P <= change.Op.P && change.Op.P <= op.P+len(op.Del()) {
			change.Op.P = op.P
			d := op.Del()
			change.Op.D = &d
			change.Metadata = metadata
			movedChanges = append(movedChanges, change)
			empty := ""
			op.D = &empty
		} else {
			t.removeChange(change)
		}
	}

	if t.TrackChanges && len(op.Del()) > 0 {
		t.addOp(op, metadata)
	} else {
		// Deleting an insert that sat between two inserts by the same user
		// leaves them adjacent; merge them back together.
		moved, removed := t.scanAndMergeAdjacentChanges()
		movedChanges = append(movedChanges, moved...)
		for _, change := range removed {
			t.removeChange(change)
			kept := movedChanges[:0]
			for _, c := range movedChanges {
				if c != change {
					kept = append(kept, c)
				}
			}
			movedChanges = kept
		}
	}

	for _, change := range movedChanges {
		t.dirty.ChangeMoved[change.ID] = change
	}
	return nil
}

func (t *Tracker) addOp(op sharedoc.Op, metadata Meta) {
	change := &Change{
		ID:       t.newID(),
		Op:       op,
		Metadata: metadata,
	}
	t.Changes = append(t.Changes, change)

	// Keep changes ordered by offset, deletes before inserts at a tie.
	sort.SliceStable(t.Changes, func(i, j int) bool {
		a, b := t.Changes[i], t.Changes[j]
		if a.Op.P != b.Op.P {
			return a.Op.P < b.Op.P
		}
		return a.Op.IsDelete() && b.Op.IsInsert()
	})

	t.dirty.ChangeAdded[change.ID] = change
}

func (t *Tracker) removeChange(change *Change) {
	kept := t.Changes[:0]
	for _, c := range t.Changes {
		if c.ID != change.ID {
			kept = append(kept, c)
		}
	}
	t.Changes = kept
	t.dirty.ChangeRemoved[change.ID] = change
}

func applyOpModifications(content string, mods sharedoc.Ops) (string, error) {
	// Descending position order, deletes before inserts at the same offset,
	// so earlier modifications don't shift later ones.
	sort.SliceStable(mods, func(i, j int) bool {
		if mods[i].P != mods[j].P {
			return mods[i].P > mods[j].P
		}
		return mods[i].IsDelete() && mods[j].IsInsert()
	})
	for _, m := range mods {
		switch {
		case m.IsInsert():
			content = content[:m.P] + m.Ins() + content[m.P:]
		case m.IsDelete():
			end := m.P + len(m.Del())
			if end > len(content) || content[m.P:end] != m.Del() {
				return "", apperr.New(apperr.Consistency, "deleted content does not match tracked delete")
			}
			content = content[:m.P] + content[end:]
		}
	}
	return content, nil
}

func (t *Tracker) scanAndMergeAdjacentChanges() (moved, removed []*Change) {
	var previous *Change
	for _, change := range t.Changes {
		switch {
		case previous != nil && previous.Op.IsInsert() && change.Op.IsInsert():
			previousEnd := previous.Op.P + len(previous.Op.Ins())
			if previousEnd == change.Op.P && previous.Metadata.UserID == change.Metadata.UserID {
				removed = append(removed, change)
				merged := previous.Op.Ins() + change.Op.Ins()
				previous.Op.I = &merged
				moved = append(moved, previous)
				continue
			}
			previous = change
		case previous != nil && previous.Op.IsDelete() && change.Op.IsDelete() && previous.Op.P == change.Op.P:
			merged := previous.Op.Del() + change.Op.Del()
			previous.Op.D = &merged
			removed = append(removed, change)
			moved = append(moved, previous)
		default:
			previous = change
		}
	}
	return moved, removed
}

func (t *Tracker) ResetDirtyState() {
	t.dirty = dirtyState{
		ChangeAdded:    map[string]*Change{},
		ChangeMoved:    map[string]*Change{},
		ChangeRemoved:  map[string]*Change{},
		CommentAdded:   map[string]*Comment{},
		CommentMoved:   map[string]*Comment{},
		CommentRemoved: map[string]*Comment{},
	}
}

func (t *Tracker) DirtyState() dirtyState { return t.dirty }
