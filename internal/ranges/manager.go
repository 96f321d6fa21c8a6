package ranges

import (
	"encoding/json"
	"fmt"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/sharedoc"
)

// MaxRangesSize bounds the serialized size of a document's ranges. Beyond
// this, range tracking is refused rather than degraded.
const MaxRangesSize = 3 * 1024 * 1024

// Manager applies updates to a document's ranges and services accept/reject
// and comment operations.
type Manager struct {
	maxSize int
}

func NewManager(maxSize int) *Manager {
	if maxSize <= 0 {
		maxSize = MaxRangesSize
	}
	return &Manager{maxSize: maxSize}
}

// ApplyUpdate runs the updates' ops through a tracker seeded from entries
// and returns the new ranges. If any range collapsed to nothing, the
// survivors are validated against the new document text.
func (m *Manager) ApplyUpdate(docID string, entries Ranges, updates []sharedoc.Update, newDocText string) (Ranges, error) {
	tracker := NewTracker(entries.Changes, entries.Comments)
	emptyBefore := emptyRangesCount(tracker)

	for _, update := range updates {
		tracker.TrackChanges = update.Meta.TC != ""
		if update.Meta.TC != "" {
			tracker.SetIDSeed(update.Meta.TC)
		}
		meta := Meta{UserID: update.Meta.UserID}
		if update.Meta.TS != 0 {
			meta.TS = time.UnixMilli(update.Meta.TS)
		}
		if err := tracker.ApplyOps(update.Op, meta); err != nil {
			return Ranges{}, err
		}
	}

	if emptyRangesCount(tracker) > emptyBefore {
		// A collapse means ranges may have been corrupted; check the
		// survivors against the document before persisting them.
		if err := tracker.Validate(newDocText); err != nil {
			return Ranges{}, err
		}
	}

	result := Ranges{Changes: tracker.Changes, Comments: tracker.Comments}
	if err := m.checkSize(docID, result); err != nil {
		return Ranges{}, err
	}
	return result, nil
}

// AcceptChanges removes the accepted change markers. Unknown ids are
// ignored, so accepting in any order or twice is safe.
func (m *Manager) AcceptChanges(changeIDs []string, entries Ranges) Ranges {
	tracker := NewTracker(entries.Changes, entries.Comments)
	tracker.RemoveChangeIDs(changeIDs)
	return Ranges{Changes: tracker.Changes, Comments: tracker.Comments}
}

// GetChanges returns the tracked changes matching ids.
func (m *Manager) GetChanges(changeIDs []string, entries Ranges) []*Change {
	tracker := NewTracker(entries.Changes, entries.Comments)
	return tracker.GetChanges(changeIDs)
}

// DeleteComment removes a comment range. Deleting an unknown comment is a
// no-op.
func (m *Manager) DeleteComment(commentID string, entries Ranges) Ranges {
	tracker := NewTracker(entries.Changes, entries.Comments)
	tracker.RemoveCommentID(commentID)
	return Ranges{Changes: tracker.Changes, Comments: tracker.Comments}
}

func (m *Manager) checkSize(docID string, r Ranges) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if len(data) > m.maxSize {
		return apperr.New(apperr.TooLarge, fmt.Sprintf("ranges for doc %s are too large (%d bytes)", docID, len(data)))
	}
	return nil
}

func emptyRangesCount(t *Tracker) int {
	n := 0
	for _, c := range t.Changes {
		if c.Op.IsInsert() && c.Op.Ins() == "" {
			n++
		}
	}
	for _, c := range t.Comments {
		if c.Op.Com() == "" {
			n++
		}
	}
	return n
}
