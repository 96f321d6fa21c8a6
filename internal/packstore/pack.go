// Package packstore persists compressed document history as packs. A pack
// groups consecutive compressed updates for one document so that a whole
// span of edits can be stored, indexed and archived as a unit.
package packstore

import (
	"encoding/json"
	"sort"
	"time"

	"papyrus/api/internal/sharedoc"
)

const (
	// MaxPackSize caps the serialized size of the updates in one pack.
	MaxPackSize = 1024 * 1024
	// MaxPackCount caps the number of updates in one pack.
	MaxPackCount = 1024

	// TemporaryTTL is the expiry on packs for projects whose history is
	// trimmed. TemporaryAppendWindow bounds how long a temporary pack
	// keeps accepting appends.
	TemporaryTTL          = 7 * 24 * time.Hour
	TemporaryAppendWindow = 24 * time.Hour

	// CacheTTL is the expiry on un-archived pack copies, and CacheTTLFloor
	// the remaining lifetime below which a read bumps the expiry again.
	CacheTTL      = 7 * 24 * time.Hour
	CacheTTLFloor = 6 * 24 * time.Hour

	// ArchivedTTL is the expiry set on the primary copy once a pack has
	// been verified in cold storage.
	ArchivedTTL = 24 * time.Hour
)

// PackMeta aggregates the update metadata of a whole pack. Timestamps are
// epoch milliseconds, matching update meta.
type PackMeta struct {
	StartTS int64 `json:"start_ts"`
	EndTS   int64 `json:"end_ts"`
}

// Pack is one stored run of compressed updates for a document. V is the
// version of the first update, VEnd of the last, so a pack can be treated
// like a single update when scanning version ranges.
type Pack struct {
	ID        string            `json:"_id"`
	ProjectID string            `json:"project_id"`
	DocID     string            `json:"doc_id"`
	Updates   []sharedoc.Update `json:"pack"`
	N         int               `json:"n"`
	Sz        int               `json:"sz"`
	Meta      PackMeta          `json:"meta"`
	V         int64             `json:"v"`
	VEnd      int64             `json:"v_end"`
	Temporary bool              `json:"temporary"`

	// ExpiresAt is set on temporary packs, on un-archived cache copies and
	// on archived primaries. A nil ExpiresAt means the pack is permanent
	// and not yet archived.
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastChecked *time.Time `json:"last_checked,omitempty"`

	// Finalised marks a permanent pack as closed for appends and eligible
	// for archiving even when it is the newest pack of its document.
	Finalised bool `json:"finalised,omitempty"`
}

// UpdatesSize returns the serialized size of a run of updates, used for
// pack fill accounting.
func UpdatesSize(updates []sharedoc.Update) int {
	sz := 0
	for i := range updates {
		buf, err := json.Marshal(updates[i])
		if err != nil {
			continue
		}
		sz += len(buf)
	}
	return sz
}

// IndexEntry is the per-pack record kept in a document's history index. The
// index survives pack archival, so version-range scans know which packs to
// fetch back from cold storage.
type IndexEntry struct {
	PackID string   `json:"_id"`
	V      int64    `json:"v"`
	VEnd   int64    `json:"v_end"`
	Meta   PackMeta `json:"meta"`

	// InCold is nil when the pack has never been archived, false while an
	// archive attempt is in progress and true once the cold copy has been
	// verified.
	InCold *bool `json:"in_cold,omitempty"`
}

// DocIndex lists every permanent pack of a document, oldest first.
type DocIndex struct {
	DocID     string
	ProjectID string
	Packs     []IndexEntry
}

func sortIndexEntries(entries []IndexEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].V < entries[j].V })
}

// Entry returns the index entry for packID, or nil.
func (idx *DocIndex) Entry(packID string) *IndexEntry {
	if idx == nil {
		return nil
	}
	for i := range idx.Packs {
		if idx.Packs[i].PackID == packID {
			return &idx.Packs[i]
		}
	}
	return nil
}
