package packstore

import (
	"context"
	"time"

	"papyrus/api/internal/sharedoc"
)

// Store is the persistence surface for packs and per-doc indexes. Expired
// packs behave as deleted: reads skip them once their ExpiresAt has passed.
//
// Mutating index entries assumes the caller holds the relevant history
// index lock; the store itself only guards against concurrent row access.
type Store interface {
	InsertPack(ctx context.Context, pack *Pack) error
	// AppendToPack extends an existing pack in place. A non-nil
	// extendExpiry also pushes out the pack's expiry, which is how
	// temporary packs stay alive while they keep receiving edits.
	AppendToPack(ctx context.Context, packID string, updates []sharedoc.Update, n, sz int, endTS, vEnd int64, extendExpiry *time.Time) error

	// GetPack returns a full pack, or a NotFound error when the pack is
	// missing or expired.
	GetPack(ctx context.Context, packID string) (*Pack, error)
	// GetLastDocPack returns the newest pack of a document by version,
	// including packs that carry an expiry. Returns nil when the document
	// has no live packs.
	GetLastDocPack(ctx context.Context, docID string) (*Pack, error)
	// FindDocPackHeads returns pack metadata (Updates left nil) for a
	// document, oldest version first. Packs with an expiry are excluded
	// unless includeExpiring is set.
	FindDocPackHeads(ctx context.Context, docID string, includeExpiring bool) ([]Pack, error)
	// FindProjectPackHeads returns pack metadata for every live pack in a
	// project, newest end_ts first.
	FindProjectPackHeads(ctx context.Context, projectID string) ([]Pack, error)

	SetFinalised(ctx context.Context, packID string) error
	SetLastChecked(ctx context.Context, packID string, t time.Time) error
	SetExpiry(ctx context.Context, packID string, t time.Time) error
	// FindSweepablePacks returns permanent pack metadata ordered by
	// last_checked (never-checked packs first), capped at limit.
	FindSweepablePacks(ctx context.Context, checkedBefore time.Time, limit int) ([]Pack, error)

	// GetDocIndex returns nil when the document has no index yet.
	GetDocIndex(ctx context.Context, docID string) (*DocIndex, error)
	FindProjectIndexes(ctx context.Context, projectID string) ([]DocIndex, error)
	// UpsertIndexEntries adds entries to a document's index, creating it
	// if needed. Entries already present by pack id are left untouched;
	// the index stays sorted by version.
	UpsertIndexEntries(ctx context.Context, projectID, docID string, entries []IndexEntry) error

	// Archive state transitions on an index entry. Each enforces the
	// previous state so two sweepers cannot archive the same pack.
	MarkArchiveInProgress(ctx context.Context, docID, packID string) error
	ClearArchiveInProgress(ctx context.Context, docID, packID string) error
	MarkArchived(ctx context.Context, docID, packID string) error
}
