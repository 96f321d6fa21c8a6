package packstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/coldstore"
	"papyrus/api/internal/lock"
	"papyrus/api/internal/sharedoc"
	"papyrus/api/internal/util"
)

// Manager owns pack lifecycle: filling packs with compressed updates,
// keeping the per-doc index current, archiving cold packs and fetching
// them back on demand.
type Manager struct {
	store  Store
	cold   coldstore.ObjectStore
	locker *lock.Locker

	maxSize  int
	maxCount int
	now      func() time.Time
}

func NewManager(store Store, cold coldstore.ObjectStore, locker *lock.Locker) *Manager {
	return &Manager{
		store:    store,
		cold:     cold,
		locker:   locker,
		maxSize:  MaxPackSize,
		maxCount: MaxPackCount,
		now:      time.Now,
	}
}

func updateSize(u sharedoc.Update) int {
	buf, err := json.Marshal(u)
	if err != nil {
		return 0
	}
	return len(buf)
}

// PeekLastPack returns the newest live pack of a document together with the
// last compressed version. The pack itself may be nil when the newest pack
// has already been archived; the version from the index is still returned
// so callers can check continuity.
func (m *Manager) PeekLastPack(ctx context.Context, docID string) (*Pack, int64, bool, error) {
	pack, err := m.store.GetLastDocPack(ctx, docID)
	if err != nil {
		return nil, 0, false, err
	}
	idx, err := m.store.GetDocIndex(ctx, docID)
	if err != nil {
		return nil, 0, false, err
	}

	var lastVersion int64
	have := false
	if pack != nil {
		lastVersion = pack.VEnd
		have = true
	}
	if idx != nil && len(idx.Packs) > 0 {
		tail := idx.Packs[len(idx.Packs)-1]
		if !have || tail.VEnd > lastVersion {
			lastVersion = tail.VEnd
			have = true
			// The newest pack only survives in cold storage; do not let
			// callers append to the stale primary copy behind it.
			pack = nil
		}
	}
	return pack, lastVersion, have, nil
}

// InsertCompressedUpdates distributes updates into packs: fill the last
// pack up to the count and size caps, then start fresh packs for the rest.
func (m *Manager) InsertCompressedUpdates(ctx context.Context, projectID, docID string, lastPack *Pack, updates []sharedoc.Update, temporary bool) error {
	if len(updates) == 0 {
		return nil
	}
	// Never append permanent ops to a pack that will expire.
	if lastPack != nil && lastPack.ExpiresAt != nil && !temporary {
		lastPack = nil
	}

	remaining := updates
	for len(remaining) > 0 {
		n, sz := 0, 0
		if lastPack != nil {
			n, sz = lastPack.N, lastPack.Sz
		}
		var toFlush []sharedoc.Update
		for len(remaining) > 0 && n < m.maxCount && sz < m.maxSize {
			nextSize := updateSize(remaining[0])
			if nextSize+sz > m.maxSize && n > 0 {
				break
			}
			n++
			sz += nextSize
			toFlush = append(toFlush, remaining[0])
			remaining = remaining[1:]
		}
		if err := m.flushCompressedUpdates(ctx, projectID, docID, lastPack, toFlush, temporary); err != nil {
			return err
		}
		lastPack = nil
	}
	return nil
}

func (m *Manager) flushCompressedUpdates(ctx context.Context, projectID, docID string, lastPack *Pack, updates []sharedoc.Update, temporary bool) error {
	if len(updates) == 0 {
		return nil
	}

	canAppend := false
	if lastPack != nil {
		if !temporary && lastPack.ExpiresAt == nil {
			canAppend = true
		}
		age := m.now().Sub(time.UnixMilli(lastPack.Meta.StartTS))
		if temporary && lastPack.ExpiresAt != nil && age < TemporaryAppendWindow {
			canAppend = true
		}
	}
	if canAppend {
		return m.appendToExistingPack(ctx, lastPack, updates, temporary)
	}
	return m.insertIntoNewPack(ctx, projectID, docID, updates, temporary)
}

func (m *Manager) appendToExistingPack(ctx context.Context, lastPack *Pack, updates []sharedoc.Update, temporary bool) error {
	last := updates[len(updates)-1]
	var extendExpiry *time.Time
	if lastPack.ExpiresAt != nil && temporary {
		t := m.now().Add(TemporaryTTL)
		extendExpiry = &t
	}
	return m.store.AppendToPack(ctx, lastPack.ID, updates, len(updates), UpdatesSize(updates), last.Meta.EndTS, last.V, extendExpiry)
}

func (m *Manager) insertIntoNewPack(ctx context.Context, projectID, docID string, updates []sharedoc.Update, temporary bool) error {
	first := updates[0]
	last := updates[len(updates)-1]
	pack := &Pack{
		ID:        util.NewID("pack"),
		ProjectID: projectID,
		DocID:     docID,
		Updates:   updates,
		N:         len(updates),
		Sz:        UpdatesSize(updates),
		Meta:      PackMeta{StartTS: first.Meta.StartTS, EndTS: last.Meta.EndTS},
		V:         first.V,
		VEnd:      last.V,
		Temporary: temporary,
	}
	if temporary {
		expires := m.now().Add(TemporaryTTL)
		pack.ExpiresAt = &expires
		// Temporary packs are never swept for archiving.
		checked := m.now().Add(30 * 24 * time.Hour)
		pack.LastChecked = &checked
	}
	if err := m.store.InsertPack(ctx, pack); err != nil {
		return err
	}
	if temporary {
		return nil
	}
	return m.UpdateIndex(ctx, projectID, docID)
}

// UpdateIndex copies any completed packs missing from the document's index
// into it, under the index lock.
func (m *Manager) UpdateIndex(ctx context.Context, projectID, docID string) error {
	newEntries, err := m.findUnindexedPacks(ctx, docID)
	if err != nil {
		return err
	}
	if len(newEntries) == 0 {
		return nil
	}
	return m.locker.RunWithLock(ctx, lock.HistoryIndexLockKey(docID), func(ctx context.Context) error {
		return m.store.UpsertIndexEntries(ctx, projectID, docID, newEntries)
	})
}

// findCompletedPacks returns permanent pack heads that are safe to index:
// everything except the newest pack, which may still be growing unless it
// has been finalised.
func (m *Manager) findCompletedPacks(ctx context.Context, docID string) ([]Pack, error) {
	heads, err := m.store.FindDocPackHeads(ctx, docID, false)
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return nil, nil
	}
	tail := heads[len(heads)-1]
	if !tail.Finalised {
		heads = heads[:len(heads)-1]
	}
	return heads, nil
}

func (m *Manager) findUnindexedPacks(ctx context.Context, docID string) ([]IndexEntry, error) {
	idx, err := m.store.GetDocIndex(ctx, docID)
	if err != nil {
		return nil, err
	}
	completed, err := m.findCompletedPacks(ctx, docID)
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	for _, p := range completed {
		if idx.Entry(p.ID) != nil {
			continue
		}
		entries = append(entries, IndexEntry{
			PackID: p.ID,
			V:      p.V,
			VEnd:   p.VEnd,
			Meta:   p.Meta,
		})
	}
	return entries, nil
}

// GetOpsByVersionRange returns the updates of a document between the given
// versions, newest first. Pass from or to as -1 to leave that side
// unbounded. Archived packs in range are fetched back first.
func (m *Manager) GetOpsByVersionRange(ctx context.Context, projectID, docID string, from, to int64) ([]sharedoc.Update, error) {
	if err := m.loadPacksByVersionRange(ctx, projectID, docID, from, to); err != nil {
		return nil, err
	}
	heads, err := m.store.FindDocPackHeads(ctx, docID, true)
	if err != nil {
		return nil, err
	}
	// Newest pack first.
	var updates []sharedoc.Update
	for i := len(heads) - 1; i >= 0; i-- {
		head := heads[i]
		if to >= 0 && head.V > to {
			continue
		}
		if from >= 0 && head.VEnd < from {
			continue
		}
		pack, err := m.store.GetPack(ctx, head.ID)
		if err != nil {
			return nil, err
		}
		for j := len(pack.Updates) - 1; j >= 0; j-- {
			u := pack.Updates[j]
			if from >= 0 && u.V < from {
				continue
			}
			if to >= 0 && u.V > to {
				continue
			}
			u.Doc = docID
			updates = append(updates, u)
		}
	}
	return updates, nil
}

// loadPacksByVersionRange makes sure every indexed pack overlapping the
// range has a live primary copy, un-archiving the ones that expired.
func (m *Manager) loadPacksByVersionRange(ctx context.Context, projectID, docID string, from, to int64) error {
	idx, err := m.store.GetDocIndex(ctx, docID)
	if err != nil {
		return err
	}
	if idx == nil {
		return nil
	}
	for _, entry := range idx.Packs {
		if from >= 0 && entry.VEnd < from {
			continue
		}
		if to >= 0 && entry.V > to {
			continue
		}
		_, err := m.store.GetPack(ctx, entry.PackID)
		if err == nil {
			continue
		}
		if !apperr.Is(err, apperr.NotFound) {
			return err
		}
		if _, err := m.unArchivePack(ctx, projectID, docID, entry.PackID); err != nil {
			return err
		}
	}
	return nil
}

// GetPackByID fetches a pack from the primary store, falling back to cold
// storage. Reading a cached un-archived copy pushes out its expiry when it
// is close to lapsing.
func (m *Manager) GetPackByID(ctx context.Context, projectID, docID, packID string) (*Pack, error) {
	pack, err := m.store.GetPack(ctx, packID)
	if apperr.Is(err, apperr.NotFound) {
		return m.unArchivePack(ctx, projectID, docID, packID)
	}
	if err != nil {
		return nil, err
	}
	if pack.ExpiresAt != nil && !pack.Temporary {
		if err := m.increaseTTL(ctx, pack); err != nil {
			return nil, err
		}
	}
	return pack, nil
}

func (m *Manager) increaseTTL(ctx context.Context, pack *Pack) error {
	if !pack.ExpiresAt.Before(m.now().Add(CacheTTLFloor)) {
		return nil
	}
	expires := m.now().Add(CacheTTL)
	if err := m.store.SetExpiry(ctx, pack.ID, expires); err != nil {
		return err
	}
	pack.ExpiresAt = &expires
	return nil
}

func archiveKey(projectID, docID, packID string) string {
	return fmt.Sprintf("%s/changes-%s/pack-%s", projectID, docID, packID)
}

func (m *Manager) unArchivePack(ctx context.Context, projectID, docID, packID string) (*Pack, error) {
	pack, err := m.readArchivedPack(ctx, projectID, docID, packID)
	if err != nil {
		return nil, err
	}
	expires := m.now().Add(CacheTTL)
	pack.ExpiresAt = &expires
	pack.Temporary = false
	if err := m.store.InsertPack(ctx, pack); err != nil {
		return nil, err
	}
	return pack, nil
}
