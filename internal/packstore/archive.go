package packstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"reflect"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/lock"
)

// ArchivePack moves one pack to cold storage: flag the index entry as in
// progress, upload a gzip copy, read it back and verify it byte for byte,
// then mark it archived and put a short expiry on the primary copy. Any
// failure after flagging clears the flag so a later sweep can retry.
func (m *Manager) ArchivePack(ctx context.Context, projectID, docID, packID string) error {
	if err := m.checkArchiveNotInProgress(ctx, docID, packID); err != nil {
		return err
	}
	if err := m.store.MarkArchiveInProgress(ctx, docID, packID); err != nil {
		return err
	}

	clearOnError := func(err error) error {
		if clearErr := m.store.ClearArchiveInProgress(ctx, docID, packID); clearErr != nil {
			return clearErr
		}
		return err
	}

	if err := m.uploadPack(ctx, projectID, docID, packID); err != nil {
		return clearOnError(err)
	}
	if err := m.checkArchivedPack(ctx, projectID, docID, packID); err != nil {
		return clearOnError(err)
	}
	if err := m.store.MarkArchived(ctx, docID, packID); err != nil {
		return err
	}
	return m.store.SetExpiry(ctx, packID, m.now().Add(ArchivedTTL))
}

func (m *Manager) checkArchiveNotInProgress(ctx context.Context, docID, packID string) error {
	idx, err := m.store.GetDocIndex(ctx, docID)
	if err != nil {
		return err
	}
	entry := idx.Entry(packID)
	if entry == nil {
		return apperr.New(apperr.NotFound, "pack "+packID+" not in index")
	}
	if entry.InCold != nil {
		if *entry.InCold {
			return apperr.New(apperr.Consistency, "pack "+packID+" already archived")
		}
		return apperr.New(apperr.Consistency, "pack "+packID+" archive already in progress")
	}
	return nil
}

func (m *Manager) uploadPack(ctx context.Context, projectID, docID, packID string) error {
	pack, err := m.store.GetPack(ctx, packID)
	if err != nil {
		return err
	}
	body, err := encodePack(pack)
	if err != nil {
		return err
	}
	return m.cold.Put(ctx, archiveKey(projectID, docID, packID), body)
}

// checkArchivedPack reads the uploaded copy back and compares it with the
// primary copy. last_checked is excluded: sweeps touch it independently.
func (m *Manager) checkArchivedPack(ctx context.Context, projectID, docID, packID string) error {
	pack, err := m.store.GetPack(ctx, packID)
	if err != nil {
		return err
	}
	archived, err := m.readArchivedPack(ctx, projectID, docID, packID)
	if err != nil {
		return err
	}
	pack.LastChecked = nil
	archived.LastChecked = nil
	if !reflect.DeepEqual(pack, archived) {
		return apperr.New(apperr.Consistency, "archived pack "+packID+" does not match primary copy")
	}
	return nil
}

func encodePack(pack *Pack) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(pack); err != nil {
		return nil, fmt.Errorf("encode pack %s: %w", pack.ID, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress pack %s: %w", pack.ID, err)
	}
	return buf.Bytes(), nil
}

func (m *Manager) readArchivedPack(ctx context.Context, projectID, docID, packID string) (*Pack, error) {
	body, err := m.cold.Get(ctx, archiveKey(projectID, docID, packID))
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decompress pack %s: %w", packID, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress pack %s: %w", packID, err)
	}
	var pack Pack
	if err := json.Unmarshal(raw, &pack); err != nil {
		return nil, fmt.Errorf("decode archived pack %s: %w", packID, err)
	}
	return &pack, nil
}

// FinaliseIfNeeded closes a pack for appends once it is old or big enough
// to be worth archiving. The size and count thresholds relax as the pack
// ages, and anything over 90 days goes regardless.
func (m *Manager) FinaliseIfNeeded(ctx context.Context, docID string, pack Pack) error {
	ageDays := float64(m.now().UnixMilli()-pack.Meta.EndTS) / float64(24*time.Hour/time.Millisecond)
	if ageDays < 30 {
		return nil
	}
	threshold := 30 / ageDays
	szMB := float64(pack.Sz) / (1024 * 1024)
	nK := float64(pack.N) / 1024
	if szMB > threshold || nK > threshold || ageDays > 90 {
		return m.locker.RunWithLock(ctx, lock.HistoryLockKey(docID), func(ctx context.Context) error {
			return m.store.SetFinalised(ctx, pack.ID)
		})
	}
	return nil
}

// ProcessOldPack runs the full maintenance pass for one pack: finalise it
// if due, refresh the index and archive every index entry that has no cold
// copy yet. The pack is stamped as checked whether or not anything was
// archived, so sweeps make progress across the whole table.
func (m *Manager) ProcessOldPack(ctx context.Context, projectID, docID, packID string) error {
	markChecked := func(err error) error {
		if checkedErr := m.store.SetLastChecked(ctx, packID, m.now()); checkedErr != nil {
			return checkedErr
		}
		return err
	}

	pack, err := m.store.GetPack(ctx, packID)
	if apperr.Is(err, apperr.NotFound) {
		return markChecked(nil)
	}
	if err != nil {
		return markChecked(err)
	}
	if pack.ExpiresAt != nil {
		return nil
	}
	if err := m.FinaliseIfNeeded(ctx, docID, *pack); err != nil {
		return markChecked(err)
	}
	if err := m.UpdateIndex(ctx, projectID, docID); err != nil {
		return markChecked(err)
	}
	unarchived, err := m.findUnarchivedPacks(ctx, docID)
	if err != nil {
		return markChecked(err)
	}
	for _, entry := range unarchived {
		if err := m.ArchivePack(ctx, projectID, docID, entry.PackID); err != nil {
			return markChecked(err)
		}
	}
	return markChecked(nil)
}

func (m *Manager) findUnarchivedPacks(ctx context.Context, docID string) ([]IndexEntry, error) {
	idx, err := m.store.GetDocIndex(ctx, docID)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, nil
	}
	var entries []IndexEntry
	for _, entry := range idx.Packs {
		if entry.InCold == nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// SweepArchivable walks permanent packs in last-checked order and runs the
// maintenance pass on each until the time budget runs out. Per-pack errors
// are logged and skipped so one bad pack cannot stall the sweep.
func (m *Manager) SweepArchivable(ctx context.Context, budget time.Duration, batchSize int) error {
	start := m.now()
	deadline := start.Add(budget)
	for {
		if !m.now().Before(deadline) {
			return nil
		}
		packs, err := m.store.FindSweepablePacks(ctx, start, batchSize)
		if err != nil {
			return err
		}
		if len(packs) == 0 {
			return nil
		}
		for _, pack := range packs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if !m.now().Before(deadline) {
				return nil
			}
			if err := m.ProcessOldPack(ctx, pack.ProjectID, pack.DocID, pack.ID); err != nil {
				log.Printf("archive sweep: pack %s doc %s: %v", pack.ID, pack.DocID, err)
			}
		}
	}
}
