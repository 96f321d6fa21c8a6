package docupdater

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/lock"
	"papyrus/api/internal/sharedoc"
)

// UpdateManager applies realtime edits to live documents. All applies for
// one document run under its update lock, one version bump per update.
type UpdateManager struct {
	docs     *DocumentManager
	redis    *RedisManager
	realtime *RealTimeRedisManager
	locker   *lock.Locker

	maxUpdateSize int
	now           func() time.Time
}

func NewUpdateManager(docs *DocumentManager, redis *RedisManager, realtime *RealTimeRedisManager, locker *lock.Locker, maxUpdateSize int) *UpdateManager {
	m := &UpdateManager{
		docs:          docs,
		redis:         redis,
		realtime:      realtime,
		locker:        locker,
		maxUpdateSize: maxUpdateSize,
		now:           time.Now,
	}
	docs.updates = m
	return m
}

// ApplyUpdate transforms one edit against whatever landed since the client
// saw the document, applies it, updates ranges, and queues the applied op
// for catch-up, fan-out and history. Failures are published on the
// applied-ops channel before being returned; an edit is never dropped
// silently.
func (m *UpdateManager) ApplyUpdate(ctx context.Context, projectID, docID string, update *sharedoc.Update) (err error) {
	defer func() {
		if err != nil {
			if sendErr := m.realtime.SendApplyError(ctx, projectID, docID, err); sendErr != nil {
				log.Printf("docupdater: publish apply error for doc %s: %v", docID, sendErr)
			}
		}
	}()

	doc, err := m.docs.GetDoc(ctx, projectID, docID)
	if err != nil {
		return err
	}
	if docType := doc.OTType; docType != "" && docType != sharedoc.OTTypeShareJS {
		return apperr.New(apperr.Consistency, fmt.Sprintf("ot type mismatch: doc %s uses %s", docID, docType))
	}

	dup, err := m.transformAgainstConcurrent(ctx, docID, doc.Version, update)
	if err != nil {
		return err
	}
	if dup {
		// The same edit already arrived via another connection; ack it
		// without applying it twice.
		ack := sharedoc.Update{Doc: docID, V: update.V, Dup: true, Meta: update.Meta}
		return m.realtime.SendAppliedOp(ctx, projectID, docID, ack)
	}

	if size := update.SizeBytes(); size > m.maxUpdateSize {
		return apperr.New(apperr.TooLarge, fmt.Sprintf("update for doc %s is too large (%d bytes)", docID, size))
	}

	content := doc.Content()
	if update.Meta.TS == 0 {
		update.Meta.TS = m.now().UnixMilli()
	}
	update.Meta.DocLength = len(content)

	newContent, err := sharedoc.Apply(content, update.Op)
	if err != nil {
		return err
	}
	newRanges, err := m.docs.ranges.ApplyUpdate(docID, doc.Ranges, []sharedoc.Update{*update}, newContent)
	if err != nil {
		return err
	}

	applied := *update
	newLines := strings.Split(newContent, "\n")
	if err := m.redis.UpdateDocument(ctx, projectID, docID, newLines, doc.Version+1, []sharedoc.Update{applied}, newRanges, update.Meta.UserID); err != nil {
		return err
	}
	return m.realtime.SendAppliedOp(ctx, projectID, docID, applied)
}

// transformAgainstConcurrent rewrites update so it applies at the current
// version. dup is true when a concurrent op from one of the update's
// dupIfSource origins shows the same edit was already applied.
func (m *UpdateManager) transformAgainstConcurrent(ctx context.Context, docID string, version int64, update *sharedoc.Update) (dup bool, err error) {
	if update.V > version {
		return false, apperr.New(apperr.Consistency, fmt.Sprintf("update v%d is ahead of doc %s at v%d", update.V, docID, version))
	}
	if update.V == version {
		return false, nil
	}
	concurrent, err := m.redis.GetPreviousDocOps(ctx, docID, update.V, version)
	if err != nil {
		return false, err
	}
	for _, other := range concurrent {
		if other.Meta.Source != "" && slices.Contains(update.DupIfSource, other.Meta.Source) {
			return true, nil
		}
		transformed, err := sharedoc.Transform(update.Op, other.Op, sharedoc.SideLeft)
		if err != nil {
			return false, err
		}
		update.Op = transformed
	}
	update.V = version
	return false, nil
}

// ProcessOutstandingUpdates drains the pending queue for a doc, applying
// each edit in arrival order. Must run under the doc's update lock.
func (m *UpdateManager) ProcessOutstandingUpdates(ctx context.Context, projectID, docID string) error {
	updates, err := m.realtime.GetPendingUpdatesForDoc(ctx, docID)
	if err != nil {
		return err
	}
	for i := range updates {
		if err := m.ApplyUpdate(ctx, projectID, docID, &updates[i]); err != nil {
			return err
		}
	}
	return nil
}

// ProcessOutstandingUpdatesWithLock drains the queue under the update lock.
// Returning without error when the lock is held elsewhere is deliberate:
// whoever holds it will drain the queue on release.
func (m *UpdateManager) ProcessOutstandingUpdatesWithLock(ctx context.Context, projectID, docID string) error {
	for {
		token, err := m.locker.TryLock(ctx, lock.DocUpdateLockKey(docID))
		if err != nil {
			return err
		}
		if token == "" {
			return nil
		}
		processErr := m.ProcessOutstandingUpdates(ctx, projectID, docID)
		releaseErr := m.locker.ReleaseLock(ctx, lock.DocUpdateLockKey(docID), token)
		if processErr != nil {
			return processErr
		}
		if releaseErr != nil {
			return releaseErr
		}
		// Edits that arrived while we held the lock would otherwise sit
		// until the next one triggers processing.
		length, err := m.realtime.GetUpdatesLength(ctx, docID)
		if err != nil {
			return err
		}
		if length == 0 {
			return nil
		}
	}
}

// LockUpdatesAndDo runs fn while holding the document's update lock, with
// the pending queue drained first so fn sees settled state. Edits queued
// while fn ran are processed in the background afterwards.
func (m *UpdateManager) LockUpdatesAndDo(ctx context.Context, projectID, docID string, fn func(ctx context.Context) error) error {
	token, err := m.locker.GetLock(ctx, lock.DocUpdateLockKey(docID))
	if err != nil {
		return err
	}
	err = m.ProcessOutstandingUpdates(ctx, projectID, docID)
	if err == nil {
		err = fn(ctx)
	}
	releaseErr := m.locker.ReleaseLock(ctx, lock.DocUpdateLockKey(docID), token)
	if err != nil {
		return err
	}
	if releaseErr != nil {
		return releaseErr
	}

	length, lenErr := m.realtime.GetUpdatesLength(ctx, docID)
	if lenErr != nil {
		return lenErr
	}
	if length > 0 {
		go func() {
			if err := m.ProcessOutstandingUpdatesWithLock(context.Background(), projectID, docID); err != nil {
				log.Printf("docupdater: process queued updates for doc %s: %v", docID, err)
			}
		}()
	}
	return nil
}
