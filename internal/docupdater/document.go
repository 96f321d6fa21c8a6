package docupdater

import (
	"context"
	"log"
	"sort"
	"strings"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/compressor"
	"papyrus/api/internal/docstore"
	"papyrus/api/internal/ranges"
	"papyrus/api/internal/sharedoc"
	"papyrus/api/internal/util"
)

// Persistence is the slice of the document store the session core needs.
type Persistence interface {
	GetDoc(ctx context.Context, projectID, docID string) (docstore.Doc, error)
	SetDoc(ctx context.Context, projectID, docID string, doc docstore.Doc) error
}

// Doc is a live document as seen by callers of the session core.
type Doc struct {
	Lines    []string
	Version  int64
	Ranges   ranges.Ranges
	Pathname string
	OTType   string
	// UnflushedTime is the epoch-ms timestamp of the oldest change not yet
	// written back to the store; 0 when the store copy is current.
	UnflushedTime int64
	// AlreadyLoaded reports whether the doc was in cache before this call.
	// A doc loaded just for this call is flushed and dropped again after
	// out-of-band writes.
	AlreadyLoaded bool
}

// Content returns the document as the flat string ops apply to.
func (d *Doc) Content() string {
	return strings.Join(d.Lines, "\n")
}

// DocumentManager coordinates the Redis cache and the document store. Write
// paths must run under the document's update lock; the *WithLock variants
// take it.
type DocumentManager struct {
	redis       *RedisManager
	persistence Persistence
	ranges      *ranges.Manager

	// updates is bound by NewUpdateManager; the two managers call into each
	// other the same way edits and out-of-band writes share one pipeline.
	updates *UpdateManager

	// FlushHistory, when set, is invoked in the background after a doc is
	// flushed and dropped, so queued history ops get compressed promptly.
	FlushHistory func(projectID, docID string)
}

func NewDocumentManager(redis *RedisManager, persistence Persistence, rangesManager *ranges.Manager) *DocumentManager {
	return &DocumentManager{redis: redis, persistence: persistence, ranges: rangesManager}
}

// GetDoc returns the live document, loading it from the store into the
// cache on a miss.
func (m *DocumentManager) GetDoc(ctx context.Context, projectID, docID string) (*Doc, error) {
	state, found, err := m.redis.GetDoc(ctx, projectID, docID)
	if err != nil {
		return nil, err
	}
	if found {
		return &Doc{
			Lines:         state.Lines,
			Version:       state.Version,
			Ranges:        state.Ranges,
			Pathname:      state.Pathname,
			OTType:        state.OTType,
			UnflushedTime: state.UnflushedTime,
			AlreadyLoaded: true,
		}, nil
	}

	stored, err := m.persistence.GetDoc(ctx, projectID, docID)
	if err != nil {
		return nil, err
	}
	if err := m.redis.PutDocInMemory(ctx, projectID, docID, stored.Lines, stored.Version, stored.Ranges, stored.Pathname, stored.OTType); err != nil {
		return nil, err
	}
	return &Doc{
		Lines:    stored.Lines,
		Version:  stored.Version,
		Ranges:   stored.Ranges,
		Pathname: stored.Pathname,
		OTType:   stored.OTType,
	}, nil
}

// GetDocAndRecentOps returns the document plus the applied ops from
// fromVersion onward, for clients catching up after a reconnect.
// fromVersion == -1 skips the catch-up read.
func (m *DocumentManager) GetDocAndRecentOps(ctx context.Context, projectID, docID string, fromVersion int64) (*Doc, []sharedoc.Update, error) {
	doc, err := m.GetDoc(ctx, projectID, docID)
	if err != nil {
		return nil, nil, err
	}
	if fromVersion == -1 {
		return doc, nil, nil
	}
	ops, err := m.redis.GetPreviousDocOps(ctx, docID, fromVersion, doc.Version)
	if err != nil {
		return nil, nil, err
	}
	return doc, ops, nil
}

// SetDoc replaces the document content out of band (upload, restore). The
// replacement is expressed as a diff and pushed through the normal update
// pipeline so history and ranges stay consistent.
func (m *DocumentManager) SetDoc(ctx context.Context, projectID, docID string, newLines []string, source, userID string, undoing bool) error {
	if newLines == nil {
		return apperr.New(apperr.Consistency, "no lines were provided to setDoc")
	}
	doc, err := m.GetDoc(ctx, projectID, docID)
	if err != nil {
		return err
	}

	op := compressor.DiffAsOps(doc.Content(), strings.Join(newLines, "\n"))
	if undoing {
		for i := range op {
			op[i].U = true
		}
	}
	update := sharedoc.Update{
		Doc: docID,
		Op:  op,
		V:   doc.Version,
		Meta: sharedoc.UpdateMeta{
			Type:   "external",
			Source: source,
			UserID: userID,
		},
	}
	if err := m.updates.ApplyUpdate(ctx, projectID, docID, &update); err != nil {
		return err
	}

	// A doc nobody has open was loaded just for this write; flush it and
	// drop it again rather than leaving it to age in the cache.
	if doc.AlreadyLoaded {
		return m.FlushDocIfLoaded(ctx, projectID, docID)
	}
	return m.FlushAndDeleteDoc(ctx, projectID, docID, false)
}

// FlushDocIfLoaded writes the cached document back to the store. A doc
// that is not loaded needs no flush.
func (m *DocumentManager) FlushDocIfLoaded(ctx context.Context, projectID, docID string) error {
	state, found, err := m.redis.GetDoc(ctx, projectID, docID)
	if err != nil {
		return err
	}
	if !found {
		log.Printf("docupdater: doc %s not loaded, nothing to flush", docID)
		return nil
	}
	err = m.persistence.SetDoc(ctx, projectID, docID, docstore.Doc{
		Lines:         state.Lines,
		Version:       state.Version,
		Ranges:        state.Ranges,
		Pathname:      state.Pathname,
		OTType:        state.OTType,
		LastUpdatedAt: state.LastUpdatedAt,
		LastUpdatedBy: state.LastUpdatedBy,
	})
	if err != nil {
		return err
	}
	return m.redis.ClearUnflushedTime(ctx, docID)
}

// FlushAndDeleteDoc flushes the document and removes it from the cache.
// Only the cache copy is deleted; history ops already queued still get
// compressed. ignoreFlushErrors lets forced teardown proceed past a dead
// document store.
func (m *DocumentManager) FlushAndDeleteDoc(ctx context.Context, projectID, docID string, ignoreFlushErrors bool) error {
	if err := m.FlushDocIfLoaded(ctx, projectID, docID); err != nil {
		if !ignoreFlushErrors {
			return err
		}
		log.Printf("docupdater: ignoring flush error while deleting doc %s: %v", docID, err)
	}
	if m.FlushHistory != nil {
		go m.FlushHistory(projectID, docID)
	}
	return m.redis.RemoveDocFromMemory(ctx, projectID, docID)
}

// FlushProject flushes every loaded doc in a project. Per-doc failures are
// collected so one bad doc does not leave the rest unflushed.
func (m *DocumentManager) FlushProject(ctx context.Context, projectID string) error {
	docIDs, err := m.redis.GetDocIDsInProject(ctx, projectID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, docID := range docIDs {
		if err := m.FlushDocIfLoadedWithLock(ctx, projectID, docID); err != nil {
			log.Printf("docupdater: flush doc %s in project %s: %v", docID, projectID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FlushAndDeleteProject tears down every loaded doc in a project, used when
// the last editor leaves.
func (m *DocumentManager) FlushAndDeleteProject(ctx context.Context, projectID string, ignoreFlushErrors bool) error {
	docIDs, err := m.redis.GetDocIDsInProject(ctx, projectID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, docID := range docIDs {
		if err := m.FlushAndDeleteDocWithLock(ctx, projectID, docID, ignoreFlushErrors); err != nil {
			log.Printf("docupdater: flush and delete doc %s in project %s: %v", docID, projectID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// AcceptChanges removes the tracked-change markers for the given ids. The
// text is already in the document, so only the ranges change; accepting an
// unknown or already-accepted id is a no-op.
func (m *DocumentManager) AcceptChanges(ctx context.Context, projectID, docID string, changeIDs []string) error {
	doc, err := m.GetDoc(ctx, projectID, docID)
	if err != nil {
		return err
	}
	newRanges := m.ranges.AcceptChanges(changeIDs, doc.Ranges)
	return m.redis.UpdateDocument(ctx, projectID, docID, doc.Lines, doc.Version, nil, newRanges, "")
}

// RejectChanges undoes the content of the given tracked changes: tracked
// inserts are deleted, tracked deletes are re-inserted. Unknown ids are
// ignored. The inverse edits go through the normal update pipeline with the
// undo flag set, so the tracker cancels the markers instead of stacking new
// ones.
func (m *DocumentManager) RejectChanges(ctx context.Context, projectID, docID string, changeIDs []string, userID string) error {
	doc, err := m.GetDoc(ctx, projectID, docID)
	if err != nil {
		return err
	}
	changes := m.ranges.GetChanges(changeIDs, doc.Ranges)
	if len(changes) == 0 {
		return nil
	}
	// Descending position order keeps earlier offsets valid as each
	// inverse op is applied.
	sort.Slice(changes, func(i, j int) bool { return changes[i].Op.P > changes[j].Op.P })
	var op sharedoc.Ops
	for _, change := range changes {
		switch {
		case change.Op.IsInsert():
			c := sharedoc.Delete(change.Op.P, change.Op.Ins())
			c.U = true
			op = append(op, c)
		case change.Op.IsDelete():
			c := sharedoc.Insert(change.Op.P, change.Op.Del())
			c.U = true
			op = append(op, c)
		}
	}
	update := sharedoc.Update{
		Doc: docID,
		Op:  op,
		V:   doc.Version,
		Meta: sharedoc.UpdateMeta{
			Type:   "external",
			Source: "reject-changes",
			UserID: userID,
			TC:     util.NewIDSeed(),
		},
	}
	return m.updates.ApplyUpdate(ctx, projectID, docID, &update)
}

// DeleteComment removes a comment range. The thread content lives in the
// web app; here only the anchor goes away.
func (m *DocumentManager) DeleteComment(ctx context.Context, projectID, docID, commentID string) error {
	doc, err := m.GetDoc(ctx, projectID, docID)
	if err != nil {
		return err
	}
	newRanges := m.ranges.DeleteComment(commentID, doc.Ranges)
	return m.redis.UpdateDocument(ctx, projectID, docID, doc.Lines, doc.Version, nil, newRanges, "")
}

// Lock-wrapped variants. Each takes the document's update lock, first
// applying any queued realtime edits so the callback sees settled state.

func (m *DocumentManager) GetDocWithLock(ctx context.Context, projectID, docID string) (*Doc, error) {
	var doc *Doc
	err := m.updates.LockUpdatesAndDo(ctx, projectID, docID, func(ctx context.Context) error {
		var err error
		doc, err = m.GetDoc(ctx, projectID, docID)
		return err
	})
	return doc, err
}

func (m *DocumentManager) GetDocAndRecentOpsWithLock(ctx context.Context, projectID, docID string, fromVersion int64) (*Doc, []sharedoc.Update, error) {
	var doc *Doc
	var ops []sharedoc.Update
	err := m.updates.LockUpdatesAndDo(ctx, projectID, docID, func(ctx context.Context) error {
		var err error
		doc, ops, err = m.GetDocAndRecentOps(ctx, projectID, docID, fromVersion)
		return err
	})
	return doc, ops, err
}

func (m *DocumentManager) SetDocWithLock(ctx context.Context, projectID, docID string, lines []string, source, userID string, undoing bool) error {
	return m.updates.LockUpdatesAndDo(ctx, projectID, docID, func(ctx context.Context) error {
		return m.SetDoc(ctx, projectID, docID, lines, source, userID, undoing)
	})
}

func (m *DocumentManager) FlushDocIfLoadedWithLock(ctx context.Context, projectID, docID string) error {
	return m.updates.LockUpdatesAndDo(ctx, projectID, docID, func(ctx context.Context) error {
		return m.FlushDocIfLoaded(ctx, projectID, docID)
	})
}

func (m *DocumentManager) FlushAndDeleteDocWithLock(ctx context.Context, projectID, docID string, ignoreFlushErrors bool) error {
	return m.updates.LockUpdatesAndDo(ctx, projectID, docID, func(ctx context.Context) error {
		return m.FlushAndDeleteDoc(ctx, projectID, docID, ignoreFlushErrors)
	})
}

func (m *DocumentManager) AcceptChangesWithLock(ctx context.Context, projectID, docID string, changeIDs []string) error {
	return m.updates.LockUpdatesAndDo(ctx, projectID, docID, func(ctx context.Context) error {
		return m.AcceptChanges(ctx, projectID, docID, changeIDs)
	})
}

func (m *DocumentManager) RejectChangesWithLock(ctx context.Context, projectID, docID string, changeIDs []string, userID string) error {
	return m.updates.LockUpdatesAndDo(ctx, projectID, docID, func(ctx context.Context) error {
		return m.RejectChanges(ctx, projectID, docID, changeIDs, userID)
	})
}

func (m *DocumentManager) DeleteCommentWithLock(ctx context.Context, projectID, docID, commentID string) error {
	return m.updates.LockUpdatesAndDo(ctx, projectID, docID, func(ctx context.Context) error {
		return m.DeleteComment(ctx, projectID, docID, commentID)
	})
}

// HistoryDocs adapts the session core to the history engine's view of
// documents: flat content in, flat content out.
type HistoryDocs struct {
	docs *DocumentManager
}

func NewHistoryDocs(docs *DocumentManager) *HistoryDocs {
	return &HistoryDocs{docs: docs}
}

func (h *HistoryDocs) GetDoc(ctx context.Context, projectID, docID string) (string, int64, error) {
	doc, err := h.docs.GetDocWithLock(ctx, projectID, docID)
	if err != nil {
		return "", 0, err
	}
	return doc.Content(), doc.Version, nil
}

// SetDoc writes restored content. The undo flag is set so restoring over
// tracked changes cancels them instead of tracking the restore itself.
func (h *HistoryDocs) SetDoc(ctx context.Context, projectID, docID, content, source, userID string) error {
	return h.docs.SetDocWithLock(ctx, projectID, docID, strings.Split(content, "\n"), source, userID, true)
}
