package history

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/compressor"
	"papyrus/api/internal/lock"
	"papyrus/api/internal/packstore"
	"papyrus/api/internal/sharedoc"
)

const (
	// RedisReadBatchSize is how many queued updates one drain pass takes.
	RedisReadBatchSize = 100
	// RejectLargeOpSize rejects single ops above this size; old oversized
	// ops in the queue predate the ingress limit and are blanked rather
	// than failing the whole drain.
	RejectLargeOpSize = 4 * 1024 * 1024
	// ProjectFlushParallelism bounds concurrent per-doc flushes when a
	// whole project is processed.
	ProjectFlushParallelism = 5

	// TimeBetweenDistinctUpdates is the summary window: consecutive
	// updates closer together than this merge into one summary entry.
	TimeBetweenDistinctUpdates = 5 * 60 * 1000 // ms
	// SplitOnDeleteSize forces a summary split after a delete longer than
	// this, so the state before a big delete stays restorable.
	SplitOnDeleteSize = 16

	// DefaultSummaryMinCount is the summary page size when the caller
	// does not ask for one.
	DefaultSummaryMinCount = 25
)

// TrimChecker reports whether a project's history is kept only temporarily.
type TrimChecker func(ctx context.Context, projectID string) (bool, error)

// UpdatesManager moves raw updates from the Redis queue into the pack
// store and answers history read queries.
type UpdatesManager struct {
	redis  *RedisManager
	packs  *packstore.Manager
	locker *lock.Locker

	// ShouldTrim decides per project whether packs are temporary. The
	// default keeps everything permanently.
	ShouldTrim TrimChecker

	now func() time.Time
}

func NewUpdatesManager(redisManager *RedisManager, packs *packstore.Manager, locker *lock.Locker) *UpdatesManager {
	return &UpdatesManager{
		redis:      redisManager,
		packs:      packs,
		locker:     locker,
		ShouldTrim: func(context.Context, string) (bool, error) { return false, nil },
		now:        time.Now,
	}
}

// CompressAndSaveRawUpdates compresses a run of raw updates and appends
// them to the document's packs. Raw updates must continue exactly where
// the compressed history left off; anything already compressed is dropped.
func (m *UpdatesManager) CompressAndSaveRawUpdates(ctx context.Context, projectID, docID string, rawUpdates []sharedoc.Update, temporary bool) error {
	if len(rawUpdates) == 0 {
		return nil
	}
	for i := 1; i < len(rawUpdates); i++ {
		if rawUpdates[i-1].V >= rawUpdates[i].V {
			log.Printf("history: doc %s op versions out of order (v%d then v%d)", docID, rawUpdates[i-1].V, rawUpdates[i].V)
		}
	}

	lastPack, lastVersion, haveVersion, err := m.packs.PeekLastPack(ctx, docID)
	if err != nil {
		return err
	}
	if haveVersion {
		discarded := 0
		for len(rawUpdates) > 0 && rawUpdates[0].V <= lastVersion {
			rawUpdates = rawUpdates[1:]
			discarded++
		}
		if discarded > 0 {
			log.Printf("history: doc %s discarded %d updates already compressed (last v%d)", docID, discarded, lastVersion)
		}
		if len(rawUpdates) > 0 && rawUpdates[0].V != lastVersion+1 {
			return apperr.New(apperr.Consistency,
				"raw updates do not follow compressed history for doc "+docID)
		}
	}
	if len(rawUpdates) == 0 {
		return nil
	}

	for i := range rawUpdates {
		for _, op := range rawUpdates[i].Op {
			if len(op.Ins()) > RejectLargeOpSize || len(op.Del()) > RejectLargeOpSize {
				log.Printf("history: doc %s dropped op exceeding maximum size at v%d", docID, rawUpdates[i].V)
				rawUpdates[i].Op = sharedoc.Ops{}
				break
			}
		}
	}

	compressed := compressor.CompressRawUpdates(nil, rawUpdates)
	return m.packs.InsertCompressedUpdates(ctx, projectID, docID, lastPack, compressed, temporary)
}

// ProcessUncompressedUpdates drains a document's queue in batches. The
// caller must hold the history lock for the doc.
func (m *UpdatesManager) ProcessUncompressedUpdates(ctx context.Context, projectID, docID string, temporary bool) error {
	for {
		raw, err := m.redis.GetOldestDocUpdates(ctx, docID, RedisReadBatchSize)
		if err != nil {
			return err
		}
		updates, err := ExpandDocUpdates(raw)
		if err != nil {
			return err
		}
		if err := m.CompressAndSaveRawUpdates(ctx, projectID, docID, updates, temporary); err != nil {
			return err
		}
		if err := m.redis.DeleteAppliedDocUpdates(ctx, projectID, docID, raw); err != nil {
			return err
		}
		if len(raw) < RedisReadBatchSize {
			return nil
		}
	}
}

// ProcessUncompressedUpdatesWithLock flushes one document under its
// history lock.
func (m *UpdatesManager) ProcessUncompressedUpdatesWithLock(ctx context.Context, projectID, docID string) error {
	temporary, err := m.ShouldTrim(ctx, projectID)
	if err != nil {
		return err
	}
	return m.processDocWithLock(ctx, projectID, docID, temporary)
}

func (m *UpdatesManager) processDocWithLock(ctx context.Context, projectID, docID string, temporary bool) error {
	return m.locker.RunWithLock(ctx, lock.HistoryLockKey(docID), func(ctx context.Context) error {
		return m.ProcessUncompressedUpdates(ctx, projectID, docID, temporary)
	})
}

// ProcessUncompressedUpdatesForProject flushes every pending document of a
// project, a bounded number at a time.
func (m *UpdatesManager) ProcessUncompressedUpdatesForProject(ctx context.Context, projectID string) error {
	docIDs, err := m.redis.GetDocIDsWithHistoryOps(ctx, projectID)
	if err != nil {
		return err
	}
	if len(docIDs) == 0 {
		return nil
	}
	temporary, err := m.ShouldTrim(ctx, projectID)
	if err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, ProjectFlushParallelism)
		mu       sync.Mutex
		firstErr error
	)
	for _, docID := range docIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(docID string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.processDocWithLock(ctx, projectID, docID, temporary); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(docID)
	}
	wg.Wait()
	return firstErr
}

// FlushAllResult reports the outcome of a global flush.
type FlushAllResult struct {
	Failed    []string `json:"failed"`
	Succeeded []string `json:"succeeded"`
	All       []string `json:"all"`
}

// FlushAll flushes up to limit pending projects, chosen in random order so
// repeated partial runs cover the whole backlog. A negative limit flushes
// everything. Per-project failures are collected, not fatal.
func (m *UpdatesManager) FlushAll(ctx context.Context, limit int) (FlushAllResult, error) {
	projectIDs, err := m.redis.GetProjectIDsWithHistoryOps(ctx)
	if err != nil {
		return FlushAllResult{}, err
	}
	rand.Shuffle(len(projectIDs), func(i, j int) {
		projectIDs[i], projectIDs[j] = projectIDs[j], projectIDs[i]
	})
	selected := projectIDs
	if limit >= 0 && len(selected) > limit {
		selected = selected[:limit]
	}

	result := FlushAllResult{All: projectIDs}
	for _, projectID := range selected {
		if err := m.ProcessUncompressedUpdatesForProject(ctx, projectID); err != nil {
			log.Printf("history: flush project %s: %v", projectID, err)
			result.Failed = append(result.Failed, projectID)
		} else {
			result.Succeeded = append(result.Succeeded, projectID)
		}
	}
	return result, nil
}

// GetDocUpdates flushes the doc then returns its updates between the given
// versions, newest first. Pass -1 to leave a bound open.
func (m *UpdatesManager) GetDocUpdates(ctx context.Context, projectID, docID string, from, to int64) ([]sharedoc.Update, error) {
	if err := m.ProcessUncompressedUpdatesWithLock(ctx, projectID, docID); err != nil {
		return nil, err
	}
	return m.packs.GetOpsByVersionRange(ctx, projectID, docID, from, to)
}

// DocSummary is the version span one summary entry covers in one doc.
type DocSummary struct {
	FromV int64 `json:"fromV"`
	ToV   int64 `json:"toV"`
}

// SummaryMeta aggregates who edited during a summary entry and when.
type SummaryMeta struct {
	UserIDs []string `json:"user_ids"`
	StartTS int64    `json:"start_ts"`
	EndTS   int64    `json:"end_ts"`
}

// SummarizedUpdate is one entry in the project activity feed.
type SummarizedUpdate struct {
	Meta SummaryMeta           `json:"meta"`
	Docs map[string]DocSummary `json:"docs"`
}

// GetSummarizedProjectUpdates returns the project activity feed going back
// in time from before (exclusive end_ts bound, 0 for the present). The
// second return is the timestamp to pass as before on the next page, or 0
// when the history is exhausted.
func (m *UpdatesManager) GetSummarizedProjectUpdates(ctx context.Context, projectID string, before int64, minCount int) ([]SummarizedUpdate, int64, error) {
	if minCount <= 0 {
		minCount = DefaultSummaryMinCount
	}
	if err := m.ProcessUncompressedUpdatesForProject(ctx, projectID); err != nil {
		return nil, 0, err
	}
	iterator, err := m.packs.MakeProjectIterator(ctx, projectID, before)
	if err != nil {
		return nil, 0, err
	}

	var (
		summarized          []SummarizedUpdate
		nextBeforeTimestamp int64
	)
	for len(summarized) < minCount && !iterator.Done() {
		partial, err := iterator.Next(ctx)
		if err != nil {
			return nil, 0, err
		}
		if len(partial) == 0 {
			continue
		}
		nextBeforeTimestamp = partial[len(partial)-1].Meta.EndTS
		summarized = summarizeUpdates(partial, summarized)
	}
	if iterator.Done() {
		nextBeforeTimestamp = 0
	}
	return summarized, nextBeforeTimestamp, nil
}

// summarizeUpdates folds a batch of reverse-chronological updates into the
// running summary list. Updates within the distinct-update window join the
// current entry; a big delete forces the next update into a fresh entry so
// the content before the delete stays addressable.
func summarizeUpdates(updates []sharedoc.Update, existing []SummarizedUpdate) []SummarizedUpdate {
	summarized := append([]SummarizedUpdate(nil), existing...)
	previousUpdateWasBigDelete := false
	for i := range updates {
		update := &updates[i]
		var earliest *SummarizedUpdate
		if len(summarized) > 0 {
			earliest = &summarized[len(summarized)-1]
		}

		shouldConcat := false
		if previousUpdateWasBigDelete {
			shouldConcat = false
		} else if earliest != nil && earliest.Meta.EndTS-update.Meta.StartTS < TimeBetweenDistinctUpdates {
			// Walking backwards in time, so concat only while the update
			// starts within the window before the current entry's end.
			shouldConcat = true
		}

		isBigDelete := false
		for _, op := range update.Op {
			if len(op.Del()) > SplitOnDeleteSize {
				isBigDelete = true
			}
		}
		previousUpdateWasBigDelete = isBigDelete

		if shouldConcat {
			if !containsString(earliest.Meta.UserIDs, update.Meta.UserID) {
				earliest.Meta.UserIDs = append(earliest.Meta.UserIDs, update.Meta.UserID)
			}
			doc, ok := earliest.Docs[update.Doc]
			if ok {
				doc.FromV = min64(doc.FromV, update.V)
				doc.ToV = max64(doc.ToV, update.V)
			} else {
				doc = DocSummary{FromV: update.V, ToV: update.V}
			}
			earliest.Docs[update.Doc] = doc
			earliest.Meta.StartTS = min64(earliest.Meta.StartTS, update.Meta.StartTS)
			earliest.Meta.EndTS = max64(earliest.Meta.EndTS, update.Meta.EndTS)
		} else {
			summarized = append(summarized, SummarizedUpdate{
				Meta: SummaryMeta{
					UserIDs: []string{update.Meta.UserID},
					StartTS: update.Meta.StartTS,
					EndTS:   update.Meta.EndTS,
				},
				Docs: map[string]DocSummary{
					update.Doc: {FromV: update.V, ToV: update.V},
				},
			})
		}
	}
	return summarized
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ExportConsumer receives each run of updates as it is read. Returning an
// error aborts the export.
type ExportConsumer func(updates []sharedoc.Update) error

// ExportProject streams every update of a project through consumer,
// newest first, and returns the sorted set of user ids that appear.
func (m *UpdatesManager) ExportProject(ctx context.Context, projectID string, consumer ExportConsumer) ([]string, error) {
	if err := m.ProcessUncompressedUpdatesForProject(ctx, projectID); err != nil {
		return nil, err
	}
	iterator, err := m.packs.MakeProjectIterator(ctx, projectID, 0)
	if err != nil {
		return nil, err
	}

	userIDs := map[string]bool{}
	for !iterator.Done() {
		updates, err := iterator.Next(ctx)
		if err != nil {
			return nil, err
		}
		if len(updates) == 0 {
			continue
		}
		for i := range updates {
			// Broken updates may carry no user id; skip the blank.
			if id := updates[i].Meta.UserID; id != "" {
				userIDs[id] = true
			}
		}
		if err := consumer(updates); err != nil {
			return nil, err
		}
	}

	sorted := make([]string, 0, len(userIDs))
	for id := range userIDs {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	return sorted, nil
}
