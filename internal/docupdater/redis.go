// Package docupdater is the document session core: it keeps live documents
// in Redis, applies operational-transform updates to them under a per-doc
// lock, and feeds every applied update into the history queue.
package docupdater

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/history"
	"papyrus/api/internal/ranges"
	"papyrus/api/internal/sharedoc"
)

const (
	// DocOpsTTL bounds how long the applied-ops catch-up window outlives the
	// last edit.
	DocOpsTTL = time.Hour
	// DocOpsMaxLength is the number of recent applied ops kept per document
	// for client catch-up.
	DocOpsMaxLength = 100
)

// ErrOpRangeNotAvailable marks a catch-up request for versions that have
// already been trimmed from the applied-ops window.
var ErrOpRangeNotAvailable = errors.New("doc ops range is not loaded in redis")

func docLinesKey(docID string) string      { return "doclines:{" + docID + "}" }
func docVersionKey(docID string) string    { return "DocVersion:{" + docID + "}" }
func docHashKey(docID string) string       { return "DocHash:{" + docID + "}" }
func projectIDKey(docID string) string     { return "ProjectId:{" + docID + "}" }
func docRangesKey(docID string) string     { return "Ranges:{" + docID + "}" }
func pathnameKey(docID string) string      { return "Pathname:{" + docID + "}" }
func otTypeKey(docID string) string        { return "OtType:{" + docID + "}" }
func unflushedTimeKey(docID string) string { return "UnflushedTime:{" + docID + "}" }
func lastUpdatedAtKey(docID string) string { return "lastUpdatedAt:{" + docID + "}" }
func lastUpdatedByKey(docID string) string { return "lastUpdatedBy:{" + docID + "}" }
func docOpsKey(docID string) string        { return "DocOps:{" + docID + "}" }
func docsInProjectKey(projectID string) string {
	return "DocsIn:{" + projectID + "}"
}

// DocState is a live document as cached in Redis.
type DocState struct {
	Lines         []string
	Version       int64
	Ranges        ranges.Ranges
	Pathname      string
	OTType        string
	UnflushedTime int64 // epoch ms of the first unflushed change, 0 when clean
	LastUpdatedAt int64
	LastUpdatedBy string
}

// RedisManager owns the live-document key schema. All version arithmetic on
// the applied-ops window happens here.
type RedisManager struct {
	client       redis.UniversalClient
	history      *history.RedisManager
	maxDocLength int

	now func() time.Time
}

func NewRedisManager(client redis.UniversalClient, hist *history.RedisManager, maxDocLength int) *RedisManager {
	return &RedisManager{
		client:       client,
		history:      hist,
		maxDocLength: maxDocLength,
		now:          time.Now,
	}
}

// PutDocInMemory caches a freshly loaded document. The project membership
// set is updated before the doc keys so a concurrent project flush can
// never miss the doc.
func (r *RedisManager) PutDocInMemory(ctx context.Context, projectID, docID string, lines []string, version int64, rg ranges.Ranges, pathname, otType string) error {
	blob, err := encodeLines(docID, lines, r.maxDocLength)
	if err != nil {
		return err
	}
	rangesBlob, err := encodeRanges(rg)
	if err != nil {
		return fmt.Errorf("docupdater: encode ranges for doc %s: %w", docID, err)
	}
	if err := r.client.SAdd(ctx, docsInProjectKey(projectID), docID).Err(); err != nil {
		return fmt.Errorf("docupdater: register doc %s in project: %w", docID, err)
	}
	fields := map[string]any{
		docLinesKey(docID):   blob,
		docVersionKey(docID): version,
		docHashKey(docID):    computeHash(blob),
		projectIDKey(docID):  projectID,
		pathnameKey(docID):   pathname,
		otTypeKey(docID):     otType,
	}
	if rangesBlob != "" {
		fields[docRangesKey(docID)] = rangesBlob
	}
	if err := r.client.MSet(ctx, fields).Err(); err != nil {
		return fmt.Errorf("docupdater: put doc %s in redis: %w", docID, err)
	}
	return nil
}

// GetDoc reads a cached document. found is false when the doc is not in
// Redis; a doc cached under a different project is reported as not found
// rather than leaked.
func (r *RedisManager) GetDoc(ctx context.Context, projectID, docID string) (*DocState, bool, error) {
	vals, err := r.client.MGet(ctx,
		docLinesKey(docID),
		docVersionKey(docID),
		docHashKey(docID),
		projectIDKey(docID),
		docRangesKey(docID),
		pathnameKey(docID),
		otTypeKey(docID),
		unflushedTimeKey(docID),
		lastUpdatedAtKey(docID),
		lastUpdatedByKey(docID),
	).Result()
	if err != nil {
		return nil, false, fmt.Errorf("docupdater: get doc %s: %w", docID, err)
	}
	blob, haveLines := vals[0].(string)
	rawVersion, haveVersion := vals[1].(string)
	if !haveLines || !haveVersion {
		return nil, false, nil
	}
	if storedHash, ok := vals[2].(string); ok {
		if computed := computeHash(blob); computed != storedHash {
			log.Printf("docupdater: hash mismatch on doc %s stored=%s computed=%s", docID, storedHash, computed)
		}
	}
	if docProjectID, ok := vals[3].(string); ok && docProjectID != projectID {
		return nil, false, apperr.New(apperr.NotFound, fmt.Sprintf("doc %s does not belong to project %s", docID, projectID))
	}

	state := &DocState{}
	if err := json.Unmarshal([]byte(blob), &state.Lines); err != nil {
		return nil, false, fmt.Errorf("docupdater: parse lines for doc %s: %w", docID, err)
	}
	if _, err := fmt.Sscan(rawVersion, &state.Version); err != nil {
		return nil, false, fmt.Errorf("docupdater: parse version for doc %s: %w", docID, err)
	}
	if rangesBlob, ok := vals[4].(string); ok && rangesBlob != "" {
		if err := json.Unmarshal([]byte(rangesBlob), &state.Ranges); err != nil {
			return nil, false, fmt.Errorf("docupdater: parse ranges for doc %s: %w", docID, err)
		}
	}
	if pathname, ok := vals[5].(string); ok {
		state.Pathname = pathname
	}
	if otType, ok := vals[6].(string); ok {
		state.OTType = otType
	}
	state.UnflushedTime = parseMillis(vals[7])
	state.LastUpdatedAt = parseMillis(vals[8])
	if by, ok := vals[9].(string); ok {
		state.LastUpdatedBy = by
	}
	return state, true, nil
}

// GetDocVersion returns the cached version. found is false when the doc is
// not loaded.
func (r *RedisManager) GetDocVersion(ctx context.Context, docID string) (int64, bool, error) {
	raw, err := r.client.Get(ctx, docVersionKey(docID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("docupdater: get version for doc %s: %w", docID, err)
	}
	var version int64
	if _, err := fmt.Sscan(raw, &version); err != nil {
		return 0, false, fmt.Errorf("docupdater: parse version for doc %s: %w", docID, err)
	}
	return version, true, nil
}

// GetPreviousDocOps returns the applied ops covering versions [start, end).
// end == -1 means up to the current version. Requests outside the retained
// window fail with ErrOpRangeNotAvailable.
func (r *RedisManager) GetPreviousDocOps(ctx context.Context, docID string, start, end int64) ([]sharedoc.Update, error) {
	length, err := r.client.LLen(ctx, docOpsKey(docID)).Result()
	if err != nil {
		return nil, fmt.Errorf("docupdater: ops length for doc %s: %w", docID, err)
	}
	version, found, err := r.GetDocVersion(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("doc %s is not loaded", docID))
	}
	firstVersionInRedis := version - length
	if start < firstVersionInRedis || end > version {
		return nil, apperr.Wrap(apperr.Consistency, fmt.Sprintf("ops %d..%d for doc %s", start, end, docID), ErrOpRangeNotAvailable)
	}
	listStart := start - firstVersionInRedis
	listEnd := int64(-1)
	if end > -1 {
		listEnd = end - firstVersionInRedis - 1
	}
	raw, err := r.client.LRange(ctx, docOpsKey(docID), listStart, listEnd).Result()
	if err != nil {
		return nil, fmt.Errorf("docupdater: read ops for doc %s: %w", docID, err)
	}
	ops := make([]sharedoc.Update, len(raw))
	for i, entry := range raw {
		if err := json.Unmarshal([]byte(entry), &ops[i]); err != nil {
			return nil, fmt.Errorf("docupdater: parse applied op: %w", err)
		}
	}
	return ops, nil
}

// UpdateDocument writes the post-apply state and queues the applied ops for
// both client catch-up and history compression. The version must account
// for every applied op or the write is refused.
func (r *RedisManager) UpdateDocument(ctx context.Context, projectID, docID string, lines []string, newVersion int64, appliedOps []sharedoc.Update, rg ranges.Ranges, updatedBy string) error {
	currentVersion, found, err := r.GetDocVersion(ctx, docID)
	if err != nil {
		return err
	}
	if !found {
		return apperr.New(apperr.NotFound, fmt.Sprintf("doc %s is not loaded", docID))
	}
	if currentVersion+int64(len(appliedOps)) != newVersion {
		return apperr.New(apperr.Consistency, fmt.Sprintf("version mismatch on doc %s: %d + %d ops != %d", docID, currentVersion, len(appliedOps), newVersion))
	}

	blob, err := encodeLines(docID, lines, r.maxDocLength)
	if err != nil {
		return err
	}
	rangesBlob, err := encodeRanges(rg)
	if err != nil {
		return fmt.Errorf("docupdater: encode ranges for doc %s: %w", docID, err)
	}
	jsonOps := make([]any, 0, len(appliedOps))
	for i := range appliedOps {
		op, err := json.Marshal(appliedOps[i])
		if err != nil {
			return fmt.Errorf("docupdater: encode applied op v%d: %w", appliedOps[i].V, err)
		}
		if strings.Contains(string(op), "\x00") {
			return apperr.New(apperr.Consistency, fmt.Sprintf("null bytes in applied op for doc %s", docID))
		}
		jsonOps = append(jsonOps, string(op))
	}

	nowMillis := r.now().UnixMilli()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.MSet(ctx, map[string]any{
			docLinesKey(docID):      blob,
			docVersionKey(docID):    newVersion,
			docHashKey(docID):       computeHash(blob),
			lastUpdatedAtKey(docID): nowMillis,
			lastUpdatedByKey(docID): updatedBy,
		})
		if rangesBlob != "" {
			pipe.Set(ctx, docRangesKey(docID), rangesBlob, 0)
		} else {
			pipe.Del(ctx, docRangesKey(docID))
		}
		pipe.LTrim(ctx, docOpsKey(docID), -DocOpsMaxLength, -1)
		if len(jsonOps) > 0 {
			pipe.RPush(ctx, docOpsKey(docID), jsonOps...)
			pipe.Expire(ctx, docOpsKey(docID), DocOpsTTL)
			pipe.SetNX(ctx, unflushedTimeKey(docID), nowMillis, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("docupdater: update doc %s: %w", docID, err)
	}

	if len(appliedOps) > 0 {
		if _, err := r.history.PushUncompressedHistoryOps(ctx, projectID, docID, appliedOps); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDocFromMemory deletes every cached key for a document. The history
// queue is untouched, so queued-but-uncompressed updates still persist.
func (r *RedisManager) RemoveDocFromMemory(ctx context.Context, projectID, docID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx,
			docLinesKey(docID),
			docVersionKey(docID),
			docHashKey(docID),
			projectIDKey(docID),
			docRangesKey(docID),
			pathnameKey(docID),
			otTypeKey(docID),
			unflushedTimeKey(docID),
			lastUpdatedAtKey(docID),
			lastUpdatedByKey(docID),
			docOpsKey(docID),
		)
		pipe.SRem(ctx, docsInProjectKey(projectID), docID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("docupdater: remove doc %s from redis: %w", docID, err)
	}
	return nil
}

func (r *RedisManager) ClearUnflushedTime(ctx context.Context, docID string) error {
	if err := r.client.Del(ctx, unflushedTimeKey(docID)).Err(); err != nil {
		return fmt.Errorf("docupdater: clear unflushed time for doc %s: %w", docID, err)
	}
	return nil
}

// GetDocIDsInProject lists the docs currently loaded for a project.
func (r *RedisManager) GetDocIDsInProject(ctx context.Context, projectID string) ([]string, error) {
	docIDs, err := r.client.SMembers(ctx, docsInProjectKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("docupdater: docs in project %s: %w", projectID, err)
	}
	return docIDs, nil
}

func encodeLines(docID string, lines []string, maxDocLength int) (string, error) {
	blob, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("docupdater: encode lines for doc %s: %w", docID, err)
	}
	if strings.Contains(string(blob), "\x00") {
		return "", apperr.New(apperr.Consistency, fmt.Sprintf("null bytes in lines for doc %s", docID))
	}
	if len(blob) > maxDocLength {
		return "", apperr.New(apperr.TooLarge, fmt.Sprintf("doc %s is too large for redis (%d bytes)", docID, len(blob)))
	}
	return string(blob), nil
}

// encodeRanges returns "" for empty ranges so the cache is not filled with
// empty-object keys.
func encodeRanges(rg ranges.Ranges) (string, error) {
	if len(rg.Changes) == 0 && len(rg.Comments) == 0 {
		return "", nil
	}
	blob, err := json.Marshal(rg)
	if err != nil {
		return "", err
	}
	if strings.Contains(string(blob), "\x00") {
		return "", apperr.New(apperr.Consistency, "null bytes in ranges")
	}
	return string(blob), nil
}

// computeHash checksums the serialized lines so cache corruption is at
// least detectable on read.
func computeHash(blob string) string {
	sum := sha1.Sum([]byte(blob))
	return hex.EncodeToString(sum[:])
}

func parseMillis(v any) int64 {
	raw, ok := v.(string)
	if !ok {
		return 0
	}
	var millis int64
	if _, err := fmt.Sscan(raw, &millis); err != nil {
		return 0
	}
	return millis
}
