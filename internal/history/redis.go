package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"papyrus/api/internal/sharedoc"
)

// Redis key schema for the uncompressed history queue. The document session
// core pushes onto these keys as it applies updates; the history side drains
// them. Updates stay in the queue as raw JSON strings so the exact entries
// that were read can be removed after they are persisted.

func uncompressedHistoryOpsKey(docID string) string {
	return "UncompressedHistoryOps:{" + docID + "}"
}

func docsWithHistoryOpsKey(projectID string) string {
	return "DocsWithHistoryOps:{" + projectID + "}"
}

const projectsWithHistoryOpsKey = "ProjectsWithHistoryOps"

// RedisManager reads and maintains the uncompressed history queue.
type RedisManager struct {
	client redis.UniversalClient
}

func NewRedisManager(client redis.UniversalClient) *RedisManager {
	return &RedisManager{client: client}
}

// PushUncompressedHistoryOps appends raw updates to a document's queue and
// registers the doc and project as having pending history. Returns the new
// queue length.
func (r *RedisManager) PushUncompressedHistoryOps(ctx context.Context, projectID, docID string, updates []sharedoc.Update) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	payloads := make([]any, 0, len(updates))
	for i := range updates {
		buf, err := json.Marshal(updates[i])
		if err != nil {
			return 0, fmt.Errorf("history: encode update v%d: %w", updates[i].V, err)
		}
		payloads = append(payloads, string(buf))
	}
	var length *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.RPush(ctx, uncompressedHistoryOpsKey(docID), payloads...)
		pipe.SAdd(ctx, docsWithHistoryOpsKey(projectID), docID)
		pipe.SAdd(ctx, projectsWithHistoryOpsKey, projectID)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("history: push ops for doc %s: %w", docID, err)
	}
	return length.Val(), nil
}

// GetOldestDocUpdates returns up to batchSize raw queue entries for a doc,
// oldest first, without removing them.
func (r *RedisManager) GetOldestDocUpdates(ctx context.Context, docID string, batchSize int) ([]string, error) {
	raw, err := r.client.LRange(ctx, uncompressedHistoryOpsKey(docID), 0, int64(batchSize-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("history: read queue for doc %s: %w", docID, err)
	}
	return raw, nil
}

// ExpandDocUpdates parses raw queue entries into updates.
func ExpandDocUpdates(raw []string) ([]sharedoc.Update, error) {
	updates := make([]sharedoc.Update, len(raw))
	for i, entry := range raw {
		if err := json.Unmarshal([]byte(entry), &updates[i]); err != nil {
			return nil, fmt.Errorf("history: parse queued update: %w", err)
		}
	}
	return updates, nil
}

// DeleteAppliedDocUpdates removes exactly the given raw entries from the
// queue, then drops the doc (and project, when fully drained) from the
// pending sets once their queues are empty.
func (r *RedisManager) DeleteAppliedDocUpdates(ctx context.Context, projectID, docID string, raw []string) error {
	key := uncompressedHistoryOpsKey(docID)
	if len(raw) > 0 {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, entry := range raw {
				pipe.LRem(ctx, key, 1, entry)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("history: delete applied ops for doc %s: %w", docID, err)
		}
	}

	length, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("history: queue length for doc %s: %w", docID, err)
	}
	if length > 0 {
		return nil
	}
	if err := r.client.SRem(ctx, docsWithHistoryOpsKey(projectID), docID).Err(); err != nil {
		return fmt.Errorf("history: clear pending doc %s: %w", docID, err)
	}
	remaining, err := r.client.SCard(ctx, docsWithHistoryOpsKey(projectID)).Result()
	if err != nil {
		return fmt.Errorf("history: pending docs for project %s: %w", projectID, err)
	}
	if remaining == 0 {
		if err := r.client.SRem(ctx, projectsWithHistoryOpsKey, projectID).Err(); err != nil {
			return fmt.Errorf("history: clear pending project %s: %w", projectID, err)
		}
	}
	return nil
}

// GetDocIDsWithHistoryOps lists docs in a project with queued history.
func (r *RedisManager) GetDocIDsWithHistoryOps(ctx context.Context, projectID string) ([]string, error) {
	docIDs, err := r.client.SMembers(ctx, docsWithHistoryOpsKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("history: pending docs for project %s: %w", projectID, err)
	}
	return docIDs, nil
}

// GetProjectIDsWithHistoryOps lists projects with queued history anywhere.
func (r *RedisManager) GetProjectIDsWithHistoryOps(ctx context.Context) ([]string, error) {
	projectIDs, err := r.client.SMembers(ctx, projectsWithHistoryOpsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("history: pending projects: %w", err)
	}
	return projectIDs, nil
}
