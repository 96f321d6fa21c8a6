package docupdater

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"papyrus/api/internal/sharedoc"
)

func pendingUpdatesKey(docID string) string {
	return "PendingUpdates:{" + docID + "}"
}

// AppliedOpsChannel names the pub/sub channel carrying applied ops and
// apply failures for one document. The realtime layer subscribes per open
// doc.
func AppliedOpsChannel(docID string) string {
	return "applied-ops:" + docID
}

// AppliedOpsMessage is the fan-out payload. Exactly one of Op and Error is
// set.
type AppliedOpsMessage struct {
	ProjectID string           `json:"project_id"`
	DocID     string           `json:"doc_id"`
	Op        *sharedoc.Update `json:"op,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// RealTimeRedisManager is the boundary between websocket connections and
// the update pipeline: incoming edits queue here, applied ops fan out from
// here.
type RealTimeRedisManager struct {
	client redis.UniversalClient
}

func NewRealTimeRedisManager(client redis.UniversalClient) *RealTimeRedisManager {
	return &RealTimeRedisManager{client: client}
}

// QueuePendingUpdate appends an incoming edit to the document's queue and
// returns the new queue length.
func (r *RealTimeRedisManager) QueuePendingUpdate(ctx context.Context, docID string, update sharedoc.Update) (int64, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return 0, fmt.Errorf("docupdater: encode pending update: %w", err)
	}
	length, err := r.client.RPush(ctx, pendingUpdatesKey(docID), string(payload)).Result()
	if err != nil {
		return 0, fmt.Errorf("docupdater: queue update for doc %s: %w", docID, err)
	}
	return length, nil
}

// GetPendingUpdatesForDoc drains the queue: reads everything and deletes
// the key in one transaction.
func (r *RealTimeRedisManager) GetPendingUpdatesForDoc(ctx context.Context, docID string) ([]sharedoc.Update, error) {
	var entries *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		entries = pipe.LRange(ctx, pendingUpdatesKey(docID), 0, -1)
		pipe.Del(ctx, pendingUpdatesKey(docID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("docupdater: drain pending updates for doc %s: %w", docID, err)
	}
	raw := entries.Val()
	updates := make([]sharedoc.Update, len(raw))
	for i, entry := range raw {
		if err := json.Unmarshal([]byte(entry), &updates[i]); err != nil {
			return nil, fmt.Errorf("docupdater: parse pending update: %w", err)
		}
	}
	return updates, nil
}

// GetUpdatesLength reports how many edits are still queued for a doc.
func (r *RealTimeRedisManager) GetUpdatesLength(ctx context.Context, docID string) (int64, error) {
	length, err := r.client.LLen(ctx, pendingUpdatesKey(docID)).Result()
	if err != nil {
		return 0, fmt.Errorf("docupdater: pending length for doc %s: %w", docID, err)
	}
	return length, nil
}

// SendAppliedOp broadcasts a successfully applied update.
func (r *RealTimeRedisManager) SendAppliedOp(ctx context.Context, projectID, docID string, update sharedoc.Update) error {
	return r.publish(ctx, docID, AppliedOpsMessage{ProjectID: projectID, DocID: docID, Op: &update})
}

// SendApplyError broadcasts an apply failure so clients can resync instead
// of silently diverging.
func (r *RealTimeRedisManager) SendApplyError(ctx context.Context, projectID, docID string, applyErr error) error {
	return r.publish(ctx, docID, AppliedOpsMessage{ProjectID: projectID, DocID: docID, Error: applyErr.Error()})
}

func (r *RealTimeRedisManager) publish(ctx context.Context, docID string, msg AppliedOpsMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("docupdater: encode applied-ops message: %w", err)
	}
	if err := r.client.Publish(ctx, AppliedOpsChannel(docID), string(payload)).Err(); err != nil {
		return fmt.Errorf("docupdater: publish applied op for doc %s: %w", docID, err)
	}
	return nil
}
