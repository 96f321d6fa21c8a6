package realtime

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"papyrus/api/internal/apperr"
)

const presenceTTL = 15 * time.Minute

func connectedClientsKey(projectID string) string {
	return "clients_in_project:{" + projectID + "}"
}

func connectedUserKey(projectID, publicID string) string {
	return "connected_user:{" + projectID + "}:" + publicID
}

// CursorPosition is where a user's caret sits within a doc.
type CursorPosition struct {
	Row    int    `json:"row"`
	Column int    `json:"column"`
	DocID  string `json:"doc_id"`
}

// ConnectedUser is one entry in a project's presence list.
type ConnectedUser struct {
	ClientID    string          `json:"client_id"`
	UserID      string          `json:"user_id"`
	FirstName   string          `json:"first_name,omitempty"`
	LastName    string          `json:"last_name,omitempty"`
	Email       string          `json:"email,omitempty"`
	ConnectedAt int64           `json:"connected_at"`
	LastSeenAt  int64           `json:"last_updated_at"`
	Cursor      *CursorPosition `json:"cursorData,omitempty"`
}

// ConnectedUsersManager keeps per-project presence in redis so every
// instance serving the project sees the same user list.
type ConnectedUsersManager struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewConnectedUsersManager(client redis.UniversalClient) *ConnectedUsersManager {
	return &ConnectedUsersManager{client: client, now: time.Now}
}

// UpdateUserPosition refreshes the client's presence entry, including its
// cursor when one is given. Anonymous sessions are not stored; they would
// render as empty rows in the online-users list.
func (m *ConnectedUsersManager) UpdateUserPosition(ctx context.Context, projectID string, client *Client, cursor *CursorPosition) error {
	if client.IsAnonymous() {
		return nil
	}
	s := client.Session()
	fields := map[string]any{
		"user_id":         s.UserID,
		"first_name":      s.FirstName,
		"last_name":       s.LastName,
		"email":           s.Email,
		"connected_at":    s.ConnectedAt.UnixMilli(),
		"last_updated_at": m.now().UnixMilli(),
	}
	if cursor != nil {
		data, err := json.Marshal(cursor)
		if err != nil {
			return apperr.Wrap(apperr.Consistency, "encode cursor", err)
		}
		fields["cursorData"] = string(data)
	}
	userKey := connectedUserKey(projectID, client.PublicID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, connectedClientsKey(projectID), client.PublicID)
		pipe.Expire(ctx, connectedClientsKey(projectID), presenceTTL)
		pipe.HSet(ctx, userKey, fields)
		pipe.Expire(ctx, userKey, presenceTTL)
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.Transient, "store user position", err)
	}
	return nil
}

// MarkUserAsDisconnected drops the client's presence entry.
func (m *ConnectedUsersManager) MarkUserAsDisconnected(ctx context.Context, projectID, publicID string) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, connectedClientsKey(projectID), publicID)
		pipe.Del(ctx, connectedUserKey(projectID, publicID))
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.Transient, "remove user position", err)
	}
	return nil
}

// GetConnectedUsers lists the project's presence entries. Clients whose
// hash has expired are pruned from the set as a side effect.
func (m *ConnectedUsersManager) GetConnectedUsers(ctx context.Context, projectID string) ([]ConnectedUser, error) {
	publicIDs, err := m.client.SMembers(ctx, connectedClientsKey(projectID)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "list connected clients", err)
	}
	users := make([]ConnectedUser, 0, len(publicIDs))
	for _, publicID := range publicIDs {
		fields, err := m.client.HGetAll(ctx, connectedUserKey(projectID, publicID)).Result()
		if err != nil {
			return nil, apperr.Wrap(apperr.Transient, "read connected user", err)
		}
		if len(fields) == 0 {
			m.client.SRem(ctx, connectedClientsKey(projectID), publicID)
			continue
		}
		user := ConnectedUser{
			ClientID:  publicID,
			UserID:    fields["user_id"],
			FirstName: fields["first_name"],
			LastName:  fields["last_name"],
			Email:     fields["email"],
		}
		user.ConnectedAt, _ = strconv.ParseInt(fields["connected_at"], 10, 64)
		user.LastSeenAt, _ = strconv.ParseInt(fields["last_updated_at"], 10, 64)
		if raw := fields["cursorData"]; raw != "" {
			var cursor CursorPosition
			if err := json.Unmarshal([]byte(raw), &cursor); err == nil {
				user.Cursor = &cursor
			}
		}
		users = append(users, user)
	}
	return users, nil
}
