package realtime

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/docupdater"
	"papyrus/api/internal/ranges"
	"papyrus/api/internal/sharedoc"
	"papyrus/api/internal/webapi"
)

// ProtocolVersion is echoed to clients on connect so old editors know to
// refresh rather than speak a stale protocol.
const ProtocolVersion = 2

const (
	defaultFlushIfEmptyDelay  = 500 * time.Millisecond
	defaultClientRefreshDelay = time.Second
	// Grace before a misbehaving client is cut off, long enough for the
	// error event to flush to it first.
	defaultDisconnectDelay = 100 * time.Millisecond
)

// ErrHistoryOTUnsupported marks a join refused because the doc uses the
// history OT type and the client did not declare support for it.
var ErrHistoryOTUnsupported = apperr.New(apperr.Consistency, "client does not support history-ot documents")

// ProjectJoiner authorizes a user against a project. The web-api client
// implements it.
type ProjectJoiner interface {
	JoinProject(ctx context.Context, projectID, userID string) (*webapi.JoinResult, error)
}

// DocumentFlow is the slice of the document updater the session layer
// needs.
type DocumentFlow interface {
	GetDocAndRecentOpsWithLock(ctx context.Context, projectID, docID string, fromVersion int64) (*docupdater.Doc, []sharedoc.Update, error)
	FlushAndDeleteProject(ctx context.Context, projectID string, ignoreFlushErrors bool) error
}

// UpdateQueue accepts incoming edits for asynchronous application.
type UpdateQueue interface {
	QueuePendingUpdate(ctx context.Context, docID string, update sharedoc.Update) (int64, error)
}

// Controller implements the editor session protocol on top of rooms,
// presence, the relay and the document updater.
type Controller struct {
	joiner   ProjectJoiner
	docs     DocumentFlow
	queue    UpdateQueue
	rooms    *RoomManager
	relay    *Relay
	presence *ConnectedUsersManager

	// Process kicks the update pipeline for a doc after edits were queued.
	// Wired to the update manager in production; may be nil in tests.
	Process func(projectID, docID string)

	maxUpdateSize      int
	flushIfEmptyDelay  time.Duration
	clientRefreshDelay time.Duration
	disconnectDelay    time.Duration
	now                func() time.Time
}

func NewController(joiner ProjectJoiner, docs DocumentFlow, queue UpdateQueue, rooms *RoomManager, relay *Relay, presence *ConnectedUsersManager, maxUpdateSize int) *Controller {
	return &Controller{
		joiner:             joiner,
		docs:               docs,
		queue:              queue,
		rooms:              rooms,
		relay:              relay,
		presence:           presence,
		maxUpdateSize:      maxUpdateSize,
		flushIfEmptyDelay:  defaultFlushIfEmptyDelay,
		clientRefreshDelay: defaultClientRefreshDelay,
		disconnectDelay:    defaultDisconnectDelay,
		now:                time.Now,
	}
}

// JoinProjectResult is the payload answering a project join.
type JoinProjectResult struct {
	Project         webapi.Project `json:"project"`
	PrivilegeLevel  string         `json:"privilegeLevel"`
	ProtocolVersion int            `json:"protocolVersion"`
}

// JoinProject authorizes the user with the web app and, on success, binds
// the session context and enters the project room. The user identity comes
// from the transport layer's session. A client that disconnects mid-join
// is dropped silently; there is nobody left to answer.
func (c *Controller) JoinProject(ctx context.Context, client *Client, projectID string, user webapi.User) (*JoinProjectResult, error) {
	if client.Disconnected() {
		return nil, nil
	}
	result, err := c.joiner.JoinProject(ctx, projectID, user.ID)
	if err != nil {
		return nil, err
	}
	if client.Disconnected() {
		return nil, nil
	}
	client.SetSession(Session{
		ProjectID:        projectID,
		UserID:           user.ID,
		FirstName:        user.FirstName,
		LastName:         user.LastName,
		Email:            user.Email,
		PrivilegeLevel:   result.PrivilegeLevel,
		IsRestrictedUser: result.IsRestrictedUser,
		ConnectedAt:      c.now(),
	})
	c.rooms.JoinProject(client, projectID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.presence.UpdateUserPosition(ctx, projectID, client, nil); err != nil {
			log.Printf("realtime: store presence for client %s: %v", client.PublicID, err)
		}
	}()
	return &JoinProjectResult{
		Project:         result.Project,
		PrivilegeLevel:  result.PrivilegeLevel,
		ProtocolVersion: ProtocolVersion,
	}, nil
}

// LeaveProject tears the session down: tells the room, clears presence,
// leaves every room, and schedules a flush if the project fell idle.
func (c *Controller) LeaveProject(ctx context.Context, client *Client) {
	projectID := client.Session().ProjectID
	if projectID == "" {
		return
	}
	if err := c.relay.EmitToRoom(ctx, projectID, "clientTracking.clientDisconnected", client.PublicID); err != nil {
		log.Printf("realtime: announce disconnect of %s: %v", client.PublicID, err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.presence.MarkUserAsDisconnected(ctx, projectID, client.PublicID); err != nil {
			log.Printf("realtime: clear presence for client %s: %v", client.PublicID, err)
		}
	}()
	c.rooms.LeaveProject(client, projectID, docupdater.AppliedOpsChannel)
	// Let a quick reconnect land before paying for a flush cycle.
	time.AfterFunc(c.flushIfEmptyDelay, func() {
		if !c.rooms.ProjectEmpty(projectID) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.docs.FlushAndDeleteProject(ctx, projectID, false); err != nil {
			log.Printf("realtime: flush idle project %s: %v", projectID, err)
		}
	})
}

// JoinDocOptions carries client capabilities declared on join.
type JoinDocOptions struct {
	SupportsHistoryOT bool `json:"supportsHistoryOT"`
}

// JoinDocResult is the doc snapshot answering a doc join.
type JoinDocResult struct {
	Lines   []string          `json:"lines"`
	Version int64             `json:"version"`
	Ops     []sharedoc.Update `json:"ops"`
	Ranges  ranges.Ranges     `json:"ranges"`
	OTType  string            `json:"type,omitempty"`
}

// JoinDoc puts the client in the doc room and returns the doc with any ops
// it missed since fromVersion. The room is entered before the doc is read
// so no applied op can slip between snapshot and subscription; a failed
// join unwinds the room entry again.
func (c *Controller) JoinDoc(ctx context.Context, client *Client, docID string, fromVersion int64, opts JoinDocOptions) (*JoinDocResult, error) {
	if !c.assertCanViewProject(client) {
		return nil, apperr.New(apperr.Authorization, "not authorized to view project")
	}
	projectID := client.Session().ProjectID
	channel := docupdater.AppliedOpsChannel(docID)
	intent := c.rooms.JoinIntent(client, docID)
	c.rooms.CommitJoinDoc(client, docID, intent, channel)

	doc, ops, err := c.docs.GetDocAndRecentOpsWithLock(ctx, projectID, docID, fromVersion)
	if err != nil {
		c.rooms.LeaveDocIfIntent(client, docID, intent, channel)
		return nil, err
	}
	if client.Disconnected() {
		c.rooms.LeaveDocIfIntent(client, docID, intent, channel)
		return nil, nil
	}
	if doc.OTType == "history-ot" && !opts.SupportsHistoryOT {
		c.rooms.LeaveDocIfIntent(client, docID, intent, channel)
		return nil, ErrHistoryOTUnsupported
	}
	docRanges := doc.Ranges
	if client.Session().IsRestrictedUser {
		docRanges.Comments = nil
	}
	client.GrantDoc(docID)
	return &JoinDocResult{
		Lines:   doc.Lines,
		Version: doc.Version,
		Ops:     ops,
		Ranges:  docRanges,
		OTType:  doc.OTType,
	}, nil
}

// LeaveDoc removes the client from the doc room. Idempotent; the doc
// access grant is kept so a later rejoin needs no fresh auth round trip.
func (c *Controller) LeaveDoc(client *Client, docID string) {
	c.rooms.LeaveDoc(client, docID, docupdater.AppliedOpsChannel(docID))
}

// UpdateClientPosition broadcasts the client's cursor and refreshes its
// presence entry. Calls from sessions that never joined a project are
// ignored rather than answered with an error; stale editors spam these.
func (c *Controller) UpdateClientPosition(ctx context.Context, client *Client, cursor CursorPosition) error {
	if !c.assertCanViewProject(client) {
		return nil
	}
	s := client.Session()
	if err := c.relay.EmitToRoom(ctx, s.ProjectID, "clientTracking.clientUpdated", map[string]any{
		"id":      client.PublicID,
		"user_id": s.UserID,
		"name":    client.DisplayName(),
		"email":   s.Email,
		"row":     cursor.Row,
		"column":  cursor.Column,
		"doc_id":  cursor.DocID,
	}); err != nil {
		return err
	}
	return c.presence.UpdateUserPosition(ctx, s.ProjectID, client, &cursor)
}

// GetConnectedUsers asks every connected editor to refresh its position,
// waits briefly for the answers to land in redis, and returns the list.
// Restricted sessions see an empty list.
func (c *Controller) GetConnectedUsers(ctx context.Context, client *Client) ([]ConnectedUser, error) {
	if !c.assertCanViewProject(client) {
		return nil, apperr.New(apperr.Authorization, "not authorized to view project")
	}
	s := client.Session()
	if s.IsRestrictedUser {
		return []ConnectedUser{}, nil
	}
	if err := c.relay.EmitToRoom(ctx, s.ProjectID, "clientTracking.refresh"); err != nil {
		return nil, err
	}
	select {
	case <-time.After(c.clientRefreshDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.presence.GetConnectedUsers(ctx, s.ProjectID)
}

// ApplyOtUpdate queues an edit for the update pipeline. The ack for an
// accepted edit arrives asynchronously over the applied-ops channel, not
// as the return of this call.
func (c *Controller) ApplyOtUpdate(ctx context.Context, client *Client, docID string, update sharedoc.Update) error {
	if !c.assertCanApplyUpdate(client, docID, update) {
		// The client holds a stale grant or was never allowed at all.
		// Either way its editor state cannot be trusted any more.
		time.AfterFunc(c.disconnectDelay, client.Disconnect)
		return apperr.New(apperr.Authorization, "not authorized to edit doc")
	}
	s := client.Session()
	update.Doc = docID
	update.Meta.Source = client.PublicID
	update.Meta.UserID = s.UserID

	if size := updateSize(update); size > c.maxUpdateSize {
		// Acked as accepted, then refused out of band: the editor keeps its
		// buffer and shows the error instead of retrying a hopeless send.
		log.Printf("realtime: update of %d bytes on doc %s exceeds limit", size, docID)
		time.AfterFunc(c.disconnectDelay, func() {
			client.Emit("otUpdateError", "update is too large", map[string]any{
				"updateSize": size,
				"doc_id":     docID,
			})
			client.Disconnect()
		})
		return nil
	}

	if _, err := c.queue.QueuePendingUpdate(ctx, docID, update); err != nil {
		return err
	}
	if c.Process != nil {
		go c.Process(s.ProjectID, docID)
	}
	return nil
}

func (c *Controller) assertCanViewProject(client *Client) bool {
	return client.CanView() && client.Session().ProjectID != ""
}

// Comment-only updates are allowed at view privilege; adding a note does
// not change the text.
func (c *Controller) assertCanApplyUpdate(client *Client, docID string, update sharedoc.Update) bool {
	if !client.HasDoc(docID) {
		return false
	}
	if client.CanEdit() {
		return true
	}
	return client.CanView() && isCommentUpdate(update)
}

func isCommentUpdate(update sharedoc.Update) bool {
	if len(update.Op) == 0 {
		return false
	}
	for _, op := range update.Op {
		if op.C == nil {
			return false
		}
	}
	return true
}

func updateSize(update sharedoc.Update) int {
	data, err := json.Marshal(update)
	if err != nil {
		return 0
	}
	return len(data)
}
