package realtime

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/docupdater"
)

// Messages a restricted (link-sharing, read-only) session may receive.
// Everything else, presence and chat in particular, stays hidden from it.
var restrictedMessagePassList = map[string]struct{}{
	"connectionAccepted":                {},
	"otUpdateApplied":                   {},
	"otUpdateError":                     {},
	"joinDoc":                           {},
	"reciveNewDoc":                      {},
	"reciveNewFile":                     {},
	"reciveNewFolder":                   {},
	"receiveEntityRename":               {},
	"receiveEntityMove":                 {},
	"removeEntity":                      {},
	"project:access:revoked":            {},
	"project:publicAccessLevel:changed": {},
}

// roomMessage is the envelope published on a project's editor-events
// channel so every instance serving the project relays it.
type roomMessage struct {
	RoomID  string            `json:"room_id"`
	Message string            `json:"message"`
	Payload []json.RawMessage `json:"payload"`
}

// Relay bridges redis pub/sub and local rooms. Rooms drive subscriptions
// through the ChannelManager interface; inbound messages fan out to room
// members, outbound room emits are published so peers deliver them too.
type Relay struct {
	client redis.UniversalClient
	pubsub *redis.PubSub
	rooms  *RoomManager
}

func NewRelay(client redis.UniversalClient) *Relay {
	return &Relay{
		client: client,
		pubsub: client.Subscribe(context.Background()),
	}
}

// Bind wires the room manager. Relay and RoomManager reference each other,
// so the relay is built first and bound once the rooms exist.
func (r *Relay) Bind(rooms *RoomManager) {
	r.rooms = rooms
}

// Subscribe implements ChannelManager.
func (r *Relay) Subscribe(channel string) {
	if err := r.pubsub.Subscribe(context.Background(), channel); err != nil {
		log.Printf("realtime: subscribe %s: %v", channel, err)
	}
}

// Unsubscribe implements ChannelManager.
func (r *Relay) Unsubscribe(channel string) {
	if err := r.pubsub.Unsubscribe(context.Background(), channel); err != nil {
		log.Printf("realtime: unsubscribe %s: %v", channel, err)
	}
}

// Run consumes the pub/sub stream until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ch := r.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleMessage(msg.Channel, msg.Payload)
		case <-ctx.Done():
			if err := r.pubsub.Close(); err != nil {
				log.Printf("realtime: close pubsub: %v", err)
			}
			return
		}
	}
}

// EmitToRoom publishes an event to every member of the project room, on
// this instance and on peers.
func (r *Relay) EmitToRoom(ctx context.Context, projectID, message string, args ...any) error {
	payload := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return apperr.Wrap(apperr.Consistency, "encode room message", err)
		}
		payload = append(payload, data)
	}
	data, err := json.Marshal(roomMessage{RoomID: projectID, Message: message, Payload: payload})
	if err != nil {
		return apperr.Wrap(apperr.Consistency, "encode room message", err)
	}
	if err := r.client.Publish(ctx, ProjectChannel(projectID), data).Err(); err != nil {
		return apperr.Wrap(apperr.Transient, "publish room message", err)
	}
	return nil
}

func (r *Relay) handleMessage(channel, payload string) {
	switch {
	case strings.HasPrefix(channel, "applied-ops:"):
		r.handleAppliedOp(strings.TrimPrefix(channel, "applied-ops:"), payload)
	case strings.HasPrefix(channel, "editor-events:"):
		r.handleEditorEvent(payload)
	default:
		log.Printf("realtime: message on unexpected channel %s", channel)
	}
}

func (r *Relay) handleAppliedOp(docID string, payload string) {
	var msg docupdater.AppliedOpsMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Printf("realtime: bad applied-op message on doc %s: %v", docID, err)
		return
	}
	members := r.rooms.DocMembers(docID)
	if msg.Error != "" {
		// The session state for this doc is suspect. Every member gets the
		// error and a forced reconnect so it rejoins from a clean snapshot.
		for _, client := range members {
			client.Emit("otUpdateError", msg.Error, docID)
			client.Disconnect()
		}
		return
	}
	if msg.Op == nil {
		return
	}
	for _, client := range members {
		if client.PublicID == msg.Op.Meta.Source {
			// The submitter only needs the version ack, not its own op back.
			client.Emit("otUpdateApplied", map[string]any{"doc": msg.DocID, "v": msg.Op.V})
			continue
		}
		client.Emit("otUpdateApplied", msg.Op)
	}
}

func (r *Relay) handleEditorEvent(payload string) {
	var msg roomMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Printf("realtime: bad editor event: %v", err)
		return
	}
	if msg.Message == "project:publicAccessLevel:changed" {
		r.handleAccessLevelChanged(msg)
	}
	args := make([]any, 0, len(msg.Payload))
	for _, raw := range msg.Payload {
		args = append(args, json.RawMessage(raw))
	}
	_, passesRestricted := restrictedMessagePassList[msg.Message]
	for _, client := range r.rooms.ProjectMembers(msg.RoomID) {
		if client.Session().IsRestrictedUser && !passesRestricted {
			continue
		}
		client.Emit(msg.Message, args...)
	}
}

// handleAccessLevelChanged drops anonymous sessions when link sharing is
// turned off. Their access came from the public level alone, so once it
// goes private they hold no grant at all.
func (r *Relay) handleAccessLevelChanged(msg roomMessage) {
	if len(msg.Payload) == 0 {
		return
	}
	var change struct {
		NewAccessLevel string `json:"newAccessLevel"`
	}
	if err := json.Unmarshal(msg.Payload[0], &change); err != nil {
		log.Printf("realtime: bad access level payload: %v", err)
		return
	}
	if change.NewAccessLevel != "private" {
		return
	}
	for _, client := range r.rooms.ProjectMembers(msg.RoomID) {
		if client.IsAnonymous() {
			client.Emit("project:access:revoked")
			client.Disconnect()
		}
	}
}
