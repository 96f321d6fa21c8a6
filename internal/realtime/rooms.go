package realtime

import "sync"

// ChannelManager receives subscribe/unsubscribe calls as rooms gain their
// first member and lose their last one. The relay implements it against
// redis pub/sub. Calls arrive under the room lock and in room order, so
// implementations must not call back into the RoomManager synchronously.
type ChannelManager interface {
	Subscribe(channel string)
	Unsubscribe(channel string)
}

// ProjectChannel names the pub/sub channel a project room listens on.
func ProjectChannel(projectID string) string {
	return "editor-events:" + projectID
}

type room struct {
	members map[*Client]struct{}
	// intents counts join and leave attempts per client. Joining a doc has
	// suspension points; a leave that lands mid-join bumps the counter so
	// the stale join completion is discarded instead of resubscribing.
	intents map[*Client]uint64
}

func newRoom() *room {
	return &room{
		members: make(map[*Client]struct{}),
		intents: make(map[*Client]uint64),
	}
}

// RoomManager tracks which clients sit in which project and doc rooms and
// keeps exactly one channel subscription alive per occupied room.
type RoomManager struct {
	channels ChannelManager

	mu       sync.Mutex
	projects map[string]*room
	docs     map[string]*room
}

func NewRoomManager(channels ChannelManager) *RoomManager {
	return &RoomManager{
		channels: channels,
		projects: make(map[string]*room),
		docs:     make(map[string]*room),
	}
}

// JoinIntent registers that the client is about to join the doc room and
// returns a token to pass to CommitJoinDoc once the slow part of the join
// has finished.
func (r *RoomManager) JoinIntent(client *Client, docID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.docs[docID]
	if rm == nil {
		rm = newRoom()
		r.docs[docID] = rm
	}
	rm.intents[client]++
	return rm.intents[client]
}

// CommitJoinDoc adds the client to the doc room if the intent token is still
// the latest for that client. It returns false when a leave or newer join
// superseded the attempt.
func (r *RoomManager) CommitJoinDoc(client *Client, docID string, intent uint64, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.docs[docID]
	if rm == nil || rm.intents[client] != intent {
		return false
	}
	if len(rm.members) == 0 {
		r.channels.Subscribe(channel)
	}
	rm.members[client] = struct{}{}
	return true
}

// LeaveDoc removes the client from the doc room. It also invalidates any
// in-flight join intent so a join racing the leave cannot land afterwards.
func (r *RoomManager) LeaveDoc(client *Client, docID string, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.docs[docID]
	if rm == nil {
		return
	}
	rm.intents[client]++
	_, wasMember := rm.members[client]
	delete(rm.members, client)
	if wasMember && len(rm.members) == 0 {
		r.channels.Unsubscribe(channel)
	}
	if len(rm.members) == 0 && len(rm.intents) == 0 {
		delete(r.docs, docID)
	}
}

// LeaveDocIfIntent unwinds a join, but only while the intent token is still
// current. A failed join must not kick the client out of a room it has
// since rejoined.
func (r *RoomManager) LeaveDocIfIntent(client *Client, docID string, intent uint64, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.docs[docID]
	if rm == nil || rm.intents[client] != intent {
		return
	}
	_, wasMember := rm.members[client]
	delete(rm.members, client)
	if wasMember && len(rm.members) == 0 {
		r.channels.Unsubscribe(channel)
	}
}

// JoinProject adds the client to the project room, subscribing on first
// member. Project joins run their auth check before any room mutation, so
// no intent token is needed here.
func (r *RoomManager) JoinProject(client *Client, projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.projects[projectID]
	if rm == nil {
		rm = newRoom()
		r.projects[projectID] = rm
	}
	if len(rm.members) == 0 {
		r.channels.Subscribe(ProjectChannel(projectID))
	}
	rm.members[client] = struct{}{}
}

// LeaveProject removes the client from the project room and from every doc
// room it occupies, unsubscribing rooms it leaves empty. docChannel maps a
// doc id to its pub/sub channel name.
func (r *RoomManager) LeaveProject(client *Client, projectID string, docChannel func(docID string) string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for docID, rm := range r.docs {
		if _, ok := rm.members[client]; !ok {
			delete(rm.intents, client)
			continue
		}
		rm.intents[client]++
		delete(rm.members, client)
		if len(rm.members) == 0 {
			delete(r.docs, docID)
			r.channels.Unsubscribe(docChannel(docID))
		}
	}
	rm := r.projects[projectID]
	if rm == nil {
		return
	}
	_, wasMember := rm.members[client]
	delete(rm.members, client)
	delete(rm.intents, client)
	if wasMember && len(rm.members) == 0 {
		delete(r.projects, projectID)
		r.channels.Unsubscribe(ProjectChannel(projectID))
	}
}

// ProjectMembers snapshots the clients currently in the project room.
func (r *RoomManager) ProjectMembers(projectID string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.projects[projectID]
	if rm == nil {
		return nil
	}
	members := make([]*Client, 0, len(rm.members))
	for c := range rm.members {
		members = append(members, c)
	}
	return members
}

// DocMembers snapshots the clients currently in the doc room.
func (r *RoomManager) DocMembers(docID string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.docs[docID]
	if rm == nil {
		return nil
	}
	members := make([]*Client, 0, len(rm.members))
	for c := range rm.members {
		members = append(members, c)
	}
	return members
}

// InDocRoom reports whether the client currently sits in the doc room.
func (r *RoomManager) InDocRoom(client *Client, docID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.docs[docID]
	if rm == nil {
		return false
	}
	_, ok := rm.members[client]
	return ok
}

// ProjectEmpty reports whether no client remains in the project room.
func (r *RoomManager) ProjectEmpty(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.projects[projectID]
	return rm == nil || len(rm.members) == 0
}

// AllClients snapshots every connected client across all project rooms.
func (r *RoomManager) AllClients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*Client]struct{})
	var clients []*Client
	for _, rm := range r.projects {
		for c := range rm.members {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			clients = append(clients, c)
		}
	}
	return clients
}
