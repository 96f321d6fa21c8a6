package realtime

import (
	"sync"
	"testing"
)

type recordingChannels struct {
	mu          sync.Mutex
	subscribed  []string
	unsubcribed []string
}

func (r *recordingChannels) Subscribe(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = append(r.subscribed, channel)
}

func (r *recordingChannels) Unsubscribe(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubcribed = append(r.unsubcribed, channel)
}

func (r *recordingChannels) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribed), len(r.unsubcribed)
}

func newRoomClient() *Client {
	return NewClient(&fakeConn{})
}

func joinDocRoom(rm *RoomManager, client *Client, docID, channel string) {
	intent := rm.JoinIntent(client, docID)
	rm.CommitJoinDoc(client, docID, intent, channel)
}

func TestDocRoomSubscribesOncePerRoom(t *testing.T) {
	channels := &recordingChannels{}
	rm := NewRoomManager(channels)
	a, b := newRoomClient(), newRoomClient()

	joinDocRoom(rm, a, "doc-1", "applied-ops:doc-1")
	joinDocRoom(rm, b, "doc-1", "applied-ops:doc-1")

	subs, unsubs := channels.counts()
	if subs != 1 || unsubs != 0 {
		t.Fatalf("got %d subscribes, %d unsubscribes, want 1, 0", subs, unsubs)
	}

	rm.LeaveDoc(a, "doc-1", "applied-ops:doc-1")
	if _, unsubs := channels.counts(); unsubs != 0 {
		t.Fatalf("unsubscribed while room still occupied")
	}
	rm.LeaveDoc(b, "doc-1", "applied-ops:doc-1")
	if _, unsubs := channels.counts(); unsubs != 1 {
		t.Fatalf("got %d unsubscribes after last leave, want 1", unsubs)
	}
}

func TestLeaveInvalidatesPendingJoin(t *testing.T) {
	channels := &recordingChannels{}
	rm := NewRoomManager(channels)
	client := newRoomClient()

	intent := rm.JoinIntent(client, "doc-1")
	rm.LeaveDoc(client, "doc-1", "applied-ops:doc-1")

	if rm.CommitJoinDoc(client, "doc-1", intent, "applied-ops:doc-1") {
		t.Fatalf("stale join intent was committed")
	}
	if rm.InDocRoom(client, "doc-1") {
		t.Fatalf("client joined doc room after leaving")
	}
	if subs, _ := channels.counts(); subs != 0 {
		t.Fatalf("stale join leaked a subscription")
	}
}

func TestStaleUnwindDoesNotEvictRejoinedClient(t *testing.T) {
	channels := &recordingChannels{}
	rm := NewRoomManager(channels)
	client := newRoomClient()

	stale := rm.JoinIntent(client, "doc-1")
	joinDocRoom(rm, client, "doc-1", "applied-ops:doc-1")

	rm.LeaveDocIfIntent(client, "doc-1", stale, "applied-ops:doc-1")
	if !rm.InDocRoom(client, "doc-1") {
		t.Fatalf("stale unwind evicted a rejoined client")
	}
}

func TestLeaveProjectEmptiesDocRooms(t *testing.T) {
	channels := &recordingChannels{}
	rm := NewRoomManager(channels)
	a, b := newRoomClient(), newRoomClient()

	rm.JoinProject(a, "project-1")
	rm.JoinProject(b, "project-1")
	joinDocRoom(rm, a, "doc-1", "applied-ops:doc-1")
	joinDocRoom(rm, a, "doc-2", "applied-ops:doc-2")
	joinDocRoom(rm, b, "doc-1", "applied-ops:doc-1")

	rm.LeaveProject(a, "project-1", func(docID string) string { return "applied-ops:" + docID })

	if rm.InDocRoom(a, "doc-1") || rm.InDocRoom(a, "doc-2") {
		t.Fatalf("client still in doc rooms after leaving project")
	}
	if !rm.InDocRoom(b, "doc-1") {
		t.Fatalf("other client was evicted")
	}
	if rm.ProjectEmpty("project-1") {
		t.Fatalf("project empty with one member left")
	}

	rm.LeaveProject(b, "project-1", func(docID string) string { return "applied-ops:" + docID })
	if !rm.ProjectEmpty("project-1") {
		t.Fatalf("project not empty after last leave")
	}
	// doc-2 emptied on a's leave, doc-1 and the project channel on b's.
	if _, unsubs := channels.counts(); unsubs != 3 {
		t.Fatalf("got %d unsubscribes, want 3", unsubs)
	}
}
