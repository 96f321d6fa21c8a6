// Package realtime manages editor connections: project and doc rooms,
// update fan-out, presence, and the websocket session protocol.
package realtime

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the transport under a client. *websocket.Conn satisfies it; tests
// use an in-memory fake.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Event is one frame sent to a client.
type Event struct {
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
}

// Privilege levels as granted by the web app.
const (
	PrivilegeReadOnly     = "readOnly"
	PrivilegeReadAndWrite = "readAndWrite"
	PrivilegeOwner        = "owner"
)

const sendBufferSize = 64

// Session is the per-connection context established by JoinProject.
type Session struct {
	ProjectID        string
	UserID           string
	FirstName        string
	LastName         string
	Email            string
	PrivilegeLevel   string
	IsRestrictedUser bool
	ConnectedAt      time.Time
}

// Client is one editor connection. PublicID is the identity other clients
// see; it doubles as the update source tag for ack routing.
type Client struct {
	PublicID string

	conn Conn
	send chan any
	done chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	session Session
	docs    map[string]struct{}
}

func NewClient(conn Conn) *Client {
	return &Client{
		PublicID: uuid.NewString(),
		conn:     conn,
		send:     make(chan any, sendBufferSize),
		done:     make(chan struct{}),
		docs:     make(map[string]struct{}),
	}
}

// WritePump drains the send queue onto the connection. Run it in its own
// goroutine; it returns when the client disconnects.
func (c *Client) WritePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				log.Printf("realtime: write to client %s: %v", c.PublicID, err)
				c.Disconnect()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Emit queues an event for the client. A full buffer means the consumer is
// not keeping up; the event is dropped and the slow client disconnected so
// it reconnects with a fresh snapshot instead of diverging.
func (c *Client) Emit(name string, args ...any) {
	c.enqueue(Event{Name: name, Args: args})
}

// Send queues an arbitrary frame, used by the transport for RPC replies.
func (c *Client) Send(frame any) {
	c.enqueue(frame)
}

func (c *Client) enqueue(frame any) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		log.Printf("realtime: send buffer full, disconnecting client %s", c.PublicID)
		c.Disconnect()
	}
}

// Disconnect closes the connection. Safe to call more than once and from
// any goroutine.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			log.Printf("realtime: close client %s: %v", c.PublicID, err)
		}
	})
}

// Disconnected reports whether the connection is gone. Long handlers check
// this at each suspension point so work for dead clients stops early.
func (c *Client) Disconnected() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SetSession stores the context established by a successful project join.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// GrantDoc records that the client passed the join checks for a doc. The
// grant persists for the connection; rejoining a doc needs no new web-api
// round trip.
func (c *Client) GrantDoc(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[docID] = struct{}{}
}

func (c *Client) HasDoc(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.docs[docID]
	return ok
}

// CanView reports whether the session may read the project.
func (c *Client) CanView() bool {
	switch c.Session().PrivilegeLevel {
	case PrivilegeReadOnly, PrivilegeReadAndWrite, PrivilegeOwner:
		return true
	default:
		return false
	}
}

// CanEdit reports whether the session may change documents.
func (c *Client) CanEdit() bool {
	switch c.Session().PrivilegeLevel {
	case PrivilegeReadAndWrite, PrivilegeOwner:
		return true
	default:
		return false
	}
}

// IsAnonymous reports a session with no logged-in user behind it.
func (c *Client) IsAnonymous() bool {
	s := c.Session()
	return s.UserID == "" || s.UserID == "anonymous-user"
}

// DisplayName renders the session's user for presence payloads.
func (c *Client) DisplayName() string {
	s := c.Session()
	switch {
	case s.FirstName != "" && s.LastName != "":
		return s.FirstName + " " + s.LastName
	case s.FirstName != "":
		return s.FirstName
	default:
		return s.LastName
	}
}
