package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/sharedoc"
	"papyrus/api/internal/webapi"
)

// UserInfoSource resolves a user id to display fields for the session.
type UserInfoSource interface {
	GetUserInfo(ctx context.Context, userID string) (*webapi.User, error)
}

// rpcRequest is one client-to-server frame. Frames with an id expect an
// rpcResponse; frames without are fire-and-forget.
type rpcRequest struct {
	ID   int64             `json:"id,omitempty"`
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args,omitempty"`
}

type rpcResponse struct {
	ID    int64  `json:"id"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Handler upgrades editor connections and speaks the session RPC protocol
// over them.
type Handler struct {
	controller *Controller
	users      UserInfoSource
	upgrader   websocket.Upgrader
}

func NewHandler(controller *Controller, users UserInfoSource) *Handler {
	return &Handler{
		controller: controller,
		users:      users,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The web app fronts this service; origin policy lives there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade: %v", err)
		return
	}
	client := NewClient(conn)
	go client.WritePump()
	client.Emit("connectionAccepted", map[string]any{"publicId": client.PublicID})
	h.readLoop(client, conn)
}

func (h *Handler) readLoop(client *Client, conn *websocket.Conn) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.controller.LeaveProject(ctx, client)
		client.Disconnect()
	}()
	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("realtime: read from client %s: %v", client.PublicID, err)
			}
			return
		}
		// Each request runs in its own goroutine: a doc join holds the doc
		// lock and must not stall cursor updates behind it.
		go h.dispatch(client, req)
	}
}

func (h *Handler) dispatch(client *Client, req rpcRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	data, err := h.handle(ctx, client, req)
	if req.ID == 0 {
		return
	}
	resp := rpcResponse{ID: req.ID, Data: data}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = errorCode(err)
	}
	client.Send(resp)
}

func (h *Handler) handle(ctx context.Context, client *Client, req rpcRequest) (any, error) {
	switch req.Name {
	case "joinProject":
		var args struct {
			ProjectID string `json:"project_id"`
			UserID    string `json:"user_id"`
		}
		if err := decodeArg(req.Args, 0, &args); err != nil {
			return nil, err
		}
		user, err := h.users.GetUserInfo(ctx, args.UserID)
		if err != nil {
			return nil, err
		}
		return h.controller.JoinProject(ctx, client, args.ProjectID, *user)

	case "joinDoc":
		var docID string
		if err := decodeArg(req.Args, 0, &docID); err != nil {
			return nil, err
		}
		fromVersion := int64(-1)
		if len(req.Args) > 1 {
			if err := decodeArg(req.Args, 1, &fromVersion); err != nil {
				return nil, err
			}
		}
		var opts JoinDocOptions
		if len(req.Args) > 2 {
			if err := decodeArg(req.Args, 2, &opts); err != nil {
				return nil, err
			}
		}
		return h.controller.JoinDoc(ctx, client, docID, fromVersion, opts)

	case "leaveDoc":
		var docID string
		if err := decodeArg(req.Args, 0, &docID); err != nil {
			return nil, err
		}
		h.controller.LeaveDoc(client, docID)
		return nil, nil

	case "clientTracking.updatePosition":
		var cursor CursorPosition
		if err := decodeArg(req.Args, 0, &cursor); err != nil {
			return nil, err
		}
		return nil, h.controller.UpdateClientPosition(ctx, client, cursor)

	case "clientTracking.getConnectedUsers":
		return h.controller.GetConnectedUsers(ctx, client)

	case "applyOtUpdate":
		var docID string
		if err := decodeArg(req.Args, 0, &docID); err != nil {
			return nil, err
		}
		var update sharedoc.Update
		if err := decodeArg(req.Args, 1, &update); err != nil {
			return nil, err
		}
		return nil, h.controller.ApplyOtUpdate(ctx, client, docID, update)

	default:
		return nil, apperr.New(apperr.NotFound, "unknown rpc "+req.Name)
	}
}

func decodeArg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return apperr.New(apperr.Consistency, "missing rpc argument")
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return apperr.Wrap(apperr.Consistency, "bad rpc argument", err)
	}
	return nil
}

func errorCode(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Kind.String()
	}
	return ""
}
