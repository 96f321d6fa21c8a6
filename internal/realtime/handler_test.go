package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"papyrus/api/internal/webapi"
)

type fakeUsers struct{}

func (fakeUsers) GetUserInfo(ctx context.Context, userID string) (*webapi.User, error) {
	return &webapi.User{ID: userID, FirstName: "Ada"}, nil
}

func TestHandlerSpeaksSessionProtocol(t *testing.T) {
	f := newSessionFixture(t)
	handler := NewHandler(f.controller, fakeUsers{})
	server := httptest.NewServer(handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var accepted struct {
		Name string            `json:"name"`
		Args []json.RawMessage `json:"args"`
	}
	if err := conn.ReadJSON(&accepted); err != nil {
		t.Fatalf("read connectionAccepted: %v", err)
	}
	if accepted.Name != "connectionAccepted" {
		t.Fatalf("first frame = %q, want connectionAccepted", accepted.Name)
	}

	join := map[string]any{
		"id":   1,
		"name": "joinProject",
		"args": []any{map[string]string{"project_id": "project-1", "user_id": "user-1"}},
	}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("write joinProject: %v", err)
	}
	var resp struct {
		ID    int64  `json:"id"`
		Error string `json:"error"`
		Data  struct {
			PrivilegeLevel  string `json:"privilegeLevel"`
			ProtocolVersion int    `json:"protocolVersion"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read joinProject response: %v", err)
	}
	if resp.ID != 1 || resp.Error != "" {
		t.Fatalf("joinProject response = %+v", resp)
	}
	if resp.Data.ProtocolVersion != ProtocolVersion || resp.Data.PrivilegeLevel != PrivilegeReadAndWrite {
		t.Errorf("join data = %+v", resp.Data)
	}

	joinDoc := map[string]any{
		"id":   2,
		"name": "joinDoc",
		"args": []any{"doc-1", -1, map[string]bool{}},
	}
	if err := conn.WriteJSON(joinDoc); err != nil {
		t.Fatalf("write joinDoc: %v", err)
	}
	var docResp struct {
		ID   int64 `json:"id"`
		Data struct {
			Lines   []string `json:"lines"`
			Version int64    `json:"version"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&docResp); err != nil {
		t.Fatalf("read joinDoc response: %v", err)
	}
	if docResp.Data.Version != 5 || len(docResp.Data.Lines) != 2 {
		t.Errorf("joinDoc data = %+v", docResp.Data)
	}
}
