// Package app exposes the editing core over HTTP: doc reads and writes,
// tracked-change actions, history queries, and operational endpoints.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/docupdater"
	"papyrus/api/internal/history"
	"papyrus/api/internal/sharedoc"
	"papyrus/api/internal/webapi"
)

// UserResolver fills user display details into history responses.
type UserResolver interface {
	GetUserInfo(ctx context.Context, userID string) (*webapi.User, error)
}

// Pinger is a dependency health probe.
type Pinger func(ctx context.Context) error

type HTTPServer struct {
	docs    *docupdater.DocumentManager
	updates *history.UpdatesManager
	diff    *history.DiffManager
	restore *history.RestoreManager
	users   UserResolver

	// ws serves the editor websocket endpoint when set.
	ws http.Handler

	maxUpdateSize int
	pings         map[string]Pinger
}

func NewHTTPServer(docs *docupdater.DocumentManager, updates *history.UpdatesManager, diff *history.DiffManager, restore *history.RestoreManager, users UserResolver, maxUpdateSize int) *HTTPServer {
	return &HTTPServer{
		docs:          docs,
		updates:       updates,
		diff:          diff,
		restore:       restore,
		users:         users,
		maxUpdateSize: maxUpdateSize,
		pings:         map[string]Pinger{},
	}
}

// MountWebsocket serves the editor socket at /socket.
func (s *HTTPServer) MountWebsocket(handler http.Handler) {
	s.ws = handler
}

// AddPing registers a named dependency probe for /health.
func (s *HTTPServer) AddPing(name string, ping Pinger) {
	s.pings[name] = ping
}

func (s *HTTPServer) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if s.ws != nil && r.URL.Path == "/socket" {
		s.ws.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	switch {
	case len(parts) == 1 && parts[0] == "status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 1 && parts[0] == "health" && r.Method == http.MethodGet:
		s.handleHealth(w, r)

	case len(parts) == 2 && parts[0] == "flush" && parts[1] == "all" && r.Method == http.MethodPost:
		s.handleFlushAll(w, r)

	case len(parts) >= 2 && parts[0] == "project":
		s.handleProject(w, r, parts[1], parts[2:])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, projectID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodDelete:
		s.handleDeleteProject(w, r, projectID)

	case len(rest) == 1 && rest[0] == "flush" && r.Method == http.MethodPost:
		s.respond(w, s.docs.FlushProject(r.Context(), projectID))

	case len(rest) == 2 && rest[0] == "history" && rest[1] == "flush" && r.Method == http.MethodPost:
		s.respond(w, s.updates.ProcessUncompressedUpdatesForProject(r.Context(), projectID))

	case len(rest) == 1 && rest[0] == "updates" && r.Method == http.MethodGet:
		s.handleProjectUpdates(w, r, projectID)

	case len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, projectID)

	case len(rest) >= 2 && rest[0] == "doc":
		s.handleDoc(w, r, projectID, rest[1], rest[2:])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleDoc(w http.ResponseWriter, r *http.Request, projectID, docID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.handleGetDoc(w, r, projectID, docID)

	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleSetDoc(w, r, projectID, docID)

	case len(rest) == 0 && r.Method == http.MethodDelete:
		s.respond(w, s.docs.FlushAndDeleteDocWithLock(r.Context(), projectID, docID, false))

	case len(rest) == 1 && rest[0] == "flush" && r.Method == http.MethodPost:
		s.respond(w, s.docs.FlushDocIfLoadedWithLock(r.Context(), projectID, docID))

	case len(rest) == 2 && rest[0] == "changes" && rest[1] == "accept" && r.Method == http.MethodPost:
		s.handleAcceptChanges(w, r, projectID, docID)

	case len(rest) == 2 && rest[0] == "changes" && rest[1] == "reject" && r.Method == http.MethodPost:
		s.handleRejectChanges(w, r, projectID, docID)

	case len(rest) == 2 && rest[0] == "comment" && r.Method == http.MethodDelete:
		s.respond(w, s.docs.DeleteCommentWithLock(r.Context(), projectID, docID, rest[1]))

	case len(rest) == 1 && rest[0] == "diff" && r.Method == http.MethodGet:
		s.handleDiff(w, r, projectID, docID)

	case len(rest) == 1 && rest[0] == "updates" && r.Method == http.MethodGet:
		s.handleDocUpdates(w, r, projectID, docID)

	case len(rest) == 3 && rest[0] == "version" && rest[2] == "restore" && r.Method == http.MethodPost:
		s.handleRestore(w, r, projectID, docID, rest[1])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	status := http.StatusOK
	checks := map[string]any{}
	for name, ping := range s.pings {
		if err := ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks[name] = map[string]any{"status": "ok"}
		}
	}
	writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": checks})
}

func (s *HTTPServer) handleGetDoc(w http.ResponseWriter, r *http.Request, projectID, docID string) {
	fromVersion := int64(-1)
	if raw := r.URL.Query().Get("fromVersion"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_VERSION", "fromVersion must be an integer", nil)
			return
		}
		fromVersion = parsed
	}
	doc, ops, err := s.docs.GetDocAndRecentOpsWithLock(r.Context(), projectID, docID, fromVersion)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if ops == nil {
		ops = []sharedoc.Update{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       docID,
		"lines":    doc.Lines,
		"version":  doc.Version,
		"ops":      ops,
		"ranges":   doc.Ranges,
		"pathname": doc.Pathname,
		"type":     doc.OTType,
	})
}

func (s *HTTPServer) handleSetDoc(w http.ResponseWriter, r *http.Request, projectID, docID string) {
	var body struct {
		Lines   []string `json:"lines"`
		Source  string   `json:"source"`
		UserID  string   `json:"user_id"`
		Undoing bool     `json:"undoing"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.respond(w, s.docs.SetDocWithLock(r.Context(), projectID, docID, body.Lines, body.Source, body.UserID, body.Undoing))
}

func (s *HTTPServer) handleDeleteProject(w http.ResponseWriter, r *http.Request, projectID string) {
	ignoreFlushErrors := r.URL.Query().Get("background") == "true"
	s.respond(w, s.docs.FlushAndDeleteProject(r.Context(), projectID, ignoreFlushErrors))
}

func (s *HTTPServer) handleAcceptChanges(w http.ResponseWriter, r *http.Request, projectID, docID string) {
	var body struct {
		ChangeIDs []string `json:"change_ids"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.respond(w, s.docs.AcceptChangesWithLock(r.Context(), projectID, docID, body.ChangeIDs))
}

func (s *HTTPServer) handleRejectChanges(w http.ResponseWriter, r *http.Request, projectID, docID string) {
	var body struct {
		ChangeIDs []string `json:"change_ids"`
		UserID    string   `json:"user_id"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.respond(w, s.docs.RejectChangesWithLock(r.Context(), projectID, docID, body.ChangeIDs, body.UserID))
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request, projectID, docID string) {
	from, ok := queryVersion(w, r, "from")
	if !ok {
		return
	}
	to, ok := queryVersion(w, r, "to")
	if !ok {
		return
	}
	diff, err := s.diff.GetDiff(r.Context(), projectID, docID, from, to)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": diff})
}

func (s *HTTPServer) handleDocUpdates(w http.ResponseWriter, r *http.Request, projectID, docID string) {
	from := int64(-1)
	to := int64(-1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_VERSION", "from must be an integer", nil)
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_VERSION", "to must be an integer", nil)
			return
		}
		to = parsed
	}
	updates, err := s.updates.GetDocUpdates(r.Context(), projectID, docID, from, to)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if updates == nil {
		updates = []sharedoc.Update{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": updates})
}

// summaryEntry is a SummarizedUpdate with resolved user objects in place
// of bare ids. Resolution happens here at the HTTP edge; the history core
// stays unaware of the web app.
type summaryEntry struct {
	Meta struct {
		Users   []webapi.User `json:"users"`
		StartTS int64         `json:"start_ts"`
		EndTS   int64         `json:"end_ts"`
	} `json:"meta"`
	Docs map[string]history.DocSummary `json:"docs"`
}

func (s *HTTPServer) handleProjectUpdates(w http.ResponseWriter, r *http.Request, projectID string) {
	before := int64(0)
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_TIMESTAMP", "before must be an epoch-ms integer", nil)
			return
		}
		before = parsed
	}
	minCount, _ := strconv.Atoi(r.URL.Query().Get("min_count"))

	summaries, nextBefore, err := s.updates.GetSummarizedProjectUpdates(r.Context(), projectID, before, minCount)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	userCache := map[string]webapi.User{}
	entries := make([]summaryEntry, 0, len(summaries))
	for _, summary := range summaries {
		entry := summaryEntry{Docs: summary.Docs}
		entry.Meta.StartTS = summary.Meta.StartTS
		entry.Meta.EndTS = summary.Meta.EndTS
		entry.Meta.Users = make([]webapi.User, 0, len(summary.Meta.UserIDs))
		for _, userID := range summary.Meta.UserIDs {
			user, ok := userCache[userID]
			if !ok {
				resolved, err := s.users.GetUserInfo(r.Context(), userID)
				if err != nil {
					// History must render even when the web app is down.
					log.Printf("app: resolve user %s: %v", userID, err)
					resolved = &webapi.User{ID: userID}
				}
				user = *resolved
				userCache[userID] = user
			}
			entry.Meta.Users = append(entry.Meta.Users, user)
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updates":             entries,
		"nextBeforeTimestamp": nextBefore,
	})
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request, projectID, docID, rawVersion string) {
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_VERSION", "version must be an integer", nil)
		return
	}
	userID := r.Header.Get("X-User-Id")
	s.respond(w, s.restore.RestoreToBeforeVersion(r.Context(), projectID, docID, version, userID))
}

// handleExport streams the project's full history as one JSON array. User
// ids arrive in the X-User-Ids trailer once the body is complete, so the
// reader learns about them without buffering the whole export first.
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, projectID string) {
	w.Header().Set("Trailer", "X-User-Ids")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if _, err := w.Write([]byte("[")); err != nil {
		return
	}
	wroteAny := false
	userIDs, err := s.updates.ExportProject(r.Context(), projectID, func(updates []sharedoc.Update) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		for i := range updates {
			data, err := json.Marshal(updates[i])
			if err != nil {
				return fmt.Errorf("app: encode export update: %w", err)
			}
			if wroteAny {
				data = append([]byte(","), data...)
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
			wroteAny = true
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Status is already written. The missing closing bracket leaves the
		// body unparseable, so a partial export cannot pass for a full one.
		log.Printf("app: export project %s: %v", projectID, err)
		return
	}
	if _, err := w.Write([]byte("]")); err != nil {
		return
	}
	w.Header().Set("X-User-Ids", strings.Join(userIDs, ","))
}

func (s *HTTPServer) handleFlushAll(w http.ResponseWriter, r *http.Request) {
	limit := -1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_LIMIT", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	result, err := s.updates.FlushAll(r.Context(), limit)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func (s *HTTPServer) respond(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reads a JSON body capped at the update size limit. Oversized
// bodies are refused at the transport with 413 before any parsing.
func (s *HTTPServer) decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.maxUpdateSize))
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body exceeds the update size limit", nil)
			return false
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", nil)
		return false
	}
	return true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: %v", err)
	}
	writeError(w, status, code, err.Error(), nil)
}

func mapError(err error) (int, string) {
	// A catch-up window miss asks the caller to re-fetch the whole doc, a
	// different condition from a version conflict.
	if errors.Is(err, docupdater.ErrOpRangeNotAvailable) {
		return http.StatusUnprocessableEntity, "OPS_NOT_AVAILABLE"
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperr.NotFound:
			return http.StatusNotFound, "NOT_FOUND"
		case apperr.Consistency:
			return http.StatusConflict, "CONFLICT"
		case apperr.Authorization:
			return http.StatusForbidden, "FORBIDDEN"
		case apperr.TooLarge:
			return http.StatusNotAcceptable, "TOO_LARGE"
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR"
}

func queryVersion(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		writeError(w, http.StatusUnprocessableEntity, "MISSING_VERSION", name+" is required", nil)
		return 0, false
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_VERSION", name+" must be an integer", nil)
		return 0, false
	}
	return version, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
