package docstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"papyrus/api/internal/apperr"
)

func TestGetDoc(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		user, pass, _ := r.BasicAuth()
		gotAuth = user + ":" + pass
		json.NewEncoder(w).Encode(Doc{Lines: []string{"hello", "world"}, Version: 42, Pathname: "/main.tex"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "papyrus", "secret", 1024)
	doc, err := client.GetDoc(context.Background(), "project-1", "doc-1")
	if err != nil {
		t.Fatalf("GetDoc: %v", err)
	}
	if gotPath != "/project/project-1/doc/doc-1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "papyrus:secret" {
		t.Errorf("auth = %q", gotAuth)
	}
	if strings.Join(doc.Lines, "\n") != "hello\nworld" || doc.Version != 42 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestPeekDocSetsQueryFlag(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(Doc{Lines: []string{"x"}, Version: 1})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", 1024)
	if _, err := client.PeekDoc(context.Background(), "p", "d"); err != nil {
		t.Fatalf("PeekDoc: %v", err)
	}
	if gotQuery != "peek=true" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestGetDocNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", 1024)
	_, err := client.GetDoc(context.Background(), "p", "d")
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("want not-found error, got %v", err)
	}
}

func TestGetDocTooLargeFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Doc{Lines: []string{strings.Repeat("a", 100)}, Version: 1})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", 50)
	_, err := client.GetDoc(context.Background(), "p", "d")
	if !apperr.Is(err, apperr.TooLarge) {
		t.Fatalf("want too-large error, got %v", err)
	}
}

func TestSetDoc(t *testing.T) {
	var gotMethod string
	var gotDoc Doc
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotDoc)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", 1024)
	doc := Doc{Lines: []string{"one", "two"}, Version: 7, LastUpdatedBy: "user-1"}
	if err := client.SetDoc(context.Background(), "p", "d", doc); err != nil {
		t.Fatalf("SetDoc: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s", gotMethod)
	}
	if gotDoc.Version != 7 || gotDoc.LastUpdatedBy != "user-1" {
		t.Errorf("posted doc = %+v", gotDoc)
	}
}

func TestSetDocTooLargeRefusedLocally(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", 10)
	err := client.SetDoc(context.Background(), "p", "d", Doc{Lines: []string{strings.Repeat("a", 64)}})
	if !apperr.Is(err, apperr.TooLarge) {
		t.Fatalf("want too-large error, got %v", err)
	}
	if called {
		t.Error("oversized doc reached the store")
	}
}

func TestUpstreamErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "", 1024)
	_, err := client.GetDoc(context.Background(), "p", "d")
	if !apperr.Is(err, apperr.Transient) {
		t.Fatalf("want transient error, got %v", err)
	}
}
