// Package docstore is the HTTP client for the document-store collaborator,
// the canonical home of document lines between editing sessions.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/ranges"
)

// Doc is the wire form of a stored document.
type Doc struct {
	Lines    []string      `json:"lines"`
	Version  int64         `json:"version"`
	Ranges   ranges.Ranges `json:"ranges"`
	Pathname string        `json:"pathname,omitempty"`
	// OTType is the operation type the document accepts. Empty means the
	// classic text type.
	OTType        string `json:"otType,omitempty"`
	LastUpdatedAt int64  `json:"lastUpdatedAt,omitempty"`
	LastUpdatedBy string `json:"lastUpdatedBy,omitempty"`
}

type Client struct {
	baseURL      string
	user         string
	pass         string
	maxDocLength int
	httpClient   *http.Client
}

func NewClient(baseURL, user, pass string, maxDocLength int) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		user:         user,
		pass:         pass,
		maxDocLength: maxDocLength,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// GetDoc fetches a document and marks it as loaded into an editing session.
func (c *Client) GetDoc(ctx context.Context, projectID, docID string) (Doc, error) {
	return c.getDoc(ctx, projectID, docID, false)
}

// PeekDoc fetches a document without marking it as loaded.
func (c *Client) PeekDoc(ctx context.Context, projectID, docID string) (Doc, error) {
	return c.getDoc(ctx, projectID, docID, true)
}

func (c *Client) getDoc(ctx context.Context, projectID, docID string, peek bool) (Doc, error) {
	url := fmt.Sprintf("%s/project/%s/doc/%s", c.baseURL, projectID, docID)
	if peek {
		url += "?peek=true"
	}
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Doc{}, err
	}
	var doc Doc
	if err := json.Unmarshal(body, &doc); err != nil {
		return Doc{}, fmt.Errorf("docstore: parse doc %s: %w", docID, err)
	}
	if size := docSize(doc.Lines); size > c.maxDocLength {
		return Doc{}, apperr.New(apperr.TooLarge, fmt.Sprintf("doc %s exceeds maximum length (%d bytes)", docID, size))
	}
	return doc, nil
}

// SetDoc writes a document back to the store. Oversized documents are
// refused here too, so a bad in-memory state can never clobber the
// canonical copy.
func (c *Client) SetDoc(ctx context.Context, projectID, docID string, doc Doc) error {
	if size := docSize(doc.Lines); size > c.maxDocLength {
		return apperr.New(apperr.TooLarge, fmt.Sprintf("doc %s exceeds maximum length (%d bytes)", docID, size))
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: encode doc %s: %w", docID, err)
	}
	url := fmt.Sprintf("%s/project/%s/doc/%s", c.baseURL, projectID, docID)
	_, err = c.do(ctx, http.MethodPost, url, payload)
	return err
}

// do runs one request with a single retry on a reset connection. The store
// sits behind a connection-recycling proxy, so the first request after an
// idle period can fail this way.
func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	body, err := c.doOnce(ctx, method, url, payload)
	if err != nil && isConnReset(err) {
		body, err = c.doOnce(ctx, method, url, payload)
	}
	return body, err
}

func (c *Client) doOnce(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("docstore: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("docstore: read response: %w", err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.New(apperr.NotFound, "document not found")
	default:
		return nil, apperr.New(apperr.Transient, fmt.Sprintf("docstore returned status %d for %s", resp.StatusCode, url))
	}
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF)
}

func docSize(lines []string) int {
	size := 0
	for _, line := range lines {
		size += len(line) + 1
	}
	return size
}
