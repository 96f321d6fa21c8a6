// Package webapi is the HTTP client for the web application collaborator.
// It answers two questions for the editing core: may this user join this
// project, and who is this user.
package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"papyrus/api/internal/apperr"
)

// User is the public slice of an account used to label history entries and
// presence.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

type Project struct {
	ID                string `json:"_id"`
	Name              string `json:"name"`
	PublicAccessLevel string `json:"publicAccesLevel,omitempty"`
	OwnerID           string `json:"owner_id,omitempty"`
}

// JoinResult is the web app's answer to a join request.
type JoinResult struct {
	Project          Project `json:"project"`
	PrivilegeLevel   string  `json:"privilegeLevel"`
	IsRestrictedUser bool    `json:"isRestrictedUser"`
}

type Client struct {
	baseURL    string
	user       string
	pass       string
	httpClient *http.Client
}

func NewClient(baseURL, user, pass string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		user:       user,
		pass:       pass,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// JoinProject asks the web app whether userID may join projectID and with
// what privileges. An empty privilege level in the response means no.
func (c *Client) JoinProject(ctx context.Context, projectID, userID string) (*JoinResult, error) {
	url := fmt.Sprintf("%s/project/%s/join?user_id=%s", c.baseURL, projectID, userID)
	body, err := c.do(ctx, http.MethodPost, url)
	if err != nil {
		return nil, err
	}
	var result JoinResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("webapi: parse join response: %w", err)
	}
	if result.PrivilegeLevel == "" {
		return nil, apperr.New(apperr.Authorization, "not authorized to join project")
	}
	return &result, nil
}

// GetUserInfo resolves a user id to display details. Deleted accounts come
// back as a bare id so history stays renderable.
func (c *Client) GetUserInfo(ctx context.Context, userID string) (*User, error) {
	url := fmt.Sprintf("%s/user/%s/personal_info", c.baseURL, userID)
	body, err := c.do(ctx, http.MethodGet, url)
	if apperr.Is(err, apperr.NotFound) {
		return &User{ID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("webapi: parse user %s: %w", userID, err)
	}
	if user.ID == "" {
		user.ID = userID
	}
	return &user, nil
}

func (c *Client) do(ctx context.Context, method, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("webapi: build request: %w", err)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "webapi request", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("webapi: read response: %w", err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusForbidden:
		return nil, apperr.New(apperr.Authorization, "not authorized")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.New(apperr.Authorization, "rate-limited by web app")
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.New(apperr.NotFound, "not found")
	default:
		return nil, apperr.New(apperr.Transient, fmt.Sprintf("webapi returned status %d for %s", resp.StatusCode, url))
	}
}
