// Package api provides a minimal HTTP client for the GitLab REST API.
// The account layer needs exactly one call: resolving the user a
// credential belongs to. Everything else the platform offers is out of
// scope here.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"gitlab.com/gitlab-workflow/glw/internal/output"
	"gitlab.com/gitlab-workflow/glw/internal/version"
)

// User is the subset of the GitLab user profile the account layer needs.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Client talks to one GitLab instance. Tokens come from an
// oauth2.TokenSource so PAT-backed calls (static source) and OAuth-backed
// calls (refreshing source) share one path.
type Client struct {
	httpClient  *http.Client
	instanceURL string
	tokens      oauth2.TokenSource
}

// NewClient creates a client for the given instance.
func NewClient(instanceURL string, tokens oauth2.TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient:  httpClient,
		instanceURL: instanceURL,
		tokens:      tokens,
	}
}

// StaticTokenClient creates a client authenticated with a fixed token,
// e.g. a personal access token being migrated or validated.
func StaticTokenClient(instanceURL, token string, httpClient *http.Client) *Client {
	return NewClient(instanceURL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), httpClient)
}

// CurrentUser fetches the profile of the user owning the client's token.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.instanceURL+"/api/v4/user", nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, output.ErrAuth("Token rejected by " + c.instanceURL)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, output.ErrAPI(resp.StatusCode, fmt.Sprintf("fetching current user failed: %s", string(body)))
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("invalid user response: %w", err)
	}
	return &user, nil
}
