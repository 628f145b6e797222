package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"gitlab.com/gitlab-workflow/glw/internal/account"
	"gitlab.com/gitlab-workflow/glw/internal/output"
)

// refreshGraceSeconds is how close to expiry a token may get before
// RefreshIfNeeded rotates it.
const refreshGraceSeconds = 10

// TokenResponse is the platform's token endpoint payload, for both
// authorization_code and refresh_token grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	CreatedAt    int64  `json:"created_at"`
}

// ExpiresAt computes the expiry from server-supplied fields. The server's
// created_at is used rather than the client clock, so skewed local clocks
// don't shorten or stretch token lifetimes.
func (r TokenResponse) ExpiresAt() int64 {
	return r.CreatedAt + r.ExpiresIn
}

// TokenExchanger hides OAuth refresh complexity behind RefreshIfNeeded.
// Concurrent refreshes for the same account id collapse into one network
// exchange whose result every caller observes.
type TokenExchanger struct {
	registry    *account.Registry
	httpClient  *http.Client
	clientID    string
	redirectURI string

	group singleflight.Group
	now   func() time.Time
}

// NewTokenExchanger creates a token exchanger over the registry.
func NewTokenExchanger(registry *account.Registry, clientID, redirectURI string, httpClient *http.Client) *TokenExchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenExchanger{
		registry:    registry,
		httpClient:  httpClient,
		clientID:    clientID,
		redirectURI: redirectURI,
		now:         time.Now,
	}
}

// RefreshIfNeeded returns a usable account, refreshing its OAuth token
// when it expires within the grace window. Token accounts are returned
// unchanged; they are never refreshed.
func (e *TokenExchanger) RefreshIfNeeded(ctx context.Context, accountID string) (account.Account, error) {
	acc, err := e.registry.GetAccount(accountID)
	if err != nil {
		return account.Account{}, err
	}
	if acc.Type != account.TypeOAuth || e.stillValid(acc) {
		return acc, nil
	}

	// Another glw process or editor window may have refreshed this account
	// already; reload the secret mirror and re-check before spending a
	// refresh token.
	if err := e.registry.Reload(ctx); err != nil {
		return account.Account{}, err
	}
	acc, err = e.registry.GetAccount(accountID)
	if err != nil {
		return account.Account{}, err
	}
	if e.stillValid(acc) {
		return acc, nil
	}

	// Single flight per account id: concurrent callers share one exchange
	// and one outcome. The in-flight marker clears when the call returns,
	// success or failure, so a failed refresh is retried on the next call
	// instead of wedging every waiter forever.
	v, err, _ := e.group.Do(accountID, func() (any, error) {
		return e.refresh(ctx, acc)
	})
	if err != nil {
		return account.Account{}, err
	}
	return v.(account.Account), nil
}

func (e *TokenExchanger) stillValid(acc account.Account) bool {
	return acc.ExpiresAt > e.now().Unix()+refreshGraceSeconds
}

func (e *TokenExchanger) refresh(ctx context.Context, acc account.Account) (account.Account, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", acc.RefreshToken)
	data.Set("client_id", e.clientID)
	data.Set("redirect_uri", e.redirectURI)

	resp, err := e.postTokenEndpoint(ctx, acc.InstanceURL, data)
	if err != nil {
		return account.Account{}, err
	}

	refreshed := acc
	refreshed.Token = resp.AccessToken
	refreshed.RefreshToken = resp.RefreshToken
	refreshed.ExpiresAt = resp.ExpiresAt()

	if err := e.registry.UpdateAccountSecret(ctx, refreshed); err != nil {
		return account.Account{}, err
	}
	return refreshed, nil
}

// ExchangeCode trades an authorization code plus its PKCE verifier for
// tokens. Used by the login flow.
func (e *TokenExchanger) ExchangeCode(ctx context.Context, instanceURL, code, codeVerifier string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("code_verifier", codeVerifier)
	data.Set("client_id", e.clientID)
	data.Set("redirect_uri", e.redirectURI)

	return e.postTokenEndpoint(ctx, instanceURL, data)
}

func (e *TokenExchanger) postTokenEndpoint(ctx context.Context, instanceURL string, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, instanceURL+"/oauth/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, output.ErrAPI(resp.StatusCode, fmt.Sprintf("token exchange failed: %s", string(body)))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	return &tokenResp, nil
}
