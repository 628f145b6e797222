package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-workflow/glw/internal/account"
	"gitlab.com/gitlab-workflow/glw/internal/api"
	"gitlab.com/gitlab-workflow/glw/internal/output"
)

// fakeInstance fakes the two platform endpoints a login touches.
type fakeInstance struct {
	srv *httptest.Server

	mu           sync.Mutex
	lastVerifier string
}

func newFakeInstance(t *testing.T) *fakeInstance {
	t.Helper()
	fi := &fakeInstance{}
	fi.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			require.NoError(t, r.ParseForm())
			fi.mu.Lock()
			fi.lastVerifier = r.PostForm.Get("code_verifier")
			fi.mu.Unlock()
			_ = json.NewEncoder(w).Encode(TokenResponse{
				AccessToken:  "fresh-access",
				RefreshToken: "fresh-refresh",
				ExpiresIn:    7200,
				CreatedAt:    time.Now().Unix(),
			})
		case "/api/v4/user":
			_ = json.NewEncoder(w).Encode(api.User{ID: 42, Username: "jane", Name: "Jane Doe"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fi.srv.Close)
	return fi
}

func newTestProvider(t *testing.T, reg *account.Registry) (*Provider, *CallbackServer) {
	t.Helper()
	cb := NewCallbackServer(0)
	require.NoError(t, cb.Start(context.Background()))
	t.Cleanup(func() { _ = cb.Close() })

	ex := NewTokenExchanger(reg, "client-id", cb.RedirectURI(), nil)
	p := NewProvider(reg, ex, cb, cb.RedirectURI(), testLogger())
	p.timeout = 2 * time.Second
	return p, cb
}

// browserVisit simulates the user approving the authorization request:
// parse the URL the browser would open and hit the redirect URI.
func browserVisit(t *testing.T, mutate func(q url.Values)) (func(string) error, *url.Values) {
	t.Helper()
	var seen url.Values
	open := func(authURL string) error {
		parsed, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		seen = parsed.Query()
		q := url.Values{}
		q.Set("code", "the-auth-code")
		q.Set("state", seen.Get("state"))
		if mutate != nil {
			mutate(q)
		}
		resp, err := http.Get(seen.Get("redirect_uri") + "?" + q.Encode())
		if err == nil {
			resp.Body.Close()
		}
		return err
	}
	return open, &seen
}

func TestCreateSessionHappyPath(t *testing.T) {
	fi := newFakeInstance(t)
	reg := newTestRegistry(t)
	p, _ := newTestProvider(t, reg)

	open, authQuery := browserVisit(t, nil)
	p.openURL = open

	session, err := p.CreateSession(context.Background(), LoginOptions{
		InstanceURL: fi.srv.URL + "/",
		Scopes:      []string{"api", "read_user"},
	})
	require.NoError(t, err)

	wantID := account.MakeID(fi.srv.URL, 42)
	assert.Equal(t, wantID, session.ID)
	assert.Equal(t, "fresh-access", session.AccessToken)
	assert.Equal(t, []string{"api", "read_user"}, session.Scopes)
	assert.Equal(t, "jane", session.Account.Label)

	// The authorization request carried a PKCE challenge matching the
	// verifier later sent to the token endpoint.
	q := *authQuery
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "api read_user", q.Get("scope"))
	fi.mu.Lock()
	verifier := fi.lastVerifier
	fi.mu.Unlock()
	require.NotEmpty(t, verifier)
	assert.Equal(t, q.Get("code_challenge"), generateCodeChallenge(verifier))

	// Account landed in the registry with the server-derived expiry.
	acc, err := reg.GetAccount(wantID)
	require.NoError(t, err)
	assert.Equal(t, account.TypeOAuth, acc.Type)
	assert.Equal(t, "fresh-refresh", acc.RefreshToken)
	assert.Greater(t, acc.ExpiresAt, time.Now().Unix())
}

func TestCreateSessionTimesOutWithoutCallback(t *testing.T) {
	fi := newFakeInstance(t)
	reg := newTestRegistry(t)
	p, _ := newTestProvider(t, reg)

	p.timeout = 50 * time.Millisecond
	p.openURL = func(string) error { return nil } // browser never comes back

	_, err := p.CreateSession(context.Background(), LoginOptions{InstanceURL: fi.srv.URL})
	require.Error(t, err)
	assert.Equal(t, output.CodeTimeout, output.AsError(err).Code)

	accounts, err := reg.GetAllAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestCreateSessionIgnoresMismatchedState(t *testing.T) {
	fi := newFakeInstance(t)
	reg := newTestRegistry(t)
	p, _ := newTestProvider(t, reg)

	p.timeout = 100 * time.Millisecond
	open, _ := browserVisit(t, func(q url.Values) {
		q.Set("state", "forged-state")
	})
	p.openURL = open

	// A callback with the wrong state never completes the flow.
	_, err := p.CreateSession(context.Background(), LoginOptions{InstanceURL: fi.srv.URL})
	require.Error(t, err)
	assert.Equal(t, output.CodeTimeout, output.AsError(err).Code)
}

func TestCreateSessionIgnoresForeignPaths(t *testing.T) {
	fi := newFakeInstance(t)
	reg := newTestRegistry(t)
	p, cb := newTestProvider(t, reg)

	p.timeout = 100 * time.Millisecond
	p.openURL = func(authURL string) error {
		parsed, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		// Right state, wrong path: some other feature's callback.
		base := strings.TrimSuffix(cb.RedirectURI(), AuthenticationPath)
		resp, err := http.Get(base + "/something-else?code=x&state=" + parsed.Query().Get("state"))
		if err == nil {
			resp.Body.Close()
		}
		return err
	}

	_, err := p.CreateSession(context.Background(), LoginOptions{InstanceURL: fi.srv.URL})
	require.Error(t, err)
	assert.Equal(t, output.CodeTimeout, output.AsError(err).Code)
}

func TestGetSessionsFiltersByScopeSet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	oauthAcc := account.Account{
		Type:         account.TypeOAuth,
		ID:           account.MakeID("https://gitlab.com", 1),
		Username:     "jane",
		InstanceURL:  "https://gitlab.com",
		Token:        "t1",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Unix() + 3600,
		Scopes:       []string{"read_user", "api"},
	}
	patAcc := account.Account{
		Type:        account.TypeToken,
		ID:          account.MakeID("https://gitlab.com", 2),
		Username:    "pat",
		InstanceURL: "https://gitlab.com",
		Token:       "glpat-x",
	}
	require.NoError(t, reg.AddAccount(ctx, oauthAcc))
	require.NoError(t, reg.AddAccount(ctx, patAcc))

	p := NewProvider(reg, nil, nil, "", testLogger())

	all, err := p.GetSessions(nil)
	require.NoError(t, err)
	require.Len(t, all, 1, "token accounts are not sessions")
	assert.Equal(t, oauthAcc.ID, all[0].ID)

	// Scope order doesn't matter.
	matched, err := p.GetSessions([]string{"api", "read_user"})
	require.NoError(t, err)
	assert.Len(t, matched, 1)

	none, err := p.GetSessions([]string{"api"})
	require.NoError(t, err)
	assert.Empty(t, none, "subset scopes don't match")
}

func TestRemoveSessionDeletesAccount(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	acc := account.Account{
		Type:         account.TypeOAuth,
		ID:           account.MakeID("https://gitlab.com", 1),
		Username:     "jane",
		InstanceURL:  "https://gitlab.com",
		Token:        "t1",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Unix() + 3600,
		Scopes:       []string{"api"},
	}
	require.NoError(t, reg.AddAccount(ctx, acc))

	p := NewProvider(reg, nil, nil, "", testLogger())
	require.NoError(t, p.RemoveSession(ctx, acc.ID))

	sessions, err := p.GetSessions(nil)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
