package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-workflow/glw/internal/account"
	"gitlab.com/gitlab-workflow/glw/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *account.Registry {
	t.Helper()
	reg := account.NewRegistry(storage.NewMemStore(), storage.NewStateStore(t.TempDir()), testLogger())
	require.NoError(t, reg.Init(context.Background()))
	return reg
}

// tokenEndpoint fakes the platform's /oauth/token endpoint and counts calls.
type tokenEndpoint struct {
	srv      *httptest.Server
	calls    atomic.Int64
	mu       sync.Mutex
	fail     bool
	lastForm url.Values
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{}
	te.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		te.calls.Add(1)
		require.NoError(t, r.ParseForm())
		te.mu.Lock()
		te.lastForm = r.PostForm
		fail := te.fail
		te.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		// A touch of latency so concurrent callers really overlap.
		time.Sleep(10 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "rotated-access",
			RefreshToken: "rotated-refresh",
			ExpiresIn:    7200,
			CreatedAt:    time.Now().Unix(),
		})
	}))
	t.Cleanup(te.srv.Close)
	return te
}

func (te *tokenEndpoint) setFail(fail bool) {
	te.mu.Lock()
	te.fail = fail
	te.mu.Unlock()
}

func oauthTestAccount(instanceURL string, expiresAt int64) account.Account {
	return account.Account{
		Type:         account.TypeOAuth,
		ID:           account.MakeID(instanceURL, 7),
		Username:     "jane",
		InstanceURL:  instanceURL,
		Token:        "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    expiresAt,
		Scopes:       []string{"api"},
	}
}

func TestRefreshIfNeededLeavesValidTokenAlone(t *testing.T) {
	te := newTokenEndpoint(t)
	reg := newTestRegistry(t)
	acc := oauthTestAccount(te.srv.URL, time.Now().Unix()+3600)
	require.NoError(t, reg.AddAccount(context.Background(), acc))

	ex := NewTokenExchanger(reg, "client-id", "http://127.0.0.1:7171/authentication", te.srv.Client())

	got, err := ex.RefreshIfNeeded(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "old-access", got.Token)
	assert.Zero(t, te.calls.Load(), "no exchange for a token outside the grace window")
}

func TestRefreshIfNeededIgnoresTokenAccounts(t *testing.T) {
	te := newTokenEndpoint(t)
	reg := newTestRegistry(t)
	acc := account.Account{
		Type:        account.TypeToken,
		ID:          account.MakeID(te.srv.URL, 3),
		Username:    "pat",
		InstanceURL: te.srv.URL,
		Token:       "glpat-abc",
	}
	require.NoError(t, reg.AddAccount(context.Background(), acc))

	ex := NewTokenExchanger(reg, "client-id", "http://127.0.0.1:7171/authentication", te.srv.Client())

	got, err := ex.RefreshIfNeeded(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "glpat-abc", got.Token)
	assert.Zero(t, te.calls.Load())
}

func TestRefreshIfNeededRotatesWithinGraceWindow(t *testing.T) {
	te := newTokenEndpoint(t)
	reg := newTestRegistry(t)
	// Expires in 5s: inside the 10s grace window, so still-unexpired
	// tokens get rotated early.
	acc := oauthTestAccount(te.srv.URL, time.Now().Unix()+5)
	require.NoError(t, reg.AddAccount(context.Background(), acc))

	ex := NewTokenExchanger(reg, "client-id", "http://127.0.0.1:7171/authentication", te.srv.Client())

	got, err := ex.RefreshIfNeeded(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", got.Token)
	assert.Equal(t, "rotated-refresh", got.RefreshToken)
	assert.EqualValues(t, 1, te.calls.Load())

	te.mu.Lock()
	form := te.lastForm
	te.mu.Unlock()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "old-refresh", form.Get("refresh_token"))
	assert.Equal(t, "client-id", form.Get("client_id"))

	// Persisted, not just returned.
	stored, err := reg.GetAccount(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", stored.Token)
}

func TestRefreshIfNeededCollapsesConcurrentCallers(t *testing.T) {
	te := newTokenEndpoint(t)
	reg := newTestRegistry(t)
	acc := oauthTestAccount(te.srv.URL, time.Now().Unix()-100)
	require.NoError(t, reg.AddAccount(context.Background(), acc))

	ex := NewTokenExchanger(reg, "client-id", "http://127.0.0.1:7171/authentication", te.srv.Client())

	const callers = 20
	var wg sync.WaitGroup
	results := make([]account.Account, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ex.RefreshIfNeeded(context.Background(), acc.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "rotated-access", results[i].Token)
	}
	assert.EqualValues(t, 1, te.calls.Load(), "concurrent callers share one exchange")
}

func TestRefreshIfNeededFailureIsRetriedNextCall(t *testing.T) {
	te := newTokenEndpoint(t)
	te.setFail(true)
	reg := newTestRegistry(t)
	acc := oauthTestAccount(te.srv.URL, time.Now().Unix()-100)
	require.NoError(t, reg.AddAccount(context.Background(), acc))

	ex := NewTokenExchanger(reg, "client-id", "http://127.0.0.1:7171/authentication", te.srv.Client())

	_, err := ex.RefreshIfNeeded(context.Background(), acc.ID)
	require.Error(t, err)

	// The failed flight cleared; the next call tries again and succeeds.
	te.setFail(false)
	got, err := ex.RefreshIfNeeded(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", got.Token)
	assert.EqualValues(t, 2, te.calls.Load())
}

func TestRefreshIfNeededSkipsExchangeAfterExternalRefresh(t *testing.T) {
	te := newTokenEndpoint(t)

	// Two registries over the same stores, as two processes would be.
	secretStore := storage.NewMemStore()
	dir := t.TempDir()
	ctx := context.Background()
	reg := account.NewRegistry(secretStore, storage.NewStateStore(dir), testLogger())
	require.NoError(t, reg.Init(ctx))
	other := account.NewRegistry(secretStore, storage.NewStateStore(dir), testLogger())

	acc := oauthTestAccount(te.srv.URL, time.Now().Unix()-100)
	require.NoError(t, reg.AddAccount(ctx, acc))

	// The other process refreshes the token behind reg's back; reg's
	// in-memory mirror still holds the expired one.
	require.NoError(t, other.Init(ctx))
	fresh := acc
	fresh.Token = "externally-refreshed"
	fresh.ExpiresAt = time.Now().Unix() + 3600
	require.NoError(t, other.UpdateAccountSecret(ctx, fresh))

	// The reload-and-recheck path finds the fresh token and spends no
	// refresh token of its own.
	ex := NewTokenExchanger(reg, "client-id", "http://127.0.0.1:7171/authentication", te.srv.Client())
	got, err := ex.RefreshIfNeeded(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "externally-refreshed", got.Token)
	assert.Zero(t, te.calls.Load())
}

func TestExchangeCodeSendsVerifier(t *testing.T) {
	te := newTokenEndpoint(t)
	reg := newTestRegistry(t)

	ex := NewTokenExchanger(reg, "client-id", "http://127.0.0.1:7171/authentication", te.srv.Client())

	resp, err := ex.ExchangeCode(context.Background(), te.srv.URL, "auth-code", "verifier-value")
	require.NoError(t, err)
	assert.Equal(t, "rotated-access", resp.AccessToken)

	te.mu.Lock()
	form := te.lastForm
	te.mu.Unlock()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "auth-code", form.Get("code"))
	assert.Equal(t, "verifier-value", form.Get("code_verifier"))
	assert.Equal(t, "http://127.0.0.1:7171/authentication", form.Get("redirect_uri"))
}

func TestTokenResponseExpiryUsesServerClock(t *testing.T) {
	resp := TokenResponse{ExpiresIn: 7200, CreatedAt: 1_000_000}
	assert.EqualValues(t, 1_007_200, resp.ExpiresAt())
}
