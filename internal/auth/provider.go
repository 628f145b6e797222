package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"gitlab.com/gitlab-workflow/glw/internal/account"
	"gitlab.com/gitlab-workflow/glw/internal/api"
	"gitlab.com/gitlab-workflow/glw/internal/hostutil"
	"gitlab.com/gitlab-workflow/glw/internal/output"
)

// DefaultClientID is the public OAuth client id for the glw native app.
// This is not a secret: native apps cannot keep one, which is why the flow
// uses PKCE.
const DefaultClientID = "36f2a70cddeb5f0889cff73c31d1349e998a5dcf1452e16d6aef7b1bcfa60d0b"

// DefaultLoginTimeout is how long a login flow waits for the browser
// callback before giving up.
const DefaultLoginTimeout = 60 * time.Second

// DefaultScopes requested when the caller specifies none.
var DefaultScopes = []string{"api", "read_user"}

// Session is the authentication-session object handed to consumers.
type Session struct {
	ID          string         `json:"id"`
	AccessToken string         `json:"accessToken"`
	Scopes      []string       `json:"scopes"`
	Account     SessionAccount `json:"account"`
}

// SessionAccount identifies the session's owner for display.
type SessionAccount struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// LoginOptions configures an interactive login.
type LoginOptions struct {
	InstanceURL string
	Scopes      []string
	NoBrowser   bool // print the URL instead of opening a browser
}

// userFetcher resolves the user owning an access token. Injected so tests
// run without a GitLab instance.
type userFetcher func(ctx context.Context, instanceURL, accessToken string) (*api.User, error)

// Provider orchestrates interactive browser-based logins and exposes the
// stored OAuth accounts as sessions.
type Provider struct {
	registry  *account.Registry
	exchanger *TokenExchanger
	handler   URIHandler
	logger    *slog.Logger

	clientID    string
	redirectURI string
	timeout     time.Duration
	fetchUser   userFetcher
	openURL     func(url string) error

	// Notify surfaces flow progress to the user (set by the CLI layer).
	Notify func(msg string)

	mu sync.Mutex
	// inFlight maps state -> codeVerifier. Multiple concurrent login
	// attempts are distinguished by state.
	inFlight map[string]string
}

// NewProvider creates an authentication provider. The handler is the shared
// callback channel every login attempt subscribes to.
func NewProvider(registry *account.Registry, exchanger *TokenExchanger, handler URIHandler, redirectURI string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		registry:    registry,
		exchanger:   exchanger,
		handler:     handler,
		logger:      logger,
		clientID:    DefaultClientID,
		redirectURI: redirectURI,
		timeout:     DefaultLoginTimeout,
		fetchUser: func(ctx context.Context, instanceURL, accessToken string) (*api.User, error) {
			return api.StaticTokenClient(instanceURL, accessToken, nil).CurrentUser(ctx)
		},
		openURL:  openBrowser,
		Notify:   func(string) {},
		inFlight: make(map[string]string),
	}
}

// SetTimeout overrides how long CreateSession waits for the callback.
func (p *Provider) SetTimeout(d time.Duration) {
	p.timeout = d
}

// callbackResult carries the authorization code from the URI listener to
// the waiting login flow.
type callbackResult struct {
	code string
}

// CreateSession runs the interactive PKCE login flow: authorization URL in
// the browser, callback correlated by state, code exchange, user fetch,
// account persisted. Races the callback against the login timeout; the
// losing branch is cancelled by unsubscribing the listener.
func (p *Provider) CreateSession(ctx context.Context, opts LoginOptions) (*Session, error) {
	instanceURL := hostutil.NormalizeInstanceURL(opts.InstanceURL)
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	state := generateState()
	codeVerifier := generateCodeVerifier()
	codeChallenge := generateCodeChallenge(codeVerifier)

	p.mu.Lock()
	p.inFlight[state] = codeVerifier
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, state)
		p.mu.Unlock()
	}()

	authURL := p.buildAuthorizationURL(instanceURL, state, codeChallenge, scopes)

	results := make(chan callbackResult, 1)
	unsubscribe := p.handler.Subscribe(func(uri *url.URL) {
		// Every callback URI lands here, whichever flow or feature caused
		// it. Wrong path or missing parameters: not ours, ignore. A state
		// we don't recognize may belong to a different concurrent attempt,
		// so it is ignored rather than rejected.
		if uri.Path != AuthenticationPath {
			return
		}
		query := uri.Query()
		gotState, code := query.Get("state"), query.Get("code")
		if gotState == "" || code == "" || gotState != state {
			return
		}

		p.mu.Lock()
		_, known := p.inFlight[state]
		p.mu.Unlock()
		if !known {
			p.logger.Error("invariant violated: matching state with no recorded verifier", "state", state)
			return
		}

		select {
		case results <- callbackResult{code: code}:
		default:
		}
	})
	defer unsubscribe()

	if opts.NoBrowser {
		p.Notify(fmt.Sprintf("Open this URL in your browser:\n%s", authURL))
	} else if err := p.openURL(authURL); err != nil {
		p.Notify(fmt.Sprintf("Couldn't open browser automatically.\nOpen this URL in your browser:\n%s", authURL))
	} else {
		p.Notify("Opening browser for authentication...")
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case result := <-results:
		return p.completeLogin(ctx, instanceURL, result.code, codeVerifier, scopes)
	case <-timer.C:
		return nil, output.ErrTimeout(fmt.Sprintf("Cancelling the GitLab OAuth login after %ds", int(p.timeout.Seconds())))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) buildAuthorizationURL(instanceURL, state, codeChallenge string, scopes []string) string {
	q := url.Values{}
	q.Set("client_id", p.clientID)
	q.Set("redirect_uri", p.redirectURI)
	q.Set("response_type", "code")
	q.Set("state", state)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	return instanceURL + "/oauth/authorize?" + q.Encode()
}

func (p *Provider) completeLogin(ctx context.Context, instanceURL, code, codeVerifier string, scopes []string) (*Session, error) {
	tokenResp, err := p.exchanger.ExchangeCode(ctx, instanceURL, code, codeVerifier)
	if err != nil {
		return nil, err
	}

	user, err := p.fetchUser(ctx, instanceURL, tokenResp.AccessToken)
	if err != nil {
		return nil, err
	}

	acc := account.Account{
		Type:         account.TypeOAuth,
		ID:           account.MakeID(instanceURL, user.ID),
		Username:     user.Username,
		InstanceURL:  instanceURL,
		Token:        tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    tokenResp.ExpiresAt(),
		Scopes:       scopes,
	}
	if err := p.registry.AddAccount(ctx, acc); err != nil {
		return nil, err
	}

	return &Session{
		ID:          acc.ID,
		AccessToken: acc.Token,
		Scopes:      acc.Scopes,
		Account:     SessionAccount{ID: acc.ID, Label: acc.Username},
	}, nil
}

// GetSessions returns sessions for all stored OAuth accounts, optionally
// filtered by exact scope-set equality. No network calls.
func (p *Provider) GetSessions(scopes []string) ([]Session, error) {
	accounts, err := p.registry.GetAllAccounts()
	if err != nil {
		return nil, err
	}

	var sessions []Session
	for _, acc := range accounts {
		if acc.Type != account.TypeOAuth {
			continue
		}
		if scopes != nil && !scopeSetsEqual(scopes, acc.Scopes) {
			continue
		}
		sessions = append(sessions, Session{
			ID:          acc.ID,
			AccessToken: acc.Token,
			Scopes:      acc.Scopes,
			Account:     SessionAccount{ID: acc.ID, Label: acc.Username},
		})
	}
	return sessions, nil
}

// RemoveSession deletes the backing account.
func (p *Provider) RemoveSession(ctx context.Context, id string) error {
	return p.registry.RemoveAccount(ctx, id)
}

// scopeSetsEqual compares scope lists order-independently.
func scopeSetsEqual(a, b []string) bool {
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return strings.Join(as, " ") == strings.Join(bs, " ")
}
