// Package appctx provides application context helpers.
package appctx

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"gitlab.com/gitlab-workflow/glw/internal/account"
	"gitlab.com/gitlab-workflow/glw/internal/auth"
	"gitlab.com/gitlab-workflow/glw/internal/config"
	"gitlab.com/gitlab-workflow/glw/internal/migrate"
	"gitlab.com/gitlab-workflow/glw/internal/output"
	"gitlab.com/gitlab-workflow/glw/internal/storage"
)

// contextKey is a private type for context keys.
type contextKey string

const appKey contextKey = "app"

// App holds the shared application context for all commands.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *account.Registry
	Exchanger *auth.TokenExchanger
	Migrator  *migrate.Migrator
	Output    *output.Writer

	// Flags holds the global flag values
	Flags GlobalFlags

	secretStore *storage.KeyringStore
	state       *storage.StateStore
	watcher     *storage.Watcher
	httpClient  *http.Client
}

// GlobalFlags holds values for global CLI flags.
type GlobalFlags struct {
	// Output format flags
	JSON  bool
	Quiet bool

	// Context flags
	Instance string
	DataDir  string

	// Behavior flags
	Verbose int // 0=off, 1=debug logging
}

// NewApp creates a new App with the given configuration. Storage and
// network collaborators are wired here; Init performs the actual I/O.
func NewApp(cfg *config.Config) *App {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	secretStore := storage.NewKeyringStore(cfg.DataDir)
	state := storage.NewStateStore(cfg.DataDir)
	registry := account.NewRegistry(secretStore, state, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = auth.DefaultClientID
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	exchanger := auth.NewTokenExchanger(registry, clientID, redirectURI(cfg), httpClient)

	migrator := migrate.NewMigrator(registry, state, nil, logger)

	format := output.FormatAuto
	switch cfg.Format {
	case "json":
		format = output.FormatJSON
	case "quiet":
		format = output.FormatQuiet
	case "text":
		format = output.FormatText
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  registry,
		Exchanger: exchanger,
		Migrator:  migrator,
		Output: output.New(output.Options{
			Format: format,
			Writer: os.Stdout,
		}),
		secretStore: secretStore,
		state:       state,
		httpClient:  httpClient,
	}
}

func redirectURI(cfg *config.Config) string {
	return "http://127.0.0.1:" + strconv.Itoa(cfg.CallbackPort) + auth.AuthenticationPath
}

// Init loads the secret mirror and starts the external-change watcher.
// Keychain-backed storage has no file to watch; that case is a no-op.
func (a *App) Init(ctx context.Context) error {
	if err := a.Registry.Init(ctx); err != nil {
		return err
	}

	watcher, err := storage.WatchFile(a.secretStore.FallbackPath(), a.Registry.NoteExternalChange)
	if err != nil {
		a.Logger.Warn("could not watch secrets file", "error", err)
		return nil
	}
	a.watcher = watcher
	return nil
}

// Close releases background resources.
func (a *App) Close() error {
	return a.watcher.Close()
}

// ClientID returns the effective OAuth application id.
func (a *App) ClientID() string {
	if a.Config.ClientID != "" {
		return a.Config.ClientID
	}
	return auth.DefaultClientID
}

// LoginProvider starts a callback server and builds an authentication
// provider around it. The returned cleanup shuts the server down and must
// be called when the login flow finishes.
func (a *App) LoginProvider(ctx context.Context) (*auth.Provider, func(), error) {
	cb := auth.NewCallbackServer(a.Config.CallbackPort)
	if err := cb.Start(ctx); err != nil {
		return nil, nil, err
	}

	exchanger := auth.NewTokenExchanger(a.Registry, a.ClientID(), cb.RedirectURI(), a.httpClient)
	provider := auth.NewProvider(a.Registry, exchanger, cb, cb.RedirectURI(), a.Logger)
	if a.Config.LoginTimeoutSeconds > 0 {
		provider.SetTimeout(time.Duration(a.Config.LoginTimeoutSeconds) * time.Second)
	}

	return provider, func() { _ = cb.Close() }, nil
}

// SessionProvider builds a provider for session queries and removal only;
// no callback server is started.
func (a *App) SessionProvider() *auth.Provider {
	return auth.NewProvider(a.Registry, a.Exchanger, nil, "", a.Logger)
}

// ApplyFlags applies global flag values to the app configuration.
func (a *App) ApplyFlags() {
	if a.Flags.Quiet {
		a.Output = output.New(output.Options{
			Format: output.FormatQuiet,
			Writer: os.Stdout,
		})
	} else if a.Flags.JSON {
		a.Output = output.New(output.Options{
			Format: output.FormatJSON,
			Writer: os.Stdout,
		})
	}

	// GLW_DEBUG=1 behaves like -v, whichever asks for more wins
	verboseLevel := a.Flags.Verbose
	if debugEnv := os.Getenv("GLW_DEBUG"); debugEnv != "" {
		if level, err := strconv.Atoi(debugEnv); err == nil && level > verboseLevel {
			verboseLevel = level
		} else if debugEnv == "true" {
			verboseLevel = 1
		}
	}

	if verboseLevel > 0 {
		a.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
}

// OK outputs a success response.
func (a *App) OK(data any, opts ...output.ResponseOption) error {
	return a.Output.OK(data, opts...)
}

// Err outputs an error response.
func (a *App) Err(err error) error {
	return a.Output.Err(err)
}

// WithApp stores the app in the context.
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey, app)
}

// FromContext retrieves the app from the context.
func FromContext(ctx context.Context) *App {
	app, _ := ctx.Value(appKey).(*App)
	return app
}
