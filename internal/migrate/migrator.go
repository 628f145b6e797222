// Package migrate upgrades legacy single-token-per-instance credentials
// into the account registry.
package migrate

import (
	"context"
	"log/slog"

	"gitlab.com/gitlab-workflow/glw/internal/account"
	"gitlab.com/gitlab-workflow/glw/internal/api"
	"gitlab.com/gitlab-workflow/glw/internal/hostutil"
	"gitlab.com/gitlab-workflow/glw/internal/storage"
)

// CurrentUserFunc resolves the user owning a token. Injected so migration
// is testable without a GitLab instance.
type CurrentUserFunc func(ctx context.Context, instanceURL, token string) (*api.User, error)

// Migrator moves legacy flat instance-url-to-token entries into proper
// accounts. It runs on every startup: entries that fail stay candidates
// for the next run, entries that succeed are recorded and never retried,
// even if the resulting account is later removed.
type Migrator struct {
	registry  *account.Registry
	state     *storage.StateStore
	fetchUser CurrentUserFunc
	logger    *slog.Logger
}

// NewMigrator creates a migrator. A nil fetchUser uses the live API.
func NewMigrator(registry *account.Registry, state *storage.StateStore, fetchUser CurrentUserFunc, logger *slog.Logger) *Migrator {
	if fetchUser == nil {
		fetchUser = func(ctx context.Context, instanceURL, token string) (*api.User, error) {
			return api.StaticTokenClient(instanceURL, token, nil).CurrentUser(ctx)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{registry: registry, state: state, fetchUser: fetchUser, logger: logger}
}

// Run migrates every pending legacy entry and reports how many were
// migrated this run. A failing entry is logged and skipped, not fatal:
// the rest of the entries still migrate, and the failed one is retried
// next run.
func (m *Migrator) Run(ctx context.Context) (int, error) {
	legacy := map[string]string{}
	if _, err := m.state.Get(storage.KeyLegacyTokens, &legacy); err != nil {
		return 0, err
	}
	if len(legacy) == 0 {
		return 0, nil
	}

	var migrated []string
	if _, err := m.state.Get(storage.KeyMigratedCredentials, &migrated); err != nil {
		return 0, err
	}
	done := make(map[string]bool, len(migrated))
	for _, key := range migrated {
		done[key] = true
	}

	count := 0
	for rawURL, token := range legacy {
		instanceURL := hostutil.NormalizeInstanceURL(rawURL)
		// Migration bookkeeping is keyed by credential content, not
		// account id, so removing the migrated account later doesn't
		// resurrect the legacy token.
		key := instanceURL + token
		if done[key] {
			continue
		}

		if err := m.migrateOne(ctx, instanceURL, token); err != nil {
			m.logger.Warn("could not migrate legacy credential; will retry next run",
				"instance_url", instanceURL, "error", err)
			continue
		}

		migrated = append(migrated, key)
		if err := m.state.Update(ctx, storage.KeyMigratedCredentials, migrated); err != nil {
			return count, err
		}
		done[key] = true
		count++
	}
	return count, nil
}

func (m *Migrator) migrateOne(ctx context.Context, instanceURL, token string) error {
	user, err := m.fetchUser(ctx, instanceURL, token)
	if err != nil {
		return err
	}

	// AddAccount no-ops when the id already exists, so a live account is
	// never clobbered by its legacy twin.
	return m.registry.AddAccount(ctx, account.Account{
		Type:        account.TypeToken,
		ID:          account.MakeID(instanceURL, user.ID),
		Username:    user.Username,
		InstanceURL: instanceURL,
		Token:       token,
	})
}
