package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"gitlab.com/gitlab-workflow/glw/internal/hostutil"
	"gitlab.com/gitlab-workflow/glw/internal/output"
	"gitlab.com/gitlab-workflow/glw/internal/storage"
)

// SecretsKey is the secret-store key holding the JSON-serialized
// {accountId: Secret} blob. One blob for all accounts: every mutation is a
// whole-document read-modify-write, which is what makes the staleness check
// below meaningful.
const SecretsKey = "glw::accounts"

// Registry owns the account records. The secret half is mirrored in memory
// (loaded at Init, refreshed on Reload); the profile half is read live from
// structured storage on every access, so profile writes from another
// process are seen immediately while secret reads are only as fresh as the
// last load.
type Registry struct {
	secretStore storage.SecretStore
	state       *storage.StateStore
	logger      *slog.Logger

	mu      sync.Mutex
	secrets map[string]Secret // nil until Init

	listenerMu   sync.Mutex
	listeners    map[int]func()
	nextListener int
}

// NewRegistry creates a registry over the given stores.
func NewRegistry(secretStore storage.SecretStore, state *storage.StateStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		secretStore: secretStore,
		state:       state,
		logger:      logger,
		listeners:   make(map[int]func()),
	}
}

// Init loads the secret blob into memory. An unreachable OS secret store is
// fatal to account operations until resolved; "no accounts yet" is not an
// error.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadSecretsLocked(ctx)
}

// Reload discards the in-memory secret mirror and re-reads the store.
// The token-exchange service calls this before refreshing, in case another
// process already rotated the token.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadSecretsLocked(ctx)
}

func (r *Registry) loadSecretsLocked(ctx context.Context) error {
	blob, ok, err := r.secretStore.Get(ctx, SecretsKey)
	if err != nil {
		return output.ErrKeychain(err)
	}
	if !ok || blob == "" {
		r.secrets = make(map[string]Secret)
		return nil
	}

	var secrets map[string]Secret
	if err := json.Unmarshal([]byte(blob), &secrets); err != nil {
		return output.ErrKeychain(fmt.Errorf("corrupted secrets blob: %w", err))
	}
	r.secrets = secrets
	return nil
}

// profiles reads the profile map live from structured storage.
func (r *Registry) profiles() (map[string]Profile, error) {
	profiles := make(map[string]Profile)
	if _, err := r.state.Get(storage.KeyAccounts, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// GetAllAccounts returns every usable account: profiles with a matching
// secret, plus the synthetic environment account. A profile lacking a
// secret is logged and excluded, not a hard failure.
func (r *Registry) GetAllAccounts() ([]Account, error) {
	profiles, err := r.profiles()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	accounts := make([]Account, 0, len(profiles)+1)
	for id, profile := range profiles {
		secret, ok := r.secrets[id]
		if !ok {
			r.logger.Warn("account has no secret, excluding from usable set",
				"account_id", id, "instance_url", profile.InstanceURL)
			continue
		}
		accounts = append(accounts, Join(profile, secret))
	}
	r.mu.Unlock()

	if env, ok := FromEnvironment(); ok {
		accounts = append(accounts, env)
	}
	return accounts, nil
}

// GetRemovableAccounts returns every profile regardless of secret presence,
// letting users clean up entries whose secret half is missing or corrupted.
// The environment account is never removable.
func (r *Registry) GetRemovableAccounts() ([]Profile, error) {
	profiles, err := r.profiles()
	if err != nil {
		return nil, err
	}
	list := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		list = append(list, p)
	}
	return list, nil
}

// GetOneAccountForInstance returns the first account matching the instance
// URL.
//
// Deprecated: legacy compatibility shim. The caller cannot disambiguate by
// user; prefer account ids.
func (r *Registry) GetOneAccountForInstance(instanceURL string) (Account, bool, error) {
	instanceURL = hostutil.NormalizeInstanceURL(instanceURL)
	accounts, err := r.GetAllAccounts()
	if err != nil {
		return Account{}, false, err
	}

	var matches []Account
	for _, a := range accounts {
		if a.InstanceURL == instanceURL {
			matches = append(matches, a)
		}
	}
	if len(matches) == 0 {
		return Account{}, false, nil
	}
	if len(matches) > 1 {
		r.logger.Warn("multiple accounts for instance, returning the first",
			"instance_url", instanceURL, "count", len(matches))
	}
	return matches[0], true, nil
}

// GetAccount looks up an account by id. Callers must only use ids obtained
// from this registry; a miss is a programming error, not a user condition.
func (r *Registry) GetAccount(id string) (Account, error) {
	accounts, err := r.GetAllAccounts()
	if err != nil {
		return Account{}, err
	}
	for _, a := range accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return Account{}, fmt.Errorf("invariant violated: no account with id %q", id)
}

// AddAccount persists a new account. Adding an id that already exists is a
// logged no-op: the existing entry wins. The secret half is written before
// the profile half so a crash mid-write never leaves a profile pointing at
// a missing secret.
func (r *Registry) AddAccount(ctx context.Context, a Account) error {
	profiles, err := r.profiles()
	if err != nil {
		return err
	}
	if _, exists := profiles[a.ID]; exists {
		r.logger.Warn("account already exists, ignoring add", "account_id", a.ID)
		return nil
	}

	profile, secret := Split(a)

	r.mu.Lock()
	if err := r.checkFreshnessLocked(ctx); err != nil {
		r.mu.Unlock()
		return err
	}
	r.secrets[a.ID] = secret
	if err := r.persistSecretsLocked(ctx); err != nil {
		delete(r.secrets, a.ID)
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	profiles[a.ID] = profile
	if err := r.state.Update(ctx, storage.KeyAccounts, profiles); err != nil {
		return err
	}

	r.notify()
	return nil
}

// UpdateAccountSecret rewrites only the secret half of an account, used
// for token refresh. Identity fields (username, scopes) are assumed
// unchanged.
func (r *Registry) UpdateAccountSecret(ctx context.Context, a Account) error {
	_, secret := Split(a)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkFreshnessLocked(ctx); err != nil {
		return err
	}
	previous, had := r.secrets[a.ID]
	r.secrets[a.ID] = secret
	if err := r.persistSecretsLocked(ctx); err != nil {
		if had {
			r.secrets[a.ID] = previous
		} else {
			delete(r.secrets, a.ID)
		}
		return err
	}
	return nil
}

// RemoveAccount deletes both halves of an account. The profile entry goes
// first; if the secret-freshness check then fails, the profile stays gone
// and the stale error is surfaced after the change event fires. The
// inconsistency window is deliberate: a leftover secret without a profile
// is invisible and gets cleaned up by the next successful mutation.
func (r *Registry) RemoveAccount(ctx context.Context, id string) error {
	profiles, err := r.profiles()
	if err != nil {
		return err
	}
	if _, exists := profiles[id]; !exists {
		return output.ErrNotFound("account", id)
	}

	delete(profiles, id)
	if err := r.state.Update(ctx, storage.KeyAccounts, profiles); err != nil {
		return err
	}

	r.mu.Lock()
	secretErr := r.checkFreshnessLocked(ctx)
	if secretErr == nil {
		delete(r.secrets, id)
		secretErr = r.persistSecretsLocked(ctx)
	}
	r.mu.Unlock()

	r.notify()
	return secretErr
}

// checkFreshnessLocked re-reads the secret store and compares it against
// the in-memory mirror. A mismatch means another process modified secrets
// since the last load; the pending write is aborted instead of clobbering
// the concurrent change. This is a cooperative optimistic-concurrency
// check, not a lock: no lock can span two editor windows sharing one OS
// keychain.
func (r *Registry) checkFreshnessLocked(ctx context.Context) error {
	if r.secrets == nil {
		return fmt.Errorf("invariant violated: registry used before Init")
	}

	blob, ok, err := r.secretStore.Get(ctx, SecretsKey)
	if err != nil {
		return output.ErrKeychain(err)
	}

	stored := make(map[string]Secret)
	if ok && blob != "" {
		if err := json.Unmarshal([]byte(blob), &stored); err != nil {
			return output.ErrStaleSecrets()
		}
	}

	if !reflect.DeepEqual(stored, r.secrets) {
		r.logger.Warn("secret store changed since last load, aborting write")
		return output.ErrStaleSecrets()
	}
	return nil
}

func (r *Registry) persistSecretsLocked(ctx context.Context) error {
	blob, err := json.Marshal(r.secrets)
	if err != nil {
		return err
	}
	if err := r.secretStore.Set(ctx, SecretsKey, string(blob)); err != nil {
		return output.ErrKeychain(err)
	}
	return nil
}

// Subscribe registers a listener invoked after every successful account
// add/remove. The returned function unsubscribes.
func (r *Registry) Subscribe(listener func()) func() {
	r.listenerMu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = listener
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	}
}

func (r *Registry) notify() {
	r.listenerMu.Lock()
	listeners := make([]func(), 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.listenerMu.Unlock()

	for _, l := range listeners {
		l()
	}
}

// NoteExternalChange logs that the secret store was modified by another
// process. Wired to the storage watcher for the file-fallback case.
func (r *Registry) NoteExternalChange() {
	r.logger.Warn("stored secrets were changed by another process; restart glw if account operations start failing")
}
