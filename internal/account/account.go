// Package account owns the mapping from account id to account record.
// Every account is split across two stores: the profile half (non-secret,
// structured storage) and the secret half (token material, OS keychain).
package account

import (
	"fmt"
	"strconv"

	"gitlab.com/gitlab-workflow/glw/internal/hostutil"
)

// Type discriminates the two account variants.
type Type string

const (
	// TypeToken is a long-lived personal-access-token credential; never refreshed.
	TypeToken Type = "token"

	// TypeOAuth is a short-lived bearer token plus rotation material.
	TypeOAuth Type = "oauth"
)

// Account is a persisted identity+credential pair for one user on one
// GitLab instance. JSON field names match the on-disk format and are fixed.
type Account struct {
	Type        Type   `json:"type"`
	ID          string `json:"id"`
	Username    string `json:"username"`
	InstanceURL string `json:"instanceUrl"`
	Token       string `json:"token"`

	// OAuth-only rotation material.
	RefreshToken string   `json:"refreshToken,omitempty"`
	ExpiresAt    int64    `json:"expiresAtTimestampInSeconds,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Credentials is the minimal bearer needed to call the platform API.
type Credentials struct {
	InstanceURL string `json:"instanceUrl"`
	Token       string `json:"token"`
}

// Credentials returns the API bearer for this account.
func (a Account) Credentials() Credentials {
	return Credentials{InstanceURL: a.InstanceURL, Token: a.Token}
}

// Profile is the non-secret half of an account, safe to persist in plain
// structured storage. It is needed for listing even when the secret store
// is temporarily inaccessible.
type Profile struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	InstanceURL string   `json:"instanceUrl"`
	Type        Type     `json:"type"`
	Scopes      []string `json:"scopes,omitempty"`
}

// Secret is the sensitive half of an account.
type Secret struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAtTimestampInSeconds,omitempty"`
}

// Split decomposes an account into its two storage halves.
func Split(a Account) (Profile, Secret) {
	profile := Profile{
		ID:          a.ID,
		Username:    a.Username,
		InstanceURL: a.InstanceURL,
		Type:        a.Type,
		Scopes:      a.Scopes,
	}
	secret := Secret{Token: a.Token}
	if a.Type == TypeOAuth {
		secret.RefreshToken = a.RefreshToken
		secret.ExpiresAt = a.ExpiresAt
	}
	return profile, secret
}

// Join recombines the two halves into a usable account.
func Join(p Profile, s Secret) Account {
	a := Account{
		Type:        p.Type,
		ID:          p.ID,
		Username:    p.Username,
		InstanceURL: p.InstanceURL,
		Scopes:      p.Scopes,
		Token:       s.Token,
	}
	if p.Type == TypeOAuth {
		a.RefreshToken = s.RefreshToken
		a.ExpiresAt = s.ExpiresAt
	}
	return a
}

// MakeID derives the account id from instance URL and user id.
// The id is deterministic and stable across re-authentication: logging in
// twice as the same user on the same instance yields the same id.
func MakeID(instanceURL string, userID int64) string {
	return hostutil.NormalizeInstanceURL(instanceURL) + "|" + strconv.FormatInt(userID, 10)
}

func (a Account) String() string {
	return fmt.Sprintf("%s account %s (%s on %s)", a.Type, a.ID, a.Username, a.InstanceURL)
}
