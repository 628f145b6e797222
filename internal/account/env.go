package account

import (
	"os"

	"gitlab.com/gitlab-workflow/glw/internal/hostutil"
)

// Environment variables that synthesize an ephemeral token account.
const (
	EnvInstanceURL = "GITLAB_WORKFLOW_INSTANCE_URL"
	EnvToken       = "GITLAB_WORKFLOW_TOKEN"
)

// envAccountIDSuffix marks the synthetic environment account id.
const envAccountIDSuffix = "|environment-variables"

// FromEnvironment materializes a token account from the environment, if
// both variables are present. The account is never persisted and never
// removable; it is rebuilt on every query.
func FromEnvironment() (Account, bool) {
	instanceURL := os.Getenv(EnvInstanceURL)
	token := os.Getenv(EnvToken)
	if instanceURL == "" || token == "" {
		return Account{}, false
	}

	instanceURL = hostutil.NormalizeInstanceURL(instanceURL)
	return Account{
		Type:        TypeToken,
		ID:          instanceURL + envAccountIDSuffix,
		Username:    "environment-variable-credentials",
		InstanceURL: instanceURL,
		Token:       token,
	}, true
}

// IsEnvironmentAccount reports whether id belongs to the synthetic
// environment account.
func IsEnvironmentAccount(id string) bool {
	return len(id) > len(envAccountIDSuffix) && id[len(id)-len(envAccountIDSuffix):] == envAccountIDSuffix
}
