// Package output provides JSON/text output formatting and error handling.
package output

// Exit codes for the glw binary.
const (
	ExitOK       = 0 // Success
	ExitUsage    = 1 // Invalid arguments or flags
	ExitNotFound = 2 // Account or resource not found
	ExitAuth     = 3 // Not authenticated
	ExitKeychain = 4 // OS keychain inaccessible
	ExitStale    = 5 // Stored secrets changed by another process
	ExitNetwork  = 6 // Connection/DNS/timeout error
	ExitAPI      = 7 // Server returned error
	ExitTimeout  = 8 // OAuth login timed out
)

// Error codes for the JSON envelope.
const (
	CodeUsage    = "usage"
	CodeNotFound = "not_found"
	CodeAuth     = "auth_required"
	CodeKeychain = "keychain"
	CodeStale    = "stale_state"
	CodeNetwork  = "network"
	CodeAPI      = "api_error"
	CodeTimeout  = "timeout"
)

// ExitCodeFor returns the exit code for a given error code.
func ExitCodeFor(code string) int {
	switch code {
	case CodeUsage:
		return ExitUsage
	case CodeNotFound:
		return ExitNotFound
	case CodeAuth:
		return ExitAuth
	case CodeKeychain:
		return ExitKeychain
	case CodeStale:
		return ExitStale
	case CodeNetwork:
		return ExitNetwork
	case CodeAPI:
		return ExitAPI
	case CodeTimeout:
		return ExitTimeout
	default:
		return ExitAPI
	}
}
