// Package config provides layered configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the resolved configuration.
type Config struct {
	// InstanceURL is the default GitLab instance for new logins.
	InstanceURL string `json:"instance_url"`

	// ClientID overrides the built-in OAuth application id, for
	// self-managed instances running their own OAuth application.
	ClientID string `json:"client_id,omitempty"`

	// CallbackPort is the loopback port the login flow listens on. It
	// must match the redirect URI registered with the OAuth application.
	CallbackPort int `json:"callback_port"`

	// DataDir holds the profile store and the keychain fallback file.
	DataDir string `json:"data_dir"`

	// Scopes requested during login.
	Scopes []string `json:"scopes,omitempty"`

	// Output settings
	Format string `json:"format"`

	// LoginTimeoutSeconds bounds how long a login waits for the browser.
	LoginTimeoutSeconds int `json:"login_timeout_seconds"`

	// Sources tracks where each value came from (for debugging).
	Sources map[string]string `json:"-"`
}

// Source indicates where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceSystem  Source = "system"
	SourceGlobal  Source = "global"
	SourceRepo    Source = "repo"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// FlagOverrides holds command-line flag values.
type FlagOverrides struct {
	Instance string
	DataDir  string
	Format   string
}

// Default returns the default configuration.
func Default() *Config {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}

	return &Config{
		InstanceURL:         "https://gitlab.com",
		CallbackPort:        7171,
		DataDir:             filepath.Join(dataDir, "glw"),
		Format:              "auto",
		LoginTimeoutSeconds: 60,
		Sources:             make(map[string]string),
	}
}

// Load loads configuration from all sources with proper precedence.
// Precedence: flags > env > repo > global > system > defaults
func Load(overrides FlagOverrides) (*Config, error) {
	cfg := Default()

	loadFromFile(cfg, systemConfigPath(), SourceSystem)
	loadFromFile(cfg, globalConfigPath(), SourceGlobal)

	if repoPath := repoConfigPath(); repoPath != "" {
		loadFromFile(cfg, repoPath, SourceRepo)
	}

	LoadFromEnv(cfg)
	ApplyOverrides(cfg, overrides)

	return cfg, nil
}

func loadFromFile(cfg *Config, path string, source Source) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path is from trusted config locations
	if err != nil {
		return // File doesn't exist, skip
	}

	var fileCfg map[string]any
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: skipping malformed config at %s: %v\n", path, err)
		return
	}

	// Authority keys (client_id, callback_port, data_dir) control where
	// credentials are sent and stored. Repo config must NOT set these — a
	// malicious config in a cloned repo could redirect tokens.
	untrusted := source == SourceRepo

	if v, ok := fileCfg["instance_url"].(string); ok && v != "" {
		cfg.InstanceURL = v
		cfg.Sources["instance_url"] = string(source)
	}
	if v, ok := fileCfg["client_id"].(string); ok && v != "" {
		if untrusted {
			fmt.Fprintf(os.Stderr, "warning: ignoring client_id from %s config at %s (authority keys are not trusted from repo config)\n", source, path)
		} else {
			cfg.ClientID = v
			cfg.Sources["client_id"] = string(source)
		}
	}
	if v, ok := fileCfg["callback_port"].(float64); ok && v > 0 {
		if untrusted {
			fmt.Fprintf(os.Stderr, "warning: ignoring callback_port from %s config at %s (authority keys are not trusted from repo config)\n", source, path)
		} else {
			cfg.CallbackPort = int(v)
			cfg.Sources["callback_port"] = string(source)
		}
	}
	if v, ok := fileCfg["data_dir"].(string); ok && v != "" {
		if untrusted {
			fmt.Fprintf(os.Stderr, "warning: ignoring data_dir from %s config at %s (authority keys are not trusted from repo config)\n", source, path)
		} else {
			cfg.DataDir = v
			cfg.Sources["data_dir"] = string(source)
		}
	}
	if v, ok := fileCfg["scopes"].([]any); ok && len(v) > 0 {
		var scopes []string
		for _, s := range v {
			if str, ok := s.(string); ok && str != "" {
				scopes = append(scopes, str)
			}
		}
		if len(scopes) > 0 {
			cfg.Scopes = scopes
			cfg.Sources["scopes"] = string(source)
		}
	}
	if v, ok := fileCfg["format"].(string); ok && v != "" {
		cfg.Format = v
		cfg.Sources["format"] = string(source)
	}
	if v, ok := fileCfg["login_timeout_seconds"].(float64); ok && v > 0 && v == float64(int(v)) {
		cfg.LoginTimeoutSeconds = int(v)
		cfg.Sources["login_timeout_seconds"] = string(source)
	}
}

// LoadFromEnv loads configuration from environment variables.
// Exported so root.go can re-apply after flag parsing.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GLW_INSTANCE_URL"); v != "" {
		cfg.InstanceURL = v
		cfg.Sources["instance_url"] = string(SourceEnv)
	}
	if v := os.Getenv("GLW_CLIENT_ID"); v != "" {
		cfg.ClientID = v
		cfg.Sources["client_id"] = string(SourceEnv)
	}
	if v := os.Getenv("GLW_CALLBACK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.CallbackPort = port
			cfg.Sources["callback_port"] = string(SourceEnv)
		}
	}
	if v := os.Getenv("GLW_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.Sources["data_dir"] = string(SourceEnv)
	}
	if v := os.Getenv("GLW_FORMAT"); v != "" {
		cfg.Format = v
		cfg.Sources["format"] = string(SourceEnv)
	}
}

// ApplyOverrides applies non-empty flag overrides to cfg.
func ApplyOverrides(cfg *Config, o FlagOverrides) {
	if o.Instance != "" {
		cfg.InstanceURL = o.Instance
		cfg.Sources["instance_url"] = string(SourceFlag)
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
		cfg.Sources["data_dir"] = string(SourceFlag)
	}
	if o.Format != "" {
		cfg.Format = o.Format
		cfg.Sources["format"] = string(SourceFlag)
	}
}

// Path helpers

func systemConfigPath() string {
	return "/etc/glw/config.json"
}

func globalConfigPath() string {
	return filepath.Join(GlobalConfigDir(), "config.json")
}

// repoConfigPath walks up to find a .git directory, then looks for
// .glw/config.json at the repo root. Bounded by $HOME: if CWD is outside
// the home directory tree (e.g., /tmp), no repo config is trusted.
func repoConfigPath() string {
	dir, err := os.Getwd()
	if err != nil {
		return "" // fail closed: can't determine CWD
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "" // fail closed: can't resolve symlinks for trust boundary
	}
	dir = resolved
	home, _ := os.UserHomeDir()
	if resolved, err := filepath.EvalSymlinks(home); err == nil {
		home = resolved
	}

	if home != "" && !isInsideDir(dir, home) {
		return ""
	}

	for {
		gitPath := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			cfgPath := filepath.Join(dir, ".glw", "config.json")
			if _, err := os.Stat(cfgPath); err == nil {
				return cfgPath
			}
			return ""
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		// Don't walk above home directory
		if home != "" && dir == home {
			return ""
		}
		dir = parent
	}
}

// isInsideDir reports whether child is the same as or a subdirectory of parent.
// Both paths must be absolute and already cleaned/resolved.
func isInsideDir(child, parent string) bool {
	if child == parent {
		return true
	}
	prefix := parent
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(child, prefix)
}

// GlobalConfigDir returns the global config directory path.
func GlobalConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "glw")
}
