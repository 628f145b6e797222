// Package storage provides the credential stores backing the account layer:
// an OS-keychain secret store with a plaintext file fallback, and a
// flock-guarded structured state file for non-secret data.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/zalando/go-keyring"
)

const serviceName = "glw"

// SecretStore is the contract for secret key/value storage.
// Values are opaque strings; the account layer stores one JSON blob per key.
type SecretStore interface {
	// Get returns the value for key, or ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// KeyringStore stores secrets in the system keychain, falling back to a
// 0600 JSON file when the keychain is unavailable.
type KeyringStore struct {
	useKeyring  bool
	fallbackDir string

	mu sync.Mutex // serializes fallback-file read-modify-write
}

// NewKeyringStore creates a secret store rooted at fallbackDir.
// Set GLW_NO_KEYRING to skip the keychain (tests, headless CI).
func NewKeyringStore(fallbackDir string) *KeyringStore {
	if os.Getenv("GLW_NO_KEYRING") != "" {
		return &KeyringStore{useKeyring: false, fallbackDir: fallbackDir}
	}

	// Probe keychain availability
	testKey := "glw::probe"
	err := keyring.Set(serviceName, testKey, "probe")
	if err == nil {
		_ = keyring.Delete(serviceName, testKey) // Best-effort cleanup
		return &KeyringStore{useKeyring: true, fallbackDir: fallbackDir}
	}
	fmt.Fprintf(os.Stderr, "warning: system keyring unavailable, secrets stored in plaintext at %s\n",
		filepath.Join(fallbackDir, "secrets.json"))
	return &KeyringStore{useKeyring: false, fallbackDir: fallbackDir}
}

// UsingKeyring returns true if the store is backed by the system keychain.
func (s *KeyringStore) UsingKeyring() bool {
	return s.useKeyring
}

// FallbackPath returns the plaintext fallback file path. Empty when the
// keychain is in use; callers use this to watch for external changes.
func (s *KeyringStore) FallbackPath() string {
	if s.useKeyring {
		return ""
	}
	return s.secretsPath()
}

func (s *KeyringStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.useKeyring {
		value, err := keyring.Get(serviceName, key)
		if err == keyring.ErrNotFound {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("keyring get %q: %w", key, err)
		}
		return value, true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllFromFile()
	if err != nil {
		return "", false, err
	}
	value, ok := all[key]
	return value, ok, nil
}

func (s *KeyringStore) Set(ctx context.Context, key, value string) error {
	if s.useKeyring {
		if err := keyring.Set(serviceName, key, value); err != nil {
			return fmt.Errorf("keyring set %q: %w", key, err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllFromFile()
	if err != nil {
		return err
	}
	all[key] = value
	return s.saveAllToFile(all)
}

func (s *KeyringStore) Delete(ctx context.Context, key string) error {
	if s.useKeyring {
		err := keyring.Delete(serviceName, key)
		if err != nil && err != keyring.ErrNotFound {
			return fmt.Errorf("keyring delete %q: %w", key, err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadAllFromFile()
	if err != nil {
		return err
	}
	delete(all, key)
	return s.saveAllToFile(all)
}

// File fallback methods

func (s *KeyringStore) secretsPath() string {
	return filepath.Join(s.fallbackDir, "secrets.json")
}

func (s *KeyringStore) loadAllFromFile() (map[string]string, error) {
	data, err := os.ReadFile(s.secretsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}

	var all map[string]string
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("invalid secrets file: %w", err)
	}
	return all, nil
}

func (s *KeyringStore) saveAllToFile(all map[string]string) error {
	if err := os.MkdirAll(s.fallbackDir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write with randomized temp file name
	tmpFile, err := os.CreateTemp(s.fallbackDir, "secrets-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	// Unix: rename atomically replaces the destination.
	// Windows: rename fails when destination exists. Try rename first to
	// preserve the old file on unrelated errors; only remove+retry on failure.
	destPath := s.secretsPath()
	if err := os.Rename(tmpPath, destPath); err != nil {
		if runtime.GOOS == "windows" {
			_ = os.Remove(destPath)
			return os.Rename(tmpPath, destPath)
		}
		os.Remove(tmpPath) // Clean up stale temp on failure
		return err
	}
	return nil
}

// MemStore is an in-memory SecretStore for tests and ephemeral sessions.
type MemStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemStore creates an empty in-memory secret store.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string)}
}

func (s *MemStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *MemStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
