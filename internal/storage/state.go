package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
)

// Fixed structured-storage keys. Existing user data depends on these names;
// they are never renamed.
const (
	KeyAccounts            = "glAccounts"
	KeyLegacyTokens        = "glTokens"
	KeyMigratedCredentials = "glMigratedCredentials"
)

// StateFileName is the structured state file name.
const StateFileName = "state.json"

// StateStore holds non-secret structured data as a single JSON document on
// disk, guarded by a cross-process file lock. Every mutation is a
// whole-document read-modify-write; partial field writes do not exist.
type StateStore struct {
	dir string
}

// NewStateStore creates a state store rooted at dir.
func NewStateStore(dir string) *StateStore {
	return &StateStore{dir: dir}
}

// Dir returns the state directory path.
func (s *StateStore) Dir() string {
	return s.dir
}

// Path returns the full path to the state file.
func (s *StateStore) Path() string {
	return filepath.Join(s.dir, StateFileName)
}

func (s *StateStore) lockPath() string {
	return filepath.Join(s.dir, ".lock")
}

// LockTimeout is the maximum time to wait for acquiring the file lock.
// If exceeded, operations proceed without locking (fail-open) to avoid CLI
// hangs when another process holds the lock (crashed process, NFS issues).
const LockTimeout = 100 * time.Millisecond

type fileLock struct {
	flock *flock.Flock
}

// acquireLock obtains an exclusive lock on the state directory.
// Returns nil (with no error) if the lock cannot be acquired within
// LockTimeout. The account layer's staleness check catches the lost-update
// races this can let through.
func (s *StateStore) acquireLock() (*fileLock, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, err
	}

	fl := flock.New(s.lockPath())

	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()

	// TryLockContext retries every 10ms until context expires
	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, nil
		}
		// Real lock error (permissions, filesystem issues)
		return nil, err
	}
	if !locked {
		return nil, nil
	}

	return &fileLock{flock: fl}, nil
}

func (fl *fileLock) release() error {
	if fl == nil || fl.flock == nil {
		return nil
	}
	return fl.flock.Unlock()
}

// Get unmarshals the value stored under key into out.
// Returns ok=false (out untouched) when the key is absent, so callers keep
// their supplied default.
func (s *StateStore) Get(key string, out any) (bool, error) {
	lock, err := s.acquireLock()
	if err != nil {
		return false, err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	doc, err := s.loadUnsafe()
	if err != nil {
		return false, err
	}

	raw, ok := doc[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state key %q: %w", key, err)
	}
	return true, nil
}

// Update stores value under key, preserving all other keys.
// The lock (when acquirable) is held across the whole read-modify-write.
func (s *StateStore) Update(ctx context.Context, key string, value any) error {
	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	doc, err := s.loadUnsafe()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	doc[key] = raw

	return s.saveUnsafe(doc)
}

// Delete removes key from the document.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	doc, err := s.loadUnsafe()
	if err != nil {
		return err
	}
	delete(doc, key)
	return s.saveUnsafe(doc)
}

// loadUnsafe reads the document without locking (caller must hold lock).
func (s *StateStore) loadUnsafe() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]json.RawMessage), nil
		}
		return nil, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		// Invalid JSON - start from an empty document rather than wedging
		// every account operation behind a corrupted file.
		return make(map[string]json.RawMessage), nil
	}
	return doc, nil
}

// saveUnsafe writes the document without locking (caller must hold lock).
func (s *StateStore) saveUnsafe(doc map[string]json.RawMessage) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	// Write atomically via temp file with unique name (PID + timestamp)
	// to avoid conflicts when the lock could not be acquired (fail-open).
	tmpPath := fmt.Sprintf("%s.%d.%d.tmp", s.Path(), os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	// On Windows, os.Rename fails if destination exists. Remove it first.
	if runtime.GOOS == "windows" {
		_ = os.Remove(s.Path())
	}

	if err := os.Rename(tmpPath, s.Path()); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return nil
}
