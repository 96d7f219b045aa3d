// Package tokenstore persists OAuth credentials across process restarts.
// Writes are atomic: the document lands in a temp file that is fsynced and
// renamed over the previous one, so a crash mid-save never leaves a torn
// token file behind.
package tokenstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Credentials is the persisted token document.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Login        string    `json:"login,omitempty"`
}

// ExpiresWithin reports whether the access token expires inside the given
// window. A zero ExpiresAt counts as already expired.
func (c Credentials) ExpiresWithin(window time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(c.ExpiresAt) <= window
}

// Store reads and writes one credentials file. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
}

// New prepares a store at path, creating parent directories as needed.
func New(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("token store: path required")
	}
	if dir := filepath.Dir(trimmed); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("token store: create %q: %w", dir, err)
		}
	}
	return &Store{path: trimmed}, nil
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Load reads the persisted credentials. The second return is false when no
// token file exists yet.
func (s *Store) Load() (Credentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, false, nil
		}
		return Credentials{}, false, fmt.Errorf("token store: read %q: %w", s.path, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, false, fmt.Errorf("token store: decode %q: %w", s.path, err)
	}
	return creds, true, nil
}

// Save atomically replaces the credentials file. The temp file inherits
// CreateTemp's 0600 mode, which is what a secret on disk should carry.
func (s *Store) Save(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("token store: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	tempFile, err := os.CreateTemp(dir, "tokens-*.json")
	if err != nil {
		return fmt.Errorf("token store: create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("token store: write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("token store: sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("token store: close temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("token store: persist %q: %w", s.path, err)
	}
	return nil
}

// Clear removes the credentials file, used when the upstream authorization
// is revoked. Missing files are not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("token store: remove %q: %w", s.path, err)
	}
	return nil
}
