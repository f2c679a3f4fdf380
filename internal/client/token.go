package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TokenStore persists the session token between runs. Load returns "" with
// a nil error when no token has been saved yet.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
}

// FileTokenStore keeps the token in a single file.
type FileTokenStore struct {
	Path string
}

func (s FileTokenStore) Load() (string, error) {
	raw, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("client.FileTokenStore.Load: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (s FileTokenStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("client.FileTokenStore.Save: %w", err)
	}
	if err := os.WriteFile(s.Path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("client.FileTokenStore.Save: %w", err)
	}
	return nil
}

// MemoryTokenStore keeps the token for the life of the process.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
}

func (s *MemoryTokenStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *MemoryTokenStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

// SessionToken returns the persisted token, minting and saving a new random
// one when none exists.
func SessionToken(store TokenStore) (string, error) {
	token, err := store.Load()
	if err != nil {
		return "", fmt.Errorf("client.SessionToken: %w", err)
	}
	if token != "" {
		return token, nil
	}

	token = uuid.NewString()
	if err := store.Save(token); err != nil {
		return "", fmt.Errorf("client.SessionToken: %w", err)
	}
	return token, nil
}
