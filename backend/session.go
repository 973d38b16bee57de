package backend

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SessionStore persists the remote session identifier so a restarted
// client reuses its server-side worker instead of leaking one. Clearing
// the store is also how a terminated session is signaled to every other
// client sharing it.
type SessionStore interface {
	Load() (string, error)
	Save(id string) error
	Clear() error
}

// FileSessionStore keeps the session ID in a file under the user config
// directory.
type FileSessionStore struct {
	Path string
}

// NewFileSessionStore returns a store at the default location
// (<user config dir>/flowscope/session).
func NewFileSessionStore() (*FileSessionStore, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return &FileSessionStore{Path: filepath.Join(dir, "flowscope", "session")}, nil
}

// Load implements SessionStore. A missing file means no session.
func (s *FileSessionStore) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Save implements SessionStore.
func (s *FileSessionStore) Save(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.Path, []byte(id+"\n"), 0o600)
}

// Clear implements SessionStore.
func (s *FileSessionStore) Clear() error {
	err := os.Remove(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemorySessionStore is an in-memory store for tests and one-shot CLI
// runs that should not reuse a session.
type MemorySessionStore struct {
	mu sync.Mutex
	id string
}

func (s *MemorySessionStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *MemorySessionStore) Save(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return nil
}

func (s *MemorySessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	return nil
}
