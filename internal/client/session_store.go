package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tyemirov/clinicdesk/internal/session"
)

// SessionStore persists the signed-in session between runs.
type SessionStore interface {
	Load() (*session.Session, error)
	Save(current session.Session) error
	Clear() error
}

// MemorySessionStore keeps the session for the lifetime of the process.
type MemorySessionStore struct {
	mutex   sync.Mutex
	current *session.Session
}

// NewMemorySessionStore returns an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (store *MemorySessionStore) Load() (*session.Session, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.current == nil {
		return nil, nil
	}
	clone := *store.current
	return &clone, nil
}

func (store *MemorySessionStore) Save(current session.Session) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.current = &current
	return nil
}

func (store *MemorySessionStore) Clear() error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.current = nil
	return nil
}

// FileSessionStore writes the session as JSON readable only by the owner.
type FileSessionStore struct {
	path string
}

// NewFileSessionStore stores the session at path, creating parent
// directories on first save.
func NewFileSessionStore(path string) (*FileSessionStore, error) {
	if path == "" {
		return nil, fmt.Errorf("client.session_store: %w: path is required", ErrConfiguration)
	}
	return &FileSessionStore{path: path}, nil
}

// Path returns the file location.
func (store *FileSessionStore) Path() string {
	return store.path
}

func (store *FileSessionStore) Load() (*session.Session, error) {
	contents, err := os.ReadFile(store.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client.session_store.load: %w", err)
	}
	var current session.Session
	if err := json.Unmarshal(contents, &current); err != nil {
		return nil, fmt.Errorf("client.session_store.decode: %w", err)
	}
	if current.SubjectID == "" || current.AccessToken == "" {
		return nil, nil
	}
	return &current, nil
}

func (store *FileSessionStore) Save(current session.Session) error {
	contents, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("client.session_store.encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(store.path), 0o700); err != nil {
		return fmt.Errorf("client.session_store.mkdir: %w", err)
	}
	temporary, err := os.CreateTemp(filepath.Dir(store.path), ".session-*")
	if err != nil {
		return fmt.Errorf("client.session_store.create: %w", err)
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath)
	if err := temporary.Chmod(0o600); err != nil {
		temporary.Close()
		return fmt.Errorf("client.session_store.chmod: %w", err)
	}
	if _, err := temporary.Write(contents); err != nil {
		temporary.Close()
		return fmt.Errorf("client.session_store.write: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("client.session_store.close: %w", err)
	}
	if err := os.Rename(temporaryPath, store.path); err != nil {
		return fmt.Errorf("client.session_store.rename: %w", err)
	}
	return nil
}

func (store *FileSessionStore) Clear() error {
	if err := os.Remove(store.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("client.session_store.clear: %w", err)
	}
	return nil
}
