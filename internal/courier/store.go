package courier

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

// SessionStore holds the courier session token between deliveries.
type SessionStore interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, token string) error
}

// MemorySessionStore keeps the token in process memory.
type MemorySessionStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemorySessionStore creates a store seeded with token (may be empty).
func NewMemorySessionStore(token string) *MemorySessionStore {
	return &MemorySessionStore{token: token}
}

func (s *MemorySessionStore) Get(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemorySessionStore) Set(_ context.Context, token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// DotenvSessionStore persists the token as KEY=value in a dotenv file so it
// survives restarts. The file is re-read on every Get, which lets an operator
// paste a fresh token without restarting the process. Other keys in the file
// are preserved on Set; comments and formatting are not.
type DotenvSessionStore struct {
	path string
	key  string
	seed string

	mu sync.Mutex
}

// NewDotenvSessionStore creates a store backed by the file at path. seed is
// returned when the file or key does not exist yet.
func NewDotenvSessionStore(path, key, seed string) *DotenvSessionStore {
	return &DotenvSessionStore{path: path, key: key, seed: seed}
}

func (s *DotenvSessionStore) Get(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := godotenv.Read(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.seed, nil
	}
	if err != nil {
		return "", err
	}
	if token, ok := env[s.key]; ok {
		return token, nil
	}
	return s.seed, nil
}

// Set writes the token through a temp file and rename so a concurrent reader
// never sees a truncated file.
func (s *DotenvSessionStore) Set(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := godotenv.Read(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		env = map[string]string{}
	} else if err != nil {
		return err
	}
	env[s.key] = token

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.env")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	tmp.Close()

	if err := godotenv.Write(env, tmpName); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

var (
	_ SessionStore = (*MemorySessionStore)(nil)
	_ SessionStore = (*DotenvSessionStore)(nil)
)
