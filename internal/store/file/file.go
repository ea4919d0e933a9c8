// Package file implements file-based storage using JSON files.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/store"
)

// Store implements store.Store using JSON files for persistence. A single
// lock covers every collection; read-modify-write operations hold the write
// lock for their whole duration, which is what makes code consumption and
// refresh rotation atomic.
type Store struct {
	dataDir string
	mu      sync.RWMutex

	users     *userRepository
	clients   *clientRepository
	consents  *consentRepository
	sessions  *sessionRepository
	authCodes *authCodeRepository
	tokens    *tokenRepository
	keys      *keyRepository
}

// NewStore creates a new file-based store.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{dataDir: dataDir}
	s.users = &userRepository{c: collection[*domain.User]{store: s, name: "users"}}
	s.clients = &clientRepository{c: collection[*domain.Client]{store: s, name: "clients"}}
	s.consents = &consentRepository{c: collection[*domain.Consent]{store: s, name: "consents"}}
	s.sessions = &sessionRepository{c: collection[*domain.Session]{store: s, name: "sessions"}}
	s.authCodes = &authCodeRepository{c: collection[*domain.AuthCode]{store: s, name: "auth_codes"}}
	s.tokens = &tokenRepository{c: collection[*domain.Token]{store: s, name: "tokens"}}
	s.keys = &keyRepository{c: collection[*crypto.KeyPair]{store: s, name: "signing_keys"}}

	return s, nil
}

func (s *Store) Users() store.UserRepository         { return s.users }
func (s *Store) Clients() store.ClientRepository     { return s.clients }
func (s *Store) Consents() store.ConsentRepository   { return s.consents }
func (s *Store) Sessions() store.SessionRepository   { return s.sessions }
func (s *Store) AuthCodes() store.AuthCodeRepository { return s.authCodes }
func (s *Store) Tokens() store.TokenRepository       { return s.tokens }
func (s *Store) Close() error                        { return nil }

// Keys returns the signing key repository.
func (s *Store) Keys() crypto.KeyRepository { return s.keys }

// Ping reports whether the data directory is still accessible.
func (s *Store) Ping(context.Context) error {
	_, err := os.Stat(s.dataDir)
	return err
}

// collection is one JSON file holding {"<name>": [...]}. Every read decodes
// a fresh copy, so values handed to callers never alias stored state.
type collection[T any] struct {
	store *Store
	name  string
}

func (c collection[T]) path() string {
	return filepath.Join(c.store.dataDir, c.name+".json")
}

// read loads the items. Caller holds store.mu.
func (c collection[T]) read() ([]T, error) {
	data, err := os.ReadFile(c.path())
	if os.IsNotExist(err) {
		return nil, nil // Empty collection
	}
	if err != nil {
		return nil, err
	}

	var doc map[string][]T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc[c.name], nil
}

// write replaces the file through a rename so readers never observe a
// partial document. Caller holds store.mu for writing.
func (c collection[T]) write(items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.MarshalIndent(map[string][]T{c.name: items}, "", "  ")
	if err != nil {
		return err
	}

	tmp := c.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path())
}

// view runs fn over a snapshot under the read lock.
func (c collection[T]) view(fn func(items []T) error) error {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	items, err := c.read()
	if err != nil {
		return idperrors.Internal("failed to load "+c.name, err)
	}
	return fn(items)
}

// update runs fn under the write lock and persists its result. Nothing is
// written when fn fails.
func (c collection[T]) update(fn func(items []T) ([]T, error)) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	items, err := c.read()
	if err != nil {
		return idperrors.Internal("failed to load "+c.name, err)
	}
	out, err := fn(items)
	if err != nil {
		return err
	}
	if err := c.write(out); err != nil {
		return idperrors.Internal("failed to save "+c.name, err)
	}
	return nil
}

// find returns the first item matching pred.
func (c collection[T]) find(pred func(T) bool) (T, bool, error) {
	var found T
	var ok bool
	err := c.view(func(items []T) error {
		for _, it := range items {
			if pred(it) {
				found, ok = it, true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// filter returns the items matching pred.
func (c collection[T]) filter(pred func(T) bool) ([]T, error) {
	var out []T
	err := c.view(func(items []T) error {
		for _, it := range items {
			if pred(it) {
				out = append(out, it)
			}
		}
		return nil
	})
	return out, err
}

// remove deletes the first item matching pred and reports whether one was found.
func (c collection[T]) remove(pred func(T) bool) (bool, error) {
	found := false
	err := c.update(func(items []T) ([]T, error) {
		for i, it := range items {
			if pred(it) {
				found = true
				return append(items[:i], items[i+1:]...), nil
			}
		}
		return items, nil
	})
	return found, err
}

// removeAll deletes every item matching pred.
func (c collection[T]) removeAll(pred func(T) bool) error {
	return c.update(func(items []T) ([]T, error) {
		kept := items[:0]
		for _, it := range items {
			if !pred(it) {
				kept = append(kept, it)
			}
		}
		return kept, nil
	})
}
