package crypto

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// KeyRepository defines storage operations for signing keys.
type KeyRepository interface {
	GetByID(ctx context.Context, kid string) (*KeyPair, error)
	GetActive(ctx context.Context) (*KeyPair, error)
	GetAll(ctx context.Context) ([]*KeyPair, error)
	Save(ctx context.Context, keyPair *KeyPair) error
	SetActive(ctx context.Context, kid string) error
	Delete(ctx context.Context, kid string) error
}

// KeySource supplies the signing key and verification keys to a TokenGenerator.
type KeySource interface {
	ActiveKey(ctx context.Context) (*KeyPair, error)
	KeyByID(ctx context.Context, kid string) (*KeyPair, error)
}

// KeyService manages signing keys.
type KeyService struct {
	repo           KeyRepository
	rotationPeriod time.Duration
	retention      time.Duration
	mu             sync.RWMutex
}

// KeyServiceOption configures the KeyService.
type KeyServiceOption func(*KeyService)

// WithRotationPeriod makes RotateIfDue rotate keys older than period.
// Zero disables automatic rotation.
func WithRotationPeriod(period time.Duration) KeyServiceOption {
	return func(s *KeyService) {
		s.rotationPeriod = period
	}
}

// WithRetention sets how long a rotated-out key stays published for
// verification.
func WithRetention(d time.Duration) KeyServiceOption {
	return func(s *KeyService) {
		s.retention = d
	}
}

// NewKeyService creates a new KeyService.
func NewKeyService(repo KeyRepository, opts ...KeyServiceOption) *KeyService {
	s := &KeyService{
		repo:      repo,
		retention: 24 * time.Hour,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// EnsureActiveKey ensures there's an active signing key, generating one if needed.
func (s *KeyService) EnsureActiveKey(ctx context.Context) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.repo.GetActive(ctx)
	if err == nil && key != nil {
		if err := key.ensureLoaded(); err != nil {
			return nil, fmt.Errorf("failed to load key from PEM: %w", err)
		}
		return key, nil
	}

	return s.createActive(ctx)
}

// ActiveKey returns the current signing key.
func (s *KeyService) ActiveKey(ctx context.Context) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if err := key.ensureLoaded(); err != nil {
		return nil, fmt.Errorf("failed to load key from PEM: %w", err)
	}
	return key, nil
}

// KeyByID returns a key by kid, for verifying tokens signed before rotation.
func (s *KeyService) KeyByID(ctx context.Context, kid string) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.repo.GetByID(ctx, kid)
	if err != nil {
		return nil, err
	}
	if err := key.ensureLoaded(); err != nil {
		return nil, fmt.Errorf("failed to load key from PEM: %w", err)
	}
	return key, nil
}

// JWKS returns all unexpired public keys, newest first.
func (s *KeyService) JWKS(ctx context.Context) (*JWKS, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(keys, func(a, b *KeyPair) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	jwks := &JWKS{Keys: make([]JWK, 0, len(keys))}
	for _, key := range keys {
		if key.IsExpired() {
			continue
		}
		if err := key.ensureLoaded(); err != nil {
			continue // skip keys that cannot be decoded
		}
		jwks.Keys = append(jwks.Keys, key.ToJWK())
	}
	return jwks, nil
}

// RotateKey generates a new active key. The previous key stays published
// for the retention period so outstanding tokens still verify.
func (s *KeyService) RotateKey(ctx context.Context) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, err := s.repo.GetActive(ctx); err == nil && old != nil {
		old.Active = false
		old.ExpiresAt = time.Now().Add(s.retention)
		if err := s.repo.Save(ctx, old); err != nil {
			return nil, fmt.Errorf("failed to update old key: %w", err)
		}
	}

	return s.createActive(ctx)
}

// RotateIfDue rotates when the active key is older than the rotation period.
// It reports whether a rotation happened.
func (s *KeyService) RotateIfDue(ctx context.Context) (bool, error) {
	if s.rotationPeriod <= 0 {
		return false, nil
	}
	active, err := s.ActiveKey(ctx)
	if err != nil {
		return false, err
	}
	if time.Since(active.CreatedAt) < s.rotationPeriod {
		return false, nil
	}
	if _, err := s.RotateKey(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// CleanupExpiredKeys removes inactive keys past their retention.
func (s *KeyService) CleanupExpiredKeys(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.repo.GetAll(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key.IsExpired() && !key.Active {
			if err := s.repo.Delete(ctx, key.Kid); err != nil {
				return fmt.Errorf("failed to delete expired key %s: %w", key.Kid, err)
			}
		}
	}
	return nil
}

// createActive generates, saves and activates a key. Caller holds mu.
func (s *KeyService) createActive(ctx context.Context) (*KeyPair, error) {
	key, err := GenerateKeyPair(DefaultKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := s.repo.Save(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}
	if err := s.repo.SetActive(ctx, key.Kid); err != nil {
		return nil, fmt.Errorf("failed to activate key: %w", err)
	}
	return key, nil
}

// StaticKeys is a KeySource over a single in-memory key pair.
type StaticKeys struct {
	Key *KeyPair
}

// ActiveKey returns the key.
func (s StaticKeys) ActiveKey(context.Context) (*KeyPair, error) {
	return s.Key, nil
}

// KeyByID returns the key when kid matches.
func (s StaticKeys) KeyByID(_ context.Context, kid string) (*KeyPair, error) {
	if kid != s.Key.Kid {
		return nil, fmt.Errorf("unknown key ID: %s", kid)
	}
	return s.Key, nil
}
