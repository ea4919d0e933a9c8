// Package redis stores browser sessions in Redis. Session keys expire with
// the session, and a per-user set indexes session ids for bulk logout.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "sso:"

// Options configures the Redis connection.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// SessionStore implements store.SessionRepository on Redis.
type SessionStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewSessionStore connects to Redis and verifies the connection.
func NewSessionStore(ctx context.Context, opts Options) (*SessionStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewSessionStoreWithClient(client, opts.KeyPrefix), nil
}

// NewSessionStoreWithClient wraps an existing client. An empty prefix
// selects DefaultKeyPrefix.
func NewSessionStoreWithClient(client goredis.UniversalClient, prefix string) *SessionStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &SessionStore{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SessionStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *SessionStore) userKey(userID string) string {
	return s.prefix + "user_sessions:" + userID
}

func (s *SessionStore) Create(ctx context.Context, session *domain.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return idperrors.InvalidInput("session already expired")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return idperrors.Internal("failed to encode session", err)
	}

	userKey := s.userKey(session.UserID)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(session.ID), data, ttl)
		pipe.SAdd(ctx, userKey, session.ID)
		// Sessions share one lifetime, so the newest one bounds the index.
		pipe.Expire(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		return idperrors.Unavailable("failed to store session", err)
	}
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, idperrors.NotFound("session", "")
		}
		return nil, idperrors.Unavailable("failed to load session", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, idperrors.Internal("failed to decode session", err)
	}
	return &session, nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	session, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(id))
		pipe.SRem(ctx, s.userKey(session.UserID), id)
		return nil
	})
	if err != nil {
		return idperrors.Unavailable("failed to delete session", err)
	}
	return nil
}

func (s *SessionStore) DeleteByUserID(ctx context.Context, userID string) error {
	userKey := s.userKey(userID)
	ids, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return idperrors.Unavailable("failed to list user sessions", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.sessionKey(id))
	}
	keys = append(keys, userKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return idperrors.Unavailable("failed to delete user sessions", err)
	}
	return nil
}

// DeleteExpired is a no-op; Redis expires session keys itself.
func (s *SessionStore) DeleteExpired(context.Context) error {
	return nil
}
