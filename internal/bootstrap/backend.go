// Package bootstrap opens the configured store and seeds it with the users,
// roles and clients named in configuration.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/store"
	"github.com/tendant/dealer-sso/internal/store/file"
	"github.com/tendant/dealer-sso/internal/store/postgres"
)

// Backend is a store that also holds signing keys.
type Backend interface {
	store.Store
	Keys() crypto.KeyRepository
	Ping(ctx context.Context) error
}

// Backend kinds.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Open opens the store selected by kind.
func Open(ctx context.Context, kind, dataDir, databaseURL string) (Backend, error) {
	switch kind {
	case BackendFile, "":
		st, err := file.NewStore(dataDir)
		if err != nil {
			return nil, err
		}
		return st, nil
	case BackendPostgres:
		if databaseURL == "" {
			return nil, fmt.Errorf("postgres backend requires a database URL")
		}
		st, err := postgres.Open(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}
