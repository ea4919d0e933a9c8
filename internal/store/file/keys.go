package file

import (
	"context"

	"github.com/tendant/dealer-sso/internal/crypto"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

// keyRepository implements crypto.KeyRepository. Keys are persisted in PEM
// form; crypto.KeyService decodes them on load.
type keyRepository struct {
	c collection[*crypto.KeyPair]
}

func (r *keyRepository) GetByID(ctx context.Context, kid string) (*crypto.KeyPair, error) {
	key, ok, err := r.c.find(func(k *crypto.KeyPair) bool { return k.Kid == kid })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, idperrors.NotFound("signing key", kid)
	}
	return key, nil
}

func (r *keyRepository) GetActive(ctx context.Context) (*crypto.KeyPair, error) {
	key, ok, err := r.c.find(func(k *crypto.KeyPair) bool { return k.Active })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, idperrors.NotFound("active signing key", "")
	}
	return key, nil
}

func (r *keyRepository) GetAll(ctx context.Context) ([]*crypto.KeyPair, error) {
	return r.c.filter(func(*crypto.KeyPair) bool { return true })
}

// Save updates an existing key or appends a new one.
func (r *keyRepository) Save(ctx context.Context, keyPair *crypto.KeyPair) error {
	return r.c.update(func(keys []*crypto.KeyPair) ([]*crypto.KeyPair, error) {
		for i, k := range keys {
			if k.Kid == keyPair.Kid {
				keys[i] = keyPair
				return keys, nil
			}
		}
		return append(keys, keyPair), nil
	})
}

// SetActive marks kid active and every other key inactive.
func (r *keyRepository) SetActive(ctx context.Context, kid string) error {
	return r.c.update(func(keys []*crypto.KeyPair) ([]*crypto.KeyPair, error) {
		found := false
		for _, k := range keys {
			k.Active = k.Kid == kid
			found = found || k.Active
		}
		if !found {
			return nil, idperrors.NotFound("signing key", kid)
		}
		return keys, nil
	})
}

func (r *keyRepository) Delete(ctx context.Context, kid string) error {
	found, err := r.c.remove(func(k *crypto.KeyPair) bool { return k.Kid == kid })
	if err != nil {
		return err
	}
	if !found {
		return idperrors.NotFound("signing key", kid)
	}
	return nil
}
