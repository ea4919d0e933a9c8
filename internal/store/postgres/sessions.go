package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

type sessionRepository struct {
	db *sql.DB
}

func (r *sessionRepository) Create(ctx context.Context, s *domain.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, username, authorities, created_at, expires_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.Username, pq.Array(s.Authorities), s.CreatedAt, s.ExpiresAt,
		s.UserAgent, s.IPAddress,
	)
	if err != nil {
		return idperrors.Internal("failed to create session", err)
	}
	return nil
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	s := domain.Session{ID: id}
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, username, authorities, created_at, expires_at, user_agent, ip_address
		FROM sessions WHERE id = $1`, id,
	).Scan(&s.UserID, &s.Username, (*pq.StringArray)(&s.Authorities), &s.CreatedAt,
		&s.ExpiresAt, &s.UserAgent, &s.IPAddress)
	if err != nil {
		return nil, notFound(err, "session", "")
	}
	return &s, nil
}

func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return idperrors.Internal("failed to delete session", err)
	}
	return expectRow(res, "session", "")
}

func (r *sessionRepository) DeleteByUserID(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return idperrors.Internal("failed to delete sessions", err)
	}
	return nil
}

func (r *sessionRepository) DeleteExpired(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`); err != nil {
		return idperrors.Internal("failed to delete expired sessions", err)
	}
	return nil
}

// keyRepository implements crypto.KeyRepository.
type keyRepository struct {
	db *sql.DB
}

const keyColumns = `kid, alg, private_key_pem, public_key_pem, created_at, expires_at, active`

func scanKey(row scanner) (*crypto.KeyPair, error) {
	var k crypto.KeyPair
	var expires sql.NullTime
	if err := row.Scan(&k.Kid, &k.Alg, &k.PrivateKeyPEM, &k.PublicKeyPEM, &k.CreatedAt,
		&expires, &k.Active); err != nil {
		return nil, err
	}
	k.ExpiresAt = expires.Time
	return &k, nil
}

func (r *keyRepository) GetByID(ctx context.Context, kid string) (*crypto.KeyPair, error) {
	k, err := scanKey(r.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE kid = $1`, kid))
	if err != nil {
		return nil, notFound(err, "signing key", kid)
	}
	return k, nil
}

func (r *keyRepository) GetActive(ctx context.Context) (*crypto.KeyPair, error) {
	k, err := scanKey(r.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE active ORDER BY created_at DESC LIMIT 1`))
	if err != nil {
		return nil, notFound(err, "active signing key", "")
	}
	return k, nil
}

func (r *keyRepository) GetAll(ctx context.Context) ([]*crypto.KeyPair, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM signing_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, idperrors.Internal("failed to list signing keys", err)
	}
	defer rows.Close()

	var keys []*crypto.KeyPair
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, idperrors.Internal("failed to scan signing key", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, idperrors.Internal("failed to list signing keys", err)
	}
	return keys, nil
}

func (r *keyRepository) Save(ctx context.Context, k *crypto.KeyPair) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signing_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kid) DO UPDATE SET expires_at = EXCLUDED.expires_at, active = EXCLUDED.active`,
		k.Kid, k.Alg, k.PrivateKeyPEM, k.PublicKeyPEM, k.CreatedAt, nullTime(k.ExpiresAt), k.Active,
	)
	if err != nil {
		return idperrors.Internal("failed to save signing key", err)
	}
	return nil
}

func (r *keyRepository) SetActive(ctx context.Context, kid string) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM signing_keys WHERE kid = $1)`, kid).Scan(&exists); err != nil {
			return idperrors.Internal("failed to activate signing key", err)
		}
		if !exists {
			return idperrors.NotFound("signing key", kid)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE signing_keys SET active = (kid = $1)`, kid); err != nil {
			return idperrors.Internal("failed to activate signing key", err)
		}
		return nil
	})
}

func (r *keyRepository) Delete(ctx context.Context, kid string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM signing_keys WHERE kid = $1`, kid)
	if err != nil {
		return idperrors.Internal("failed to delete signing key", err)
	}
	return expectRow(res, "signing key", kid)
}
