package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

type consentRepository struct {
	db *sql.DB
}

func (r *consentRepository) Get(ctx context.Context, clientID, principal string) (*domain.Consent, error) {
	c := domain.Consent{ClientID: clientID, Principal: principal}
	err := r.db.QueryRowContext(ctx, `
		SELECT scopes, created_at, updated_at FROM consents
		WHERE client_id = $1 AND principal = $2`, clientID, principal,
	).Scan((*pq.StringArray)(&c.Scopes), &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "consent", clientID+"/"+principal)
	}
	return &c, nil
}

func (r *consentRepository) Save(ctx context.Context, consent *domain.Consent) error {
	now := time.Now().UTC()
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO consents (client_id, principal, scopes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (client_id, principal)
		DO UPDATE SET scopes = EXCLUDED.scopes, updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`,
		consent.ClientID, consent.Principal, pq.Array(consent.Scopes), now,
	).Scan(&consent.CreatedAt, &consent.UpdatedAt)
	if err != nil {
		return idperrors.Internal("failed to save consent", err)
	}
	return nil
}

func (r *consentRepository) Delete(ctx context.Context, clientID, principal string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM consents WHERE client_id = $1 AND principal = $2`, clientID, principal)
	if err != nil {
		return idperrors.Internal("failed to delete consent", err)
	}
	return expectRow(res, "consent", clientID+"/"+principal)
}

func (r *consentRepository) ListByPrincipal(ctx context.Context, principal string) ([]*domain.Consent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT client_id, scopes, created_at, updated_at FROM consents
		WHERE principal = $1 ORDER BY client_id`, principal)
	if err != nil {
		return nil, idperrors.Internal("failed to list consents", err)
	}
	defer rows.Close()

	var consents []*domain.Consent
	for rows.Next() {
		c := &domain.Consent{Principal: principal}
		if err := rows.Scan(&c.ClientID, (*pq.StringArray)(&c.Scopes), &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, idperrors.Internal("failed to scan consent", err)
		}
		consents = append(consents, c)
	}
	if err := rows.Err(); err != nil {
		return nil, idperrors.Internal("failed to list consents", err)
	}
	return consents, nil
}

type authCodeRepository struct {
	db *sql.DB
}

const authCodeColumns = `code_hash, client_id, user_id, session_id, redirect_uri, scope,
	code_challenge, code_challenge_method, nonce, auth_time, created_at, expires_at, used`

func scanAuthCode(row scanner) (*domain.AuthCode, error) {
	var ac domain.AuthCode
	if err := row.Scan(&ac.Code, &ac.ClientID, &ac.UserID, &ac.SessionID, &ac.RedirectURI,
		&ac.Scope, &ac.CodeChallenge, &ac.CodeChallengeMethod, &ac.Nonce, &ac.AuthTime,
		&ac.CreatedAt, &ac.ExpiresAt, &ac.Used); err != nil {
		return nil, err
	}
	return &ac, nil
}

func (r *authCodeRepository) Create(ctx context.Context, code *domain.AuthCode) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_codes (`+authCodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		code.Code, code.ClientID, code.UserID, code.SessionID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.Nonce, code.AuthTime,
		code.CreatedAt, code.ExpiresAt, code.Used,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return idperrors.AlreadyExists("auth code", "")
		}
		return idperrors.Internal("failed to create auth code", err)
	}
	return nil
}

func (r *authCodeRepository) GetByCode(ctx context.Context, code string) (*domain.AuthCode, error) {
	ac, err := scanAuthCode(r.db.QueryRowContext(ctx,
		`SELECT `+authCodeColumns+` FROM auth_codes WHERE code_hash = $1`, code))
	if err != nil {
		return nil, notFound(err, "auth code", "")
	}
	return ac, nil
}

// Consume flips used in a single conditional UPDATE, so of two concurrent
// redemptions exactly one sees a returned row.
func (r *authCodeRepository) Consume(ctx context.Context, code string) (*domain.AuthCode, error) {
	ac, err := scanAuthCode(r.db.QueryRowContext(ctx, `
		UPDATE auth_codes SET used = TRUE
		WHERE code_hash = $1 AND used = FALSE
		RETURNING `+authCodeColumns, code))
	if err == nil {
		return ac, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, idperrors.Internal("failed to consume auth code", err)
	}

	existing, err := r.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return existing, idperrors.Replayed("authorization code already used")
}

func (r *authCodeRepository) Delete(ctx context.Context, code string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE code_hash = $1`, code)
	if err != nil {
		return idperrors.Internal("failed to delete auth code", err)
	}
	return expectRow(res, "auth code", "")
}

func (r *authCodeRepository) DeleteExpired(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE expires_at <= NOW()`); err != nil {
		return idperrors.Internal("failed to delete expired auth codes", err)
	}
	return nil
}

type tokenRepository struct {
	db *sql.DB
}

const tokenColumns = `id, user_id, client_id, scope, grant_id, parent_id, session_id,
	created_at, expires_at, revoked`

func scanToken(row scanner) (*domain.Token, error) {
	var t domain.Token
	if err := row.Scan(&t.ID, &t.UserID, &t.ClientID, &t.Scope, &t.GrantID, &t.ParentID,
		&t.SessionID, &t.CreatedAt, &t.ExpiresAt, &t.Revoked); err != nil {
		return nil, err
	}
	return &t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, token *domain.Token) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		token.ID, token.UserID, token.ClientID, token.Scope, token.GrantID, token.ParentID,
		token.SessionID, token.CreatedAt, token.ExpiresAt, token.Revoked,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return idperrors.AlreadyExists("token", "")
		}
		return idperrors.Internal("failed to create token", err)
	}
	return nil
}

func (r *tokenRepository) Create(ctx context.Context, token *domain.Token) error {
	return insertToken(ctx, r.db, token)
}

func (r *tokenRepository) GetByID(ctx context.Context, id string) (*domain.Token, error) {
	t, err := scanToken(r.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "token", "")
	}
	return t, nil
}

// Rotate locks the presented token row for the duration of the transaction.
// A concurrent rotation of the same token blocks on the lock and then sees
// revoked = TRUE.
func (r *tokenRepository) Rotate(ctx context.Context, oldID string, next *domain.Token) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		var revoked bool
		err := tx.QueryRowContext(ctx,
			`SELECT revoked FROM refresh_tokens WHERE id = $1 FOR UPDATE`, oldID).Scan(&revoked)
		if err != nil {
			return notFound(err, "token", "")
		}
		if revoked {
			return idperrors.Replayed("refresh token already used")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`, oldID); err != nil {
			return idperrors.Internal("failed to revoke token", err)
		}
		return insertToken(ctx, tx, next)
	})
}

func (r *tokenRepository) Revoke(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return idperrors.Internal("failed to revoke token", err)
	}
	return expectRow(res, "token", "")
}

func (r *tokenRepository) revokeWhere(ctx context.Context, column, value string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE WHERE revoked = FALSE AND `+column+` = $1`, value)
	if err != nil {
		return idperrors.Internal("failed to revoke tokens", err)
	}
	return nil
}

func (r *tokenRepository) RevokeByUserID(ctx context.Context, userID string) error {
	return r.revokeWhere(ctx, "user_id", userID)
}

func (r *tokenRepository) RevokeByClientID(ctx context.Context, clientID string) error {
	return r.revokeWhere(ctx, "client_id", clientID)
}

func (r *tokenRepository) RevokeByGrantID(ctx context.Context, grantID string) error {
	return r.revokeWhere(ctx, "grant_id", grantID)
}

func (r *tokenRepository) DeleteExpired(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= NOW()`); err != nil {
		return idperrors.Internal("failed to delete expired tokens", err)
	}
	return nil
}
