package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/store"
)

type userRepository struct {
	db *sql.DB
}

const userColumns = `id, username, email, password_hash, display_name, enabled, locked,
	expired, credentials_expired, roles, created_at, updated_at`

func scanUser(row scanner) (*domain.User, error) {
	var u domain.User
	var email sql.NullString
	var roles []byte
	if err := row.Scan(&u.ID, &u.Username, &email, &u.PasswordHash, &u.DisplayName,
		&u.Enabled, &u.Locked, &u.Expired, &u.CredentialsExpired, &roles,
		&u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Email = email.String
	if err := json.Unmarshal(roles, &u.Roles); err != nil {
		return nil, fmt.Errorf("failed to decode roles: %w", err)
	}
	return &u, nil
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	roles, err := json.Marshal(rolesOrEmpty(user.Roles))
	if err != nil {
		return idperrors.Internal("failed to encode roles", err)
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		user.ID, user.Username, nullString(user.Email), user.PasswordHash, user.DisplayName,
		user.Enabled, user.Locked, user.Expired, user.CredentialsExpired, roles,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return idperrors.AlreadyExists("user", user.Username)
		}
		return idperrors.Internal("failed to create user", err)
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`, username))
	if err != nil {
		return nil, notFound(err, "user with username", username)
	}
	return u, nil
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	roles, err := json.Marshal(rolesOrEmpty(user.Roles))
	if err != nil {
		return idperrors.Internal("failed to encode roles", err)
	}
	user.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET username = $2, email = $3, password_hash = $4, display_name = $5,
			enabled = $6, locked = $7, expired = $8, credentials_expired = $9, roles = $10,
			updated_at = $11
		WHERE id = $1`,
		user.ID, user.Username, nullString(user.Email), user.PasswordHash, user.DisplayName,
		user.Enabled, user.Locked, user.Expired, user.CredentialsExpired, roles, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return idperrors.Conflict("username or email already in use", err)
		}
		return idperrors.Internal("failed to update user", err)
	}
	return expectRow(res, "user", user.ID)
}

func (r *userRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return idperrors.Internal("failed to delete user", err)
	}
	return expectRow(res, "user", id)
}

func (r *userRepository) List(ctx context.Context, filter store.UserFilter) ([]*domain.User, error) {
	query, args := buildUserQuery(filter)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, idperrors.Internal("failed to list users", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, idperrors.Internal("failed to scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, idperrors.Internal("failed to list users", err)
	}
	return users, nil
}

// buildUserQuery appends one predicate per set filter field, joined with AND.
func buildUserQuery(filter store.UserFilter) (string, []any) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UsernamePrefix != "" {
		where = append(where, "username LIKE "+arg(escapeLike(filter.UsernamePrefix)+"%")+` ESCAPE '\'`)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = "+arg(*filter.Enabled))
	}
	if filter.Role != "" {
		role, _ := json.Marshal([]map[string]string{{"name": filter.Role}})
		where = append(where, "roles @> "+arg(string(role))+"::jsonb")
	}

	var b strings.Builder
	b.WriteString("SELECT " + userColumns + " FROM users")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY username")
	if filter.Limit > 0 {
		b.WriteString(" LIMIT " + arg(filter.Limit))
	}
	return b.String(), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func rolesOrEmpty(roles []domain.Role) []domain.Role {
	if roles == nil {
		return []domain.Role{}
	}
	return roles
}

type clientRepository struct {
	db *sql.DB
}

const clientColumns = `id, secret_hash, name, auth_method, redirect_uris, post_logout_redirect_uris,
	grant_types, scopes, public, require_consent, require_pkce, access_token_ttl_seconds,
	refresh_token_ttl_seconds, reuse_refresh_tokens, created_at, updated_at`

func scanClient(row scanner) (*domain.Client, error) {
	var c domain.Client
	var accessTTL, refreshTTL int64
	if err := row.Scan(&c.ID, &c.SecretHash, &c.Name, &c.AuthMethod,
		(*pq.StringArray)(&c.RedirectURIs), (*pq.StringArray)(&c.PostLogoutRedirectURIs),
		(*pq.StringArray)(&c.GrantTypes), (*pq.StringArray)(&c.Scopes),
		&c.Public, &c.RequireConsent, &c.RequirePKCE, &accessTTL, &refreshTTL,
		&c.TokenSettings.ReuseRefreshTokens, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.TokenSettings.AccessTokenTTL = time.Duration(accessTTL) * time.Second
	c.TokenSettings.RefreshTokenTTL = time.Duration(refreshTTL) * time.Second
	return &c, nil
}

func (r *clientRepository) Create(ctx context.Context, client *domain.Client) error {
	now := time.Now().UTC()
	client.CreatedAt = now
	client.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		client.ID, client.SecretHash, client.Name, client.AuthMethod,
		pq.Array(client.RedirectURIs), pq.Array(client.PostLogoutRedirectURIs),
		pq.Array(client.GrantTypes), pq.Array(client.Scopes),
		client.Public, client.RequireConsent, client.RequirePKCE,
		int64(client.TokenSettings.AccessTokenTTL/time.Second),
		int64(client.TokenSettings.RefreshTokenTTL/time.Second),
		client.TokenSettings.ReuseRefreshTokens, client.CreatedAt, client.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return idperrors.AlreadyExists("client", client.ID)
		}
		return idperrors.Internal("failed to create client", err)
	}
	return nil
}

func (r *clientRepository) GetByID(ctx context.Context, id string) (*domain.Client, error) {
	c, err := scanClient(r.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "client", id)
	}
	return c, nil
}

func (r *clientRepository) Update(ctx context.Context, client *domain.Client) error {
	client.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE clients SET secret_hash = $2, name = $3, auth_method = $4, redirect_uris = $5,
			post_logout_redirect_uris = $6, grant_types = $7, scopes = $8, public = $9,
			require_consent = $10, require_pkce = $11, access_token_ttl_seconds = $12,
			refresh_token_ttl_seconds = $13, reuse_refresh_tokens = $14, updated_at = $15
		WHERE id = $1`,
		client.ID, client.SecretHash, client.Name, client.AuthMethod,
		pq.Array(client.RedirectURIs), pq.Array(client.PostLogoutRedirectURIs),
		pq.Array(client.GrantTypes), pq.Array(client.Scopes),
		client.Public, client.RequireConsent, client.RequirePKCE,
		int64(client.TokenSettings.AccessTokenTTL/time.Second),
		int64(client.TokenSettings.RefreshTokenTTL/time.Second),
		client.TokenSettings.ReuseRefreshTokens, client.UpdatedAt,
	)
	if err != nil {
		return idperrors.Internal("failed to update client", err)
	}
	return expectRow(res, "client", client.ID)
}

func (r *clientRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return idperrors.Internal("failed to delete client", err)
	}
	return expectRow(res, "client", id)
}

func (r *clientRepository) List(ctx context.Context) ([]*domain.Client, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, idperrors.Internal("failed to list clients", err)
	}
	defer rows.Close()

	var clients []*domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, idperrors.Internal("failed to scan client", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, idperrors.Internal("failed to list clients", err)
	}
	return clients, nil
}
