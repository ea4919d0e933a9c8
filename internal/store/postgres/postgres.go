// Package postgres implements the store interfaces on PostgreSQL using
// database/sql with the lib/pq driver. The schema is applied with goose from
// migrations embedded in the binary.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/tendant/dealer-sso/internal/crypto"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/store"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store implements store.Store on a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL, verifies the connection and applies pending
// migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectPostgres, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Users() store.UserRepository         { return &userRepository{db: s.db} }
func (s *Store) Clients() store.ClientRepository     { return &clientRepository{db: s.db} }
func (s *Store) Consents() store.ConsentRepository   { return &consentRepository{db: s.db} }
func (s *Store) Sessions() store.SessionRepository   { return &sessionRepository{db: s.db} }
func (s *Store) AuthCodes() store.AuthCodeRepository { return &authCodeRepository{db: s.db} }
func (s *Store) Tokens() store.TokenRepository       { return &tokenRepository{db: s.db} }
func (s *Store) Close() error                        { return s.db.Close() }

// Keys returns the signing key repository.
func (s *Store) Keys() crypto.KeyRepository { return &keyRepository{db: s.db} }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

// notFound maps sql.ErrNoRows to a coded not-found error.
func notFound(err error, resource, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return idperrors.NotFound(resource, id)
	}
	return idperrors.Internal("failed to query "+resource, err)
}

// expectRow returns a not-found error when res affected no rows.
func expectRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return idperrors.Internal("failed to read result", err)
	}
	if n == 0 {
		return idperrors.NotFound(resource, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return idperrors.Internal("failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return idperrors.Internal("failed to commit transaction", err)
	}
	return nil
}
