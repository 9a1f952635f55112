package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Lock ID: 0x494e434f4c5f4d49 (ASCII for "INCOL_MI")
const migrationLockID = 5282233420814961993

const DefaultTimeout = 5 * time.Second

type PostgreSQLStore struct {
	db *sqlx.DB
}

func NewPostgreSQLStore(ctx context.Context, dsn string) (*PostgreSQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &PostgreSQLStore{
		db: db.Unsafe(), // the unsafe here allows us to gracefully ignore computed columns
	}, nil
}

// NewPostgreSQLStoreFromDB wraps an existing handle, e.g. one opened by a test harness.
func NewPostgreSQLStoreFromDB(db *sqlx.DB) *PostgreSQLStore {
	return &PostgreSQLStore{db: db}
}

func (s *PostgreSQLStore) DB() *sqlx.DB {
	return s.db
}

func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

func (s *PostgreSQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	return s.db.PingContext(ctx)
}

// Migrate applies the embedded goose migrations while holding a Postgres advisory lock, so
// replicas starting together do not race each other.
func (s *PostgreSQLStore) Migrate(ctx context.Context) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	migrationErr := func() error {
		goose.SetBaseFS(migrations)
		if err := goose.SetDialect("postgres"); err != nil {
			return err
		}
		return goose.UpContext(ctx, s.db.DB, "migrations")
	}()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to release migration lock: %w", err)
	}

	return migrationErr
}

// WithTransaction runs fn inside a transaction, committing on nil and rolling back otherwise.
func (s *PostgreSQLStore) WithTransaction(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	committed = true

	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation, optionally on a
// specific constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	if pqErr.Code != "23505" {
		return false
	}

	return constraint == "" || pqErr.Constraint == constraint
}
