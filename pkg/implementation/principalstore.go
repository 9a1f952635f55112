package implementation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/db"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
)

const principalColumns = `id, username, identifier_encrypted, identifier_hash, identifier_verified,
	is_active, profile_completed, password_hash, deleted_at, created_at, updated_at`

type PrincipalStore struct {
	store *db.PostgreSQLStore
}

func NewPrincipalStore(store *db.PostgreSQLStore) *PrincipalStore {
	return &PrincipalStore{
		store: store,
	}
}

// findPrincipalByHash prefers the active row; failing that it returns the most recently
// soft-deleted one so the caller can decide on restoration.
func findPrincipalByHash(ctx context.Context, q sqlx.QueryerContext, kind models.PrincipalKind, hash string) (*models.Principal, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE identifier_hash = $1
		ORDER BY (deleted_at IS NULL) DESC, deleted_at DESC
		LIMIT 1`, principalColumns, kind.TableName())

	principal := &models.Principal{}
	if err := sqlx.GetContext(ctx, q, principal, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	principal.Kind = kind

	return principal, nil
}

func (s PrincipalStore) FindByHash(ctx context.Context, kind models.PrincipalKind, hash string) (*models.Principal, error) {
	return findPrincipalByHash(ctx, s.store.DB(), kind, hash)
}

func (s PrincipalStore) Get(ctx context.Context, ref models.PrincipalRef) (*models.Principal, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, principalColumns, ref.Kind.TableName())

	principal := &models.Principal{}
	if err := s.store.DB().GetContext(ctx, principal, query, ref.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, autherr.ErrNotFound
		}
		return nil, err
	}

	principal.Kind = ref.Kind

	return principal, nil
}

func (s PrincipalStore) ProfileCompleted(ctx context.Context, ref models.PrincipalRef) (bool, error) {
	query := fmt.Sprintf(`SELECT profile_completed FROM %s WHERE id = $1 AND deleted_at IS NULL`, ref.Kind.TableName())

	var completed bool
	if err := s.store.DB().GetContext(ctx, &completed, query, ref.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, autherr.ErrNotFound
		}
		return false, err
	}

	return completed, nil
}

// Create inserts p and fills in its id and timestamps. The partial unique indexes on
// identifier_hash and username surface as IdentityConflict.
func (s PrincipalStore) Create(ctx context.Context, p *models.Principal) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (username, identifier_encrypted, identifier_hash, identifier_verified,
			is_active, profile_completed, password_hash)
		VALUES ($1, $2, $3, $4, TRUE, FALSE, $5)
		RETURNING id, is_active, created_at, updated_at`, p.Kind.TableName())

	row := s.store.DB().QueryRowxContext(ctx, query,
		p.Username,
		p.IdentifierEncrypted,
		p.IdentifierHash,
		p.IdentifierVerified,
		p.PasswordHash,
	)

	if err := row.Scan(&p.ID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if db.IsUniqueViolation(err, "") {
			return autherr.Wrap(autherr.KindIdentityConflict, "username or identifier already registered", err)
		}
		return err
	}

	return nil
}

// UsernameTaken counts live rows and rows soft-deleted at or after reservedSince, so a name
// stays with its owner until the restore window closes.
func (s PrincipalStore) UsernameTaken(ctx context.Context, kind models.PrincipalKind, username string, reservedSince time.Time) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (
		SELECT 1 FROM %s
		WHERE LOWER(username) = LOWER($1) AND (deleted_at IS NULL OR deleted_at >= $2)
	)`, kind.TableName())

	var taken bool
	if err := s.store.DB().GetContext(ctx, &taken, query, username, reservedSince.UTC()); err != nil {
		return false, err
	}

	return taken, nil
}

func (s PrincipalStore) SetPassword(ctx context.Context, ref models.PrincipalRef, passwordHash string) error {
	query := fmt.Sprintf(`UPDATE %s SET password_hash = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, ref.Kind.TableName())

	result, err := s.store.DB().ExecContext(ctx, query, ref.ID, passwordHash)
	if err != nil {
		return err
	}

	return requireAffected(result)
}

func (s PrincipalStore) SoftDelete(ctx context.Context, ref models.PrincipalRef, at time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET is_active = FALSE, deleted_at = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, ref.Kind.TableName())

	result, err := s.store.DB().ExecContext(ctx, query, ref.ID, at)
	if err != nil {
		return err
	}

	return requireAffected(result)
}

func (s PrincipalStore) Restore(ctx context.Context, ref models.PrincipalRef) error {
	query := fmt.Sprintf(`
		UPDATE %s SET is_active = TRUE, deleted_at = NULL, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NOT NULL`, ref.Kind.TableName())

	result, err := s.store.DB().ExecContext(ctx, query, ref.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return autherr.Wrap(autherr.KindIdentityConflict, "identifier re-registered since deletion", err)
		}
		return err
	}

	return requireAffected(result)
}

// Purge hard-deletes every principal of kind soft-deleted before cutoff, together with their
// polymorphic notification rows, in one transaction.
func (s PrincipalStore) Purge(ctx context.Context, kind models.PrincipalKind, cutoff time.Time) (principals int64, children int64, err error) {
	err = s.store.WithTransaction(ctx, nil, func(tx *sqlx.Tx) error {
		ids := []int64{}
		query := fmt.Sprintf(`SELECT id FROM %s WHERE deleted_at IS NOT NULL AND deleted_at < $1 FOR UPDATE`, kind.TableName())
		if err := tx.SelectContext(ctx, &ids, query, cutoff); err != nil {
			return err
		}

		if len(ids) == 0 {
			return nil
		}

		childQuery, args, err := sqlx.In(`DELETE FROM notifications WHERE recipient_kind = ? AND recipient_id IN (?)`, string(kind), ids)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, tx.Rebind(childQuery), args...)
		if err != nil {
			return err
		}
		children, _ = result.RowsAffected()

		parentQuery, args, err := sqlx.In(fmt.Sprintf(`DELETE FROM %s WHERE id IN (?)`, kind.TableName()), ids)
		if err != nil {
			return err
		}

		result, err = tx.ExecContext(ctx, tx.Rebind(parentQuery), args...)
		if err != nil {
			return err
		}
		principals, _ = result.RowsAffected()

		return nil
	})

	return principals, children, err
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return autherr.ErrNotFound
	}

	return nil
}
