package implementation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/db"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

// ConsumeResult is the outcome of a verification attempt. Principal is nil when nobody has
// registered the identifier yet.
type ConsumeResult struct {
	Consumed  bool
	Principal *models.Principal
}

type OneTimeCodeStore struct {
	store *db.PostgreSQLStore
}

func NewOneTimeCodeStore(store *db.PostgreSQLStore) *OneTimeCodeStore {
	return &OneTimeCodeStore{
		store: store,
	}
}

// Replace deletes every unconsumed code for the identifier and inserts record, in one
// transaction, so at most one live code exists per identifier.
func (s OneTimeCodeStore) Replace(ctx context.Context, record *models.OneTimeCode) error {
	return s.store.WithTransaction(ctx, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM one_time_codes
			WHERE identifier_hash = $1 AND kind = $2 AND is_used = FALSE`,
			record.IdentifierHash,
			record.Kind,
		); err != nil {
			return err
		}

		return tx.QueryRowxContext(ctx, `
			INSERT INTO one_time_codes (identifier_encrypted, identifier_hash, kind, code, expires_at, is_used, attempts)
			VALUES ($1, $2, $3, $4, $5, FALSE, 0)
			RETURNING id, created_at`,
			record.IdentifierEncrypted,
			record.IdentifierHash,
			record.Kind,
			record.Code,
			record.ExpiresAt,
		).Scan(&record.ID, &record.CreatedAt)
	})
}

// ConsumeAndLookup deletes the matching live code and reads the principal registered for the
// identifier in the same transaction; a code can never be consumed twice.
func (s OneTimeCodeStore) ConsumeAndLookup(
	ctx context.Context,
	kind vault.IdentifierKind,
	hash, code string,
	now time.Time,
) (*ConsumeResult, error) {
	result := &ConsumeResult{}

	err := s.store.WithTransaction(ctx, nil, func(tx *sqlx.Tx) error {
		var id int64
		err := tx.GetContext(ctx, &id, `
			SELECT id FROM one_time_codes
			WHERE identifier_hash = $1 AND kind = $2 AND code = $3
				AND is_used = FALSE AND expires_at > $4
			ORDER BY expires_at DESC
			LIMIT 1
			FOR UPDATE`,
			hash, kind, code, now,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM one_time_codes WHERE id = $1`, id); err != nil {
			return err
		}

		principal, err := findPrincipalByHash(ctx, tx, models.PrincipalKindFor(kind), hash)
		if err != nil {
			return err
		}

		result.Consumed = true
		result.Principal = principal

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s OneTimeCodeStore) RecordFailure(ctx context.Context, kind vault.IdentifierKind, hash string) error {
	_, err := s.store.DB().ExecContext(ctx, `
		UPDATE one_time_codes SET attempts = attempts + 1
		WHERE identifier_hash = $1 AND kind = $2 AND is_used = FALSE`,
		hash, kind,
	)

	return err
}

// DeleteStale removes expired and consumed codes.
func (s OneTimeCodeStore) DeleteStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.store.DB().ExecContext(ctx, `DELETE FROM one_time_codes WHERE is_used = TRUE OR expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
