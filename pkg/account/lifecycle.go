// Package account soft-deletes, restores and purges principals.
//
// A deleted principal keeps its row for the retention window. Signing in again within the
// window restores it; after the window it is treated as absent and eventually purged.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/telemetry"
)

const DefaultRetention = 30 * 24 * time.Hour

type Store interface {
	FindByHash(ctx context.Context, kind models.PrincipalKind, hash string) (*models.Principal, error)
	SoftDelete(ctx context.Context, ref models.PrincipalRef, at time.Time) error
	Restore(ctx context.Context, ref models.PrincipalRef) error
	Purge(ctx context.Context, kind models.PrincipalKind, cutoff time.Time) (principals int64, children int64, err error)
}

type SessionRevoker interface {
	RevokeAll(ctx context.Context, principal models.PrincipalRef) error
}

type PurgeResult struct {
	Principals map[models.PrincipalKind]int64
	Children   int64
}

type Manager struct {
	store     Store
	sessions  SessionRevoker
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewManager(store Store, sessions SessionRevoker, retention time.Duration, logger zerolog.Logger) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &Manager{
		store:     store,
		sessions:  sessions,
		retention: retention,
		logger:    logger.With().Str("component", "account").Logger(),
		now:       time.Now,
	}
}

// SoftDelete revokes every session first so no refresh token outlives the account.
func (m *Manager) SoftDelete(ctx context.Context, ref models.PrincipalRef) error {
	if err := m.sessions.RevokeAll(ctx, ref); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}

	if err := m.store.SoftDelete(ctx, ref, m.now().UTC()); err != nil {
		return err
	}

	m.logger.Info().Str("principal", ref.String()).Msg("account soft-deleted")

	return nil
}

// RestoreIfEligible looks up the principal for identifierHash and restores it if it was
// deleted within the retention window. Past the window it reports ErrNotFound.
func (m *Manager) RestoreIfEligible(ctx context.Context, kind models.PrincipalKind, identifierHash string) (*models.Principal, error) {
	principal, err := m.store.FindByHash(ctx, kind, identifierHash)
	if err != nil {
		return nil, err
	}
	if principal == nil {
		return nil, autherr.ErrNotFound
	}

	return m.Resolve(ctx, principal)
}

// Resolve applies the restore rule to an already loaded principal.
func (m *Manager) Resolve(ctx context.Context, principal *models.Principal) (*models.Principal, error) {
	if !principal.SoftDeleted() {
		return principal, nil
	}

	if !m.Restorable(principal) {
		return nil, autherr.ErrNotFound
	}

	if err := m.store.Restore(ctx, principal.Ref()); err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return m.restoredElsewhere(ctx, principal)
		}
		return nil, fmt.Errorf("restore principal: %w", err)
	}

	restored := *principal
	restored.DeletedAt = nil
	restored.IsActive = true

	m.logger.Info().Str("principal", restored.Ref().String()).Msg("account restored")

	return &restored, nil
}

// restoredElsewhere handles losing a restore race: another request already brought the row back,
// so the caller continues with the live row.
func (m *Manager) restoredElsewhere(ctx context.Context, principal *models.Principal) (*models.Principal, error) {
	current, err := m.store.FindByHash(ctx, principal.Kind, principal.IdentifierHash)
	if err != nil {
		return nil, err
	}
	if current == nil || current.ID != principal.ID || current.SoftDeleted() {
		return nil, autherr.ErrNotFound
	}

	return current, nil
}

// RestoreCutoff is the oldest deletion time that can still be restored. Usernames of rows
// deleted at or after it stay reserved.
func (m *Manager) RestoreCutoff() time.Time {
	return m.now().Add(-m.retention)
}

// Restorable reports whether a soft-deleted principal is still within the retention window.
func (m *Manager) Restorable(principal *models.Principal) bool {
	return principal.SoftDeleted() && m.now().Sub(*principal.DeletedAt) <= m.retention
}

// Purge hard-deletes principals of both kinds whose retention window has elapsed.
func (m *Manager) Purge(ctx context.Context) (*PurgeResult, error) {
	cutoff := m.now().Add(-m.retention)
	result := &PurgeResult{Principals: map[models.PrincipalKind]int64{}}

	for _, kind := range []models.PrincipalKind{models.KindCreator, models.KindOrganization} {
		principals, children, err := m.store.Purge(ctx, kind, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge %s: %w", kind.TableName(), err)
		}

		result.Principals[kind] = principals
		result.Children += children

		telemetry.PurgedPrincipalsTotal.WithLabelValues(string(kind)).Add(float64(principals))
		m.logger.Info().
			Str("kind", string(kind)).
			Int64("principals", principals).
			Int64("children", children).
			Time("cutoff", cutoff).
			Msg("purged soft-deleted accounts")
	}

	return result, nil
}
