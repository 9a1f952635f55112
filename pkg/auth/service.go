// Package auth composes the OTC manager, token issuer and account lifecycle into the signup,
// login and recovery flows exposed over HTTP.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/otc"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/token"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9._]{3,30}$`)

type Principals interface {
	FindByHash(ctx context.Context, kind models.PrincipalKind, hash string) (*models.Principal, error)
	Get(ctx context.Context, ref models.PrincipalRef) (*models.Principal, error)
	Create(ctx context.Context, p *models.Principal) error
	UsernameTaken(ctx context.Context, kind models.PrincipalKind, username string, reservedSince time.Time) (bool, error)
	SetPassword(ctx context.Context, ref models.PrincipalRef, passwordHash string) error
}

type Codes interface {
	Normalize(kind vault.IdentifierKind, raw string) (vault.Identifier, error)
	RequestCode(ctx context.Context, kind vault.IdentifierKind, raw string) (*otc.RequestResult, error)
	VerifyCode(ctx context.Context, kind vault.IdentifierKind, raw, code string) (*otc.VerifyResult, error)
	IsVerified(ctx context.Context, id vault.Identifier) (bool, error)
	ClearVerified(ctx context.Context, id vault.Identifier) error
}

type Tokens interface {
	IssueTokensFor(ctx context.Context, principal models.PrincipalRef, device models.Device) (*token.Pair, error)
	RevokeAll(ctx context.Context, principal models.PrincipalRef) error
	IssuePasswordReset(ctx context.Context, principal models.PrincipalRef) (string, error)
	ConsumePasswordReset(ctx context.Context, token string) (models.PrincipalRef, error)
}

type Accounts interface {
	Resolve(ctx context.Context, principal *models.Principal) (*models.Principal, error)
	Restorable(principal *models.Principal) bool
	RestoreCutoff() time.Time
	SoftDelete(ctx context.Context, ref models.PrincipalRef) error
}

type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Hash(plaintext string) string
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) (bool, error)
}

// Notifier stores in-app notifications. Previews are encrypted at rest by the implementation.
type Notifier interface {
	Create(ctx context.Context, recipient models.PrincipalRef, title, preview string) (*models.Notification, error)
}

type Service struct {
	principals Principals
	codes      Codes
	tokens     Tokens
	accounts   Accounts
	cipher     Cipher
	passwords  PasswordHasher
	notices    Notifier
	logger     zerolog.Logger
}

func NewService(
	principals Principals,
	codes Codes,
	tokens Tokens,
	accounts Accounts,
	cipher Cipher,
	passwords PasswordHasher,
	notices Notifier,
	logger zerolog.Logger,
) *Service {
	return &Service{
		principals: principals,
		codes:      codes,
		tokens:     tokens,
		accounts:   accounts,
		cipher:     cipher,
		passwords:  passwords,
		notices:    notices,
		logger:     logger.With().Str("component", "auth").Logger(),
	}
}

// VerifyOutcome is either a signed-in principal with tokens, or NewPrincipal when the caller
// should continue to signup within the verification grace window.
type VerifyOutcome struct {
	Identifier   string            `json:"identifier"`
	NewPrincipal bool              `json:"newPrincipal"`
	Principal    *models.Principal `json:"principal,omitempty"`
	Tokens       *token.Pair       `json:"tokens,omitempty"`
}

type SignupOutcome struct {
	Principal *models.Principal `json:"principal"`
	Tokens    *token.Pair       `json:"tokens"`
}

func (s *Service) RequestCode(ctx context.Context, kind vault.IdentifierKind, identifier string) (*otc.RequestResult, error) {
	return s.codes.RequestCode(ctx, kind, identifier)
}

func (s *Service) VerifyCode(ctx context.Context, kind vault.IdentifierKind, identifier, code string, device models.Device) (*VerifyOutcome, error) {
	result, err := s.codes.VerifyCode(ctx, kind, identifier, code)
	if err != nil {
		return nil, err
	}

	outcome := &VerifyOutcome{Identifier: result.Identifier.Formatted()}

	if result.Principal == nil {
		outcome.NewPrincipal = true
		return outcome, nil
	}

	principal, err := s.accounts.Resolve(ctx, result.Principal)
	if errors.Is(err, autherr.ErrNotFound) {
		outcome.NewPrincipal = true
		return outcome, nil
	}
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.IssueTokensFor(ctx, principal.Ref(), device)
	if err != nil {
		return nil, err
	}

	s.clearVerified(ctx, result.Identifier)

	outcome.Principal = principal
	outcome.Tokens = pair

	return outcome, nil
}

type CreatorSignup struct {
	Phone    string
	Username string
	Device   models.Device
}

type OrganizationSignup struct {
	Email    string
	Username string
	Password string
	Device   models.Device
}

func (s *Service) SignupCreator(ctx context.Context, req CreatorSignup) (*SignupOutcome, error) {
	return s.signup(ctx, models.KindCreator, req.Phone, req.Username, "", req.Device)
}

func (s *Service) SignupOrganization(ctx context.Context, req OrganizationSignup) (*SignupOutcome, error) {
	return s.signup(ctx, models.KindOrganization, req.Email, req.Username, req.Password, req.Device)
}

func (s *Service) signup(ctx context.Context, kind models.PrincipalKind, rawIdentifier, rawUsername, password string, device models.Device) (*SignupOutcome, error) {
	id, err := s.codes.Normalize(kind.IdentifierKind(), rawIdentifier)
	if err != nil {
		return nil, err
	}

	username, err := normalizeUsername(rawUsername)
	if err != nil {
		return nil, err
	}

	var passwordHash sql.NullString
	if kind == models.KindOrganization {
		hashed, err := s.passwords.Hash(password)
		if err != nil {
			return nil, autherr.Wrap(autherr.KindInvalidInput, "invalid password", err)
		}
		passwordHash = sql.NullString{String: hashed, Valid: true}
	}

	verified, err := s.codes.IsVerified(ctx, id)
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, autherr.ErrVerificationNeeded
	}

	hash := s.cipher.Hash(id.Value)

	if err := s.ensureAvailable(ctx, kind, hash, username); err != nil {
		return nil, err
	}

	encrypted, err := s.cipher.Encrypt(id.Value)
	if err != nil {
		return nil, fmt.Errorf("encrypt identifier: %w", err)
	}

	principal := &models.Principal{
		Kind:                kind,
		Username:            username,
		IdentifierEncrypted: encrypted,
		IdentifierHash:      hash,
		IdentifierVerified:  true,
		PasswordHash:        passwordHash,
	}

	if err := s.principals.Create(ctx, principal); err != nil {
		return nil, err
	}

	s.logger.Info().Str("principal", principal.Ref().String()).Msg("principal registered")
	s.clearVerified(ctx, id)

	pair, err := s.tokens.IssueTokensFor(ctx, principal.Ref(), device)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, principal.Ref(), "Welcome to Incollab", "Your account @"+username+" is ready.")

	return &SignupOutcome{Principal: principal, Tokens: pair}, nil
}

// ensureAvailable rejects a signup whose identifier or username belongs to a live or restorable
// principal. Rows past the retention window do not count.
func (s *Service) ensureAvailable(ctx context.Context, kind models.PrincipalKind, hash, username string) error {
	existing, err := s.principals.FindByHash(ctx, kind, hash)
	if err != nil {
		return err
	}
	if existing != nil && (!existing.SoftDeleted() || s.accounts.Restorable(existing)) {
		return autherr.New(autherr.KindIdentityConflict, "identifier already registered")
	}

	taken, err := s.principals.UsernameTaken(ctx, kind, username, s.accounts.RestoreCutoff())
	if err != nil {
		return err
	}
	if taken {
		return autherr.New(autherr.KindIdentityConflict, "username already taken")
	}

	return nil
}

// LoginOrganization checks the password before any restore so a wrong password never
// reactivates a deleted account.
func (s *Service) LoginOrganization(ctx context.Context, email, password string, device models.Device) (*SignupOutcome, error) {
	id, err := s.codes.Normalize(vault.KindEmail, email)
	if err != nil {
		return nil, autherr.ErrInvalidCredentials
	}

	principal, err := s.principals.FindByHash(ctx, models.KindOrganization, s.cipher.Hash(id.Value))
	if err != nil {
		return nil, err
	}
	if principal == nil || !principal.PasswordHash.Valid {
		return nil, autherr.ErrInvalidCredentials
	}

	ok, err := s.passwords.Verify(principal.PasswordHash.String, password)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindDataIntegrity, "stored password hash", err)
	}
	if !ok {
		return nil, autherr.ErrInvalidCredentials
	}

	principal, err = s.accounts.Resolve(ctx, principal)
	if errors.Is(err, autherr.ErrNotFound) {
		return nil, autherr.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !principal.IsActive {
		return nil, autherr.ErrInvalidCredentials
	}

	pair, err := s.tokens.IssueTokensFor(ctx, principal.Ref(), device)
	if err != nil {
		return nil, err
	}

	return &SignupOutcome{Principal: principal, Tokens: pair}, nil
}

// RequestPasswordReset returns a reset token for a live organization, or "" when there is
// none. Callers must respond identically in both cases.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	id, err := s.codes.Normalize(vault.KindEmail, email)
	if err != nil {
		return "", nil
	}

	principal, err := s.principals.FindByHash(ctx, models.KindOrganization, s.cipher.Hash(id.Value))
	if err != nil {
		return "", err
	}
	if principal == nil || principal.SoftDeleted() || !principal.IsActive {
		return "", nil
	}

	return s.tokens.IssuePasswordReset(ctx, principal.Ref())
}

// ResetPassword sets a new password and signs the organization out everywhere.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	hashed, err := s.passwords.Hash(newPassword)
	if err != nil {
		return autherr.Wrap(autherr.KindInvalidInput, "invalid password", err)
	}

	ref, err := s.tokens.ConsumePasswordReset(ctx, resetToken)
	if err != nil {
		return err
	}

	if err := s.principals.SetPassword(ctx, ref, hashed); err != nil {
		return err
	}

	if err := s.tokens.RevokeAll(ctx, ref); err != nil {
		return fmt.Errorf("revoke sessions after reset: %w", err)
	}

	s.logger.Info().Str("principal", ref.String()).Msg("password reset")
	s.notify(ctx, ref, "Password changed", "Your password was reset and every device was signed out.")

	return nil
}

func (s *Service) DeleteAccount(ctx context.Context, ref models.PrincipalRef) error {
	return s.accounts.SoftDelete(ctx, ref)
}

func (s *Service) Principal(ctx context.Context, ref models.PrincipalRef) (*models.Principal, error) {
	return s.principals.Get(ctx, ref)
}

func (s *Service) clearVerified(ctx context.Context, id vault.Identifier) {
	if err := s.codes.ClearVerified(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("channel", string(id.Kind)).Msg("clear verification marker")
	}
}

// notify is best-effort; a failed notification never fails the flow that triggered it.
func (s *Service) notify(ctx context.Context, recipient models.PrincipalRef, title, preview string) {
	if _, err := s.notices.Create(ctx, recipient, title, preview); err != nil {
		s.logger.Warn().Err(err).Str("principal", recipient.String()).Msg("create notification")
	}
}

func normalizeUsername(raw string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(raw))
	if !usernamePattern.MatchString(username) {
		return "", autherr.New(autherr.KindInvalidInput, "username must be 3-30 characters of a-z, 0-9, '.' or '_'")
	}
	return username, nil
}
