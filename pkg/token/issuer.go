// Package token mints access/refresh token pairs and manages the refresh-token lifecycle.
//
// Every refresh token has a session in Redis keyed by its jti. Rotation retires the presented
// jti by blacklisting it and deleting its session in the same MULTI/EXEC that registers the
// successor, so each refresh token can be rotated exactly once.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/implementation"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/telemetry"
)

const (
	DefaultAccessTTL      = 15 * time.Minute
	DefaultRevokedHorizon = 365 * 24 * time.Hour
	DefaultLogoutFloor    = 60 * time.Second
	DefaultResetTTL       = 15 * time.Minute

	logoutAllAttempts = 3
)

type SessionStore interface {
	CreateSession(ctx context.Context, principal models.PrincipalRef, jti string, payload models.Session) error
	GetSession(ctx context.Context, principal models.PrincipalRef, jti string) (*models.Session, error)
	SessionCount(ctx context.Context, principal models.PrincipalRef) (int64, error)
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	RevokeSession(ctx context.Context, principal models.PrincipalRef, jti string, ttl time.Duration) error
	RotateSession(ctx context.Context, principal models.PrincipalRef, oldJTI, newJTI string, payload models.Session, blacklistTTL time.Duration) error
	RevokeAll(ctx context.Context, principal models.PrincipalRef, blacklistTTL time.Duration) ([]string, error)
}

// ProfileReader supplies the profile-completion flag embedded in access tokens.
type ProfileReader interface {
	ProfileCompleted(ctx context.Context, ref models.PrincipalRef) (bool, error)
}

type ResetStore interface {
	Put(ctx context.Context, tokenHash, principal string, ttl time.Duration) error
	Take(ctx context.Context, tokenHash string) (string, bool, error)
}

type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string

	AccessTTL time.Duration
	// RevokedHorizon is the blacklist TTL for tokens without an exp claim.
	RevokedHorizon time.Duration
	LogoutFloor    time.Duration
	ResetTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.AccessTTL <= 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.RevokedHorizon <= 0 {
		c.RevokedHorizon = DefaultRevokedHorizon
	}
	if c.LogoutFloor <= 0 {
		c.LogoutFloor = DefaultLogoutFloor
	}
	if c.ResetTTL <= 0 {
		c.ResetTTL = DefaultResetTTL
	}
	return c
}

// Pair is what clients receive after login, signup or rotation.
type Pair struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	TokenType       string    `json:"tokenType"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`

	RefreshJTI string `json:"-"`
}

type Issuer struct {
	sessions SessionStore
	profiles ProfileReader
	resets   ResetStore
	config   Config
	logger   zerolog.Logger
	now      func() time.Time
}

func NewIssuer(sessions SessionStore, profiles ProfileReader, resets ResetStore, config Config, logger zerolog.Logger) (*Issuer, error) {
	if len(config.AccessSecret) == 0 || len(config.RefreshSecret) == 0 {
		return nil, errors.New("token: access and refresh secrets are required")
	}
	if string(config.AccessSecret) == string(config.RefreshSecret) {
		return nil, errors.New("token: access and refresh secrets must differ")
	}

	return &Issuer{
		sessions: sessions,
		profiles: profiles,
		resets:   resets,
		config:   config.withDefaults(),
		logger:   logger.With().Str("component", "token").Logger(),
		now:      time.Now,
	}, nil
}

// Issue mints a pair for principal and registers its refresh session.
func (i *Issuer) Issue(ctx context.Context, principal models.PrincipalRef, profileCompleted bool, device models.Device) (_ *Pair, err error) {
	ctx, span := i.start(ctx, "token.Issue", principal)
	defer endSpan(span, &err)

	jti := uuid.NewString()
	now := i.now()

	pair, err := i.mint(principal, profileCompleted, jti, now)
	if err != nil {
		return nil, err
	}

	session := models.Session{
		DeviceID:      device.ID,
		UserAgent:     device.UserAgent,
		CreatedAt:     now.UTC(),
		PrincipalKind: principal.Kind,
	}
	if session.DeviceID == "" {
		session.DeviceID = uuid.NewString()
	}

	if err := i.sessions.CreateSession(ctx, principal, jti, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	telemetry.TokensIssuedTotal.WithLabelValues(string(principal.Kind)).Inc()

	return pair, nil
}

// IssueTokensFor is the entry point for signup and login once identity is established.
func (i *Issuer) IssueTokensFor(ctx context.Context, principal models.PrincipalRef, device models.Device) (*Pair, error) {
	completed, err := i.profiles.ProfileCompleted(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("read profile state: %w", err)
	}

	return i.Issue(ctx, principal, completed, device)
}

// Rotate exchanges a live refresh token for a new pair. A blacklisted jti fails with
// TokenRevoked; a jti with no session fails with SessionNotFound.
func (i *Issuer) Rotate(ctx context.Context, refreshToken string) (_ *Pair, err error) {
	claims, principal, err := i.parseRefresh(refreshToken)
	if err != nil {
		telemetry.RotationsTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}

	ctx, span := i.start(ctx, "token.Rotate", principal)
	defer endSpan(span, &err)

	blacklisted, err := i.sessions.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		i.logger.Warn().Str("principal", principal.String()).Msg("revoked refresh token presented")
		telemetry.RotationsTotal.WithLabelValues("revoked").Inc()
		return nil, autherr.ErrTokenRevoked
	}

	session, err := i.sessions.GetSession(ctx, principal, claims.ID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		telemetry.RotationsTotal.WithLabelValues("session_not_found").Inc()
		return nil, autherr.ErrSessionNotFound
	}

	completed, err := i.profiles.ProfileCompleted(ctx, principal)
	if errors.Is(err, autherr.ErrNotFound) {
		telemetry.RotationsTotal.WithLabelValues("session_not_found").Inc()
		return nil, autherr.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read profile state: %w", err)
	}

	newJTI := uuid.NewString()
	now := i.now()

	pair, err := i.mint(principal, completed, newJTI, now)
	if err != nil {
		return nil, err
	}

	rotated := *session
	rotatedAt := now.UTC()
	rotated.RotatedAt = &rotatedAt

	err = i.sessions.RotateSession(ctx, principal, claims.ID, newJTI, rotated, i.config.RevokedHorizon)
	switch {
	case errors.Is(err, implementation.ErrConcurrentModification):
		// another request rotated or revoked this jti first
		telemetry.RotationsTotal.WithLabelValues("revoked").Inc()
		return nil, autherr.ErrTokenRevoked
	case errors.Is(err, autherr.ErrTokenRevoked):
		telemetry.RotationsTotal.WithLabelValues("revoked").Inc()
		return nil, err
	case errors.Is(err, autherr.ErrSessionNotFound):
		telemetry.RotationsTotal.WithLabelValues("session_not_found").Inc()
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("rotate session: %w", err)
	}

	telemetry.RotationsTotal.WithLabelValues("rotated").Inc()

	return pair, nil
}

// Logout revokes the session of refreshToken. It never reports whether the token was valid.
func (i *Issuer) Logout(ctx context.Context, refreshToken string) error {
	claims, principal, err := i.parseRefresh(refreshToken)
	if err != nil {
		return nil
	}

	if err := i.sessions.RevokeSession(ctx, principal, claims.ID, i.blacklistTTL(claims.RegisteredClaims)); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	telemetry.SessionsRevokedTotal.Inc()

	return nil
}

// LogoutAll revokes every session of principal and returns how many were live.
func (i *Issuer) LogoutAll(ctx context.Context, principal models.PrincipalRef) (_ int, err error) {
	ctx, span := i.start(ctx, "token.LogoutAll", principal)
	defer endSpan(span, &err)

	for attempt := 1; ; attempt++ {
		revoked, err := i.sessions.RevokeAll(ctx, principal, i.config.RevokedHorizon)
		if errors.Is(err, implementation.ErrConcurrentModification) && attempt < logoutAllAttempts {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("revoke all sessions: %w", err)
		}

		telemetry.SessionsRevokedTotal.Add(float64(len(revoked)))
		i.logger.Info().Str("principal", principal.String()).Int("sessions", len(revoked)).Msg("all sessions revoked")

		return len(revoked), nil
	}
}

// RevokeAll is LogoutAll under the name account flows use.
func (i *Issuer) RevokeAll(ctx context.Context, principal models.PrincipalRef) error {
	_, err := i.LogoutAll(ctx, principal)
	return err
}

func (i *Issuer) CurrentSessionCount(ctx context.Context, principal models.PrincipalRef) (int64, error) {
	return i.sessions.SessionCount(ctx, principal)
}

// ParseAccess validates an access token and returns its principal.
func (i *Issuer) ParseAccess(accessToken string) (*AccessClaims, models.PrincipalRef, error) {
	claims := &AccessClaims{}

	_, err := i.parser(true).ParseWithClaims(accessToken, claims, func(*jwt.Token) (any, error) {
		return i.config.AccessSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.PrincipalRef{}, autherr.Wrap(autherr.KindTokenRevoked, "access token expired", err)
		}
		i.logger.Warn().Err(err).Msg("malformed access token")
		return nil, models.PrincipalRef{}, autherr.Wrap(autherr.KindMalformedToken, "access token", err)
	}

	principal, ok := claims.Principal()
	if !ok || claims.ID == "" {
		i.logger.Warn().Msg("access token with invalid subject")
		return nil, models.PrincipalRef{}, autherr.ErrMalformedToken
	}

	return claims, principal, nil
}

func (i *Issuer) mint(principal models.PrincipalRef, profileCompleted bool, jti string, now time.Time) (*Pair, error) {
	expiresAt := now.Add(i.config.AccessTTL)

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.config.Issuer,
			Subject:   subjectOf(principal),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Kind:             principal.Kind,
		ProfileCompleted: profileCompleted,
	})

	accessToken, err := access.SignedString(i.config.AccessSecret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   i.config.Issuer,
			Subject:  subjectOf(principal),
			IssuedAt: jwt.NewNumericDate(now),
			ID:       jti,
		},
		Kind: principal.Kind,
	})

	refreshToken, err := refresh.SignedString(i.config.RefreshSecret)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &Pair{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		TokenType:       "Bearer",
		AccessExpiresAt: expiresAt,
		RefreshJTI:      jti,
	}, nil
}

// parseRefresh checks signature and claims only; liveness is the caller's concern. Failures
// are logged as possible probing.
func (i *Issuer) parseRefresh(refreshToken string) (*RefreshClaims, models.PrincipalRef, error) {
	claims := &RefreshClaims{}

	_, err := i.parser(false).ParseWithClaims(refreshToken, claims, func(*jwt.Token) (any, error) {
		return i.config.RefreshSecret, nil
	})
	if err != nil {
		i.logger.Warn().Err(err).Msg("malformed refresh token")
		return nil, models.PrincipalRef{}, autherr.Wrap(autherr.KindMalformedToken, "refresh token", err)
	}

	principal, ok := claims.Principal()
	if !ok || claims.ID == "" {
		i.logger.Warn().Msg("refresh token with invalid subject or jti")
		return nil, models.PrincipalRef{}, autherr.ErrMalformedToken
	}

	return claims, principal, nil
}

func (i *Issuer) parser(requireExpiry bool) *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	}
	if i.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.config.Issuer))
	}
	if requireExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	return jwt.NewParser(opts...)
}

// blacklistTTL covers the token's remaining lifetime, with a floor, or the fixed horizon for
// tokens that never expire.
func (i *Issuer) blacklistTTL(claims jwt.RegisteredClaims) time.Duration {
	if claims.ExpiresAt == nil {
		return i.config.RevokedHorizon
	}

	remaining := claims.ExpiresAt.Sub(i.now())
	if remaining < i.config.LogoutFloor {
		return i.config.LogoutFloor
	}
	return remaining
}

func (i *Issuer) start(ctx context.Context, name string, principal models.PrincipalRef) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("principal.kind", string(principal.Kind)),
		attribute.Int64("principal.id", principal.ID),
	))
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
	}
	span.End()
}
