// Package otc issues and verifies one-time codes sent to a phone number or email address.
//
// Per identifier the flow is NONE -> REQUESTED -> VERIFIED | EXPIRED | LOCKED. Codes live in
// Postgres; cooldowns, request windows, failed-attempt windows and the post-verification grace
// marker live in Redis and expire on their own. Keys are derived from the identifier's lookup
// hash, never from the plaintext.
package otc

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/delivery"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/implementation"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/telemetry"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

func CooldownKey(hash string) string { return "otc:cooldown:" + hash }
func RequestsKey(hash string) string { return "otc:requests:" + hash }
func AttemptsKey(hash string) string { return "otc:attempts:" + hash }
func VerifiedKey(hash string) string { return "otc:verified:" + hash }

type CodeRepository interface {
	Replace(ctx context.Context, record *models.OneTimeCode) error
	ConsumeAndLookup(ctx context.Context, kind vault.IdentifierKind, hash, code string, now time.Time) (*implementation.ConsumeResult, error)
	RecordFailure(ctx context.Context, kind vault.IdentifierKind, hash string) error
	DeleteStale(ctx context.Context, now time.Time) (int64, error)
}

type Counters interface {
	SetFlag(ctx context.Context, key string, ttl time.Duration) error
	HasFlag(ctx context.Context, key string) (bool, error)
	Count(ctx context.Context, key string) (int64, error)
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Hash(plaintext string) string
}

type Options struct {
	// Production disables the fixed test code.
	Production  bool
	TestCode    string
	CodeLength  int
	CountryCode string

	PhoneTTL    time.Duration
	EmailTTL    time.Duration
	Cooldown    time.Duration
	Window      time.Duration
	VerifiedTTL time.Duration
	MaxRequests int64
	MaxAttempts int64
}

func DefaultOptions() Options {
	return Options{
		TestCode:    "123456",
		CodeLength:  6,
		CountryCode: "+91",
		PhoneTTL:    5 * time.Minute,
		EmailTTL:    10 * time.Minute,
		Cooldown:    60 * time.Second,
		Window:      15 * time.Minute,
		VerifiedTTL: 15 * time.Minute,
		MaxRequests: 5,
		MaxAttempts: 5,
	}
}

func (o Options) codeTTL(kind vault.IdentifierKind) time.Duration {
	if kind == vault.KindEmail {
		return o.EmailTTL
	}
	return o.PhoneTTL
}

type RequestResult struct {
	Identifier string    `json:"identifier"`
	TTLSeconds int       `json:"ttlSeconds"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// VerifyResult carries the principal registered for the identifier, if any. A nil Principal
// means the caller should continue with signup.
type VerifyResult struct {
	Verified   bool
	Identifier vault.Identifier
	Hash       string
	Principal  *models.Principal
}

type Manager struct {
	codes    CodeRepository
	counters Counters
	cipher   Cipher
	sender   delivery.Sender
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

func NewManager(
	codes CodeRepository,
	counters Counters,
	cipher Cipher,
	sender delivery.Sender,
	opts Options,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		codes:    codes,
		counters: counters,
		cipher:   cipher,
		sender:   sender,
		opts:     opts,
		logger:   logger.With().Str("component", "otc").Logger(),
		now:      time.Now,
	}
}

// Normalize canonicalizes a raw identifier with the configured default country code.
func (m *Manager) Normalize(kind vault.IdentifierKind, raw string) (vault.Identifier, error) {
	id, err := vault.Normalize(kind, raw, m.opts.CountryCode)
	if err != nil {
		return vault.Identifier{}, autherr.Wrap(autherr.KindInvalidInput, "invalid identifier", err)
	}
	return id, nil
}

func (m *Manager) RequestCode(ctx context.Context, kind vault.IdentifierKind, raw string) (_ *RequestResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "otc.RequestCode", trace.WithAttributes(attribute.String("otc.channel", string(kind))))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	id, err := m.Normalize(kind, raw)
	if err != nil {
		return nil, err
	}
	hash := m.cipher.Hash(id.Value)

	if err := m.checkRequestLimits(ctx, hash); err != nil {
		telemetry.OTCRequestsTotal.WithLabelValues(string(kind), "rate_limited").Inc()
		return nil, err
	}

	code, err := m.generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	encrypted, err := m.cipher.Encrypt(id.Value)
	if err != nil {
		return nil, fmt.Errorf("encrypt identifier: %w", err)
	}

	ttl := m.opts.codeTTL(kind)
	record := &models.OneTimeCode{
		IdentifierEncrypted: encrypted,
		IdentifierHash:      hash,
		Kind:                kind,
		Code:                code,
		ExpiresAt:           m.now().Add(ttl),
	}

	// limits are recorded before the code exists so a failure here leaves nothing verifiable
	if err := m.counters.SetFlag(ctx, CooldownKey(hash), m.opts.Cooldown); err != nil {
		return nil, fmt.Errorf("set cooldown: %w", err)
	}

	if _, err := m.counters.Increment(ctx, RequestsKey(hash), m.opts.Window); err != nil {
		return nil, fmt.Errorf("count request: %w", err)
	}

	if err := m.codes.Replace(ctx, record); err != nil {
		if err := m.counters.Delete(ctx, CooldownKey(hash)); err != nil {
			m.logger.Warn().Err(err).Str("channel", string(kind)).Msg("clear cooldown")
		}
		return nil, fmt.Errorf("store code: %w", err)
	}

	if err := m.sender.SendCode(ctx, kind, id.Formatted(), code); err != nil {
		m.logger.Error().Err(err).Str("channel", string(kind)).Msg("code delivery failed")
	}

	telemetry.OTCRequestsTotal.WithLabelValues(string(kind), "sent").Inc()
	m.logger.Debug().Str("channel", string(kind)).Time("expires_at", record.ExpiresAt).Msg("one-time code issued")

	return &RequestResult{
		Identifier: id.Formatted(),
		TTLSeconds: int(ttl.Seconds()),
		ExpiresAt:  record.ExpiresAt,
	}, nil
}

func (m *Manager) checkRequestLimits(ctx context.Context, hash string) error {
	cooling, err := m.counters.HasFlag(ctx, CooldownKey(hash))
	if err != nil {
		return err
	}
	if cooling {
		return autherr.RateLimited("please wait before requesting another code", m.remaining(ctx, CooldownKey(hash)))
	}

	requests, err := m.counters.Count(ctx, RequestsKey(hash))
	if err != nil {
		return err
	}
	if requests >= m.opts.MaxRequests {
		return autherr.RateLimited("too many code requests", m.remaining(ctx, RequestsKey(hash)))
	}

	return nil
}

// VerifyCode consumes a matching live code. Every call first takes an attempt slot with one
// atomic increment, so concurrent guesses cannot all pass the lock, and a correct code submitted
// while locked is still rejected.
func (m *Manager) VerifyCode(ctx context.Context, kind vault.IdentifierKind, raw, code string) (_ *VerifyResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "otc.VerifyCode", trace.WithAttributes(attribute.String("otc.channel", string(kind))))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	id, err := m.Normalize(kind, raw)
	if err != nil {
		return nil, err
	}
	hash := m.cipher.Hash(id.Value)

	attempts, err := m.counters.Increment(ctx, AttemptsKey(hash), m.opts.Window)
	if err != nil {
		return nil, fmt.Errorf("count attempt: %w", err)
	}
	if attempts > m.opts.MaxAttempts {
		telemetry.OTCVerificationsTotal.WithLabelValues(string(kind), "locked").Inc()
		return nil, autherr.Locked(m.remaining(ctx, AttemptsKey(hash)))
	}

	result, err := m.codes.ConsumeAndLookup(ctx, kind, hash, code, m.now())
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}

	if !result.Consumed {
		if err := m.codes.RecordFailure(ctx, kind, hash); err != nil {
			m.logger.Warn().Err(err).Str("channel", string(kind)).Msg("record failed attempt")
		}

		telemetry.OTCVerificationsTotal.WithLabelValues(string(kind), "invalid").Inc()
		return nil, autherr.ErrInvalidCode
	}

	if err := m.counters.Delete(ctx, AttemptsKey(hash)); err != nil {
		return nil, fmt.Errorf("clear attempts: %w", err)
	}

	if err := m.counters.SetFlag(ctx, VerifiedKey(hash), m.opts.VerifiedTTL); err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}

	telemetry.OTCVerificationsTotal.WithLabelValues(string(kind), "verified").Inc()

	return &VerifyResult{
		Verified:   true,
		Identifier: id,
		Hash:       hash,
		Principal:  result.Principal,
	}, nil
}

// IsVerified reports whether the identifier passed verification within the grace window.
func (m *Manager) IsVerified(ctx context.Context, id vault.Identifier) (bool, error) {
	return m.counters.HasFlag(ctx, VerifiedKey(m.cipher.Hash(id.Value)))
}

func (m *Manager) ClearVerified(ctx context.Context, id vault.Identifier) error {
	return m.counters.Delete(ctx, VerifiedKey(m.cipher.Hash(id.Value)))
}

// PurgeExpired deletes expired and consumed code rows.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	return m.codes.DeleteStale(ctx, m.now())
}

func (m *Manager) generateCode() (string, error) {
	if !m.opts.Production && m.opts.TestCode != "" {
		return m.opts.TestCode, nil
	}

	length := m.opts.CodeLength
	if length <= 0 {
		length = 6
	}

	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", length, n), nil
}

// remaining is the retry hint for a limit key; a failed TTL lookup only loses the hint.
func (m *Manager) remaining(ctx context.Context, key string) time.Duration {
	ttl, err := m.counters.TTL(ctx, key)
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
