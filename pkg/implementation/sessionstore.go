package implementation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
)

const BlacklistedValue = "1"

// ErrConcurrentModification is returned when a watched key changed before EXEC. Nothing in the
// batch was applied; the caller may retry the whole operation.
var ErrConcurrentModification = errors.New("session state changed concurrently")

func SessionKey(principal models.PrincipalRef, jti string) string {
	return fmt.Sprintf("session:%s:%s", principal, jti)
}

func SessionSetKey(principal models.PrincipalRef) string {
	return fmt.Sprintf("sessions:%s", principal)
}

func BlacklistKey(jti string) string {
	return fmt.Sprintf("blacklist:%s", jti)
}

// SessionStore keeps live refresh-token sessions and the jti blacklist in Redis. A session key
// and its membership in the principal's session-set are always written together.
type SessionStore struct {
	client *redis.Client
}

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{
		client: client,
	}
}

func (s SessionStore) CreateSession(ctx context.Context, principal models.PrincipalRef, jti string, payload models.Session) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, SessionKey(principal, jti), data, 0)
		pipe.SAdd(ctx, SessionSetKey(principal), jti)
		return nil
	})

	return err
}

// GetSession returns nil without error when the session does not exist.
func (s SessionStore) GetSession(ctx context.Context, principal models.PrincipalRef, jti string) (*models.Session, error) {
	data, err := retryRedisOperation(ctx, func() (string, error) {
		return s.client.Get(ctx, SessionKey(principal, jti)).Result()
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session := &models.Session{}
	if err := json.Unmarshal([]byte(data), session); err != nil {
		return nil, autherr.Wrap(autherr.KindDataIntegrity, "session payload", err)
	}

	return session, nil
}

func (s SessionStore) ListSessions(ctx context.Context, principal models.PrincipalRef) ([]string, error) {
	jtis, err := retryRedisOperation(ctx, func() ([]string, error) {
		return s.client.SMembers(ctx, SessionSetKey(principal)).Result()
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(jtis)

	return jtis, nil
}

func (s SessionStore) SessionCount(ctx context.Context, principal models.PrincipalRef) (int64, error) {
	return retryRedisOperation(ctx, func() (int64, error) {
		return s.client.SCard(ctx, SessionSetKey(principal)).Result()
	})
}

func (s SessionStore) DeleteSession(ctx context.Context, principal models.PrincipalRef, jti string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, SessionKey(principal, jti))
		pipe.SRem(ctx, SessionSetKey(principal), jti)
		return nil
	})

	return err
}

func (s SessionStore) Blacklist(ctx context.Context, jti string, ttl time.Duration) error {
	return s.client.Set(ctx, BlacklistKey(jti), BlacklistedValue, ttl).Err()
}

func (s SessionStore) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	exists, err := retryRedisOperation(ctx, func() (int64, error) {
		return s.client.Exists(ctx, BlacklistKey(jti)).Result()
	})
	if err != nil {
		return false, err
	}

	return exists > 0, nil
}

// TTL mirrors Redis: -2 when the key is missing, -1 when it has no expiry.
func (s SessionStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return retryRedisOperation(ctx, func() (time.Duration, error) {
		return s.client.TTL(ctx, key).Result()
	})
}

// RevokeSession blacklists jti and removes its session in one batch. Blacklisting comes first
// so no reader ever observes the session gone while the jti is still accepted.
func (s SessionStore) RevokeSession(ctx context.Context, principal models.PrincipalRef, jti string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, BlacklistKey(jti), BlacklistedValue, ttl)
		pipe.Del(ctx, SessionKey(principal, jti))
		pipe.SRem(ctx, SessionSetKey(principal), jti)
		return nil
	})

	return err
}

// RotateSession retires oldJTI in favour of newJTI. The old jti must be live and not
// blacklisted when EXEC runs; WATCH turns a concurrent rotation into ErrConcurrentModification.
func (s SessionStore) RotateSession(
	ctx context.Context,
	principal models.PrincipalRef,
	oldJTI, newJTI string,
	payload models.Session,
	blacklistTTL time.Duration,
) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	oldSession := SessionKey(principal, oldJTI)
	oldBlacklist := BlacklistKey(oldJTI)
	set := SessionSetKey(principal)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		blacklisted, err := tx.Exists(ctx, oldBlacklist).Result()
		if err != nil {
			return err
		}
		if blacklisted > 0 {
			return autherr.ErrTokenRevoked
		}

		live, err := tx.Exists(ctx, oldSession).Result()
		if err != nil {
			return err
		}
		if live == 0 {
			return autherr.ErrSessionNotFound
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, oldBlacklist, BlacklistedValue, blacklistTTL)
			pipe.Del(ctx, oldSession)
			pipe.SRem(ctx, set, oldJTI)
			pipe.Set(ctx, SessionKey(principal, newJTI), data, 0)
			pipe.SAdd(ctx, set, newJTI)
			return nil
		})

		return err
	}, oldBlacklist, oldSession)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConcurrentModification
	}

	return err
}

// RevokeAll blacklists every live jti of principal, deletes their sessions and the set itself,
// returning the revoked jtis.
func (s SessionStore) RevokeAll(ctx context.Context, principal models.PrincipalRef, blacklistTTL time.Duration) ([]string, error) {
	set := SessionSetKey(principal)

	var revoked []string

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		jtis, err := tx.SMembers(ctx, set).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, jti := range jtis {
				pipe.Set(ctx, BlacklistKey(jti), BlacklistedValue, blacklistTTL)
				pipe.Del(ctx, SessionKey(principal, jti))
			}
			pipe.Del(ctx, set)
			return nil
		})
		if err != nil {
			return err
		}

		revoked = jtis
		return nil
	}, set)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrConcurrentModification
	}
	if err != nil {
		return nil, err
	}

	sort.Strings(revoked)

	return revoked, nil
}

func (s SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
