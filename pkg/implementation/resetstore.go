package implementation

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

func ResetTokenKey(tokenHash string) string {
	return "pwreset:" + tokenHash
}

// ResetTokenStore keeps single-use password reset tokens keyed by the token's hash.
type ResetTokenStore struct {
	client *redis.Client
}

func NewResetTokenStore(client *redis.Client) *ResetTokenStore {
	return &ResetTokenStore{
		client: client,
	}
}

func (s ResetTokenStore) Put(ctx context.Context, tokenHash, principal string, ttl time.Duration) error {
	return s.client.Set(ctx, ResetTokenKey(tokenHash), principal, ttl).Err()
}

// Take returns and deletes the principal stored for tokenHash; ok is false when the token is
// unknown, expired or already used.
func (s ResetTokenStore) Take(ctx context.Context, tokenHash string) (principal string, ok bool, err error) {
	principal, err = s.client.GetDel(ctx, ResetTokenKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return principal, true, nil
}
