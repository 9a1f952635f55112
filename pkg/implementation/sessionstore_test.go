package implementation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

var creator42 = models.PrincipalRef{Kind: models.KindCreator, ID: 42}

func testSession() models.Session {
	return models.Session{
		DeviceID:      "device-1",
		UserAgent:     "ios/17.0",
		CreatedAt:     time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		PrincipalKind: models.KindCreator,
	}
}

func TestSessionKeys(t *testing.T) {
	assert.Equal(t, "session:creator:42:abc", SessionKey(creator42, "abc"))
	assert.Equal(t, "sessions:creator:42", SessionSetKey(creator42))
	assert.Equal(t, "blacklist:abc", BlacklistKey("abc"))
}

func TestCreateGetListDelete(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewSessionStore(client)

	require.NoError(t, store.CreateSession(ctx, creator42, "jti-b", testSession()))
	require.NoError(t, store.CreateSession(ctx, creator42, "jti-a", testSession()))

	jtis, err := store.ListSessions(ctx, creator42)
	require.NoError(t, err)
	assert.Equal(t, []string{"jti-a", "jti-b"}, jtis)

	count, err := store.SessionCount(ctx, creator42)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	session, err := store.GetSession(ctx, creator42, "jti-a")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "device-1", session.DeviceID)
	assert.Equal(t, models.KindCreator, session.PrincipalKind)

	// sessions carry no expiry
	ttl, err := store.TTL(ctx, SessionKey(creator42, "jti-a"))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	require.NoError(t, store.DeleteSession(ctx, creator42, "jti-a"))

	session, err = store.GetSession(ctx, creator42, "jti-a")
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.False(t, mr.Exists(SessionKey(creator42, "jti-a")))

	jtis, err = store.ListSessions(ctx, creator42)
	require.NoError(t, err)
	assert.Equal(t, []string{"jti-b"}, jtis)
}

func TestSessionsAreScopedByPrincipalKind(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewSessionStore(client)

	org42 := models.PrincipalRef{Kind: models.KindOrganization, ID: 42}

	require.NoError(t, store.CreateSession(ctx, creator42, "creator-jti", testSession()))
	require.NoError(t, store.CreateSession(ctx, org42, "org-jti", testSession()))

	_, err := store.RevokeAll(ctx, creator42, time.Hour)
	require.NoError(t, err)

	jtis, err := store.ListSessions(ctx, org42)
	require.NoError(t, err)
	assert.Equal(t, []string{"org-jti"}, jtis)
}

func TestBlacklist(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewSessionStore(client)

	blacklisted, err := store.IsBlacklisted(ctx, "jti")
	require.NoError(t, err)
	assert.False(t, blacklisted)

	require.NoError(t, store.Blacklist(ctx, "jti", time.Minute))

	blacklisted, err = store.IsBlacklisted(ctx, "jti")
	require.NoError(t, err)
	assert.True(t, blacklisted)

	value, err := mr.Get(BlacklistKey("jti"))
	require.NoError(t, err)
	assert.Equal(t, BlacklistedValue, value)

	ttl, err := store.TTL(ctx, BlacklistKey("jti"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(time.Minute + time.Second)

	blacklisted, err = store.IsBlacklisted(ctx, "jti")
	require.NoError(t, err)
	assert.False(t, blacklisted)
}

func TestRevokeSession(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewSessionStore(client)

	require.NoError(t, store.CreateSession(ctx, creator42, "jti", testSession()))
	require.NoError(t, store.RevokeSession(ctx, creator42, "jti", time.Hour))

	blacklisted, err := store.IsBlacklisted(ctx, "jti")
	require.NoError(t, err)
	assert.True(t, blacklisted)

	jtis, err := store.ListSessions(ctx, creator42)
	require.NoError(t, err)
	assert.Empty(t, jtis)
}

func TestRotateSession(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewSessionStore(client)

	require.NoError(t, store.CreateSession(ctx, creator42, "old", testSession()))

	rotated := testSession()
	now := time.Now().UTC()
	rotated.RotatedAt = &now

	require.NoError(t, store.RotateSession(ctx, creator42, "old", "new", rotated, 365*24*time.Hour))

	jtis, err := store.ListSessions(ctx, creator42)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, jtis)
	assert.False(t, mr.Exists(SessionKey(creator42, "old")))

	session, err := store.GetSession(ctx, creator42, "new")
	require.NoError(t, err)
	require.NotNil(t, session)
	require.NotNil(t, session.RotatedAt)
	assert.Equal(t, "device-1", session.DeviceID)

	blacklisted, err := store.IsBlacklisted(ctx, "old")
	require.NoError(t, err)
	assert.True(t, blacklisted)

	// the old jti is rejected by the blacklist even though its session is gone
	err = store.RotateSession(ctx, creator42, "old", "newer", rotated, time.Hour)
	assert.True(t, errors.Is(err, autherr.ErrTokenRevoked))

	err = store.RotateSession(ctx, creator42, "missing", "newer", rotated, time.Hour)
	assert.True(t, errors.Is(err, autherr.ErrSessionNotFound))

	jtis, err = store.ListSessions(ctx, creator42)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, jtis)
}

func TestRevokeAll(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewSessionStore(client)

	for _, jti := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateSession(ctx, creator42, jti, testSession()))
	}

	revoked, err := store.RevokeAll(ctx, creator42, 365*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, revoked)

	jtis, err := store.ListSessions(ctx, creator42)
	require.NoError(t, err)
	assert.Empty(t, jtis)
	assert.False(t, mr.Exists(SessionSetKey(creator42)))

	for _, jti := range revoked {
		blacklisted, err := store.IsBlacklisted(ctx, jti)
		require.NoError(t, err)
		assert.True(t, blacklisted, jti)
		assert.False(t, mr.Exists(SessionKey(creator42, jti)))
	}

	// nothing to revoke is not an error
	revoked, err = store.RevokeAll(ctx, creator42, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, revoked)
}
