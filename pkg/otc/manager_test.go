package otc

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/implementation"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

// memoryCodes mirrors OneTimeCodeStore's transactional semantics in memory.
type memoryCodes struct {
	mu         sync.Mutex
	nextID     int64
	records    []*models.OneTimeCode
	principals map[string]*models.Principal
	replaceErr error
}

func newMemoryCodes() *memoryCodes {
	return &memoryCodes{principals: map[string]*models.Principal{}}
}

func (c *memoryCodes) Replace(_ context.Context, record *models.OneTimeCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replaceErr != nil {
		return c.replaceErr
	}

	kept := c.records[:0]
	for _, r := range c.records {
		if r.IdentifierHash == record.IdentifierHash && r.Kind == record.Kind && !r.IsUsed {
			continue
		}
		kept = append(kept, r)
	}

	c.nextID++
	record.ID = c.nextID
	copied := *record
	c.records = append(kept, &copied)

	return nil
}

func (c *memoryCodes) ConsumeAndLookup(_ context.Context, kind vault.IdentifierKind, hash, code string, now time.Time) (*implementation.ConsumeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	match := -1
	for i, r := range c.records {
		if r.IdentifierHash != hash || r.Kind != kind || r.Code != code || !r.Live(now) {
			continue
		}
		if match < 0 || r.ExpiresAt.After(c.records[match].ExpiresAt) {
			match = i
		}
	}

	if match < 0 {
		return &implementation.ConsumeResult{}, nil
	}

	c.records = append(c.records[:match], c.records[match+1:]...)

	return &implementation.ConsumeResult{Consumed: true, Principal: c.principals[hash]}, nil
}

func (c *memoryCodes) RecordFailure(_ context.Context, kind vault.IdentifierKind, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.records {
		if r.IdentifierHash == hash && r.Kind == kind && !r.IsUsed {
			r.Attempts++
		}
	}

	return nil
}

func (c *memoryCodes) DeleteStale(_ context.Context, now time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.records[:0]
	var removed int64
	for _, r := range c.records {
		if !r.Live(now) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	c.records = kept

	return removed, nil
}

func (c *memoryCodes) live(hash string, now time.Time) []*models.OneTimeCode {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*models.OneTimeCode
	for _, r := range c.records {
		if r.IdentifierHash == hash && r.Live(now) {
			out = append(out, r)
		}
	}
	return out
}

type recordingSender struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (s *recordingSender) SendCode(_ context.Context, _ vault.IdentifierKind, _ string, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	return s.err
}

func (s *recordingSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[len(s.codes)-1]
}

// failingIncrements passes everything through except Increment on one key.
type failingIncrements struct {
	Counters
	key string
}

func (c failingIncrements) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if key == c.key {
		return 0, errors.New("connection reset by peer")
	}
	return c.Counters.Increment(ctx, key, window)
}

type fixture struct {
	mr       *miniredis.Miniredis
	codes    *memoryCodes
	counters *implementation.CounterStore
	sender   *recordingSender
	vault    *vault.Vault
	manager  *Manager
	logs     *bytes.Buffer
	now      time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	key, err := vault.GenerateKey()
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	logger := zerolog.New(logs).Level(zerolog.DebugLevel)

	v, err := vault.NewFromBase64(key, logger)
	require.NoError(t, err)

	f := &fixture{
		mr:     mr,
		codes:  newMemoryCodes(),
		sender: &recordingSender{},
		vault:  v,
		logs:   logs,
		now:    time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC),
	}

	f.counters = implementation.NewCounterStore(client)
	f.manager = NewManager(f.codes, f.counters, v, f.sender, opts, logger)
	f.manager.now = func() time.Time { return f.now }

	return f
}

// advance moves both the Redis clock and the code-expiry clock.
func (f *fixture) advance(d time.Duration) {
	f.mr.FastForward(d)
	f.now = f.now.Add(d)
}

const phone = "9876543210"

func TestRequestCodeScenario(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Production = true
	f := newFixture(t, opts)

	result, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)
	assert.Equal(t, "+91 9876543210", result.Identifier)
	assert.Equal(t, 300, result.TTLSeconds)

	hash := f.vault.Hash(phone)

	cooldown, err := f.mr.Get(CooldownKey(hash))
	require.NoError(t, err)
	assert.Equal(t, "1", cooldown)
	assert.Equal(t, 60*time.Second, f.mr.TTL(CooldownKey(hash)))

	live := f.codes.live(hash, f.now)
	require.Len(t, live, 1)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), live[0].Code)
	assert.Equal(t, f.now.Add(5*time.Minute), live[0].ExpiresAt)
	assert.NotContains(t, live[0].IdentifierEncrypted, phone)
	assert.Equal(t, live[0].Code, f.sender.last())

	verified, err := f.manager.VerifyCode(ctx, vault.KindPhone, phone, live[0].Code)
	require.NoError(t, err)
	assert.True(t, verified.Verified)
	assert.Nil(t, verified.Principal)

	_, err = f.manager.VerifyCode(ctx, vault.KindPhone, phone, live[0].Code)
	assert.True(t, errors.Is(err, autherr.ErrInvalidCode))
}

func TestRequestCodeUsesTestCodeOutsideProduction(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	_, err := f.manager.RequestCode(context.Background(), vault.KindEmail, "Brand@Example.com")
	require.NoError(t, err)

	assert.Equal(t, "123456", f.sender.last())

	live := f.codes.live(f.vault.Hash("brand@example.com"), f.now)
	require.Len(t, live, 1)
	assert.Equal(t, f.now.Add(10*time.Minute), live[0].ExpiresAt)
}

func TestRequestCodeCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)

	f.advance(20 * time.Second)

	_, err = f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.Error(t, err)
	assert.True(t, errors.Is(err, autherr.ErrRateLimited))
	assert.Equal(t, 40*time.Second, autherr.RetryAfter(err))

	f.advance(41 * time.Second)

	_, err = f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)
}

func TestRequestCodeWindowLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	for i := 0; i < 5; i++ {
		_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
		require.NoError(t, err, "request %d", i+1)
		f.advance(61 * time.Second)
	}

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.Error(t, err)
	assert.True(t, errors.Is(err, autherr.ErrRateLimited))
	assert.Greater(t, autherr.RetryAfter(err), time.Duration(0))

	f.advance(15 * time.Minute)

	_, err = f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)
}

func TestRequestCodeSupersedesPriorCode(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Production = true
	f := newFixture(t, opts)
	hash := f.vault.Hash(phone)

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)
	first := f.sender.last()

	f.advance(61 * time.Second)

	_, err = f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)
	second := f.sender.last()

	live := f.codes.live(hash, f.now)
	require.Len(t, live, 1)
	assert.Equal(t, second, live[0].Code)

	if first != second {
		_, err = f.manager.VerifyCode(ctx, vault.KindPhone, phone, first)
		assert.True(t, errors.Is(err, autherr.ErrInvalidCode))
	}
}

func TestRequestCodeSurvivesDeliveryFailure(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	f.sender.err = errors.New("sms gateway down")

	_, err := f.manager.RequestCode(context.Background(), vault.KindPhone, phone)
	require.NoError(t, err)
	assert.Contains(t, f.logs.String(), "code delivery failed")
}

func TestRequestCodeRejectsInvalidIdentifier(t *testing.T) {
	f := newFixture(t, DefaultOptions())

	_, err := f.manager.RequestCode(context.Background(), vault.KindPhone, "12345")
	assert.True(t, errors.Is(err, autherr.ErrInvalidInput))

	_, err = f.manager.RequestCode(context.Background(), vault.KindEmail, "not-an-email")
	assert.True(t, errors.Is(err, autherr.ErrInvalidInput))
}

func TestVerifyCodeExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)

	f.advance(5*time.Minute + time.Second)

	_, err = f.manager.VerifyCode(ctx, vault.KindPhone, phone, "123456")
	assert.True(t, errors.Is(err, autherr.ErrInvalidCode))
}

func TestVerifyCodeBruteForceLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())
	hash := f.vault.Hash(phone)

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.manager.VerifyCode(ctx, vault.KindPhone, phone, "000000")
		require.True(t, errors.Is(err, autherr.ErrInvalidCode), "attempt %d: %v", i+1, err)
	}

	_, err = f.manager.VerifyCode(ctx, vault.KindPhone, phone, "123456")
	require.Error(t, err)
	assert.True(t, errors.Is(err, autherr.ErrBruteForceLocked))
	assert.Greater(t, autherr.RetryAfter(err), time.Duration(0))

	// the correct code was not consumed while locked
	live := f.codes.live(hash, f.now)
	require.Len(t, live, 1)
	assert.Equal(t, 5, live[0].Attempts)

	f.advance(15*time.Minute + time.Second)

	_, err = f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)

	result, err := f.manager.VerifyCode(ctx, vault.KindPhone, phone, "123456")
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

func TestVerifyCodeLockHoldsUnderConcurrentGuesses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())
	hash := f.vault.Hash(phone)

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)

	const guesses = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		invalid int
		locked  int
	)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.VerifyCode(ctx, vault.KindPhone, phone, "000000")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, autherr.ErrInvalidCode):
				invalid++
			case errors.Is(err, autherr.ErrBruteForceLocked):
				locked++
			default:
				t.Errorf("unexpected result: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, invalid)
	assert.Equal(t, guesses-5, locked)

	live := f.codes.live(hash, f.now)
	require.Len(t, live, 1)
	assert.Equal(t, 5, live[0].Attempts)
	assert.Equal(t, 15*time.Minute, f.mr.TTL(AttemptsKey(hash)))
}

func TestRequestCodeStoresNothingWhenLimitsCannotBeRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())
	hash := f.vault.Hash(phone)

	f.manager.counters = failingIncrements{Counters: f.counters, key: RequestsKey(hash)}

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.Error(t, err)

	assert.Empty(t, f.codes.live(hash, f.now))
	assert.Empty(t, f.sender.codes)
}

func TestRequestCodeReleasesCooldownWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())
	hash := f.vault.Hash(phone)

	f.codes.replaceErr = errors.New("database is read-only")

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.Error(t, err)
	assert.False(t, f.mr.Exists(CooldownKey(hash)))
	assert.Empty(t, f.sender.codes)

	f.codes.replaceErr = nil

	_, err = f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)
	assert.Len(t, f.codes.live(hash, f.now), 1)
}

func TestVerifyCodeClearsAttemptsAndMarksVerified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())
	hash := f.vault.Hash(phone)

	f.codes.principals[hash] = &models.Principal{ID: 42, Kind: models.KindCreator}

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)

	_, err = f.manager.VerifyCode(ctx, vault.KindPhone, phone, "999999")
	require.Error(t, err)
	assert.True(t, f.mr.Exists(AttemptsKey(hash)))

	result, err := f.manager.VerifyCode(ctx, vault.KindPhone, "+91 98765 43210", "123456")
	require.NoError(t, err)
	require.NotNil(t, result.Principal)
	assert.EqualValues(t, 42, result.Principal.ID)
	assert.Equal(t, hash, result.Hash)

	assert.False(t, f.mr.Exists(AttemptsKey(hash)))
	assert.Equal(t, 15*time.Minute, f.mr.TTL(VerifiedKey(hash)))

	ok, err := f.manager.IsVerified(ctx, result.Identifier)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.manager.ClearVerified(ctx, result.Identifier))

	ok, err = f.manager.IsVerified(ctx, result.Identifier)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultOptions())

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)

	removed, err := f.manager.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, removed)

	f.advance(6 * time.Minute)

	removed, err = f.manager.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestNothingSecretIsLogged(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Production = true
	f := newFixture(t, opts)
	f.sender.err = errors.New("gateway rejected recipient")

	_, err := f.manager.RequestCode(ctx, vault.KindPhone, phone)
	require.NoError(t, err)
	code := f.sender.last()

	_, _ = f.manager.VerifyCode(ctx, vault.KindPhone, phone, "000000")
	_, err = f.manager.VerifyCode(ctx, vault.KindPhone, phone, code)
	require.NoError(t, err)

	logs := f.logs.String()
	assert.NotContains(t, logs, phone)
	assert.NotContains(t, logs, code)
	assert.NotContains(t, logs, f.vault.Hash(phone))
}
