package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/account"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/auth"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/config"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/db"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/delivery"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/implementation"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/models"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/otc"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/password"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/server"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/telemetry"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/token"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

// components is the fully wired service graph shared by serve and purge.
type components struct {
	store    *db.PostgreSQLStore
	redis    *redis.Client
	bus      *delivery.Bus
	sessions *implementation.SessionStore
	codes    *otc.Manager
	tokens   *token.Issuer
	accounts *account.Manager
	auth     *auth.Service
	notices  *implementation.NotificationStore
}

func build(ctx context.Context, cfg config.Config) (*components, error) {
	logger := log.Logger

	identifierVault, err := vault.NewFromBase64(cfg.VaultKey, logger)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	store, err := db.NewPostgreSQLStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	c := &components{
		store: store,
		redis: implementation.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB),
	}

	var sender delivery.Sender = delivery.NewLogSender(logger)
	if cfg.NATSURL != "" {
		bus, err := delivery.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName), nats.MaxReconnects(-1))
		if err != nil {
			c.close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		if err := bus.EnsureStream(cfg.NATSStream); err != nil {
			bus.Close()
			c.close()
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.NATSStream, err)
		}
		c.bus = bus
		sender = delivery.NewBusSender(bus)
	}

	principals := implementation.NewPrincipalStore(store)
	c.sessions = implementation.NewSessionStore(c.redis)
	c.notices = implementation.NewNotificationStore(store, identifierVault)

	otcOptions := otc.DefaultOptions()
	otcOptions.Production = cfg.Production()
	otcOptions.TestCode = cfg.OTCTestCode
	otcOptions.CountryCode = cfg.PhoneCountryCode

	c.codes = otc.NewManager(
		implementation.NewOneTimeCodeStore(store),
		implementation.NewCounterStore(c.redis),
		identifierVault,
		sender,
		otcOptions,
		logger,
	)

	c.tokens, err = token.NewIssuer(
		c.sessions,
		principals,
		implementation.NewResetTokenStore(c.redis),
		token.Config{
			AccessSecret:   []byte(cfg.JWTAccessSecret),
			RefreshSecret:  []byte(cfg.JWTRefreshSecret),
			Issuer:         cfg.JWTIssuer,
			AccessTTL:      cfg.AccessTokenTTL,
			RevokedHorizon: cfg.RevokedHorizon,
			ResetTTL:       cfg.ResetTokenTTL,
		},
		logger,
	)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	c.accounts = account.NewManager(principals, c.tokens, cfg.RetentionWindow, logger)

	c.auth = auth.NewService(
		principals,
		c.codes,
		c.tokens,
		c.accounts,
		identifierVault,
		password.NewHasher(cfg.BcryptCost),
		c.notices,
		logger,
	)

	return c, nil
}

func (c *components) close() {
	if c.bus != nil {
		c.bus.Close()
	}
	if err := c.redis.Close(); err != nil {
		log.Error().Err(err).Msg("close redis")
	}
	if err := c.store.Close(); err != nil {
		log.Error().Err(err).Msg("close database")
	}
}

func (c *components) checks() []server.Check {
	checks := []server.Check{
		{Name: "postgres", Ping: c.store.Ping},
		{Name: "redis", Ping: c.sessions.Ping},
	}

	if c.bus != nil {
		checks = append(checks, server.Check{Name: "nats", Ping: func(context.Context) error {
			if !c.bus.Connected() {
				return errors.New("not connected")
			}
			return nil
		}})
	}

	return checks
}

func serve(ctx context.Context, cfg config.Config, runMigrations bool) error {
	cleanup, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	if runMigrations {
		if err := c.store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	api := server.NewServer(c.auth, c.tokens, c.notices, c.checks(), server.Options{
		ServiceName:       cfg.ServiceName,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimit:         cfg.RateLimit,
		ExposeResetTokens: cfg.ExposeResetTokens,
	}, log.Logger)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("env", cfg.Environment).Msg("starting authd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}

	log.Info().Msg("authd stopped")
	return nil
}

func migrate(ctx context.Context, cfg config.Config) error {
	store, err := db.NewPostgreSQLStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	log.Info().Msg("migrations applied")
	return nil
}

func purge(ctx context.Context, cfg config.Config) error {
	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	result, err := c.accounts.Purge(ctx)
	if err != nil {
		return fmt.Errorf("purge principals: %w", err)
	}

	codes, err := c.codes.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purge one-time codes: %w", err)
	}

	log.Info().
		Int64("creators", result.Principals[models.KindCreator]).
		Int64("organizations", result.Principals[models.KindOrganization]).
		Int64("notifications", result.Children).
		Int64("one_time_codes", codes).
		Msg("purge complete")

	return nil
}
