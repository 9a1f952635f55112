package config

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/vault"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds runtime configuration for the auth service.
type Config struct {
	Environment string `env:"APP_ENV,default=development"`
	ServiceName string `env:"SERVICE_NAME,default=incollab-auth"`
	Addr        string `env:"ADDR,default=:8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	DatabaseURL   string `env:"DATABASE_URL,required"`
	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	// NATSURL empty selects the log-only code sender.
	NATSURL    string `env:"NATS_URL"`
	NATSStream string `env:"NATS_STREAM,default=AUTH_OTC"`

	VaultKey          string `env:"VAULT_KEY,required"`
	JWTAccessSecret   string `env:"JWT_ACCESS_SECRET,required"`
	JWTRefreshSecret  string `env:"JWT_REFRESH_SECRET,required"`
	JWTIssuer         string `env:"JWT_ISSUER,default=incollab-auth"`
	PhoneCountryCode  string `env:"PHONE_COUNTRY_CODE,default=+91"`
	OTCTestCode       string `env:"OTC_TEST_CODE,default=123456"`
	BcryptCost        int    `env:"BCRYPT_COST,default=12"`
	ExposeResetTokens bool   `env:"EXPOSE_RESET_TOKENS,default=false"`

	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL,default=15m"`
	RevokedHorizon  time.Duration `env:"REVOKED_TOKEN_HORIZON,default=8760h"`
	ResetTokenTTL   time.Duration `env:"RESET_TOKEN_TTL,default=15m"`
	RetentionWindow time.Duration `env:"ACCOUNT_RETENTION,default=720h"`

	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
	RateLimit      int      `env:"HTTP_RATE_LIMIT_PER_MINUTE,default=100"`
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()

	return LoadFrom(ctx, envconfig.OsLookuper())
}

func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Production() bool {
	return c.Environment == EnvProduction
}

func (c Config) Validate() error {
	var errs []error

	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		errs = append(errs, fmt.Errorf("APP_ENV must be %q or %q", EnvDevelopment, EnvProduction))
	}

	if key, err := base64.StdEncoding.DecodeString(c.VaultKey); err != nil || len(key) != vault.KeySize {
		errs = append(errs, fmt.Errorf("VAULT_KEY must be %d base64-encoded bytes", vault.KeySize))
	}

	if c.JWTAccessSecret == c.JWTRefreshSecret {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ"))
	}

	if c.Production() {
		if len(c.JWTAccessSecret) < 32 || len(c.JWTRefreshSecret) < 32 {
			errs = append(errs, errors.New("JWT secrets must be at least 32 bytes in production"))
		}
		if c.ExposeResetTokens {
			errs = append(errs, errors.New("EXPOSE_RESET_TOKENS is not allowed in production"))
		}
	}

	if c.AccessTokenTTL <= 0 || c.RevokedHorizon <= 0 || c.ResetTokenTTL <= 0 || c.RetentionWindow <= 0 {
		errs = append(errs, errors.New("token TTLs and the retention window must be positive"))
	}

	return errors.Join(errs...)
}
