package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVaultKey = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":       "postgres://auth@localhost/auth?sslmode=disable",
		"VAULT_KEY":          testVaultKey,
		"JWT_ACCESS_SECRET":  "access",
		"JWT_REFRESH_SECRET": "refresh",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(baseEnv()))
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.False(t, cfg.Production())
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "+91", cfg.PhoneCountryCode)
	assert.Equal(t, "123456", cfg.OTCTestCode)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 365*24*time.Hour, cfg.RevokedHorizon)
	assert.Equal(t, 30*24*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
}

func TestLoadRequiresSecrets(t *testing.T) {
	env := baseEnv()
	delete(env, "VAULT_KEY")

	_, err := LoadFrom(context.Background(), envconfig.MapLookuper(env))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(env map[string]string)
		valid  bool
	}{
		{name: "defaults", mutate: func(map[string]string) {}, valid: true},
		{name: "short vault key", mutate: func(env map[string]string) { env["VAULT_KEY"] = "c2hvcnQ=" }, valid: false},
		{name: "shared jwt secret", mutate: func(env map[string]string) { env["JWT_REFRESH_SECRET"] = "access" }, valid: false},
		{name: "unknown environment", mutate: func(env map[string]string) { env["APP_ENV"] = "staging" }, valid: false},
		{name: "weak production secrets", mutate: func(env map[string]string) { env["APP_ENV"] = "production" }, valid: false},
		{
			name: "production",
			mutate: func(env map[string]string) {
				env["APP_ENV"] = "production"
				env["JWT_ACCESS_SECRET"] = "0123456789abcdef0123456789abcdef-access"
				env["JWT_REFRESH_SECRET"] = "0123456789abcdef0123456789abcdef-refresh"
			},
			valid: true,
		},
		{
			name: "production exposing reset tokens",
			mutate: func(env map[string]string) {
				env["APP_ENV"] = "production"
				env["JWT_ACCESS_SECRET"] = "0123456789abcdef0123456789abcdef-access"
				env["JWT_REFRESH_SECRET"] = "0123456789abcdef0123456789abcdef-refresh"
				env["EXPOSE_RESET_TOKENS"] = "true"
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnv()
			tt.mutate(env)

			_, err := LoadFrom(context.Background(), envconfig.MapLookuper(env))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
