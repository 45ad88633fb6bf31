package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "ecotip.yaml", `
listen: ":9090"
env: staging
public_url: https://tips.example.org/
database:
  url: postgres://ecotip@localhost/ecotip
stripe:
  secret_key: sk_test_123
  webhook_secret: whsec_123
  timeout: 5s
fees:
  platform_percent: 7.5
impact:
  co2_tonnes_per_unit: 0.05
auth:
  jwt_secret: hunter2
  token_ttl: 24h
audit:
  enabled: true
  run_hour: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, "https://tips.example.org", cfg.PublicURL)
	require.Equal(t, 5*time.Second, cfg.Stripe.Timeout.Duration)
	require.True(t, cfg.Fees.PlatformPercent.Equal(decimal.RequireFromString("7.5")))
	require.True(t, cfg.Impact.CO2TonnesPerUnit.Equal(decimal.RequireFromString("0.05")))
	require.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL.Duration)
	require.Equal(t, "usd", cfg.Fees.Currency)
	require.Equal(t, 4, cfg.Audit.RunHour)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "ecotip.toml", `
listen = ":7070"

[stripe]
secret_key = "sk_test_abc"
webhook_secret = "whsec_abc"
timeout = "3s"

[auth]
jwt_secret = "s3cret"

[rate_limit]
tips_per_minute = 12.0
burst = 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.ListenAddress)
	require.Equal(t, 3*time.Second, cfg.Stripe.Timeout.Duration)
	require.Equal(t, 12.0, cfg.RateLimit.TipsPerMinute)
	require.Equal(t, 2, cfg.RateLimit.Burst)
	require.True(t, cfg.Fees.PlatformPercent.Equal(decimal.NewFromInt(10)))
	require.True(t, cfg.Impact.CO2TonnesPerUnit.Equal(decimal.RequireFromString("0.06")))
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("ECOTIP_STRIPE_SECRET_KEY", "sk_env")
	t.Setenv("ECOTIP_STRIPE_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("ECOTIP_JWT_SECRET", "jwt_env")
	t.Setenv("ECOTIP_DATABASE_URL", "sqlite://tmp.db")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sk_env", cfg.Stripe.SecretKey)
	require.Equal(t, "whsec_env", cfg.Stripe.WebhookSecret)
	require.Equal(t, "sqlite://tmp.db", cfg.Database.URL)
	require.Equal(t, 10*time.Second, cfg.Stripe.Timeout.Duration)
}

func TestValidateRejectsMissingSecrets(t *testing.T) {
	path := writeFile(t, "ecotip.yaml", "listen: \":8080\"\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "secret_key")
}

func TestValidateRejectsBadFee(t *testing.T) {
	t.Setenv("ECOTIP_STRIPE_SECRET_KEY", "sk")
	t.Setenv("ECOTIP_STRIPE_WEBHOOK_SECRET", "wh")
	t.Setenv("ECOTIP_JWT_SECRET", "jwt")
	path := writeFile(t, "ecotip.yaml", "fees:\n  platform_percent: 150\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "platform_percent")
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	path := writeFile(t, "ecotip.yaml", "listne: \":8080\"\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "decode config")
}
