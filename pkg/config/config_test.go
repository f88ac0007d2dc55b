package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "carbon-ledger", cfg.AppName)
	require.Equal(t, "postgres", cfg.Database.Type)
	require.Equal(t, 0.8, cfg.Verification.AIConfidenceThreshold)
	require.Equal(t, int64(50), cfg.Fraud.VelocityLimit)
	require.Equal(t, time.Hour, cfg.Fraud.VelocityWindow)
	require.Equal(t, 200*time.Millisecond, cfg.Database.SlowThreshold)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("FRAUD_VELOCITY_LIMIT", "3")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Type)
	require.Equal(t, int64(3), cfg.Fraud.VelocityLimit)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	content := `
APP_ENV: test
VERIFICATION:
  AI_CONFIDENCE_THRESHOLD: 0.9
  RULES:
    - ACTIVITY_TYPE: cycling
      MIN_AMOUNT: "0.1"
      MAX_AMOUNT: "50"
      REQUIRED_METHOD: AI_ASSISTED
      CREDIT_MULTIPLIER: "1.2"
      ACTIVE: true
RATES:
  - RATE_TYPE: CO2_TO_CREDIT
    VALUE: "0.5"
    EFFECTIVE_FROM: "2024-01-01T00:00:00Z"
    SOURCE: seed
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "test", cfg.AppEnv)
	require.Equal(t, 0.9, cfg.Verification.AIConfidenceThreshold)
	require.Len(t, cfg.Verification.Rules, 1)
	require.Equal(t, "cycling", cfg.Verification.Rules[0].ActivityType)
	require.Equal(t, "1.2", cfg.Verification.Rules[0].CreditMultiplier)
	require.True(t, cfg.Verification.Rules[0].Active)
	require.Len(t, cfg.Rates, 1)
	require.Equal(t, "2024-01-01T00:00:00Z", cfg.Rates[0].EffectiveFrom)
}
