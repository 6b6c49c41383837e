package config_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helmpay/pkg/compliance"
	"github.com/Mindburn-Labs/helmpay/pkg/config"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "HELMPAY_ENV", "DATABASE_URL", "DATA_DIR", "REDIS_ADDR",
		"HELMPAY_EXECUTION_MODE", "HELMPAY_PILOT_ALLOWED_ORGS", "HELMPAY_PILOT_MAX_AMOUNT_MINOR",
		"HELMPAY_TAP_WINDOW_SECONDS", "HELMPAY_KYC_THRESHOLD_MINOR", "HELMPAY_DRIFT_BLOCK_THRESHOLD",
		"HELMPAY_STALE_AFTER", "JWT_HMAC_SECRET",
	} {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies the process boots with safe defaults.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.True(t, cfg.Lite())
	assert.Equal(t, filepath.Join("data", "helmpay.db"), cfg.SQLitePath())
	assert.False(t, cfg.Production())
	assert.Equal(t, 8*time.Minute, cfg.TAPWindow)
	assert.Equal(t, int64(100000), cfg.KYCThresholdMinor)
	assert.Equal(t, int64(1000000), cfg.HighValueThresholdMinor)
	assert.InDelta(t, 0.90, cfg.DriftBlockThreshold, 1e-9)
	assert.Equal(t, 720, cfg.HoldMaxHours)
	assert.Equal(t, 2*time.Hour, cfg.StaleAfter)
	assert.Empty(t, cfg.PilotAllowedOrgs)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HELMPAY_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://helmpay@db:5432/helmpay")
	t.Setenv("HELMPAY_PILOT_ALLOWED_ORGS", " org-1, org-2 ,,")
	t.Setenv("HELMPAY_TAP_WINDOW_SECONDS", "60")
	t.Setenv("HELMPAY_DRIFT_BLOCK_THRESHOLD", "0.75")
	t.Setenv("HELMPAY_STALE_AFTER", "30m")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.True(t, cfg.Production())
	assert.False(t, cfg.Lite())
	assert.Equal(t, []string{"org-1", "org-2"}, cfg.PilotAllowedOrgs)
	assert.Equal(t, time.Minute, cfg.TAPWindow)
	assert.InDelta(t, 0.75, cfg.DriftBlockThreshold, 1e-9)
	assert.Equal(t, 30*time.Minute, cfg.StaleAfter)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("HELMPAY_KYC_THRESHOLD_MINOR", "lots")
	t.Setenv("HELMPAY_STALE_AFTER", "soon")

	cfg := config.Load()
	assert.Equal(t, int64(100000), cfg.KYCThresholdMinor)
	assert.Equal(t, 2*time.Hour, cfg.StaleAfter)
}

func TestLoadEnvFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=7070\nREDIS_ADDR=redis:6379\n"), 0o600))
	t.Setenv("REDIS_ADDR", "")
	os.Unsetenv("REDIS_ADDR")
	t.Setenv("PORT", "")
	os.Unsetenv("PORT")

	require.NoError(t, config.LoadEnvFiles(path, filepath.Join(dir, "missing.env")))
	cfg := config.Load()
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}

const profileYAML = `
name: pilot
version: "1"
policies:
  - subject: agent_1
    allowed_chains: [base]
    allowed_tokens: [USDC]
    per_transaction_minor: 100000
    daily_limit_minor: 500000
    approval_threshold_minor: 250000
    rules:
      - name: business-hours-cap
        expr: "amount <= 200000 || drift_score < 0.5"
  - policy_id: pol-ops
    subject: agent_ops
`

func TestParsePolicyProfile(t *testing.T) {
	rules, err := compliance.NewRuleEvaluator()
	require.NoError(t, err)

	profile, err := config.ParsePolicyProfile([]byte(profileYAML), rules)
	require.NoError(t, err)
	require.Len(t, profile.Policies, 2)
	assert.Equal(t, "pol_agent_1", profile.Policies[0].PolicyID)
	assert.Equal(t, "pol-ops", profile.Policies[1].PolicyID)
	assert.Equal(t, int64(500000), profile.Policies[0].DailyLimitMinor)

	p, err := profile.Store().FetchPolicy(context.Background(), "agent_1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []string{"base"}, p.AllowedChains)
	require.Len(t, p.Rules, 1)
}

func TestParsePolicyProfile_Rejects(t *testing.T) {
	rules, err := compliance.NewRuleEvaluator()
	require.NoError(t, err)

	cases := map[string]string{
		"missing subject": "policies:\n  - daily_limit_minor: 5\n",
		"duplicate":       "policies:\n  - subject: a\n  - subject: a\n",
		"negative limit":  "policies:\n  - subject: a\n    daily_limit_minor: -1\n",
		"bad rule":        "policies:\n  - subject: a\n    rules:\n      - name: r\n        expr: \"amount +\"\n",
		"non-bool rule":   "policies:\n  - subject: a\n    rules:\n      - name: r\n        expr: \"amount + 1\"\n",
		"not yaml":        "policies: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParsePolicyProfile([]byte(doc), rules)
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyProfile_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profileYAML), 0o600))

	profile, err := config.LoadPolicyProfile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "pilot", profile.Name)

	_, err = config.LoadPolicyProfile(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}
