package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/policyvault/internal/policy"
)

const sampleYAML = `
log:
  level: debug
http:
  port: 9090
  rate_limit:
    rps: 5
    burst: 10
vault:
  account: treasury
  initial_total_assets: 1000
  rebalance_timeout: 2h
policy:
  enforce_single_asset_limit: true
  constraints:
    - id: core
      description: core reserve limits
      limits:
        min_stable_bps: 7000
        max_unbacked_bps: 500
        max_risk_bps: 200
        max_single_asset_bps: 4000
authz:
  mode: shadow
  grants:
    ops-bot: [automated-policy, rebalancer]
custody:
  balances:
    alice: 5000
  breaker:
    consecutive_failures: 5
    timeout: 30s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policyvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout, "unset fields keep defaults")
	assert.Equal(t, "treasury", cfg.Vault.Account)
	assert.Equal(t, uint64(1000), cfg.Vault.InitialTotalAssets)
	assert.Equal(t, 2*time.Hour, cfg.Vault.RebalanceTimeout)
	assert.True(t, cfg.Policy.EnforceSingleAssetLimit)
	require.Len(t, cfg.Policy.Constraints, 1)
	assert.Equal(t, uint64(4000), cfg.Policy.Constraints[0].Limits.MaxSingleAssetBps)
	assert.Equal(t, []string{"automated-policy", "rebalancer"}, cfg.Authz.Grants["ops-bot"])
	assert.Equal(t, uint64(5000), cfg.Custody.Balances["alice"])
	assert.Equal(t, uint32(5), cfg.Custody.Breaker.ConsecutiveFailures)
	assert.Equal(t, 30*time.Second, cfg.Custody.Breaker.Timeout)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().HTTP.Port, cfg.HTTP.Port)
	assert.Equal(t, "vault", cfg.Vault.Account)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://vault@localhost/vault?sslmode=disable")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("HTTP_PORT", "7000")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("AUTHZ_POLICY_PATH", "/etc/policyvault/roles.csv")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "postgres://vault@localhost/vault?sslmode=disable", cfg.Database.DSN)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 7000, cfg.HTTP.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/etc/policyvault/roles.csv", cfg.Authz.PolicyPath)
}

func TestInvalidHTTPPortEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "eighty")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty_vault_account",
			mutate:  func(c *Config) { c.Vault.Account = " " },
			wantErr: "vault.account",
		},
		{
			name:    "negative_rebalance_timeout",
			mutate:  func(c *Config) { c.Vault.RebalanceTimeout = -time.Second },
			wantErr: "vault.rebalance_timeout",
		},
		{
			name: "limit_above_full_scale",
			mutate: func(c *Config) {
				c.Policy.Constraints = []SeedConstraint{{ID: "x", Limits: policyLimits(10001)}}
			},
			wantErr: "policy.constraints[0]",
		},
		{
			name: "duplicate_seed",
			mutate: func(c *Config) {
				c.Policy.Constraints = []SeedConstraint{{ID: "x"}, {ID: "x"}}
			},
			wantErr: "duplicate id",
		},
		{
			name:    "bad_authz_mode",
			mutate:  func(c *Config) { c.Authz.Mode = "permissive" },
			wantErr: "invalid mode",
		},
		{
			name:    "database_without_dsn",
			mutate:  func(c *Config) { c.Database.Enabled = true },
			wantErr: "database.dsn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "vault: [not a map"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config YAML")
}

func policyLimits(minStable uint64) policy.Limits {
	return policy.Limits{MinStableBps: minStable}
}
