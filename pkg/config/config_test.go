package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlayibleClub/playible-near-relayer/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimal = `
network: testnet
relayer_account_id: relayer.testnet
keys_filename: ./relayer.json
`

// TestLoad_Defaults: a minimal file boots with safe defaults.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "https://rpc.testnet.near.org", cfg.RPCURL)
	assert.Equal(t, "127.0.0.1:3030", cfg.Addr())
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, config.NonceStoreMemory, cfg.Nonce.Store)
	assert.Equal(t, config.KMSNone, cfg.KMS.Mode)
	assert.False(t, cfg.Auth.Enabled)
	assert.False(t, cfg.Observability.Enabled)

	p := cfg.Retry.Policy()
	assert.Equal(t, 30, p.MaxAttempts)
	assert.Equal(t, int64(100), p.BaseMs)
	assert.Equal(t, int64(100), p.MaxMs)
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
network: mainnet
rpc_url: https://rpc.example.org
relayer_account_id: relayer.near
keys_filename: s3://keys/relayer.json
port: 8080
request_timeout: 90s
log_level: debug
log_format: text
redis_url: redis://localhost:6379/0
retry:
  max_attempts: 5
  base_delay: 200ms
  max_delay: 2s
  max_jitter: 50ms
nonce:
  store: redis
policies:
  - name: game-only
    expr: receiver_id == "game.playible.near"
idempotency:
  enabled: true
  store: redis
  ttl: 1h
`))
	require.NoError(t, err)

	assert.Equal(t, "https://rpc.example.org", cfg.RPCURL, "explicit rpc_url wins over the preset")
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.RequestTimeout)
	assert.Equal(t, config.NonceStoreRedis, cfg.Nonce.Store)
	require.Len(t, cfg.Policies, 1)
	assert.Equal(t, "game-only", cfg.Policies[0].Name)

	p := cfg.Retry.Policy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, int64(200), p.BaseMs)
	assert.Equal(t, int64(2000), p.MaxMs)
	assert.Equal(t, int64(50), p.MaxJitterMs)
}

// TestLoad_EnvOverrides: RELAYER_* variables override the file.
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAYER_NETWORK", "localnet")
	t.Setenv("RELAYER_PORT", "9090")
	t.Setenv("RELAYER_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("RELAYER_AUTH_ENABLED", "true")
	t.Setenv("RELAYER_AUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("RELAYER_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := config.Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:3030", cfg.RPCURL)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("RELAYER_ACCOUNT_ID", "relayer.testnet")
	t.Setenv("RELAYER_KEYS_FILENAME", "/keys/relayer.json")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "relayer.testnet", cfg.RelayerAccountID)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", minimal + "prot: 1\n"},
		{"unknown network", "network: betanet\nrelayer_account_id: relayer.testnet\nkeys_filename: k\n"},
		{"bad account", "relayer_account_id: Relayer\nkeys_filename: k\n"},
		{"missing keys", "relayer_account_id: relayer.testnet\n"},
		{"redis without url", minimal + "nonce:\n  store: redis\n"},
		{"sqlite without dsn", minimal + "nonce:\n  store: sqlite\n"},
		{"bad nonce store", minimal + "nonce:\n  store: etcd\n"},
		{"derived kms short secret", minimal + "kms:\n  mode: derived\n  secret: short\n"},
		{"retry max below base", minimal + "retry:\n  base_delay: 1s\n  max_delay: 10ms\n"},
		{"retry outlasts request", minimal + "request_timeout: 30s\nretry:\n  max_attempts: 5\n  base_delay: 10s\n  max_delay: 10s\n"},
		{"short jwt secret", minimal + "auth:\n  enabled: true\n  jwt_secret: nope\n"},
		{"bad log level", minimal + "log_level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_RetryBudgetWithoutRequestTimeout(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimal+"request_timeout: 0s\nretry:\n  max_attempts: 5\n  base_delay: 10s\n  max_delay: 10s\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.RequestTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "warn", "error"} {
		_, err := config.ParseLevel(s)
		assert.NoError(t, err, s)
	}
}

func TestLoadKMS(t *testing.T) {
	t.Setenv("RELAYER_KMS_MODE", "derived")
	t.Setenv("RELAYER_KMS_SECRET", "0123456789abcdef")
	t.Setenv("RELAYER_KMS_VERSION", "3")

	k := config.Default().KMS
	require.NoError(t, config.LoadKMS(&k))
	assert.Equal(t, config.KMSDerived, k.Mode)
	assert.Equal(t, 3, k.Version)
}
