package acfconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
redis_addr: localhost:6379
`)
	loader, err := NewLoader(LoaderOptions{Path: path})
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 200, cfg.AccumulationMinWaitMs)
	require.Equal(t, 3000, cfg.AccumulationMaxWaitMs)
	require.Equal(t, 30*time.Second, cfg.MutexLockTimeout)
	require.Equal(t, "sqlite", cfg.SQLDialect)
	require.Equal(t, ":8080", cfg.HTTPListenAddr)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("ACF_SQL_DSN", "postgres://fabric@db/acf")
	path := writeConfigFile(t, `
sql_dialect: postgres
sql_dsn: ${ACF_SQL_DSN}
http_listen_addr: ${ACF_HTTP_ADDR:-:9090}
`)
	loader, err := NewLoader(LoaderOptions{Path: path})
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Equal(t, "postgres://fabric@db/acf", cfg.SQLDSN)
	require.Equal(t, ":9090", cfg.HTTPListenAddr)
}

func TestLoad_ChannelDefaultsAndTiers(t *testing.T) {
	path := writeConfigFile(t, `
channel_default_wait_ms:
  whatsapp: 1500
rate_limit_tiers:
  - name: free
    requests_per_minute: 60
  - name: enterprise
    requests_per_minute: 6000
`)
	loader, err := NewLoader(LoaderOptions{Path: path})
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Equal(t, 1500, cfg.ChannelDefaultWaitMs["whatsapp"])
	require.Len(t, cfg.RateLimitTiers, 2)
	require.Equal(t, "enterprise", cfg.RateLimitTiers[1].Name)
	require.Equal(t, int64(6000), cfg.RateLimitTiers[1].RequestsPerMin)
}

func TestNewLoader_RequiresPath(t *testing.T) {
	_, err := NewLoader(LoaderOptions{})
	require.Error(t, err)
}
