package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	pkgconfig "github.com/blocklens/blocklens/pkg/config"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
rpc:
  url: 127.0.0.1:8332
  user: blocklens
  password: hunter2
zmq:
  block_endpoint: tcp://127.0.0.1:28332
address_index:
  enabled: true
  network: regtest
  db:
    path: /tmp/addrindex.db
  prevout_cache_ttl: 5m
`

const tomlConfig = `
[rpc]
url = "127.0.0.1:8332"
user = "blocklens"
password = "hunter2"

[address_index]
enabled = true
network = "regtest"

[address_index.db]
path = "/tmp/addrindex.db"
`

const jsonConfig = `{
  "rpc": {"url": "127.0.0.1:8332", "user": "blocklens", "password": "hunter2"},
  "address_index": {
    "enabled": true,
    "network": "regtest",
    "db": {"path": "/tmp/addrindex.db"}
  }
}`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validateConfig(t *testing.T, cfg *pkgconfig.Config, format string) {
	t.Helper()

	require.Equal(t, "127.0.0.1:8332", cfg.RPC.URL, "[%s] rpc.url", format)
	require.True(t, cfg.AddressIndex.Enabled, "[%s] address_index.enabled", format)
	require.Equal(t, "/tmp/addrindex.db", cfg.AddressIndex.DB.Path, "[%s] db.path", format)

	// Defaults applied
	require.Equal(t, "WAL", cfg.AddressIndex.DB.JournalMode, "[%s] journal_mode default", format)
	require.NotZero(t, cfg.AddressIndex.PrevoutWorkers, "[%s] prevout_workers default", format)
	require.NotZero(t, cfg.AddressIndex.XpubGapLimit, "[%s] xpub_gap_limit default", format)
	require.NotZero(t, cfg.AddressIndex.DrainTimeout.Duration, "[%s] drain_timeout default", format)
	require.NotNil(t, cfg.Logging, "[%s] logging default", format)
	require.Equal(t, "info", cfg.Logging.DefaultLevel, "[%s] logging level default", format)

	params, err := cfg.AddressIndex.NetParams()
	require.NoError(t, err)
	require.Equal(t, "regtest", params.Name)
}

func TestLoadFromYAML(t *testing.T) {
	cfg, err := LoadFromYAML(writeConfig(t, "config.yaml", yamlConfig))
	require.NoError(t, err)

	validateConfig(t, cfg, "YAML")
	require.Equal(t, 5*time.Minute, cfg.AddressIndex.PrevoutCacheTTL.Duration)
}

func TestLoadFromTOML(t *testing.T) {
	cfg, err := LoadFromTOML(writeConfig(t, "config.toml", tomlConfig))
	require.NoError(t, err)

	validateConfig(t, cfg, "TOML")
}

func TestLoadFromJSON(t *testing.T) {
	cfg, err := LoadFromJSON(writeConfig(t, "config.json", jsonConfig))
	require.NoError(t, err)

	validateConfig(t, cfg, "JSON")
}

func TestLoadFromFile_AutoDetect(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, "config.yml", yamlConfig))
	require.NoError(t, err)

	validateConfig(t, cfg, "auto-detected YAML")
}

func TestLoadFromFile_UnsupportedFormat(t *testing.T) {
	_, err := LoadFromFile("config.txt")
	require.ErrorContains(t, err, "unsupported config file format")
}

func TestLoadFromFile_EnvPasswordOverride(t *testing.T) {
	t.Setenv(EnvRPCPassword, "from-env")

	cfg, err := LoadFromYAML(writeConfig(t, "config.yaml", yamlConfig))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.RPC.Password)
}

func TestLoadFromFile_InvalidConfig(t *testing.T) {
	const missingDB = `
rpc:
  url: 127.0.0.1:8332
address_index:
  enabled: true
`
	_, err := LoadFromYAML(writeConfig(t, "config.yaml", missingDB))
	require.ErrorContains(t, err, "address_index.db.path")
}
