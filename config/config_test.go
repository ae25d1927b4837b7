package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
local:
  uri: "mongodb://localhost:27017"
  database: "estacionamiento"
remote:
  uri: "mongodb+srv://cluster0.example.net"
  database: "estacionamiento"
sync:
  interval_seconds: 30
  ping_timeout_seconds: 5
  pull_batch_size: 200
  outbox_batch_size: 50
  max_retries: 5
  resources: ["tickets", "movimientos_caja", "autos"]
  deny_resources: ["configuracion"]
prices:
  cash_url: "https://precios.example.net/efectivo"
  other_url: "https://precios.example.net/otros"
  cache_file: "/var/lib/parksync/precios.json"
  ttl_seconds: 300
  timeout_seconds: 10
http:
  addr: ":8083"
debug: true
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "estacionamiento", cfg.Local.Database)
	require.Equal(t, "mongodb+srv://cluster0.example.net", cfg.Remote.URI)
	require.Equal(t, 30, cfg.Sync.IntervalSeconds)
	require.Equal(t, []string{"tickets", "movimientos_caja", "autos"}, cfg.Sync.Resources)
	require.Equal(t, "/var/lib/parksync/precios.json", cfg.Prices.CacheFile)
	require.Equal(t, ":8083", cfg.HTTP.Addr)
	require.True(t, cfg.Debug)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
