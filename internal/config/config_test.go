package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_ParsesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_backend: postgres
postgres_dsn: "postgres://localhost/taskhub"
api_port: 9090
lease_duration: 45s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.StoreBackend)
	require.Equal(t, "postgres://localhost/taskhub", cfg.PostgresDSN)
	require.Equal(t, 9090, cfg.APIPort)
	require.Equal(t, 45*time.Second, cfg.LeaseDuration)
	// Fields absent from the file keep Default()'s values.
	require.Equal(t, "127.0.0.1", cfg.APIHost)
	require.Equal(t, "./data/runs", cfg.DataDir)
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_backend: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	require.Equal(t, home, ExpandHome("~"))
	require.Equal(t, filepath.Join(home, "data/runs"), ExpandHome("~/data/runs"))
	require.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	require.Equal(t, "relative/path", ExpandHome("relative/path"))
}
