package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.HTTP.Addr)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, 0.6, cfg.Match.Threshold)
	assert.Equal(t, 512, cfg.Embedding.Dim)
	assert.Equal(t, 5<<20, cfg.Image.MaxBytes)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSOrigins)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FACEATTEND_MATCH_THRESHOLD", "0.72")
	t.Setenv("FACEATTEND_STORE_BACKEND", "mongo")
	t.Setenv("FACEATTEND_DETECTOR_TIMEOUT", "3s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.72, cfg.Match.Threshold)
	assert.Equal(t, BackendMongo, cfg.Store.Backend)
	assert.Equal(t, 3*time.Second, cfg.Detector.Timeout)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "faceattend.yaml")
	content := []byte("embedding:\n  dim: 128\ncache:\n  enabled: true\n  ttl: 30s\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Embedding.Dim)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FACEATTEND_MATCH_THRESHOLD", "1.5")
	t.Setenv("FACEATTEND_STORE_BACKEND", "sqlite")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "match.threshold")
	assert.Contains(t, err.Error(), "store.backend")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Backend: BackendMongo}}
	errs := cfg.Validate()
	assert.GreaterOrEqual(t, len(errs), 5)
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
