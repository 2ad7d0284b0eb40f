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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data/history.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Search.TopK)
	assert.Equal(t, "weighted", cfg.Search.Fusion)
	assert.InDelta(t, 0.55, cfg.Search.WeightEmbedding, 1e-9)
	assert.InDelta(t, 0.45, cfg.Search.WeightLexical, 1e-9)
	assert.Equal(t, 3, cfg.Expansion.MaxVariants)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /var/lib/recall/history.db
search:
  top_k: 8
  fusion: rrf
  cache_ttl: 30s
archives:
  - label: kakao
    path: /var/lib/recall/kakao.db
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/recall/history.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Search.TopK)
	assert.Equal(t, "rrf", cfg.Search.Fusion)
	assert.Equal(t, 30*time.Second, cfg.Search.CacheTTL.Std())
	require.Len(t, cfg.Archives, 1)
	assert.Equal(t, "kakao", cfg.Archives[0].Label)

	// File values merge over defaults without erasing them.
	assert.InDelta(t, 0.6, cfg.Search.MinSimilarity, 1e-9)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "data/history.db", cfg.Database.Path)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  path: from-file.db\n"), 0o644))

	t.Setenv(EnvDBPath, "from-env.db")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadFusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search:\n  fusion: cosine\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "fusion")
}

func TestValidateRejectsPartialArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("archives:\n  - label: kakao\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "archives")
}

func TestValidateRejectsReservedArchiveLabel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
archives:
  - label: discord
    path: /var/lib/recall/export.db
`), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "reserved")
}
