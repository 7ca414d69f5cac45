package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.RepositoryFormatVersion)
	require.Equal(t, "sha1", cfg.ObjectFormat)
	require.False(t, cfg.DenyNonFastForwards)
}

func TestLoadParsesKnownKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config")
	contents := `[core]
repositoryformatversion = 1
[extensions]
objectformat = sha256
[receive]
denyNonFastForwards = true
[uploadpack]
allowTipSHA1InWant = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.RepositoryFormatVersion)
	require.Equal(t, "sha256", cfg.ObjectFormat)
	require.True(t, cfg.DenyNonFastForwards)
	require.True(t, cfg.AllowTipSHA1InWant)
}

func TestSaveRoundTripsUnknownSections(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config")
	contents := `[core]
repositoryformatversion = 0
[custom]
weird-key = keep-me
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.DenyNonFastForwards = true
	require.NoError(t, cfg.Save(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, reloaded.DenyNonFastForwards)

	v, ok := reloaded.RawString("custom", "weird-key")
	require.True(t, ok)
	require.Equal(t, "keep-me", v)
}

func TestRawStringMissingKeyReturnsFalse(t *testing.T) {
	t.Parallel()
	cfg := Default()
	_, ok := cfg.RawString("nonexistent", "key")
	require.False(t, ok)
}
