package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProxyURL(t *testing.T) {
	for _, ok := range []string{"http://proxy:8080", "HTTPS://proxy:443", "socks5://127.0.0.1:1080", "socks5h://u:p@host:1080"} {
		assert.NoError(t, validateProxyURL(ok), ok)
	}
	for _, bad := range []string{"ftp://proxy:21", "proxy:8080", ""} {
		assert.Error(t, validateProxyURL(bad), bad)
	}
}

func TestValidateOutputPath(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, validateOutputPath(dir))
	assert.NoError(t, validateOutputPath(filepath.Join(dir, "clip.mp4")))
	assert.ErrorContains(t, validateOutputPath(filepath.Join(dir, "missing", "clip.mp4")), "does not exist")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "the write probe is removed")
}

func TestDestinationFor(t *testing.T) {
	dir := t.TempDir()
	retrieved := "/tmp/ws/ABC123.mp4"

	assert.Equal(t, "ABC123.mp4", destinationFor("", retrieved))
	assert.Equal(t, filepath.Join(dir, "ABC123.mp4"), destinationFor(dir, retrieved))
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), destinationFor(filepath.Join(dir, "clip.mp4"), retrieved))
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, loadEnvFile(""))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(cwd)

	assert.NoError(t, loadEnvFile(".env"), "a missing default .env is fine")
	assert.Error(t, loadEnvFile("custom.env"))

	require.NoError(t, os.WriteFile("custom.env", []byte("REELFETCH_TEST_ONLY=from-file\n"), 0o600))
	t.Setenv("REELFETCH_TEST_ONLY", "")
	os.Unsetenv("REELFETCH_TEST_ONLY")
	require.NoError(t, loadEnvFile("custom.env"))
	assert.Equal(t, "from-file", os.Getenv("REELFETCH_TEST_ONLY"))
}
