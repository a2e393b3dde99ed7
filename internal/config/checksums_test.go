package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBlake3Hash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	h1, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	h2, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	require.NoError(t, os.WriteFile(path, []byte("hello!"), 0o600))
	h3, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestLockAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: locked\n"), 0o600))

	// No manifest yet: nothing to verify.
	require.NoError(t, VerifyChecksums(path))

	manifest, err := Lock(path)
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.Version)
	assert.Contains(t, manifest.Hashes, "config.yaml")

	require.NoError(t, VerifyChecksums(path))
	_, err = Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: tampered\n"), 0o600))
	err = VerifyChecksums(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	_, err = Load(path)
	require.Error(t, err)
}

func TestVerifyChecksumsUnlistedFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "config.yaml")
	b := filepath.Join(dir, "other.yaml")
	require.NoError(t, os.WriteFile(a, []byte("{}\n"), 0o600))
	require.NoError(t, os.WriteFile(b, []byte("{}\n"), 0o600))

	_, err := Lock(a)
	require.NoError(t, err)

	err = VerifyChecksums(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no hash")
}

func TestLoadChecksumsRejectsVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".checksums"), []byte("version: 7\nhashes: {}\n"), 0o600))

	_, err := LoadChecksums(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported checksums version")
}
