package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kvs(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"-d", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSetGetRemove(t *testing.T) {
	dir := t.TempDir()

	_, err := kvs(t, dir, "set", "key1", "value1")
	require.NoError(t, err)

	out, err := kvs(t, dir, "get", "key1")
	require.NoError(t, err)
	assert.Equal(t, "value1\n", out)

	_, err = kvs(t, dir, "rm", "key1")
	require.NoError(t, err)

	out, err = kvs(t, dir, "get", "key1")
	require.NoError(t, err)
	assert.Equal(t, "Key not found\n", out)

	assert.FileExists(t, filepath.Join(dir, "kvindex.idx"))
}

func TestCompactAndKeys(t *testing.T) {
	dir := t.TempDir()

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"a", "3"}} {
		_, err := kvs(t, dir, "set", kv[0], kv[1])
		require.NoError(t, err)
	}
	_, err := kvs(t, dir, "compact")
	require.NoError(t, err)

	out, err := kvs(t, dir, "keys")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, strings.Fields(out))

	out, err = kvs(t, dir, "get", "a")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	out, err = kvs(t, dir, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"engine": "kvs"`)
}

func TestArgumentValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := kvs(t, dir, "set", "only-key")
	assert.Error(t, err)

	_, err = kvs(t, dir, "get")
	assert.Error(t, err)
}

func TestBackupsRequireArchive(t *testing.T) {
	_, err := kvs(t, t.TempDir(), "backups", "list")
	assert.Error(t, err)
}

func TestBackupsListAndRestore(t *testing.T) {
	archiveDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "file_0.bdd.bak.1"), []byte("frames"), 0644))

	out, err := kvs(t, t.TempDir(), "backups", "list", "--archive-dir", archiveDir)
	require.NoError(t, err)
	assert.Equal(t, "file_0.bdd.bak.1\n", out)

	dst := filepath.Join(t.TempDir(), "file_0.bdd")
	_, err = kvs(t, t.TempDir(), "backups", "restore", "file_0.bdd.bak.1", dst, "--archive-dir", archiveDir)
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))
}

func TestBackupsPrune(t *testing.T) {
	archiveDir := t.TempDir()
	for _, name := range []string{"file_0.bdd.bak.1", "file_0.bdd.bak.2", "file_0.bdd.bak.3"} {
		require.NoError(t, os.WriteFile(filepath.Join(archiveDir, name), []byte("frames"), 0644))
	}

	out, err := kvs(t, t.TempDir(), "backups", "prune", "--keep", "2", "--archive-dir", archiveDir)
	require.NoError(t, err)
	assert.Equal(t, "file_0.bdd.bak.1\n", out)
	assert.NoFileExists(t, filepath.Join(archiveDir, "file_0.bdd.bak.1"))
	assert.FileExists(t, filepath.Join(archiveDir, "file_0.bdd.bak.3"))
}
