package tokenstore

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := New()

	require.NoError(t, store.Save("linux", root, "refresh-token-one"))

	token, err := store.Load("linux", root)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-one", token)
}

func TestSaveRotatesInPlace(t *testing.T) {
	root := t.TempDir()
	store := New()

	require.NoError(t, store.Save("linux", root, "first"))
	require.NoError(t, store.Save("linux", root, "second"))

	token, err := store.Load("linux", root)
	require.NoError(t, err)
	assert.Equal(t, "second", token)
}

func TestLoadMissingBlobIsEmpty(t *testing.T) {
	token, err := New().Load("linux", t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestLoadRejectsTamperedBlob(t *testing.T) {
	root := t.TempDir()
	store := New()
	require.NoError(t, store.Save("linux", root, "secret"))

	path := filepath.Join(root, BlobFileName)
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	_, err = store.Load("linux", root)
	require.Error(t, err)
}

func TestLoadRejectsWrongPlatformTag(t *testing.T) {
	root := t.TempDir()
	store := New()
	require.NoError(t, store.Save("linux", root, "secret"))

	_, err := store.Load("windows", root)
	require.Error(t, err)
}

func TestBlobPermissionsRestricted(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permission bits")
	}
	root := t.TempDir()
	require.NoError(t, New().Save("linux", root, "secret"))

	info, err := os.Stat(filepath.Join(root, BlobFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestMalformedBlobFails(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, BlobFileName), []byte("short"), 0o600))

	_, err := New().Load("linux", root)
	require.Error(t, err)
}
