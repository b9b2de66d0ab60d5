package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDataDirs(t *testing.T) (home, dir1, dir2 string) {
	t.Helper()
	root := t.TempDir()
	home = filepath.Join(root, "home")
	dir1 = filepath.Join(root, "dir1")
	dir2 = filepath.Join(root, "dir2")
	require.NoError(t, os.MkdirAll(home, 0700))
	require.NoError(t, os.MkdirAll(dir1, 0700))
	require.NoError(t, os.MkdirAll(dir2, 0700))
	return
}

func TestResolveToolchainInvalidNames(t *testing.T) {
	for _, name := range []string{"", ".", ".hidden", "a/b", "/abs"} {
		_, err := ResolveToolchain(name)
		assert.ErrorIs(t, err, ErrInvalidName, "name=%q", name)
	}
}

func TestResolveToolchainHomeWins(t *testing.T) {
	home, dir1, _ := setupDataDirs(t)
	want := filepath.Join(home, toolchainPrefix, "gcc")
	require.NoError(t, os.MkdirAll(want, 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir1, toolchainPrefix, "gcc"), 0700))

	t.Setenv("XDG_DATA_HOME", home)
	t.Setenv("XDG_DATA_DIRS", dir1)

	got, err := ResolveToolchain("gcc")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveBsysSecondDirWins(t *testing.T) {
	home, dir1, dir2 := setupDataDirs(t)
	want := filepath.Join(dir2, bsysPrefix, "make")
	require.NoError(t, os.MkdirAll(want, 0700))

	t.Setenv("XDG_DATA_HOME", home)
	t.Setenv("XDG_DATA_DIRS", dir1+":"+dir2)

	got, err := ResolveBsys("make")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveNotFound(t *testing.T) {
	home, dir1, dir2 := setupDataDirs(t)
	t.Setenv("XDG_DATA_HOME", home)
	t.Setenv("XDG_DATA_DIRS", dir1+":"+dir2)

	_, err := ResolveBsys("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveMissingHomeNoXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "")

	_, err := ResolveToolchain("gcc")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestResolveSrcdirRunsCommandAndTrims(t *testing.T) {
	dir := t.TempDir()

	got, err := ResolveSrcdir("echo " + dir)
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveSrcdirCommandFailurePropagates(t *testing.T) {
	_, err := ResolveSrcdir("false")
	assert.Error(t, err)
}

func TestResolveSrcdirEmptyOutputIsNotFound(t *testing.T) {
	_, err := ResolveSrcdir("true")
	assert.ErrorIs(t, err, ErrNotFound)
}
