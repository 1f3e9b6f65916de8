package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyOrLinkFileHardlinks(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	require.NoError(t, os.WriteFile(src, []byte("blob"), 0644))

	require.NoError(t, CopyOrLinkFile(src, dest, 0644, 0644, true, true))
	assert.True(t, IsSameFile(src, dest), "a link shares the source's inode")
}

func TestCopyOrLinkFileSkipsExistingHardlink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	require.NoError(t, os.WriteFile(src, []byte("blob"), 0644))
	require.NoError(t, os.Link(src, dest))

	// Restoring over an artifact already linked from the cache is a no-op,
	// not a fallback copy that would break the shared inode.
	require.NoError(t, CopyOrLinkFile(src, dest, 0644, 0644, true, true))
	assert.True(t, IsSameFile(src, dest))
}

func TestCopyOrLinkFileFallsBackToCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	require.NoError(t, os.WriteFile(src, []byte("blob"), 0644))
	// An existing destination makes the link fail, so the fallback copies.
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0644))

	require.NoError(t, CopyOrLinkFile(src, dest, 0644, 0644, true, true))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "blob", string(data))
}

func TestCopyOrLinkFileRecreatesSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	require.NoError(t, os.WriteFile(target, []byte("blob"), 0644))
	require.NoError(t, os.Symlink(target, src))

	info, err := os.Lstat(src)
	require.NoError(t, err)
	require.NoError(t, CopyOrLinkFile(src, dest, info.Mode(), 0644, true, true))
	assert.True(t, IsSymlink(dest))
}

func TestRecursiveCopy(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0644))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, RecursiveCopy(src, dest, 0644))

	data, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}
