package fsutil

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string, mode fs.FileMode) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "etc/hostname", "demo\n", 0644)
	writeFile(t, src, "bin/tool", "#!/bin/sh\n", 0755)
	require.NoError(t, os.Symlink("tool", filepath.Join(src, "bin", "alias")))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "locked"), 0755))
	writeFile(t, src, "locked/inner", "x", 0600)
	require.NoError(t, os.Chmod(filepath.Join(src, "locked"), 0555))
	t.Cleanup(func() { os.Chmod(filepath.Join(src, "locked"), 0755) })

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, CopyTree(context.Background(), src, dst))
	t.Cleanup(func() { os.Chmod(filepath.Join(dst, "locked"), 0755) })

	data, err := os.ReadFile(filepath.Join(dst, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "demo\n", string(data))

	fi, err := os.Stat(filepath.Join(dst, "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0755), fi.Mode().Perm())

	link, err := os.Readlink(filepath.Join(dst, "bin", "alias"))
	require.NoError(t, err)
	assert.Equal(t, "tool", link)

	fi, err = os.Stat(filepath.Join(dst, "locked"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0555), fi.Mode().Perm())

	srcInfo, err := os.Stat(filepath.Join(src, "etc", "hostname"))
	require.NoError(t, err)
	dstInfo, err := os.Stat(filepath.Join(dst, "etc", "hostname"))
	require.NoError(t, err)
	assert.True(t, srcInfo.ModTime().Equal(dstInfo.ModTime()))
}

func TestOverlay_UpperWins(t *testing.T) {
	lower := t.TempDir()
	writeFile(t, lower, "etc/hostname", "lower", 0644)
	writeFile(t, lower, "etc/keep", "kept", 0644)
	writeFile(t, lower, "swap", "was a file", 0644)

	upper := t.TempDir()
	writeFile(t, upper, "etc/hostname", "upper", 0644)
	writeFile(t, upper, "swap/now-a-dir", "inside", 0644)

	dst := filepath.Join(t.TempDir(), "merged")
	ctx := context.Background()
	require.NoError(t, Overlay(ctx, lower, dst))
	require.NoError(t, Overlay(ctx, upper, dst))

	data, err := os.ReadFile(filepath.Join(dst, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "upper", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "etc", "keep"))
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "swap", "now-a-dir"))
	require.NoError(t, err)
	assert.Equal(t, "inside", string(data))
}

func TestCopyTree_Errors(t *testing.T) {
	ctx := context.Background()

	err := CopyTree(ctx, filepath.Join(t.TempDir(), "missing"), t.TempDir())
	require.ErrorIs(t, err, fs.ErrNotExist)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	require.Error(t, CopyTree(ctx, file, filepath.Join(t.TempDir(), "dst")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	src := t.TempDir()
	writeFile(t, src, "a", "a", 0644)
	require.ErrorIs(t, CopyTree(cancelled, src, filepath.Join(t.TempDir(), "dst")), context.Canceled)
}

func TestUnixModeAndDirSize(t *testing.T) {
	assert.Equal(t, uint32(0o4755), UnixMode(0755|fs.ModeSetuid))
	assert.Equal(t, uint32(0o1777), UnixMode(0777|fs.ModeSticky|fs.ModeDir))
	assert.False(t, Supported(fs.ModeNamedPipe))
	assert.True(t, Supported(fs.ModeSymlink))

	root := t.TempDir()
	writeFile(t, root, "a", "12345", 0644)
	writeFile(t, root, "d/b", "123", 0644)
	size, err := DirSize(root)
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
}

func TestCopyTree_SymlinkedSource(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "etc/hostname", "demo\n", 0644)
	link := filepath.Join(t.TempDir(), "lower")
	require.NoError(t, os.Symlink(src, link))

	dst := filepath.Join(t.TempDir(), "copy")
	require.NoError(t, CopyTree(context.Background(), link, dst))

	fi, err := os.Lstat(dst)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	// Writes to the copy stay in the copy
	writeFile(t, dst, "etc/hostname", "changed\n", 0644)
	data, err := os.ReadFile(filepath.Join(src, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "demo\n", string(data))
}
