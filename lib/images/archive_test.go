package images

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	typeflag byte
	mode     int64
	content  string
	linkname string
}

// createTestTar creates a tar archive with the given entries, in order
func createTestTar(t *testing.T, entries []tarEntry) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		mode := e.mode
		if mode == 0 {
			mode = 0644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: typeflag,
			Mode:     mode,
			Linkname: e.linkname,
		}
		if typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.content))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.content))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	return &buf
}

// gzipBuffer compresses buf
func gzipBuffer(t *testing.T, buf *bytes.Buffer) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	gw := gzip.NewWriter(&out)
	_, err := gw.Write(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return &out
}

func TestExtractTar_Basic(t *testing.T) {
	archive := createTestTar(t, []tarEntry{
		{name: "./", typeflag: tar.TypeDir, mode: 0755},
		{name: "./etc/", typeflag: tar.TypeDir, mode: 0755},
		{name: "./etc/hostname", content: "demo\n"},
		{name: "./bin/sh", content: "#!", mode: 0755},
	})

	destDir := t.TempDir()
	extracted, err := ExtractTar(archive, destDir, 1024*1024) // 1MB limit

	require.NoError(t, err)
	assert.Equal(t, int64(len("demo\n")+len("#!")), extracted)

	content, err := os.ReadFile(filepath.Join(destDir, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "demo\n", string(content))

	fi, err := os.Stat(filepath.Join(destDir, "bin", "sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), fi.Mode().Perm())
}

func TestExtractTar_SizeLimitExceeded(t *testing.T) {
	archive := createTestTar(t, []tarEntry{
		{name: "large.txt", content: string(bytes.Repeat([]byte("x"), 1000))},
	})

	_, err := ExtractTar(archive, t.TempDir(), 500) // 500 byte limit

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchiveTooLarge)
}

func TestExtractTar_PreventsTarBomb(t *testing.T) {
	// Many small files that together exceed the limit
	var entries []tarEntry
	for i := 0; i < 100; i++ {
		entries = append(entries, tarEntry{
			name:    fmt.Sprintf("dir/file_%03d.txt", i),
			content: string(bytes.Repeat([]byte("x"), 100)),
		})
	}

	_, err := ExtractTar(createTestTar(t, entries), t.TempDir(), 5000) // 5KB limit, archive has 10KB

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchiveTooLarge)
}

func TestExtractTar_InvalidPaths(t *testing.T) {
	tests := []struct {
		name  string
		entry tarEntry
	}{
		{"path traversal", tarEntry{name: "../../../etc/passwd", content: "evil"}},
		{"nested traversal", tarEntry{name: "etc/../../passwd", content: "evil"}},
		{"absolute path", tarEntry{name: "/etc/passwd", content: "evil"}},
		{"hardlink traversal", tarEntry{name: "link", typeflag: tar.TypeLink, linkname: "../../etc/passwd"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractTar(createTestTar(t, []tarEntry{tt.entry}), t.TempDir(), 1024*1024)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidArchivePath)
		})
	}
}

func TestExtractTar_Symlinks(t *testing.T) {
	archive := createTestTar(t, []tarEntry{
		{name: "bin/busybox", content: "elf", mode: 0755},
		{name: "bin/sh", typeflag: tar.TypeSymlink, linkname: "/bin/busybox"},
		{name: "bin/ash", typeflag: tar.TypeSymlink, linkname: "busybox"},
	})

	destDir := t.TempDir()
	_, err := ExtractTar(archive, destDir, 1024*1024)
	require.NoError(t, err)

	// Targets are kept verbatim; they resolve against the container root
	target, err := os.Readlink(filepath.Join(destDir, "bin", "sh"))
	require.NoError(t, err)
	assert.Equal(t, "/bin/busybox", target)

	target, err = os.Readlink(filepath.Join(destDir, "bin", "ash"))
	require.NoError(t, err)
	assert.Equal(t, "busybox", target)
}

func TestExtractTar_SymlinkCannotRedirectWrites(t *testing.T) {
	outside := t.TempDir()

	// A planted symlink pointing at a host directory, then a write through it
	archive := createTestTar(t, []tarEntry{
		{name: "escape", typeflag: tar.TypeSymlink, linkname: outside},
		{name: "escape/pwned", content: "evil"},
		{name: "up", typeflag: tar.TypeSymlink, linkname: "../../../.."},
		{name: "up/pwned2", content: "evil"},
	})

	destDir := t.TempDir()
	_, err := ExtractTar(archive, destDir, 1024*1024)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(outside, "pwned"))
	assert.True(t, os.IsNotExist(err), "write escaped through symlink")

	// The write lands at the symlink's meaning inside the root
	_, err = os.Stat(filepath.Join(destDir, outside, "pwned"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(destDir, "pwned2"))
	assert.NoError(t, err)
}

func TestExtractTar_Hardlink(t *testing.T) {
	archive := createTestTar(t, []tarEntry{
		{name: "bin/busybox", content: "elf", mode: 0755},
		{name: "bin/ls", typeflag: tar.TypeLink, linkname: "bin/busybox"},
	})

	destDir := t.TempDir()
	_, err := ExtractTar(archive, destDir, 1024*1024)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(destDir, "bin", "ls"))
	require.NoError(t, err)
	assert.Equal(t, "elf", string(content))
}

func TestExtractTar_ReplacesEntries(t *testing.T) {
	archive := createTestTar(t, []tarEntry{
		{name: "etc/motd", content: "first"},
		{name: "etc/motd", content: "second"},
		{name: "opt", content: "file"},
		{name: "opt/", typeflag: tar.TypeDir, mode: 0755},
	})

	destDir := t.TempDir()
	_, err := ExtractTar(archive, destDir, 1024*1024)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(destDir, "etc", "motd"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))

	fi, err := os.Stat(filepath.Join(destDir, "opt"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestOpenArchive_DetectsGzip(t *testing.T) {
	dir := t.TempDir()
	plain := createTestTar(t, []tarEntry{{name: "a.txt", content: "a"}})

	plainPath := filepath.Join(dir, "plain.tar")
	require.NoError(t, os.WriteFile(plainPath, plain.Bytes(), 0644))
	gzPath := filepath.Join(dir, "rootfs.tar.gz")
	require.NoError(t, os.WriteFile(gzPath, gzipBuffer(t, plain).Bytes(), 0644))

	for _, p := range []string{plainPath, gzPath} {
		rc, err := openArchive(p)
		require.NoError(t, err)

		destDir := t.TempDir()
		_, err = ExtractTar(rc, destDir, 1024)
		require.NoError(t, err)
		require.NoError(t, rc.Close())

		content, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
		require.NoError(t, err)
		assert.Equal(t, "a", string(content))
	}
}
