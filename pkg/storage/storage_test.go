package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisk(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "photos"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "photos", "jdoe.jpg"), []byte("jpeg-bytes"), 0o644))

	disk := NewDisk(root)

	t.Run("existing file is found", func(t *testing.T) {
		ok, err := disk.Exists("disk:photos/jdoe.jpg")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("missing file reports false without error", func(t *testing.T) {
		ok, err := disk.Exists("disk:photos/nobody.jpg")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown scheme is rejected", func(t *testing.T) {
		_, err := disk.Exists("s3:photos/jdoe.jpg")
		require.Error(t, err)

		_, err = disk.Exists("photos/jdoe.jpg")
		require.Error(t, err)
	})

	t.Run("traversal stays under the root", func(t *testing.T) {
		outside := filepath.Join(filepath.Dir(root), "secret.txt")
		require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

		ok, err := disk.Exists("disk:../secret.txt")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("open reads the file contents", func(t *testing.T) {
		f, err := disk.Open("disk:photos/jdoe.jpg")
		require.NoError(t, err)
		defer f.Close()

		buf := make([]byte, 16)
		n, _ := f.Read(buf)
		assert.Equal(t, "jpeg-bytes", string(buf[:n]))
	})
}
