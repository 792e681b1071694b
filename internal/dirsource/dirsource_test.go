package dirsource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bin"), []byte("y"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	s := NewScanner()
	reqs, err := s.ScanDirectory(dir, "/down")
	require.NoError(t, err)

	require.Len(t, reqs, 2, "subdirectories are not transferred")
	assert.Equal(t, filepath.Join(dir, "a.bin"), reqs[0].SrcName)
	assert.Equal(t, "/down/a.bin", reqs[0].DstName)
}

func TestScanDirectoryBounded(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1", "2", "3"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	s := &Scanner{MaxFiles: 2}
	reqs, err := s.ScanDirectory(dir, "/down")
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
}

func TestScanMissingDirectory(t *testing.T) {
	s := NewScanner()
	_, err := s.ScanDirectory("/does/not/exist", "/down")
	assert.Error(t, err)
}
