package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTempDirAndFile(t *testing.T) {
	dir, cleanup := TempDir(t)
	path := TempFile(t, dir, "a/b.txt", "hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	cleanup()
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestBytesDeterministic(t *testing.T) {
	assert.Equal(t, Bytes(1, 64), Bytes(1, 64))
	assert.NotEqual(t, Bytes(1, 64), Bytes(2, 64))
	assert.Len(t, Bytes(3, 10), 10)
}

func TestFlipByte(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x0f}, 0o644))

	FlipByte(t, path, -1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xf0}, data)
}

func TestLogger(t *testing.T) {
	log := Logger(t)
	log.Info().Str("k", "v").Msg("visible with -v")
}
