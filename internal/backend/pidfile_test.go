package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WritePIDMarker(dir, 4242))

	pid, err := ReadPIDMarker(dir)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	RemovePIDMarker(dir)
	_, err = ReadPIDMarker(dir)
	assert.Error(t, err)
}

func TestReadPIDMarkerTrailingMetadata(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PIDMarkerName), []byte("123\nstarted=yesterday\n"), 0o600))

	pid, err := ReadPIDMarker(dir)
	require.NoError(t, err)
	assert.Equal(t, 123, pid)
}

func TestReadPIDMarkerMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PIDMarkerName), []byte("not-a-pid"), 0o600))
	_, err := ReadPIDMarker(dir)
	assert.Error(t, err)
}

func TestPIDAlive(t *testing.T) {
	assert.True(t, PIDAlive(os.Getpid()))
	assert.False(t, PIDAlive(0))
	assert.False(t, PIDAlive(-5))
	// PID max on Linux is well below this.
	assert.False(t, PIDAlive(1<<22+12345))
}
