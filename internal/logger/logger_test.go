package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterNilWithoutDestination(t *testing.T) {
	assert.Nil(t, Config{}.Writer("lobby"))
}

func TestWriterDerivesPathFromDir(t *testing.T) {
	dir := t.TempDir()
	w := Config{Dir: dir}.Writer("lobby")
	require.NotNil(t, w)
	defer w.Close()

	_, err := w.Write([]byte("Done (1.0s)!\n"))
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "lobby.console.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "Done")
}

func TestWriterExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.log")
	w := Config{Dir: dir, Path: path}.Writer("ignored")
	require.NotNil(t, w)
	defer w.Close()

	_, err := w.Write([]byte("x\n"))
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	for _, lv := range []string{"debug", "info", "warn", "error", "bogus"} {
		log := New("test", lv)
		require.NotNil(t, log, lv)
	}
}
