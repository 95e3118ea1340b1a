package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minefleet/minefleet/internal/wire"
)

func TestSafeJoin(t *testing.T) {
	base := "/srv/minecraft/s1"
	ok := map[string]string{
		"server.properties":  "/srv/minecraft/s1/server.properties",
		"world/level.dat":    "/srv/minecraft/s1/world/level.dat",
		"plugins/../ops.txt": "/srv/minecraft/s1/ops.txt",
	}
	for rel, want := range ok {
		got, err := safeJoin(base, rel)
		require.NoError(t, err, rel)
		assert.Equal(t, want, got, rel)
	}

	bad := []string{
		"",
		"/etc/passwd",
		"../other-server/ops.txt",
		"world/../../escape.txt",
		"../../../../root/.ssh/authorized_keys",
	}
	for _, rel := range bad {
		_, err := safeJoin(base, rel)
		assert.Error(t, err, rel)
	}
}

func decodeAck(t *testing.T, f wire.Frame) wire.Ack {
	t.Helper()
	var ack wire.Ack
	require.NoError(t, f.Decode(&ack))
	return ack
}

func manifestCall(t *testing.T, m wire.FileManifest) wire.Frame {
	t.Helper()
	f, err := wire.NewCall(wire.ChannelAgent, wire.EventFileManifest, m.ServerID, m)
	require.NoError(t, err)
	return f
}

func TestHandleManifestNeededSubset(t *testing.T) {
	a := newTestAgent(t)
	dir := a.serverDir("s1")
	require.NoError(t, os.MkdirAll(dir, 0o750))

	same := []byte("eula=true\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eula.txt"), same, 0o640))
	sameSum := sha256.Sum256(same)

	ack := decodeAck(t, a.handleManifest(manifestCall(t, wire.FileManifest{
		ServerID: "s1",
		Files: []wire.ManifestEntry{
			{Path: "eula.txt", SHA256: hex.EncodeToString(sameSum[:])},
			{Path: "server.properties", SHA256: "deadbeef"},
		},
	})))
	require.True(t, ack.OK)

	var reply wire.ManifestReply
	require.NoError(t, decodeData(ack.Data, &reply))
	assert.Equal(t, []string{"server.properties"}, reply.Needed)
}

func TestHandleManifestRejectsEscapingPath(t *testing.T) {
	a := newTestAgent(t)
	ack := decodeAck(t, a.handleManifest(manifestCall(t, wire.FileManifest{
		ServerID: "s1",
		Files:    []wire.ManifestEntry{{Path: "../../etc/crontab", SHA256: "00"}},
	})))
	assert.False(t, ack.OK)
	require.NotNil(t, ack.Error)
	assert.Equal(t, wire.CodePath, ack.Error.Code)
}

func TestChunkReassemblyOutOfOrder(t *testing.T) {
	a := newTestAgent(t)
	content := []byte("hello chunked world, this is the payload")
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])

	chunks := [][]byte{content[:10], content[10:25], content[25:]}
	for _, idx := range []int{2, 0, 1} {
		f, err := wire.NewCall(wire.ChannelAgent, wire.EventFileChunk, "s1", wire.FileChunk{
			ServerID: "s1",
			Path:     "data/blob.bin",
			Index:    idx,
			Total:    len(chunks),
			Data:     chunks[idx],
			SHA256:   sha,
		})
		require.NoError(t, err)
		ack := decodeAck(t, a.handleChunk(f))
		require.True(t, ack.OK, "chunk %d", idx)
	}

	got, err := os.ReadFile(filepath.Join(a.serverDir("s1"), "data", "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	endFrame, err := wire.NewCall(wire.ChannelAgent, wire.EventFileEnd, "s1", wire.FileEnd{ServerID: "s1"})
	require.NoError(t, err)
	assert.True(t, decodeAck(t, a.handleFileEnd(endFrame)).OK)
}

func TestChunkHashMismatchRejected(t *testing.T) {
	a := newTestAgent(t)
	f, err := wire.NewCall(wire.ChannelAgent, wire.EventFileChunk, "s1", wire.FileChunk{
		ServerID: "s1",
		Path:     "config.yml",
		Index:    0,
		Total:    1,
		Data:     []byte("actual content"),
		SHA256:   "0000000000000000000000000000000000000000000000000000000000000000",
	})
	require.NoError(t, err)
	ack := decodeAck(t, a.handleChunk(f))
	assert.False(t, ack.OK)

	_, statErr := os.Stat(filepath.Join(a.serverDir("s1"), "config.yml"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestChunkIndexOutOfRange(t *testing.T) {
	a := newTestAgent(t)
	f, err := wire.NewCall(wire.ChannelAgent, wire.EventFileChunk, "s1", wire.FileChunk{
		ServerID: "s1", Path: "x", Index: 5, Total: 3, Data: []byte("x"), SHA256: "00",
	})
	require.NoError(t, err)
	ack := decodeAck(t, a.handleChunk(f))
	assert.False(t, ack.OK)
	assert.Equal(t, wire.CodeValidation, ack.Error.Code)
}

func TestFileEndReportsIncomplete(t *testing.T) {
	a := newTestAgent(t)
	f, err := wire.NewCall(wire.ChannelAgent, wire.EventFileChunk, "s1", wire.FileChunk{
		ServerID: "s1", Path: "big.jar", Index: 0, Total: 2, Data: []byte("half"), SHA256: "00",
	})
	require.NoError(t, err)
	require.True(t, decodeAck(t, a.handleChunk(f)).OK)

	endFrame, err := wire.NewCall(wire.ChannelAgent, wire.EventFileEnd, "s1", wire.FileEnd{ServerID: "s1"})
	require.NoError(t, err)
	ack := decodeAck(t, a.handleFileEnd(endFrame))
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error.Message, "big.jar")
}
