package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsReadyLine(t *testing.T) {
	ready := []string{
		`[12:00:01] [Server thread/INFO]: Done (3.214s)! For help, type "help"`,
		`Done (12.5s)!`,
		`[Server] Server startup complete`,
	}
	for _, line := range ready {
		assert.True(t, isReadyLine(line), line)
	}
	assert.False(t, isReadyLine("Preparing spawn area: 45%"))
	assert.False(t, isReadyLine("Starting minecraft server version 1.21"))
}

func TestParseJoinLeave(t *testing.T) {
	assert.Equal(t, "Notch", parseJoin("[12:00:05] [Server thread/INFO]: Notch joined the game"))
	assert.Equal(t, "x_Herobrine_x", parseLeave("x_Herobrine_x left the game"))
	assert.Empty(t, parseJoin("Notch lost connection: Disconnected"))
	assert.Empty(t, parseLeave("Notch joined the game"))
}

func TestParseTPSNewestWins(t *testing.T) {
	lines := []string{
		"TPS: 15.2",
		"some chatter",
		"Current TPS 19.8",
	}
	v, ok := parseTPS(lines)
	require.True(t, ok)
	assert.InDelta(t, 19.8, v, 0.001)
}

func TestParseTPSCappedAtNominal(t *testing.T) {
	v, ok := parseTPS([]string{"tps = 20.0003"})
	require.True(t, ok)
	assert.Equal(t, nominalTPS, v)
}

func TestParseTPSAbsent(t *testing.T) {
	_, ok := parseTPS([]string{"no tick report here"})
	assert.False(t, ok)
}

func TestMergePlayersEmptyStatsListKeepsLog(t *testing.T) {
	logList := []string{"Notch", "jeb_"}
	// stats source claims players but cannot name them
	assert.Equal(t, logList, mergePlayers(logList, nil, 2))
}

func TestMergePlayersZeroCountEmptiesRoster(t *testing.T) {
	// everyone left between log lines; the zero count is authoritative
	assert.Empty(t, mergePlayers([]string{"Notch"}, nil, 0))
	assert.Empty(t, mergePlayers([]string{"Notch", "jeb_"}, []string{}, 0))
}

func TestMergePlayersUnionDropsGenerics(t *testing.T) {
	got := mergePlayers([]string{"Notch"}, []string{"Player", "jeb_", "Notch"}, 3)
	assert.ElementsMatch(t, []string{"Notch", "jeb_"}, got)
}

func TestMergePlayersGenericsOnlyWhenNothingElse(t *testing.T) {
	got := mergePlayers(nil, []string{"Steve", "Alex"}, 2)
	assert.ElementsMatch(t, []string{"Steve", "Alex"}, got)
}
